package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/calant/stepup/internal/httputil"
	"github.com/calant/stepup/pkg/domain"
	"github.com/calant/stepup/pkg/session"
)

type fakeLoader struct {
	identity domain.Identity
	err      error
	gotToken string
}

func (f *fakeLoader) GetIdentity(_ context.Context, accessToken string) (domain.Identity, error) {
	f.gotToken = accessToken
	if f.err != nil {
		return domain.Identity{}, f.err
	}
	return f.identity, nil
}

func testSessions() *session.Manager {
	return session.NewManager(session.Config{
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
		Issuer:     "stepup-test",
	})
}

func authedHandler(t *testing.T, wantIdentity domain.Identity) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := GetIdentity(r.Context())
		if !ok {
			t.Error("identity missing from context")
		}
		if identity.ID != wantIdentity.ID {
			t.Errorf("identity ID = %s, want %s", identity.ID, wantIdentity.ID)
		}
		if _, ok := GetAccessToken(r.Context()); !ok {
			t.Error("access token missing from context")
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth_BearerHeader(t *testing.T) {
	identity := domain.Identity{ID: uuid.New(), Email: "user@example.com", Role: domain.RoleUser}
	loader := &fakeLoader{identity: identity}

	handler := Auth(loader, testSessions())(authedHandler(t, identity))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer provider-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if loader.gotToken != "provider-token" {
		t.Errorf("token passed to provider = %q", loader.gotToken)
	}
}

func TestAuth_CookieFallback(t *testing.T) {
	identity := domain.Identity{ID: uuid.New(), Email: "user@example.com", Role: domain.RoleUser}
	loader := &fakeLoader{identity: identity}

	handler := Auth(loader, testSessions())(authedHandler(t, identity))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: httputil.CookieAccessToken, Value: "cookie-token"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if loader.gotToken != "cookie-token" {
		t.Errorf("token passed to provider = %q", loader.gotToken)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	handler := Auth(&fakeLoader{}, testSessions())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without a token")
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAuth_RejectedToken(t *testing.T) {
	loader := &fakeLoader{err: fmt.Errorf("get identity: %w", domain.ErrUnauthenticated)}
	handler := Auth(loader, testSessions())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with a rejected token")
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer bad")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAuth_ProviderDown(t *testing.T) {
	loader := &fakeLoader{err: fmt.Errorf("get identity: %w", domain.ErrProviderUnavailable)}
	handler := Auth(loader, testSessions())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with the provider down")
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestAuth_AttributesRideAlong(t *testing.T) {
	identity := domain.Identity{ID: uuid.New(), Email: "user@example.com", Role: domain.RoleUser}
	sessions := testSessions()

	attrs := session.Attributes{
		Role:     domain.RoleUser,
		Level:    session.LevelAAL2,
		IdleAt:   100,
		IssuedAt: 100,
	}
	token, err := sessions.Encode(attrs)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	handler := Auth(&fakeLoader{identity: identity}, sessions)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := GetAttributes(r.Context())
		if got.Level != session.LevelAAL2 {
			t.Errorf("attribute level = %q, want aal2", got.Level)
		}
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer tok")
	r.AddCookie(&http.Cookie{Name: httputil.CookieAssurance, Value: token})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
}

func TestAuth_GarbageAttributesIgnored(t *testing.T) {
	identity := domain.Identity{ID: uuid.New(), Email: "user@example.com", Role: domain.RoleUser}

	handler := Auth(&fakeLoader{identity: identity}, testSessions())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := GetAttributes(r.Context()); got.Valid() {
			t.Errorf("untrusted attributes surfaced: %+v", got)
		}
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer tok")
	r.AddCookie(&http.Cookie{Name: httputil.CookieAssurance, Value: "not-a-jwt"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
