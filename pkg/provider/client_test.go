package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/calant/stepup/pkg/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func TestGetIdentity(t *testing.T) {
	userID := uuid.New()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/user" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-123" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("apikey"); got != "test-key" {
			t.Errorf("apikey = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "` + userID.String() + `",
			"email": "admin@example.com",
			"app_metadata": {"role": "admin"},
			"user_metadata": {"first_login_complete": true}
		}`))
	})

	identity, err := client.GetIdentity(context.Background(), "token-123")
	if err != nil {
		t.Fatalf("GetIdentity() error = %v", err)
	}
	if identity.ID != userID {
		t.Errorf("ID = %v, want %v", identity.ID, userID)
	}
	if identity.Email != "admin@example.com" {
		t.Errorf("Email = %q", identity.Email)
	}
	if identity.Role != domain.RoleAdmin {
		t.Errorf("Role = %v, want admin", identity.Role)
	}
	if !identity.Metadata.FirstLoginComplete {
		t.Error("FirstLoginComplete = false, want true")
	}
}

func TestGetIdentity_NoToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider should not be called without a token")
	})
	if _, err := client.GetIdentity(context.Background(), ""); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Errorf("error = %v, want ErrUnauthenticated", err)
	}
}

func TestGetIdentity_InvalidToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	if _, err := client.GetIdentity(context.Background(), "stale"); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Errorf("error = %v, want ErrUnauthenticated", err)
	}
}

func TestGetIdentity_FailsClosedOnBadShape(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing id", `{"email": "x@example.com"}`},
		{"unparseable id", `{"id": "not-a-uuid", "email": "x@example.com"}`},
		{"missing email", `{"id": "` + uuid.NewString() + `"}`},
		{"malformed app_metadata", `{"id": "` + uuid.NewString() + `", "email": "x@example.com", "app_metadata": "oops"}`},
		{"malformed user_metadata", `{"id": "` + uuid.NewString() + `", "email": "x@example.com", "user_metadata": []}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.body))
			})
			if _, err := client.GetIdentity(context.Background(), "token"); !errors.Is(err, domain.ErrProviderUnavailable) {
				t.Errorf("error = %v, want ErrProviderUnavailable", err)
			}
		})
	}
}

func TestAuthenticateWithPassword(t *testing.T) {
	userID := uuid.New()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" || r.URL.Query().Get("grant_type") != "password" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.String())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"access_token": "at",
			"refresh_token": "rt",
			"expires_in": 3600,
			"user": {"id": "` + userID.String() + `", "email": "user@example.com"}
		}`))
	})

	session, err := client.AuthenticateWithPassword(context.Background(), "user@example.com", "hunter2")
	if err != nil {
		t.Fatalf("AuthenticateWithPassword() error = %v", err)
	}
	if session.AccessToken != "at" || session.RefreshToken != "rt" {
		t.Errorf("tokens = %q/%q", session.AccessToken, session.RefreshToken)
	}
	if session.Identity.ID != userID {
		t.Errorf("Identity.ID = %v, want %v", session.Identity.ID, userID)
	}
	if session.Identity.Role != domain.RoleUser {
		t.Errorf("Role = %v, want default user role", session.Identity.Role)
	}
}

func TestAuthenticateWithPassword_BadCredentials(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	if _, err := client.AuthenticateWithPassword(context.Background(), "user@example.com", "wrong"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Errorf("error = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticateWithPassword_ProviderDown(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	if _, err := client.AuthenticateWithPassword(context.Background(), "user@example.com", "pw"); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Errorf("error = %v, want ErrProviderUnavailable", err)
	}
}

func TestCreateAccount_WithSession(t *testing.T) {
	userID := uuid.New()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"access_token": "at",
			"refresh_token": "rt",
			"user": {"id": "` + userID.String() + `", "email": "new@example.com"}
		}`))
	})

	result, err := client.CreateAccount(context.Background(), "new@example.com", "pw", map[string]any{"first_login_complete": false})
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	if result.RequiresEmailConfirmation {
		t.Error("RequiresEmailConfirmation = true with a live session")
	}
	if result.Session == nil {
		t.Fatal("Session = nil")
	}
	if result.Identity.ID != userID {
		t.Errorf("Identity.ID = %v, want %v", result.Identity.ID, userID)
	}
}

func TestCreateAccount_EmailConfirmationPending(t *testing.T) {
	userID := uuid.New()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "` + userID.String() + `", "email": "new@example.com"}`))
	})

	result, err := client.CreateAccount(context.Background(), "new@example.com", "pw", nil)
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	if !result.RequiresEmailConfirmation {
		t.Error("RequiresEmailConfirmation = false without a session")
	}
	if result.Session != nil {
		t.Error("Session should be nil when confirmation is pending")
	}
}

func TestCreateAccount_ValidationRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	if _, err := client.CreateAccount(context.Background(), "bad", "pw", nil); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("error = %v, want ErrValidation", err)
	}
}

func TestEndSession(t *testing.T) {
	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.URL.Path != "/logout" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := client.EndSession(context.Background(), "token"); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if !called {
		t.Error("provider logout not called")
	}
}

func TestPatchMetadata(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/user" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	})
	err := client.PatchMetadata(context.Background(), "token", map[string]any{"first_login_complete": true})
	if err != nil {
		t.Fatalf("PatchMetadata() error = %v", err)
	}
}

func TestRefreshSession_ProviderDown(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	if _, err := client.RefreshSession(context.Background(), "rt"); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Errorf("error = %v, want ErrProviderUnavailable", err)
	}
}
