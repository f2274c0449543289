package httputil

import (
	"net/http"
	"time"
)

// Cookie names used at the session boundary.
const (
	CookieAccessToken  = "access_token"
	CookieRefreshToken = "refresh_token"
	CookieAssurance    = "session_assurance"
	CookieChallenge    = "webauthn_challenge"
)

// RefreshTokenTTL bounds the refresh token cookie wherever a provider
// session is set or renewed.
const RefreshTokenTTL = 7 * 24 * time.Hour

// CookieConfig holds cookie configuration.
type CookieConfig struct {
	Domain   string
	Path     string
	Secure   bool // true in production (HTTPS)
	SameSite http.SameSite
}

// DefaultCookieConfig returns the default cookie configuration. Session
// attributes never cross sites, so SameSite is strict.
func DefaultCookieConfig(secure bool) CookieConfig {
	return CookieConfig{
		Path:     "/",
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// CookieBatch accumulates boundary attribute writes and applies them in one
// pass, so a handler that fails halfway never emits a partial attribute set.
// A zero or negative lifetime clears the attribute.
type CookieBatch struct {
	cfg     CookieConfig
	pending []*http.Cookie
}

// NewCookieBatch creates an empty batch.
func NewCookieBatch(cfg CookieConfig) *CookieBatch {
	return &CookieBatch{cfg: cfg}
}

// Set stages a cookie write. ttl <= 0 stages a clear instead.
func (b *CookieBatch) Set(name, value string, ttl time.Duration) {
	if ttl <= 0 || value == "" {
		b.Clear(name)
		return
	}
	b.stage(name, value, int(ttl.Seconds()))
}

// Clear stages removal of a cookie.
func (b *CookieBatch) Clear(name string) {
	b.stage(name, "", -1)
}

// ClearAll stages removal of every session boundary cookie.
func (b *CookieBatch) ClearAll() {
	b.Clear(CookieAccessToken)
	b.Clear(CookieRefreshToken)
	b.Clear(CookieAssurance)
	b.Clear(CookieChallenge)
}

// Reset drops all staged writes.
func (b *CookieBatch) Reset() {
	b.pending = b.pending[:0]
}

// Apply writes the staged cookies to the response. Later writes for the same
// name win. Apply must be called before the response body is written.
func (b *CookieBatch) Apply(w http.ResponseWriter) {
	last := make(map[string]*http.Cookie, len(b.pending))
	order := make([]string, 0, len(b.pending))
	for _, c := range b.pending {
		if _, seen := last[c.Name]; !seen {
			order = append(order, c.Name)
		}
		last[c.Name] = c
	}
	for _, name := range order {
		http.SetCookie(w, last[name])
	}
	b.pending = nil
}

func (b *CookieBatch) stage(name, value string, maxAge int) {
	b.pending = append(b.pending, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     b.cfg.Path,
		Domain:   b.cfg.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   b.cfg.Secure,
		SameSite: b.cfg.SameSite,
	})
}

// GetCookie extracts a cookie value from a request.
func GetCookie(r *http.Request, name string) (string, bool) {
	cookie, err := r.Cookie(name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}
