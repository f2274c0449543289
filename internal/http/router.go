package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/calant/stepup/internal/http/features/mfa"
	sessionfeature "github.com/calant/stepup/internal/http/features/session"
	"github.com/calant/stepup/internal/http/features/webauthn"
	"github.com/calant/stepup/internal/http/middleware"
	"github.com/calant/stepup/internal/httputil"
	"github.com/calant/stepup/pkg/auth"
	"github.com/calant/stepup/pkg/provider"
	assurance "github.com/calant/stepup/pkg/session"
)

// maxRequestBodySize bounds every request body. Attestation payloads are
// the largest accepted input and stay well under this.
const maxRequestBodySize = 64 * 1024

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Logger          *slog.Logger
	Provider        *provider.Client
	Factors         *auth.FactorService
	Sessions        *assurance.Manager
	CookieConfig    httputil.CookieConfig
	AuthRateLimit   int // requests per minute per IP on login/signup
	VerifyRateLimit int // requests per minute per IP on verification
}

// NewRouter creates a new HTTP router with all routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply global middleware
	r.Use(middleware.Recover(cfg.Logger))
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.RequestSizeLimit(maxRequestBodySize))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	authLimit := middleware.NoRateLimit()
	verifyLimit := middleware.NoRateLimit()
	if cfg.AuthRateLimit > 0 {
		authLimit = middleware.RateLimit(middleware.RateLimitConfig{
			Requests: cfg.AuthRateLimit,
			Window:   time.Minute,
			Logger:   cfg.Logger,
		})
	}
	if cfg.VerifyRateLimit > 0 {
		verifyLimit = middleware.RateLimit(middleware.RateLimitConfig{
			Requests: cfg.VerifyRateLimit,
			Window:   time.Minute,
			Logger:   cfg.Logger,
		})
	}

	requireAuth := middleware.Auth(cfg.Provider, cfg.Sessions)

	// Session routes
	sessionHandler := sessionfeature.NewHandler(cfg.Logger, cfg.Provider, cfg.Factors, cfg.Sessions, cfg.CookieConfig)
	r.Group(func(r chi.Router) {
		r.Use(authLimit)
		r.Post("/v1/auth/login", sessionHandler.Login)
		r.Post("/v1/auth/signup", sessionHandler.Signup)
	})
	r.Post("/v1/auth/logout", sessionHandler.Logout)

	// Factor status and TOTP lifecycle
	mfaHandler := mfa.NewHandler(cfg.Logger, cfg.Factors, cfg.Provider, cfg.Sessions, cfg.CookieConfig)
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Get("/v1/me/mfa", mfaHandler.Status)
		r.Post("/v1/me/mfa/totp/enroll", mfaHandler.EnrollTOTP)
	})
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Use(verifyLimit)
		r.Post("/v1/me/mfa/totp/verify", mfaHandler.VerifyTOTP)
		r.Post("/v1/me/mfa/totp/disable", mfaHandler.DisableTOTP)
	})

	// WebAuthn ceremonies
	webauthnHandler := webauthn.NewHandler(cfg.Logger, cfg.Factors, cfg.Provider, cfg.Sessions, cfg.CookieConfig)
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Post("/v1/me/mfa/webauthn/registration-options", webauthnHandler.RegistrationOptions)
		r.Post("/v1/me/mfa/webauthn/authentication-options", webauthnHandler.AuthenticationOptions)
	})
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Use(verifyLimit)
		r.Post("/v1/me/mfa/webauthn/register", webauthnHandler.Register)
		r.Post("/v1/me/mfa/webauthn/verify", webauthnHandler.Verify)
	})

	return r
}
