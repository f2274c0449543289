package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/calant/stepup/internal/httputil"
	"github.com/calant/stepup/pkg/domain"
	"github.com/calant/stepup/pkg/policy"
	"github.com/calant/stepup/pkg/provider"
	assurance "github.com/calant/stepup/pkg/session"
)

// Provider is the slice of the identity-provider client the session flows
// need.
type Provider interface {
	AuthenticateWithPassword(ctx context.Context, email, password string) (*provider.Session, error)
	CreateAccount(ctx context.Context, email, password string, metadata map[string]any) (*provider.SignupResult, error)
	EndSession(ctx context.Context, accessToken string) error
}

// Factors reads the enrolled-factor state and evaluates policy over it.
type Factors interface {
	State(ctx context.Context, userID uuid.UUID) (domain.MfaState, error)
	Evaluate(identity domain.Identity, state domain.MfaState) policy.Result
}

// Handler handles login, signup and logout.
type Handler struct {
	logger       *slog.Logger
	provider     Provider
	factors      Factors
	sessions     *assurance.Manager
	cookieConfig httputil.CookieConfig
}

// NewHandler creates a new session handler.
func NewHandler(
	logger *slog.Logger,
	identityProvider Provider,
	factors Factors,
	sessions *assurance.Manager,
	cookieConfig httputil.CookieConfig,
) *Handler {
	return &Handler{
		logger:       logger,
		provider:     identityProvider,
		factors:      factors,
		sessions:     sessions,
		cookieConfig: cookieConfig,
	}
}

// LoginRequest is the password login request body.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse reports what the caller must do next to reach full
// assurance. The factor state itself is the public view only.
type LoginResponse struct {
	RequiresMFA             bool                  `json:"requiresMfa"`
	NeedsEnrollment         bool                  `json:"needsEnrollment"`
	RequiresFirstLoginSetup bool                  `json:"requiresFirstLoginSetup"`
	MFA                     domain.MfaPublicState `json:"mfa"`
}

// Login handles POST /v1/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		httputil.Error(w, http.StatusBadRequest, "email and password are required")
		return
	}

	providerSession, err := h.provider.AuthenticateWithPassword(ctx, req.Email, req.Password)
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidCredentials) {
			h.logger.Error("password authentication failed", "error", err)
		}
		httputil.DomainError(w, err)
		return
	}
	identity := providerSession.Identity

	state, err := h.factors.State(ctx, identity.ID)
	if err != nil {
		h.logger.Error("failed to load factor state", "user_id", identity.ID, "error", err)
		httputil.DomainError(w, err)
		return
	}
	pol := h.factors.Evaluate(identity, state)

	attrs := h.sessions.Issue(identity, pol)
	if err := h.setSession(w, providerSession, attrs); err != nil {
		h.logger.Error("failed to sign session attributes", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	httputil.JSON(w, http.StatusOK, LoginResponse{
		RequiresMFA:             pol.RequiresMFA,
		NeedsEnrollment:         pol.NeedsEnrollment,
		RequiresFirstLoginSetup: pol.RequiresFirstLoginSetup,
		MFA:                     state.Public(),
	})
}

// SignupRequest is the account creation request body.
type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignupUser is the caller-visible slice of the created account.
type SignupUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// SignupResponse is the account creation response body.
type SignupResponse struct {
	RequiresEmailConfirmation bool       `json:"requiresEmailConfirmation"`
	RequiresMFA               bool       `json:"requiresMfa"`
	RequiresFirstLoginSetup   bool       `json:"requiresFirstLoginSetup"`
	User                      SignupUser `json:"user"`
}

// Signup handles POST /v1/auth/signup.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		httputil.Error(w, http.StatusBadRequest, "invalid email")
		return
	}
	if req.Password == "" {
		httputil.Error(w, http.StatusBadRequest, "password is required")
		return
	}

	result, err := h.provider.CreateAccount(ctx, req.Email, req.Password, nil)
	if err != nil {
		if !errors.Is(err, domain.ErrValidation) {
			h.logger.Error("signup failed", "error", err)
		}
		httputil.DomainError(w, err)
		return
	}

	user := SignupUser{
		ID:    result.Identity.ID.String(),
		Email: result.Identity.Email,
		Role:  string(result.Identity.Role),
	}

	if result.RequiresEmailConfirmation || result.Session == nil {
		httputil.JSON(w, http.StatusOK, SignupResponse{
			RequiresEmailConfirmation: true,
			User:                      user,
		})
		return
	}

	// A fresh account has no enrolled factors.
	pol := h.factors.Evaluate(result.Identity, domain.MfaState{})
	attrs := h.sessions.Issue(result.Identity, pol)
	if err := h.setSession(w, result.Session, attrs); err != nil {
		h.logger.Error("failed to sign session attributes", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	httputil.JSON(w, http.StatusOK, SignupResponse{
		RequiresMFA:             pol.RequiresMFA,
		RequiresFirstLoginSetup: pol.RequiresFirstLoginSetup,
		User:                    user,
	})
}

// LogoutResponse is the logout response body.
type LogoutResponse struct {
	OK bool `json:"ok"`
}

// Logout handles POST /v1/auth/logout. The local attributes are always
// cleared, even when the provider sign-out fails; a second logout is a
// no-op with the same response.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := accessTokenFrom(r); token != "" {
		if err := h.provider.EndSession(r.Context(), token); err != nil {
			h.logger.Warn("provider sign-out failed", "error", err)
		}
	}

	batch := httputil.NewCookieBatch(h.cookieConfig)
	batch.ClearAll()
	batch.Apply(w)

	httputil.JSON(w, http.StatusOK, LogoutResponse{OK: true})
}

// setSession applies the full cookie set for a fresh provider session in
// one batch.
func (h *Handler) setSession(w http.ResponseWriter, providerSession *provider.Session, attrs assurance.Attributes) error {
	token, err := h.sessions.Encode(attrs)
	if err != nil {
		return err
	}

	accessTTL := time.Duration(providerSession.ExpiresIn) * time.Second
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}

	batch := httputil.NewCookieBatch(h.cookieConfig)
	batch.Set(httputil.CookieAccessToken, providerSession.AccessToken, accessTTL)
	batch.Set(httputil.CookieRefreshToken, providerSession.RefreshToken, httputil.RefreshTokenTTL)
	batch.Set(httputil.CookieAssurance, token, h.sessions.TTL())
	batch.Apply(w)
	return nil
}

func accessTokenFrom(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	if token, ok := httputil.GetCookie(r, httputil.CookieAccessToken); ok {
		return token
	}
	return ""
}
