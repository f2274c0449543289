package mfa

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/calant/stepup/internal/http/middleware"
	"github.com/calant/stepup/internal/httputil"
	"github.com/calant/stepup/pkg/auth"
	"github.com/calant/stepup/pkg/domain"
	"github.com/calant/stepup/pkg/policy"
	"github.com/calant/stepup/pkg/provider"
	assurance "github.com/calant/stepup/pkg/session"
)

// Factors is the slice of the factor service the TOTP flows need.
type Factors interface {
	State(ctx context.Context, userID uuid.UUID) (domain.MfaState, error)
	Evaluate(identity domain.Identity, state domain.MfaState) policy.Result
	EnrollTOTP(ctx context.Context, identity domain.Identity) (*auth.TOTPEnrollment, error)
	VerifyTOTP(ctx context.Context, identity domain.Identity, accessToken, code string) (*auth.TOTPVerification, error)
	DisableTOTP(ctx context.Context, identity domain.Identity, code string) (domain.MfaState, error)
}

// SessionRefresher trades a refresh token for a renewed provider session.
type SessionRefresher interface {
	RefreshSession(ctx context.Context, refreshToken string) (*provider.Session, error)
}

// Handler handles factor status and the TOTP lifecycle.
type Handler struct {
	logger       *slog.Logger
	factors      Factors
	refresher    SessionRefresher
	sessions     *assurance.Manager
	cookieConfig httputil.CookieConfig
}

// NewHandler creates a new MFA handler.
func NewHandler(
	logger *slog.Logger,
	factors Factors,
	refresher SessionRefresher,
	sessions *assurance.Manager,
	cookieConfig httputil.CookieConfig,
) *Handler {
	return &Handler{
		logger:       logger,
		factors:      factors,
		refresher:    refresher,
		sessions:     sessions,
		cookieConfig: cookieConfig,
	}
}

// StatusResponse is the factor status response body.
type StatusResponse struct {
	MFA                domain.MfaPublicState `json:"mfa"`
	RequiresMFA        bool                  `json:"requiresMfa"`
	RequiresEnrollment bool                  `json:"requiresEnrollment"`
}

// Status handles GET /v1/me/mfa.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := middleware.GetIdentity(ctx)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	state, err := h.factors.State(ctx, identity.ID)
	if err != nil {
		h.logger.Error("failed to load factor state", "user_id", identity.ID, "error", err)
		httputil.DomainError(w, err)
		return
	}
	pol := h.factors.Evaluate(identity, state)

	httputil.JSON(w, http.StatusOK, StatusResponse{
		MFA:                state.Public(),
		RequiresMFA:        pol.RequiresMFA,
		RequiresEnrollment: pol.NeedsEnrollment,
	})
}

// EnrollResponse is the one-time TOTP enrollment response.
type EnrollResponse struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioningUri"`
	Issuer          string `json:"issuer"`
}

// EnrollTOTP handles POST /v1/me/mfa/totp/enroll.
func (h *Handler) EnrollTOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := middleware.GetIdentity(ctx)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	enrollment, err := h.factors.EnrollTOTP(ctx, identity)
	if err != nil {
		h.logger.Error("totp enrollment failed", "user_id", identity.ID, "error", err)
		httputil.DomainError(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, EnrollResponse{
		Secret:          enrollment.Secret,
		ProvisioningURI: enrollment.ProvisioningURI,
		Issuer:          enrollment.Issuer,
	})
}

// VerifyRequest is the TOTP verification request body.
type VerifyRequest struct {
	Code string `json:"code"`
}

// VerifyResponse is the TOTP verification response body.
type VerifyResponse struct {
	WasEnrollment bool                  `json:"wasEnrollment"`
	Role          string                `json:"role"`
	MFA           domain.MfaPublicState `json:"mfa"`
}

// VerifyTOTP handles POST /v1/me/mfa/totp/verify. A valid code escalates
// the session to aal2.
func (h *Handler) VerifyTOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := middleware.GetIdentity(ctx)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		httputil.Error(w, http.StatusBadRequest, "code is required")
		return
	}

	accessToken, _ := middleware.GetAccessToken(ctx)
	result, err := h.factors.VerifyTOTP(ctx, identity, accessToken, req.Code)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}

	if err := h.escalate(ctx, w, r, identity, result.State); err != nil {
		h.logger.Error("failed to sign session attributes", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	httputil.JSON(w, http.StatusOK, VerifyResponse{
		WasEnrollment: result.WasEnrollment,
		Role:          string(identity.Role),
		MFA:           result.State.Public(),
	})
}

// DisableRequest is the TOTP disable request body.
type DisableRequest struct {
	Code string `json:"code"`
}

// DisableResponse is the TOTP disable response body.
type DisableResponse struct {
	OK  bool                  `json:"ok"`
	MFA domain.MfaPublicState `json:"mfa"`
}

// DisableTOTP handles POST /v1/me/mfa/totp/disable.
func (h *Handler) DisableTOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := middleware.GetIdentity(ctx)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req DisableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		httputil.Error(w, http.StatusBadRequest, "code is required")
		return
	}

	state, err := h.factors.DisableTOTP(ctx, identity, req.Code)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, DisableResponse{
		OK:  true,
		MFA: state.Public(),
	})
}

// escalate steps the session assurance up to aal2 and writes the refreshed
// attribute cookie. A request that arrived without trusted attributes gets
// a fresh set issued from the post-verification factor state first.
func (h *Handler) escalate(ctx context.Context, w http.ResponseWriter, r *http.Request, identity domain.Identity, state domain.MfaState) error {
	attrs := middleware.GetAttributes(ctx)
	if !attrs.Valid() {
		attrs = h.sessions.Issue(identity, h.factors.Evaluate(identity, state))
	}
	attrs = h.sessions.StepUp(attrs)

	token, err := h.sessions.Encode(attrs)
	if err != nil {
		return err
	}

	batch := httputil.NewCookieBatch(h.cookieConfig)
	batch.Set(httputil.CookieAssurance, token, h.sessions.TTL())
	h.refreshProviderSession(ctx, r, batch)
	batch.Apply(w)
	return nil
}

// refreshProviderSession renews the provider session after a successful
// verification and stages the new token cookies. The factor write already
// stands on its own, so a failed renewal is logged and never surfaced.
func (h *Handler) refreshProviderSession(ctx context.Context, r *http.Request, batch *httputil.CookieBatch) {
	refreshToken, ok := httputil.GetCookie(r, httputil.CookieRefreshToken)
	if !ok {
		return
	}

	session, err := h.refresher.RefreshSession(ctx, refreshToken)
	if err != nil {
		h.logger.Warn("provider session refresh failed", "error", err)
		return
	}

	accessTTL := time.Duration(session.ExpiresIn) * time.Second
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	batch.Set(httputil.CookieAccessToken, session.AccessToken, accessTTL)
	batch.Set(httputil.CookieRefreshToken, session.RefreshToken, httputil.RefreshTokenTTL)
}
