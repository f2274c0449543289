package webauthn

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"

	"github.com/calant/stepup/internal/http/middleware"
	"github.com/calant/stepup/internal/httputil"
	"github.com/calant/stepup/pkg/domain"
	"github.com/calant/stepup/pkg/policy"
	"github.com/calant/stepup/pkg/provider"
	assurance "github.com/calant/stepup/pkg/session"
	wa "github.com/calant/stepup/pkg/webauthn"
)

// Factors is the slice of the factor service the WebAuthn flows need.
type Factors interface {
	State(ctx context.Context, userID uuid.UUID) (domain.MfaState, error)
	Evaluate(identity domain.Identity, state domain.MfaState) policy.Result
	BeginWebAuthnRegistration(ctx context.Context, identity domain.Identity) (*protocol.CredentialCreation, string, error)
	FinishWebAuthnRegistration(ctx context.Context, identity domain.Identity, accessToken, challengeToken, label string, response *protocol.ParsedCredentialCreationData) (domain.MfaState, error)
	BeginWebAuthnAuthentication(ctx context.Context, identity domain.Identity) (*protocol.CredentialAssertion, string, error)
	FinishWebAuthnAuthentication(ctx context.Context, identity domain.Identity, challengeToken string, response *protocol.ParsedCredentialAssertionData) (domain.MfaState, error)
}

// SessionRefresher trades a refresh token for a renewed provider session.
type SessionRefresher interface {
	RefreshSession(ctx context.Context, refreshToken string) (*provider.Session, error)
}

// Handler handles WebAuthn registration and authentication ceremonies.
type Handler struct {
	logger       *slog.Logger
	factors      Factors
	refresher    SessionRefresher
	sessions     *assurance.Manager
	cookieConfig httputil.CookieConfig
}

// NewHandler creates a new WebAuthn handler.
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

// RegistrationOptions handles POST /v1/me/mfa/webauthn/registration-options.
// The signed challenge rides in a short-lived cookie alongside the options.
func (h *Handler) RegistrationOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := middleware.GetIdentity(ctx)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	options, challengeToken, err := h.factors.BeginWebAuthnRegistration(ctx, identity)
	if err != nil {
		h.logger.Error("failed to build registration options", "user_id", identity.ID, "error", err)
		httputil.DomainError(w, err)
		return
	}

	batch := httputil.NewCookieBatch(h.cookieConfig)
	batch.Set(httputil.CookieChallenge, challengeToken, wa.ChallengeTTL)
	batch.Apply(w)

	httputil.JSON(w, http.StatusOK, options)
}

// RegisterRequest carries the authenticator's attestation response plus an
// optional human-readable label for the new credential.
type RegisterRequest struct {
	Credential json.RawMessage `json:"credential"`
	Label      string          `json:"label"`
}

// RegisterResponse is the registration verify response body.
type RegisterResponse struct {
	Role string                `json:"role"`
	MFA  domain.MfaPublicState `json:"mfa"`
}

// Register handles POST /v1/me/mfa/webauthn/register. The challenge cookie
// is single-use: it is cleared whether verification succeeds or fails.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := middleware.GetIdentity(ctx)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	challengeToken, ok := httputil.GetCookie(r, httputil.CookieChallenge)
	if !ok {
		httputil.Error(w, http.StatusBadRequest, "missing challenge")
		return
	}

	batch := httputil.NewCookieBatch(h.cookieConfig)
	batch.Clear(httputil.CookieChallenge)

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Credential) == 0 {
		batch.Apply(w)
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	response, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(req.Credential))
	if err != nil {
		batch.Apply(w)
		httputil.Error(w, http.StatusBadRequest, "malformed credential")
		return
	}

	accessToken, _ := middleware.GetAccessToken(ctx)
	state, err := h.factors.FinishWebAuthnRegistration(ctx, identity, accessToken, challengeToken, req.Label, response)
	if err != nil {
		batch.Apply(w)
		httputil.DomainError(w, err)
		return
	}

	if err := h.escalate(ctx, r, batch, identity, state); err != nil {
		h.logger.Error("failed to sign session attributes", "error", err)
		batch.Apply(w)
		httputil.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	batch.Apply(w)

	httputil.JSON(w, http.StatusOK, RegisterResponse{
		Role: string(identity.Role),
		MFA:  state.Public(),
	})
}

// AuthenticationOptions handles POST /v1/me/mfa/webauthn/authentication-options.
func (h *Handler) AuthenticationOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := middleware.GetIdentity(ctx)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	options, challengeToken, err := h.factors.BeginWebAuthnAuthentication(ctx, identity)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}

	batch := httputil.NewCookieBatch(h.cookieConfig)
	batch.Set(httputil.CookieChallenge, challengeToken, wa.ChallengeTTL)
	batch.Apply(w)

	httputil.JSON(w, http.StatusOK, options)
}

// VerifyRequest carries the authenticator's assertion response.
type VerifyRequest struct {
	Credential json.RawMessage `json:"credential"`
}

// RemainingFactors reports which factor types stay enrolled after the
// verification.
type RemainingFactors struct {
	TOTP     bool `json:"totp"`
	WebAuthn bool `json:"webauthn"`
}

// VerifyResponse is the authentication verify response body.
type VerifyResponse struct {
	Role             string                `json:"role"`
	MFA              domain.MfaPublicState `json:"mfa"`
	RemainingFactors RemainingFactors      `json:"remainingFactors"`
}

// Verify handles POST /v1/me/mfa/webauthn/verify. A valid assertion
// escalates the session to aal2; the challenge cookie is cleared either way.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := middleware.GetIdentity(ctx)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	challengeToken, ok := httputil.GetCookie(r, httputil.CookieChallenge)
	if !ok {
		httputil.Error(w, http.StatusBadRequest, "missing challenge")
		return
	}

	batch := httputil.NewCookieBatch(h.cookieConfig)
	batch.Clear(httputil.CookieChallenge)

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Credential) == 0 {
		batch.Apply(w)
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	response, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(req.Credential))
	if err != nil {
		batch.Apply(w)
		httputil.Error(w, http.StatusBadRequest, "malformed credential")
		return
	}

	state, err := h.factors.FinishWebAuthnAuthentication(ctx, identity, challengeToken, response)
	if err != nil {
		batch.Apply(w)
		httputil.DomainError(w, err)
		return
	}

	if err := h.escalate(ctx, r, batch, identity, state); err != nil {
		h.logger.Error("failed to sign session attributes", "error", err)
		batch.Apply(w)
		httputil.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	batch.Apply(w)

	httputil.JSON(w, http.StatusOK, VerifyResponse{
		Role: string(identity.Role),
		MFA:  state.Public(),
		RemainingFactors: RemainingFactors{
			TOTP:     state.HasTOTP(),
			WebAuthn: state.HasWebAuthn(),
		},
	})
}

// escalate stages the refreshed aal2 attribute cookie onto the batch and
// renews the provider session alongside it.
func (h *Handler) escalate(ctx context.Context, r *http.Request, batch *httputil.CookieBatch, identity domain.Identity, state domain.MfaState) error {
	attrs := middleware.GetAttributes(ctx)
	if !attrs.Valid() {
		attrs = h.sessions.Issue(identity, h.factors.Evaluate(identity, state))
	}
	attrs = h.sessions.StepUp(attrs)

	token, err := h.sessions.Encode(attrs)
	if err != nil {
		return err
	}
	batch.Set(httputil.CookieAssurance, token, h.sessions.TTL())
	h.refreshProviderSession(ctx, r, batch)
	return nil
}

// refreshProviderSession renews the provider session after a successful
// ceremony and stages the new token cookies. The credential write already
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
