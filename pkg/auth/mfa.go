// Package auth orchestrates the MFA factor flows: TOTP enrollment and
// verification, WebAuthn registration and authentication, and the factor
// record updates they produce.
package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"

	"github.com/calant/stepup/pkg/domain"
	"github.com/calant/stepup/pkg/policy"
	"github.com/calant/stepup/pkg/store"
	"github.com/calant/stepup/pkg/totp"
	"github.com/calant/stepup/pkg/webauthn"
)

const defaultCredentialName = "Security key"

// FactorStore is the persistence contract the service needs: an atomic
// read and an atomic read-modify-write per user id.
type FactorStore interface {
	Get(ctx context.Context, userID uuid.UUID) (domain.MfaState, error)
	Update(ctx context.Context, userID uuid.UUID, reduce store.Reducer) (domain.MfaState, error)
}

// MetadataPatcher is the identity-provider side channel for the one
// identity field this service mutates.
type MetadataPatcher interface {
	PatchMetadata(ctx context.Context, accessToken string, patch map[string]any) error
}

// FactorService runs the MFA factor lifecycle for all users.
type FactorService struct {
	logger   *slog.Logger
	sealKey  []byte
	store    FactorStore
	totp     *totp.Engine
	webauthn *webauthn.Verifier
	metadata MetadataPatcher
}

// NewFactorService creates the factor service.
func NewFactorService(
	logger *slog.Logger,
	sealKey []byte,
	factorStore FactorStore,
	totpEngine *totp.Engine,
	webauthnVerifier *webauthn.Verifier,
	metadata MetadataPatcher,
) *FactorService {
	return &FactorService{
		logger:   logger,
		sealKey:  sealKey,
		store:    factorStore,
		totp:     totpEngine,
		webauthn: webauthnVerifier,
		metadata: metadata,
	}
}

// State reads the current factor record for a user.
func (s *FactorService) State(ctx context.Context, userID uuid.UUID) (domain.MfaState, error) {
	return s.store.Get(ctx, userID)
}

// Evaluate runs the policy engine over the identity's current factors.
func (s *FactorService) Evaluate(identity domain.Identity, state domain.MfaState) policy.Result {
	return policy.Evaluate(policy.Input{
		Role:               identity.Role,
		HasTOTP:            state.HasTOTP(),
		HasWebAuthn:        state.HasWebAuthn(),
		FirstLoginComplete: identity.Metadata.FirstLoginComplete,
	})
}

// TOTPEnrollment is the one-time response of a TOTP enrollment: the only
// moment the plaintext secret is handed out.
type TOTPEnrollment struct {
	Secret          string
	ProvisioningURI string
	Issuer          string
}

// EnrollTOTP generates a fresh secret and stages it as the pending factor.
// An existing verified factor stays active until the new secret is
// confirmed by its first successful code.
func (s *FactorService) EnrollTOTP(ctx context.Context, identity domain.Identity) (*TOTPEnrollment, error) {
	secret, err := s.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	uri, err := s.totp.KeyURI(identity.Email, secret)
	if err != nil {
		return nil, err
	}
	sealed, err := sealSecret(s.sealKey, secret)
	if err != nil {
		return nil, err
	}

	_, err = s.store.Update(ctx, identity.ID, func(state domain.MfaState) (domain.MfaState, error) {
		if state.TOTP == nil {
			state.TOTP = &domain.TOTPFactor{}
		}
		state.TOTP.PendingSecret = sealed
		return state, nil
	})
	if err != nil {
		return nil, err
	}

	return &TOTPEnrollment{
		Secret:          secret,
		ProvisioningURI: uri,
		Issuer:          s.totp.Issuer(),
	}, nil
}

// TOTPVerification is the outcome of a successful TOTP code check.
type TOTPVerification struct {
	// WasEnrollment is true when this verification confirmed a pending
	// secret rather than exercising an already-active factor.
	WasEnrollment bool
	State         domain.MfaState
}

// VerifyTOTP checks a code against the pending secret when enrollment is in
// flight, otherwise against the active secret. Confirming a pending secret
// promotes it to the active factor and clears the staging slot.
func (s *FactorService) VerifyTOTP(ctx context.Context, identity domain.Identity, accessToken, code string) (*TOTPVerification, error) {
	var wasEnrollment bool

	state, err := s.store.Update(ctx, identity.ID, func(state domain.MfaState) (domain.MfaState, error) {
		wasEnrollment = false
		f := state.TOTP
		if f == nil || (f.PendingSecret == "" && !f.Active()) {
			return state, domain.ErrNoFactorToVerify
		}

		// Exactly one secret is the verification input: the pending one
		// while an enrollment is in flight, the active one otherwise.
		sealed := f.Secret
		if f.PendingSecret != "" {
			sealed = f.PendingSecret
		}
		secret, err := openSecret(s.sealKey, sealed)
		if err != nil {
			return state, err
		}
		if !s.totp.Verify(secret, code) {
			return state, domain.ErrVerificationFailed
		}

		if f.PendingSecret != "" {
			now := time.Now()
			f.Secret = f.PendingSecret
			f.PendingSecret = ""
			f.Verified = true
			f.EnrolledAt = &now
			wasEnrollment = true
		}
		return state, nil
	})
	if err != nil {
		return nil, err
	}

	if wasEnrollment {
		s.markFirstLoginComplete(ctx, identity, accessToken)
	}

	return &TOTPVerification{WasEnrollment: wasEnrollment, State: state}, nil
}

// DisableTOTP removes the active TOTP factor after a valid code. Roles that
// must keep a factor cannot remove their last one.
func (s *FactorService) DisableTOTP(ctx context.Context, identity domain.Identity, code string) (domain.MfaState, error) {
	return s.store.Update(ctx, identity.ID, func(state domain.MfaState) (domain.MfaState, error) {
		if !state.HasTOTP() {
			return state, domain.ErrNoFactorToVerify
		}
		secret, err := openSecret(s.sealKey, state.TOTP.Secret)
		if err != nil {
			return state, err
		}
		if !s.totp.Verify(secret, code) {
			return state, domain.ErrVerificationFailed
		}
		if policy.MustKeepFactor(identity.Role) && !state.HasWebAuthn() {
			return state, domain.ErrLastFactorRequired
		}
		state.TOTP = nil
		return state, nil
	})
}

// BeginWebAuthnRegistration builds registration options excluding every
// credential the user already holds, plus the signed challenge token.
func (s *FactorService) BeginWebAuthnRegistration(ctx context.Context, identity domain.Identity) (*protocol.CredentialCreation, string, error) {
	state, err := s.store.Get(ctx, identity.ID)
	if err != nil {
		return nil, "", err
	}
	return s.webauthn.BeginRegistration(identity, s.credentials(state))
}

// FinishWebAuthnRegistration verifies an attestation response and persists
// the new credential. Re-registering a credential id that already exists is
// a conflict.
func (s *FactorService) FinishWebAuthnRegistration(ctx context.Context, identity domain.Identity, accessToken, challengeToken, label string, response *protocol.ParsedCredentialCreationData) (domain.MfaState, error) {
	current, err := s.store.Get(ctx, identity.ID)
	if err != nil {
		return domain.MfaState{}, err
	}

	result, err := s.webauthn.FinishRegistration(identity, s.credentials(current), challengeToken, response)
	if err != nil {
		return domain.MfaState{}, err
	}

	if label == "" {
		label = defaultCredentialName
	}

	state, err := s.store.Update(ctx, identity.ID, func(state domain.MfaState) (domain.MfaState, error) {
		if state.WebAuthn.Find(result.CredentialID) != nil {
			return state, domain.ErrDuplicateCredential
		}
		if state.WebAuthn == nil {
			state.WebAuthn = &domain.WebAuthnFactor{}
		}
		state.WebAuthn.Credentials = append(state.WebAuthn.Credentials, domain.WebAuthnCredential{
			ID:         result.CredentialID,
			PublicKey:  result.PublicKey,
			Counter:    result.Counter,
			Transports: result.Transports,
			Name:       label,
			CreatedAt:  time.Now(),
		})
		return state, nil
	})
	if err != nil {
		return domain.MfaState{}, err
	}

	s.markFirstLoginComplete(ctx, identity, accessToken)
	return state, nil
}

// BeginWebAuthnAuthentication builds assertion options over the user's
// registered credentials.
func (s *FactorService) BeginWebAuthnAuthentication(ctx context.Context, identity domain.Identity) (*protocol.CredentialAssertion, string, error) {
	state, err := s.store.Get(ctx, identity.ID)
	if err != nil {
		return nil, "", err
	}
	return s.webauthn.BeginAuthentication(identity, s.credentials(state))
}

// FinishWebAuthnAuthentication verifies an assertion and advances the
// stored counter past the replayed value. The counter never moves
// backwards.
func (s *FactorService) FinishWebAuthnAuthentication(ctx context.Context, identity domain.Identity, challengeToken string, response *protocol.ParsedCredentialAssertionData) (domain.MfaState, error) {
	current, err := s.store.Get(ctx, identity.ID)
	if err != nil {
		return domain.MfaState{}, err
	}

	result, err := s.webauthn.FinishAuthentication(identity, s.credentials(current), challengeToken, response)
	if err != nil {
		return domain.MfaState{}, err
	}

	return s.store.Update(ctx, identity.ID, func(state domain.MfaState) (domain.MfaState, error) {
		cred := state.WebAuthn.Find(result.CredentialID)
		if cred == nil {
			return state, domain.ErrVerificationFailed
		}
		if result.NewCounter > cred.Counter {
			cred.Counter = result.NewCounter
		}
		return state, nil
	})
}

func (s *FactorService) credentials(state domain.MfaState) []domain.WebAuthnCredential {
	if state.WebAuthn == nil {
		return nil
	}
	return state.WebAuthn.Credentials
}

// markFirstLoginComplete patches the identity metadata flag after a factor
// became durable. The factor write is the source of truth; a failed patch
// is logged for operators and does not fail the flow.
func (s *FactorService) markFirstLoginComplete(ctx context.Context, identity domain.Identity, accessToken string) {
	if identity.Metadata.FirstLoginComplete || s.metadata == nil || accessToken == "" {
		return
	}
	if err := s.metadata.PatchMetadata(ctx, accessToken, map[string]any{"first_login_complete": true}); err != nil {
		s.logger.Warn("failed to patch first_login_complete metadata",
			"user_id", identity.ID,
			"error", err,
		)
	}
}
