// Package webauthn verifies WebAuthn registration and authentication
// ceremonies. Challenges are never persisted server-side; each one travels
// to the client and back inside a signed, tamper-evident token with a hard
// five-minute ceiling.
package webauthn

import (
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	walib "github.com/go-webauthn/webauthn/webauthn"

	"github.com/calant/stepup/pkg/domain"
)

// Config holds relying-party parameters and the challenge signing key.
type Config struct {
	RPDisplayName string
	RPID          string
	RPOrigins     []string
	// ChallengeKey signs challenge tokens. 32 bytes.
	ChallengeKey []byte
}

// Verifier runs WebAuthn ceremonies for a single relying party.
type Verifier struct {
	wa           *walib.WebAuthn
	challengeKey []byte
	now          func() time.Time
}

// NewVerifier creates a Verifier from the relying-party configuration.
func NewVerifier(cfg Config) (*Verifier, error) {
	if len(cfg.ChallengeKey) == 0 {
		return nil, fmt.Errorf("webauthn: challenge signing key is required")
	}
	wa, err := walib.New(&walib.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn: invalid relying party config: %w", err)
	}
	return &Verifier{
		wa:           wa,
		challengeKey: cfg.ChallengeKey,
		now:          time.Now,
	}, nil
}

// ceremonyUser adapts an identity plus its stored credentials to the
// webauthn.User interface for the duration of one ceremony.
type ceremonyUser struct {
	identity domain.Identity
	creds    []domain.WebAuthnCredential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return u.identity.ID[:]
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.identity.Email
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	return u.identity.Email
}

func (u *ceremonyUser) WebAuthnCredentials() []walib.Credential {
	out := make([]walib.Credential, len(u.creds))
	for i, c := range u.creds {
		transports := make([]protocol.AuthenticatorTransport, len(c.Transports))
		for j, t := range c.Transports {
			transports[j] = protocol.AuthenticatorTransport(t)
		}
		out[i] = walib.Credential{
			ID:        c.ID,
			PublicKey: c.PublicKey,
			Transport: transports,
			Authenticator: walib.Authenticator{
				SignCount: c.Counter,
			},
		}
	}
	return out
}

// BeginRegistration builds registration options for the identity, excluding
// every already-registered credential so the same authenticator cannot be
// enrolled twice. Returns the provider-shaped options and the signed
// challenge token the client must send back.
func (v *Verifier) BeginRegistration(identity domain.Identity, existing []domain.WebAuthnCredential) (*protocol.CredentialCreation, string, error) {
	user := &ceremonyUser{identity: identity, creds: existing}

	exclusions := make([]protocol.CredentialDescriptor, len(existing))
	for i, c := range existing {
		exclusions[i] = protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.ID,
		}
	}

	options, session, err := v.wa.BeginRegistration(user, walib.WithExclusions(exclusions))
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin registration: %w", err)
	}

	token, err := v.EncodeChallenge(Challenge{
		UserID:    identity.ID,
		Ceremony:  CeremonyRegistration,
		CreatedAt: v.now(),
		Session:   *session,
	})
	if err != nil {
		return nil, "", err
	}
	return options, token, nil
}

// RegistrationResult is the credential material to persist after a
// successful registration.
type RegistrationResult struct {
	CredentialID []byte
	PublicKey    []byte
	Counter      uint32
	Transports   []string
}

// FinishRegistration validates an attestation response against the
// challenge token. Challenge problems surface as ErrChallengeInvalid or
// ErrChallengeExpired; every cryptographic failure collapses into the
// generic ErrVerificationFailed so callers learn nothing about which
// sub-check failed.
func (v *Verifier) FinishRegistration(identity domain.Identity, existing []domain.WebAuthnCredential, challengeToken string, response *protocol.ParsedCredentialCreationData) (*RegistrationResult, error) {
	c, err := v.checkChallenge(challengeToken, identity.ID, CeremonyRegistration)
	if err != nil {
		return nil, err
	}

	user := &ceremonyUser{identity: identity, creds: existing}
	cred, err := v.wa.CreateCredential(user, c.Session, response)
	if err != nil {
		return nil, domain.ErrVerificationFailed
	}

	transports := make([]string, len(cred.Transport))
	for i, t := range cred.Transport {
		transports[i] = string(t)
	}

	return &RegistrationResult{
		CredentialID: cred.ID,
		PublicKey:    cred.PublicKey,
		Counter:      cred.Authenticator.SignCount,
		Transports:   transports,
	}, nil
}

// BeginAuthentication builds assertion options over the identity's stored
// credentials plus the signed challenge token.
func (v *Verifier) BeginAuthentication(identity domain.Identity, creds []domain.WebAuthnCredential) (*protocol.CredentialAssertion, string, error) {
	if len(creds) == 0 {
		return nil, "", domain.ErrNoFactorToVerify
	}
	user := &ceremonyUser{identity: identity, creds: creds}

	options, session, err := v.wa.BeginLogin(user)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin authentication: %w", err)
	}

	token, err := v.EncodeChallenge(Challenge{
		UserID:    identity.ID,
		Ceremony:  CeremonyAuthentication,
		CreatedAt: v.now(),
		Session:   *session,
	})
	if err != nil {
		return nil, "", err
	}
	return options, token, nil
}

// AuthenticationResult carries the counter advancement to persist after a
// successful assertion.
type AuthenticationResult struct {
	CredentialID []byte
	NewCounter   uint32
}

// FinishAuthentication validates an assertion response. The signature is
// checked against the stored public key, and the authenticator counter must
// strictly advance past the stored value: a non-increasing counter is the
// cloned-authenticator signal and fails verification outright, valid
// signature or not. Authenticators that never implement a counter report
// zero on both sides and are exempt.
func (v *Verifier) FinishAuthentication(identity domain.Identity, creds []domain.WebAuthnCredential, challengeToken string, response *protocol.ParsedCredentialAssertionData) (*AuthenticationResult, error) {
	c, err := v.checkChallenge(challengeToken, identity.ID, CeremonyAuthentication)
	if err != nil {
		return nil, err
	}

	user := &ceremonyUser{identity: identity, creds: creds}
	cred, err := v.wa.ValidateLogin(user, c.Session, response)
	if err != nil {
		return nil, domain.ErrVerificationFailed
	}
	if cred.Authenticator.CloneWarning {
		return nil, domain.ErrVerificationFailed
	}

	var stored *domain.WebAuthnCredential
	for i := range creds {
		if string(creds[i].ID) == string(cred.ID) {
			stored = &creds[i]
			break
		}
	}
	if stored == nil {
		return nil, domain.ErrVerificationFailed
	}

	newCounter := cred.Authenticator.SignCount
	if newCounter <= stored.Counter && !(newCounter == 0 && stored.Counter == 0) {
		return nil, domain.ErrVerificationFailed
	}

	return &AuthenticationResult{
		CredentialID: cred.ID,
		NewCounter:   newCounter,
	}, nil
}
