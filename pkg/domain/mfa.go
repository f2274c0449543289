package domain

import (
	"bytes"
	"encoding/base64"
	"time"
)

// TOTPFactor holds the TOTP state for a user. Secret and PendingSecret are
// AES-256-GCM sealed material, never plaintext; the plaintext secret leaves
// the engine only in the initial enrollment response. PendingSecret exists
// only between enrollment and the first successful verification.
type TOTPFactor struct {
	Secret        string     `json:"secret,omitempty"`
	PendingSecret string     `json:"pending_secret,omitempty"`
	Verified      bool       `json:"verified"`
	EnrolledAt    *time.Time `json:"enrolled_at,omitempty"`
}

// Active returns true if the factor has a verified, usable secret.
func (f *TOTPFactor) Active() bool {
	return f != nil && f.Verified && f.Secret != ""
}

// WebAuthnCredential is a registered authenticator public key record.
// Counter is the authenticator signature counter; it must be monotonically
// non-decreasing across successful authentications.
type WebAuthnCredential struct {
	ID         []byte    `json:"id"`
	PublicKey  []byte    `json:"public_key"`
	Counter    uint32    `json:"counter"`
	Transports []string  `json:"transports,omitempty"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

// WebAuthnFactor holds the registered WebAuthn credentials for a user.
// Credential IDs are unique within the set.
type WebAuthnFactor struct {
	Credentials []WebAuthnCredential `json:"credentials"`
}

// Active returns true if at least one credential is registered.
func (f *WebAuthnFactor) Active() bool {
	return f != nil && len(f.Credentials) > 0
}

// Find returns the credential with the given ID, or nil.
func (f *WebAuthnFactor) Find(id []byte) *WebAuthnCredential {
	if f == nil {
		return nil
	}
	for i := range f.Credentials {
		if bytes.Equal(f.Credentials[i].ID, id) {
			return &f.Credentials[i]
		}
	}
	return nil
}

// MfaState is the per-user MFA factor record. The zero value is the state of
// a user with no enrolled factors; the record is created implicitly on first
// enrollment and mutated only through the store's atomic update.
type MfaState struct {
	TOTP     *TOTPFactor     `json:"totp,omitempty"`
	WebAuthn *WebAuthnFactor `json:"webauthn,omitempty"`
}

// HasTOTP reports whether the user has an active TOTP factor.
func (s MfaState) HasTOTP() bool {
	return s.TOTP.Active()
}

// HasWebAuthn reports whether the user has at least one WebAuthn credential.
func (s MfaState) HasWebAuthn() bool {
	return s.WebAuthn.Active()
}

// HasAnyFactor reports whether any second factor is enrolled.
func (s MfaState) HasAnyFactor() bool {
	return s.HasTOTP() || s.HasWebAuthn()
}

// TOTPPublic is the caller-visible TOTP factor view.
type TOTPPublic struct {
	Verified   bool       `json:"verified"`
	EnrolledAt *time.Time `json:"enrolled_at,omitempty"`
}

// WebAuthnCredentialPublic is the caller-visible credential view. Presence
// metadata only, never key material.
type WebAuthnCredentialPublic struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// MfaPublicState is the factor record stripped down to what callers may
// see: factor presence, labels, enrollment dates and credential IDs.
type MfaPublicState struct {
	TOTP     *TOTPPublic                `json:"totp,omitempty"`
	WebAuthn []WebAuthnCredentialPublic `json:"webauthn,omitempty"`
}

// Public returns the caller-visible view of the factor record.
func (s MfaState) Public() MfaPublicState {
	var pub MfaPublicState
	if s.HasTOTP() {
		pub.TOTP = &TOTPPublic{
			Verified:   s.TOTP.Verified,
			EnrolledAt: s.TOTP.EnrolledAt,
		}
	}
	if s.WebAuthn != nil {
		for _, cred := range s.WebAuthn.Credentials {
			pub.WebAuthn = append(pub.WebAuthn, WebAuthnCredentialPublic{
				ID:        base64.RawURLEncoding.EncodeToString(cred.ID),
				Name:      cred.Name,
				CreatedAt: cred.CreatedAt,
			})
		}
	}
	return pub
}
