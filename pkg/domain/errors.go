package domain

import "errors"

// Authentication and session errors
var (
	ErrUnauthenticated    = errors.New("not authenticated")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Validation errors
var (
	ErrValidation = errors.New("invalid input")
)

// MFA errors
var (
	// ErrVerificationFailed is deliberately generic; it covers every bad
	// TOTP code and every failed cryptographic sub-check so the caller
	// cannot learn which check failed.
	ErrVerificationFailed  = errors.New("verification failed")
	ErrNoFactorToVerify    = errors.New("no factor to verify")
	ErrChallengeInvalid    = errors.New("invalid challenge")
	ErrChallengeExpired    = errors.New("challenge expired")
	ErrDuplicateCredential = errors.New("credential already registered")
	// ErrLastFactorRequired rejects removing the sole remaining factor of
	// a role that is required to keep one enrolled.
	ErrLastFactorRequired = errors.New("cannot remove the last enrolled factor for this role")
)

// Provider and store errors
var (
	ErrProviderUnavailable = errors.New("identity provider unavailable")
	ErrStateConflict       = errors.New("concurrent factor update conflict")
)
