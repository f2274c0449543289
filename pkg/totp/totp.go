// Package totp implements the time-based one-time-password engine: secret
// generation, provisioning URIs for authenticator apps and code verification
// with clock-skew tolerance.
package totp

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpDigits = otp.DigitsSix
	totpPeriod = 30
	totpSkew   = 1 // Allow ±30 seconds clock drift

	secretLen = 20 // RFC 4226 recommended 160-bit shared secret
)

// b32 is the unpadded base32 alphabet authenticator apps expect.
var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Engine produces and verifies TOTP codes for a single issuer.
type Engine struct {
	issuer string
}

// NewEngine creates a TOTP engine. The issuer is the label shown in
// authenticator apps.
func NewEngine(issuer string) *Engine {
	return &Engine{issuer: issuer}
}

// Issuer returns the configured issuer label.
func (e *Engine) Issuer() string {
	return e.issuer
}

// GenerateSecret produces a new random shared secret, base32 encoded.
// The random source is crypto/rand; failure to read it is an error, never a
// weak fallback.
func (e *Engine) GenerateSecret() (string, error) {
	buf := make([]byte, secretLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return b32.EncodeToString(buf), nil
}

// KeyURI builds the otpauth:// provisioning URI for the given account label
// and secret. Deterministic: same inputs, same URI.
func (e *Engine) KeyURI(account, secret string) (string, error) {
	raw, err := b32.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("invalid TOTP secret: %w", err)
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: account,
		Period:      totpPeriod,
		Digits:      totpDigits,
		Algorithm:   otp.AlgorithmSHA1,
		Secret:      raw,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build key URI: %w", err)
	}
	return key.URL(), nil
}

// Verify checks a code against the secret at the current time, allowing one
// adjacent time step of drift. Codes of the wrong length or with non-numeric
// characters are simply invalid; the underlying comparison is constant-time.
func (e *Engine) Verify(secret, code string) bool {
	return e.VerifyAt(secret, code, time.Now())
}

// VerifyAt is Verify against an explicit reference time.
func (e *Engine) VerifyAt(secret, code string, at time.Time) bool {
	valid, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    totpDigits,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		// Malformed input (wrong length, bad characters) is a plain
		// verification failure, not an error the caller has to branch on.
		return false
	}
	return valid
}

// Code computes the code for a secret at a given time. Used by enrollment
// tests and never exposed over the API.
func Code(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    totpDigits,
		Algorithm: otp.AlgorithmSHA1,
	})
}
