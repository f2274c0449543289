package auth

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Keys are the purpose-bound signing and sealing keys, all derived from the
// single configured master secret so one credential configures the service.
type Keys struct {
	// Session signs the session-assurance attribute token.
	Session []byte
	// Challenge signs WebAuthn challenge tokens.
	Challenge []byte
	// Sealing encrypts TOTP secrets at rest.
	Sealing []byte
}

const keyLen = 32

// DeriveKeys expands the master secret into the purpose-bound key set via
// HKDF-SHA256. Distinct info labels keep the keys cryptographically
// independent.
func DeriveKeys(master []byte) (Keys, error) {
	if len(master) < keyLen {
		return Keys{}, fmt.Errorf("master secret must be at least %d bytes", keyLen)
	}

	derive := func(label string) ([]byte, error) {
		key := make([]byte, keyLen)
		r := hkdf.New(sha256.New, master, nil, []byte(label))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("failed to derive %s key: %w", label, err)
		}
		return key, nil
	}

	session, err := derive("stepup/session")
	if err != nil {
		return Keys{}, err
	}
	challenge, err := derive("stepup/challenge")
	if err != nil {
		return Keys{}, err
	}
	sealing, err := derive("stepup/sealing")
	if err != nil {
		return Keys{}, err
	}

	return Keys{Session: session, Challenge: challenge, Sealing: sealing}, nil
}
