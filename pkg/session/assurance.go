// Package session manages the signed session-assurance attributes carried
// at the response boundary: role, assurance level, the mfa-required flag and
// the idle/issued timestamps.
package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/calant/stepup/pkg/domain"
	"github.com/calant/stepup/pkg/policy"
)

// Level is the authenticator assurance level of a session.
type Level string

const (
	// LevelAAL1 means password-only authentication.
	LevelAAL1 Level = "aal1"
	// LevelAAL2 means password plus a verified second factor.
	LevelAAL2 Level = "aal2"
)

// DefaultTTL bounds how long an attribute set stays valid without reissue.
const DefaultTTL = 24 * time.Hour

// Attributes is the assurance state of one session. The zero value means
// "no session".
type Attributes struct {
	Role        domain.Role
	Level       Level
	MFARequired bool
	IdleAt      int64 // epoch seconds
	IssuedAt    int64 // epoch seconds
}

// Valid reports whether the attribute set represents a live session.
func (a Attributes) Valid() bool {
	return a.Level == LevelAAL1 || a.Level == LevelAAL2
}

// Config holds the signing parameters for the attribute token.
type Config struct {
	// SigningKey signs the attribute token. 32 bytes.
	SigningKey []byte
	Issuer     string
	TTL        time.Duration
}

// Manager issues, escalates and clears session-assurance attributes, and
// signs them into the token the boundary sets on the response.
type Manager struct {
	config Config
	now    func() time.Time
}

// NewManager creates an assurance manager.
func NewManager(config Config) *Manager {
	if config.TTL == 0 {
		config.TTL = DefaultTTL
	}
	return &Manager{config: config, now: time.Now}
}

// TTL returns the configured attribute lifetime.
func (m *Manager) TTL() time.Duration {
	return m.config.TTL
}

// Issue computes the attribute set for a fresh authentication. The session
// starts at aal1 when the policy demands a step-up and goes straight to
// aal2 only when no second factor is required for this role and factor
// combination.
func (m *Manager) Issue(identity domain.Identity, pol policy.Result) Attributes {
	level := LevelAAL2
	if pol.RequiresMFA {
		level = LevelAAL1
	}
	now := m.now().Unix()
	return Attributes{
		Role:        identity.Role,
		Level:       level,
		MFARequired: pol.RequiresMFA,
		IdleAt:      now,
		IssuedAt:    now,
	}
}

// StepUp escalates a session to aal2 after a successful second-factor
// verification. The reverse transition does not exist; only Clear drops a
// session back to the start state.
func (m *Manager) StepUp(current Attributes) Attributes {
	now := m.now().Unix()
	current.Level = LevelAAL2
	current.MFARequired = false
	current.IdleAt = now
	current.IssuedAt = now
	return current
}

// Clear returns the cleared attribute set for logout.
func (m *Manager) Clear() Attributes {
	return Attributes{}
}

// attributeClaims is the JWT shape of the attribute set.
type attributeClaims struct {
	jwt.RegisteredClaims
	Role        string `json:"role"`
	Level       string `json:"aal"`
	MFARequired int    `json:"amf"`
	IdleAt      int64  `json:"idle_at"`
}

// Encode signs an attribute set into the boundary token.
func (m *Manager) Encode(attrs Attributes) (string, error) {
	mfaRequired := 0
	if attrs.MFARequired {
		mfaRequired = 1
	}
	issued := time.Unix(attrs.IssuedAt, 0)
	claims := attributeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(m.config.TTL)),
		},
		Role:        string(attrs.Role),
		Level:       string(attrs.Level),
		MFARequired: mfaRequired,
		IdleAt:      attrs.IdleAt,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.config.SigningKey)
}

// Decode verifies a boundary token back into its attribute set. Expired,
// forged or malformed tokens all come back as ErrUnauthenticated: a session
// the service cannot trust is no session.
func (m *Manager) Decode(tokenString string) (Attributes, error) {
	token, err := jwt.ParseWithClaims(tokenString, &attributeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrInvalidToken
		}
		return m.config.SigningKey, nil
	})
	if err != nil {
		return Attributes{}, domain.ErrUnauthenticated
	}
	claims, ok := token.Claims.(*attributeClaims)
	if !ok || !token.Valid {
		return Attributes{}, domain.ErrUnauthenticated
	}

	level := Level(claims.Level)
	if level != LevelAAL1 && level != LevelAAL2 {
		return Attributes{}, domain.ErrUnauthenticated
	}

	var issuedAt int64
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Unix()
	}
	return Attributes{
		Role:        domain.ParseRole(claims.Role),
		Level:       level,
		MFARequired: claims.MFARequired == 1,
		IdleAt:      claims.IdleAt,
		IssuedAt:    issuedAt,
	}, nil
}
