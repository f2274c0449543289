package webauthn

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	walib "github.com/go-webauthn/webauthn/webauthn"

	"github.com/calant/stepup/pkg/domain"
)

// Ceremony is the kind of WebAuthn ceremony a challenge belongs to.
type Ceremony string

const (
	CeremonyRegistration   Ceremony = "registration"
	CeremonyAuthentication Ceremony = "authentication"
)

// ChallengeTTL is how long an issued challenge stays valid. Expiry is
// detected lazily when the challenge is consumed, never by a background
// sweep; the token is the only place the challenge lives.
const ChallengeTTL = 5 * time.Minute

// Challenge is the decoded ceremony state. It is carried to the client and
// back inside a signed token and is single-use in intent: the boundary
// clears the carrying cookie whether the consuming verification succeeds
// or fails.
type Challenge struct {
	UserID    uuid.UUID
	Ceremony  Ceremony
	CreatedAt time.Time
	Session   walib.SessionData
}

// challengeClaims is the JWT shape the challenge travels in.
type challengeClaims struct {
	jwt.RegisteredClaims
	Ceremony Ceremony        `json:"crm"`
	Session  json.RawMessage `json:"sd"`
}

// EncodeChallenge signs a challenge into a compact token. The token is
// tamper-evident: any modification fails signature verification on decode.
func (v *Verifier) EncodeChallenge(c Challenge) (string, error) {
	sd, err := json.Marshal(c.Session)
	if err != nil {
		return "", fmt.Errorf("failed to marshal ceremony session: %w", err)
	}
	claims := challengeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  c.UserID.String(),
			IssuedAt: jwt.NewNumericDate(c.CreatedAt),
		},
		Ceremony: c.Ceremony,
		Session:  sd,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.challengeKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign challenge: %w", err)
	}
	return signed, nil
}

// DecodeChallenge verifies and decodes a challenge token. A bad signature,
// malformed token or wrong shape yields ErrChallengeInvalid. Expiry is not
// checked here; callers compare CreatedAt against ChallengeTTL so that
// "expired" stays distinguishable from "forged".
func (v *Verifier) DecodeChallenge(tokenString string) (Challenge, error) {
	token, err := jwt.ParseWithClaims(tokenString, &challengeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrChallengeInvalid
		}
		return v.challengeKey, nil
	})
	if err != nil {
		return Challenge{}, domain.ErrChallengeInvalid
	}

	claims, ok := token.Claims.(*challengeClaims)
	if !ok || !token.Valid {
		return Challenge{}, domain.ErrChallengeInvalid
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Challenge{}, domain.ErrChallengeInvalid
	}
	if claims.Ceremony != CeremonyRegistration && claims.Ceremony != CeremonyAuthentication {
		return Challenge{}, domain.ErrChallengeInvalid
	}
	if claims.IssuedAt == nil {
		return Challenge{}, domain.ErrChallengeInvalid
	}

	var session walib.SessionData
	if err := json.Unmarshal(claims.Session, &session); err != nil {
		return Challenge{}, domain.ErrChallengeInvalid
	}

	return Challenge{
		UserID:    userID,
		Ceremony:  claims.Ceremony,
		CreatedAt: claims.IssuedAt.Time,
		Session:   session,
	}, nil
}

// checkChallenge decodes a token and enforces ownership, ceremony type and
// the five-minute ceiling.
func (v *Verifier) checkChallenge(tokenString string, userID uuid.UUID, ceremony Ceremony) (Challenge, error) {
	c, err := v.DecodeChallenge(tokenString)
	if err != nil {
		return Challenge{}, err
	}
	if c.UserID != userID || c.Ceremony != ceremony {
		return Challenge{}, domain.ErrChallengeInvalid
	}
	if v.now().Sub(c.CreatedAt) > ChallengeTTL {
		return Challenge{}, domain.ErrChallengeExpired
	}
	return c, nil
}
