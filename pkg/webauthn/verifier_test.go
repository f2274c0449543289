package webauthn

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"

	"github.com/calant/stepup/pkg/domain"
)

var testRP = virtualwebauthn.RelyingParty{
	Name:   "Stepup Test",
	ID:     "example.com",
	Origin: "https://example.com",
}

func testIdentity() domain.Identity {
	return domain.Identity{
		ID:    uuid.New(),
		Email: "user@example.com",
		Role:  domain.RoleUser,
	}
}

func parseAttestation(t *testing.T, attestation string) *protocol.ParsedCredentialCreationData {
	t.Helper()
	var ccr protocol.CredentialCreationResponse
	if err := json.Unmarshal([]byte(attestation), &ccr); err != nil {
		t.Fatalf("unmarshal attestation: %v", err)
	}
	parsed, err := ccr.Parse()
	if err != nil {
		t.Fatalf("parse attestation: %v", err)
	}
	return parsed
}

func parseAssertion(t *testing.T, assertion string) *protocol.ParsedCredentialAssertionData {
	t.Helper()
	var car protocol.CredentialAssertionResponse
	if err := json.Unmarshal([]byte(assertion), &car); err != nil {
		t.Fatalf("unmarshal assertion: %v", err)
	}
	parsed, err := car.Parse()
	if err != nil {
		t.Fatalf("parse assertion: %v", err)
	}
	return parsed
}

// register runs a full registration ceremony against the verifier and
// returns the stored credential shape plus the virtual authenticator state.
func register(t *testing.T, v *Verifier, identity domain.Identity) (domain.WebAuthnCredential, virtualwebauthn.Authenticator, virtualwebauthn.Credential) {
	t.Helper()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	options, token, err := v.BeginRegistration(identity, nil)
	if err != nil {
		t.Fatalf("BeginRegistration() error = %v", err)
	}

	optionsJSON, err := json.Marshal(options.Response)
	if err != nil {
		t.Fatalf("marshal options: %v", err)
	}
	parsedOptions, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	if err != nil {
		t.Fatalf("ParseAttestationOptions() error = %v", err)
	}

	attestation := virtualwebauthn.CreateAttestationResponse(testRP, authenticator, credential, *parsedOptions)
	result, err := v.FinishRegistration(identity, nil, token, parseAttestation(t, attestation))
	if err != nil {
		t.Fatalf("FinishRegistration() error = %v", err)
	}

	authenticator.AddCredential(credential)

	return domain.WebAuthnCredential{
		ID:         result.CredentialID,
		PublicKey:  result.PublicKey,
		Counter:    result.Counter,
		Transports: result.Transports,
		Name:       "test key",
		CreatedAt:  time.Now(),
	}, authenticator, credential
}

// assert runs an authentication ceremony with the given authenticator
// counter already applied to the virtual credential.
func assertOnce(t *testing.T, v *Verifier, identity domain.Identity, stored domain.WebAuthnCredential, authenticator virtualwebauthn.Authenticator, credential virtualwebauthn.Credential) (*AuthenticationResult, error) {
	t.Helper()

	options, token, err := v.BeginAuthentication(identity, []domain.WebAuthnCredential{stored})
	if err != nil {
		t.Fatalf("BeginAuthentication() error = %v", err)
	}

	optionsJSON, err := json.Marshal(options.Response)
	if err != nil {
		t.Fatalf("marshal options: %v", err)
	}
	parsedOptions, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	if err != nil {
		t.Fatalf("ParseAssertionOptions() error = %v", err)
	}

	assertion := virtualwebauthn.CreateAssertionResponse(testRP, authenticator, credential, *parsedOptions)
	return v.FinishAuthentication(identity, []domain.WebAuthnCredential{stored}, token, parseAssertion(t, assertion))
}

func TestRegistrationCeremony(t *testing.T) {
	v := testVerifier(t)
	identity := testIdentity()

	stored, _, _ := register(t, v, identity)

	if len(stored.ID) == 0 {
		t.Error("credential ID is empty")
	}
	if len(stored.PublicKey) == 0 {
		t.Error("public key is empty")
	}
	if stored.Counter != 0 {
		t.Errorf("initial counter = %d, want 0", stored.Counter)
	}
}

func TestRegistrationOptions_ExcludeExisting(t *testing.T) {
	v := testVerifier(t)
	identity := testIdentity()

	stored, _, _ := register(t, v, identity)

	options, _, err := v.BeginRegistration(identity, []domain.WebAuthnCredential{stored})
	if err != nil {
		t.Fatalf("BeginRegistration() error = %v", err)
	}

	excluded := options.Response.CredentialExcludeList
	if len(excluded) != 1 {
		t.Fatalf("exclude list length = %d, want 1", len(excluded))
	}
	if string(excluded[0].CredentialID) != string(stored.ID) {
		t.Error("exclude list does not carry the registered credential ID")
	}
}

func TestAuthenticationCeremony(t *testing.T) {
	v := testVerifier(t)
	identity := testIdentity()

	stored, authenticator, credential := register(t, v, identity)

	// Real authenticators advance their counter on every signature.
	credential.Counter++
	result, err := assertOnce(t, v, identity, stored, authenticator, credential)
	if err != nil {
		t.Fatalf("FinishAuthentication() error = %v", err)
	}
	if result.NewCounter != 1 {
		t.Errorf("NewCounter = %d, want 1", result.NewCounter)
	}
	if string(result.CredentialID) != string(stored.ID) {
		t.Error("result credential ID does not match the stored credential")
	}
}

func TestAuthentication_CounterRegressionFails(t *testing.T) {
	v := testVerifier(t)
	identity := testIdentity()

	stored, authenticator, credential := register(t, v, identity)

	// Advance the stored record to counter 5, as if five prior logins
	// succeeded.
	stored.Counter = 5

	// A cloned authenticator replays counter 5: the signature is valid but
	// the counter did not advance.
	credential.Counter = 5
	if _, err := assertOnce(t, v, identity, stored, authenticator, credential); !errors.Is(err, domain.ErrVerificationFailed) {
		t.Errorf("stale counter error = %v, want ErrVerificationFailed", err)
	}

	// A counter behind the stored value fails the same way.
	credential.Counter = 3
	if _, err := assertOnce(t, v, identity, stored, authenticator, credential); !errors.Is(err, domain.ErrVerificationFailed) {
		t.Errorf("regressed counter error = %v, want ErrVerificationFailed", err)
	}

	// The genuine authenticator advancing past the stored value succeeds.
	credential.Counter = 6
	result, err := assertOnce(t, v, identity, stored, authenticator, credential)
	if err != nil {
		t.Fatalf("advancing counter error = %v", err)
	}
	if result.NewCounter != 6 {
		t.Errorf("NewCounter = %d, want 6", result.NewCounter)
	}
}

func TestAuthentication_NoCredentials(t *testing.T) {
	v := testVerifier(t)

	if _, _, err := v.BeginAuthentication(testIdentity(), nil); !errors.Is(err, domain.ErrNoFactorToVerify) {
		t.Errorf("BeginAuthentication() error = %v, want ErrNoFactorToVerify", err)
	}
}

func TestAuthentication_ExpiredChallenge(t *testing.T) {
	v := testVerifier(t)
	identity := testIdentity()

	stored, authenticator, credential := register(t, v, identity)

	options, token, err := v.BeginAuthentication(identity, []domain.WebAuthnCredential{stored})
	if err != nil {
		t.Fatalf("BeginAuthentication() error = %v", err)
	}

	optionsJSON, _ := json.Marshal(options.Response)
	parsedOptions, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	if err != nil {
		t.Fatalf("ParseAssertionOptions() error = %v", err)
	}
	credential.Counter++
	assertion := virtualwebauthn.CreateAssertionResponse(testRP, authenticator, credential, *parsedOptions)

	// Re-sign the same ceremony state with a creation time past the
	// five-minute ceiling.
	fresh, err := v.DecodeChallenge(token)
	if err != nil {
		t.Fatalf("DecodeChallenge() error = %v", err)
	}
	stale, err := v.EncodeChallenge(Challenge{
		UserID:    identity.ID,
		Ceremony:  CeremonyAuthentication,
		CreatedAt: time.Now().Add(-ChallengeTTL - time.Minute),
		Session:   fresh.Session,
	})
	if err != nil {
		t.Fatalf("EncodeChallenge() error = %v", err)
	}

	_, err = v.FinishAuthentication(identity, []domain.WebAuthnCredential{stored}, stale, parseAssertion(t, assertion))
	if !errors.Is(err, domain.ErrChallengeExpired) {
		t.Errorf("expired challenge error = %v, want ErrChallengeExpired", err)
	}
}
