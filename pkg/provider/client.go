// Package provider is the HTTP client for the external identity provider.
// The provider owns password authentication, account creation and the base
// identity; this service consumes it and never stores credentials itself.
//
// Provider payloads are parsed into explicit shapes that fail closed: a
// response missing the fields we depend on is rejected outright instead of
// being defaulted to an empty identity.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/calant/stepup/pkg/domain"
)

const defaultTimeout = 10 * time.Second

// Config holds the provider endpoint configuration.
type Config struct {
	// BaseURL is the root of the provider's auth API.
	BaseURL string
	// APIKey is sent on every request.
	APIKey string
	// Timeout bounds each provider call.
	Timeout time.Duration
}

// Client talks to the identity provider.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a provider client.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("provider: base URL is required")
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}, nil
}

// Session is an identity-provider session: the tokens plus the parsed
// identity they belong to.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	Identity     domain.Identity
}

// SignupResult is the outcome of account creation. Providers that demand
// email confirmation return the user without a session.
type SignupResult struct {
	Identity                  domain.Identity
	Session                   *Session
	RequiresEmailConfirmation bool
}

// userPayload is the provider's user object, restricted to the fields this
// service depends on.
type userPayload struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	Role         string          `json:"role"`
	AppMetadata  json.RawMessage `json:"app_metadata"`
	UserMetadata json.RawMessage `json:"user_metadata"`
}

// parseIdentity converts a provider user payload into an Identity. Missing
// or malformed required fields are an error, never an empty identity.
func parseIdentity(p userPayload) (domain.Identity, error) {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("provider returned unparseable user id %q: %w", p.ID, domain.ErrProviderUnavailable)
	}
	if p.Email == "" {
		return domain.Identity{}, fmt.Errorf("provider returned user without email: %w", domain.ErrProviderUnavailable)
	}

	role := p.Role
	if len(p.AppMetadata) > 0 {
		// The role claim may live inside app_metadata; it wins over the
		// top-level field when present.
		var app struct {
			Role string `json:"role"`
		}
		if err := json.Unmarshal(p.AppMetadata, &app); err != nil {
			return domain.Identity{}, fmt.Errorf("provider returned malformed app_metadata: %w", domain.ErrProviderUnavailable)
		}
		if app.Role != "" {
			role = app.Role
		}
	}

	var meta domain.IdentityMetadata
	if len(p.UserMetadata) > 0 {
		if err := json.Unmarshal(p.UserMetadata, &meta); err != nil {
			return domain.Identity{}, fmt.Errorf("provider returned malformed user_metadata: %w", domain.ErrProviderUnavailable)
		}
	}

	return domain.Identity{
		ID:       id,
		Email:    p.Email,
		Role:     domain.ParseRole(role),
		Metadata: meta,
	}, nil
}

// sessionPayload is the provider's token grant response.
type sessionPayload struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    int         `json:"expires_in"`
	User         userPayload `json:"user"`
}

func parseSession(p sessionPayload) (*Session, error) {
	if p.AccessToken == "" || p.RefreshToken == "" {
		return nil, fmt.Errorf("provider returned session without tokens: %w", domain.ErrProviderUnavailable)
	}
	identity, err := parseIdentity(p.User)
	if err != nil {
		return nil, err
	}
	return &Session{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresIn:    p.ExpiresIn,
		Identity:     identity,
	}, nil
}

// do issues one provider request and decodes the response into out. Any
// transport failure or 5xx maps to ErrProviderUnavailable.
func (c *Client) do(ctx context.Context, method, path, accessToken string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode provider request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("apikey", c.config.APIKey)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("provider request failed: %w", domain.ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return resp.StatusCode, fmt.Errorf("provider returned %d: %w", resp.StatusCode, domain.ErrProviderUnavailable)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("provider returned undecodable body: %w", domain.ErrProviderUnavailable)
		}
	}
	return resp.StatusCode, nil
}

// GetIdentity resolves the identity behind an access token. An invalid or
// expired token is ErrUnauthenticated.
func (c *Client) GetIdentity(ctx context.Context, accessToken string) (domain.Identity, error) {
	if accessToken == "" {
		return domain.Identity{}, domain.ErrUnauthenticated
	}
	var payload userPayload
	status, err := c.do(ctx, http.MethodGet, "/user", accessToken, nil, &payload)
	if err != nil {
		return domain.Identity{}, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return domain.Identity{}, domain.ErrUnauthenticated
	}
	if status != http.StatusOK {
		return domain.Identity{}, fmt.Errorf("provider returned %d for user lookup: %w", status, domain.ErrProviderUnavailable)
	}
	return parseIdentity(payload)
}

// AuthenticateWithPassword performs the password grant. Bad credentials are
// ErrInvalidCredentials; everything else that is not a session is a
// provider failure.
func (c *Client) AuthenticateWithPassword(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	var payload sessionPayload
	status, err := c.do(ctx, http.MethodPost, "/token?grant_type=password", "", body, &payload)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
		return parseSession(payload)
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		return nil, domain.ErrInvalidCredentials
	default:
		return nil, fmt.Errorf("provider returned %d for password grant: %w", status, domain.ErrProviderUnavailable)
	}
}

// CreateAccount registers a new account with the provider.
func (c *Client) CreateAccount(ctx context.Context, email, password string, metadata map[string]any) (*SignupResult, error) {
	body := map[string]any{"email": email, "password": password}
	if len(metadata) > 0 {
		body["data"] = metadata
	}

	var payload struct {
		sessionPayload
		// Providers answering without a session return the bare user.
		userPayload
	}
	status, err := c.do(ctx, http.MethodPost, "/signup", "", body, &payload)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
		if payload.AccessToken != "" {
			session, err := parseSession(payload.sessionPayload)
			if err != nil {
				return nil, err
			}
			return &SignupResult{Identity: session.Identity, Session: session}, nil
		}
		identity, err := parseIdentity(payload.userPayload)
		if err != nil {
			return nil, err
		}
		return &SignupResult{Identity: identity, RequiresEmailConfirmation: true}, nil
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("signup rejected by provider: %w", domain.ErrValidation)
	default:
		return nil, fmt.Errorf("provider returned %d for signup: %w", status, domain.ErrProviderUnavailable)
	}
}

// EndSession invalidates the provider session behind the token.
func (c *Client) EndSession(ctx context.Context, accessToken string) error {
	status, err := c.do(ctx, http.MethodPost, "/logout", accessToken, nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return fmt.Errorf("provider returned %d for logout: %w", status, domain.ErrProviderUnavailable)
	}
	return nil
}

// PatchMetadata merges a patch into the identity's user metadata. This is
// the only identity mutation this service performs.
func (c *Client) PatchMetadata(ctx context.Context, accessToken string, patch map[string]any) error {
	body := map[string]any{"data": patch}
	status, err := c.do(ctx, http.MethodPut, "/user", accessToken, body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("provider returned %d for metadata patch: %w", status, domain.ErrProviderUnavailable)
	}
	return nil
}

// RefreshSession trades a refresh token for a new provider session.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	body := map[string]string{"refresh_token": refreshToken}
	var payload sessionPayload
	status, err := c.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", "", body, &payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("provider returned %d for refresh: %w", status, domain.ErrProviderUnavailable)
	}
	return parseSession(payload)
}
