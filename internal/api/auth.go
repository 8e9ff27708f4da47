package api

import (
	"context"
	"encoding/json"
	"net/http"

	hostErrors "github.com/codementor/host/internal/errors"
)

// Auth endpoints, relative to the base URL.
const (
	EndpointRegister = "/auth/register"
	EndpointLogin    = "/auth/login"
	EndpointRefresh  = "/auth/refresh-token"
	EndpointMe       = "/auth/users/me"
)

// Credentials is the body of register and login requests.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResult is a successful register, login or refresh response.
type AuthResult struct {
	// AccessToken is the bearer token issued by the backend.
	AccessToken string

	// Body is the response body verbatim, passed through to the UI.
	Body json.RawMessage
}

// Register creates an account and returns its first token.
func (c *Client) Register(ctx context.Context, email, password string) (*AuthResult, error) {
	return c.authenticate(ctx, EndpointRegister, Credentials{Email: email, Password: password})
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	return c.authenticate(ctx, EndpointLogin, Credentials{Email: email, Password: password})
}

// Refresh asks for a new access token. No refresh token is sent explicitly;
// the backend reads it from the session cookie set at login.
func (c *Client) Refresh(ctx context.Context) (*AuthResult, error) {
	data, err := c.postJSON(ctx, EndpointRefresh, nil, c.authTimeout)
	if err != nil {
		return nil, err
	}
	return parseAuthResult(EndpointRefresh, data)
}

// Me checks the current credential. A nil error means the backend answered 200.
func (c *Client) Me(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, EndpointMe, nil, "", c.authTimeout)
	return err
}

func (c *Client) authenticate(ctx context.Context, endpoint string, creds Credentials) (*AuthResult, error) {
	data, err := c.postJSON(ctx, endpoint, creds, c.authTimeout)
	if err != nil {
		return nil, err
	}
	return parseAuthResult(endpoint, data)
}

// parseAuthResult finds access_token at the top level (login, refresh)
// or inside the data envelope (register).
func parseAuthResult(endpoint string, data []byte) (*AuthResult, error) {
	var body struct {
		AccessToken string          `json:"access_token"`
		Data        json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, hostErrors.ProtocolUnexpected(endpoint, "body is not a JSON object")
	}

	token := body.AccessToken
	if token == "" && len(body.Data) > 0 {
		var inner struct {
			AccessToken string `json:"access_token"`
		}
		if json.Unmarshal(body.Data, &inner) == nil {
			token = inner.AccessToken
		}
	}
	if token == "" {
		return nil, hostErrors.ProtocolUnexpected(endpoint, "missing access_token")
	}

	return &AuthResult{AccessToken: token, Body: json.RawMessage(data)}, nil
}
