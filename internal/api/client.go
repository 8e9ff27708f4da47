// Package api wraps the assistant backend's HTTP surface: authentication,
// workspace index uploads, questions and file rewrites.
//
// Every request carries the current bearer token when one is available.
// Nothing here retries; refreshing an expired session is the session
// manager's job and is triggered by callers that observe a 401.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	hostErrors "github.com/codementor/host/internal/errors"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 16 << 20

// TokenSource supplies the bearer token attached to outgoing requests.
// An empty token means the request is sent unauthenticated.
type TokenSource interface {
	Token() string
}

// Options configures a Client.
type Options struct {
	// BaseURL is the backend root including the version prefix,
	// e.g. http://127.0.0.1:8000/api/v1.
	BaseURL string

	// HTTPClient overrides the default client. Its Jar is replaced with a
	// cookie jar if nil, since the refresh endpoint relies on a session cookie.
	HTTPClient *http.Client

	// AuthTimeout bounds register, login, refresh and identity calls.
	AuthTimeout time.Duration

	// RequestTimeout bounds resync, query and rewrite calls.
	RequestTimeout time.Duration

	Logger *zap.Logger
}

// Client is the typed gateway to the backend.
type Client struct {
	baseURL        string
	http           *http.Client
	authTimeout    time.Duration
	requestTimeout time.Duration
	logger         *zap.Logger

	// mu guards tokens and the http pointer, which ResetSession swaps.
	mu     sync.RWMutex
	tokens TokenSource
}

func newJar() (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("api: create cookie jar: %w", err)
	}
	return jar, nil
}

// NewClient creates a gateway for the backend at opts.BaseURL.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("api: base URL is required")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if httpClient.Jar == nil {
		jar, err := newJar()
		if err != nil {
			return nil, err
		}
		httpClient.Jar = jar
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		http:           httpClient,
		authTimeout:    opts.AuthTimeout,
		requestTimeout: opts.RequestTimeout,
		logger:         logger.Named("api"),
	}, nil
}

// SetTokenSource sets where the bearer token is read from.
// The session manager is wired in after construction because it in turn
// uses this client as its auth endpoint.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = ts
}

// ResetSession forgets every cookie the backend has set, including the
// refresh cookie, so a signed-out user cannot be refreshed back in.
func (c *Client) ResetSession() {
	jar, err := newJar()
	if err != nil {
		c.logger.Error("reset session cookies", zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	next := *c.http
	next.Jar = jar
	c.http = &next
}

func (c *Client) httpClient() *http.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.http
}

func (c *Client) token() string {
	c.mu.RLock()
	ts := c.tokens
	c.mu.RUnlock()
	if ts == nil {
		return ""
	}
	return ts.Token()
}

// postJSON sends payload as a JSON body. A nil payload sends no body.
func (c *Client) postJSON(ctx context.Context, endpoint string, payload interface{}, timeout time.Duration) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, hostErrors.Internal("encode request", err)
		}
		body = bytes.NewReader(data)
	}
	contentType := ""
	if payload != nil {
		contentType = "application/json"
	}
	return c.do(ctx, http.MethodPost, endpoint, body, contentType, timeout)
}

// do performs one request and returns the body of a 2xx response.
// Non-2xx responses become *Error; transport failures become network.failed.
func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, hostErrors.Internal("build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient().Do(req)
	if err != nil {
		c.logger.Warn("request failed", zap.String("endpoint", endpoint), zap.Error(err))
		return nil, hostErrors.NetworkFailed(endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, hostErrors.NetworkFailed(endpoint, err)
	}

	c.logger.Debug("request complete",
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newError(endpoint, resp.StatusCode, data)
	}
	return data, nil
}
