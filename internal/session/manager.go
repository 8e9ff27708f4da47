// Package session owns the bearer credential used to talk to the backend.
//
// A Manager moves between four states:
//
//	Empty      no credential held
//	Valid      the backend accepted the credential
//	Invalid    a credential is held but was rejected and not yet resolved
//	Refreshing a refresh is in flight
//
// Every token change is written to the CredentialStore before it is used
// by any later request.
package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/codementor/host/internal/api"
	hostErrors "github.com/codementor/host/internal/errors"
)

// TokenKey is the name under which the bearer token is stored.
const TokenKey = "authToken"

// Status is the state of a session.
type Status string

const (
	StatusEmpty      Status = "empty"
	StatusValid      Status = "valid"
	StatusInvalid    Status = "invalid"
	StatusRefreshing Status = "refreshing"
)

// CredentialStore persists named secrets across host restarts.
type CredentialStore interface {
	GetSecret(ctx context.Context, name string) (string, bool, error)
	SetSecret(ctx context.Context, name, value string) error
	DeleteSecret(ctx context.Context, name string) error
}

// AuthEndpoint is the part of the backend the session talks to.
type AuthEndpoint interface {
	Register(ctx context.Context, email, password string) (*api.AuthResult, error)
	Login(ctx context.Context, email, password string) (*api.AuthResult, error)
	Refresh(ctx context.Context) (*api.AuthResult, error)
	Me(ctx context.Context) error

	// ResetSession drops any backend session state held outside the
	// token, such as the refresh cookie.
	ResetSession()
}

// Manager holds one session. It is safe for concurrent use.
type Manager struct {
	store  CredentialStore
	auth   AuthEndpoint
	logger *zap.Logger

	// mu serializes validate, refresh and every token mutation.
	mu sync.Mutex

	state sync.RWMutex
	token string
	stat  Status

	flight singleflight.Group
}

// NewManager creates an Empty session backed by store and auth.
func NewManager(store CredentialStore, auth AuthEndpoint, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		auth:   auth,
		logger: logger.Named("session"),
		stat:   StatusEmpty,
	}
}

// Token returns the current bearer token, or "" when none is held.
func (m *Manager) Token() string {
	m.state.RLock()
	defer m.state.RUnlock()
	return m.token
}

// Status returns the current state.
func (m *Manager) Status() Status {
	m.state.RLock()
	defer m.state.RUnlock()
	return m.stat
}

func (m *Manager) set(token string, status Status) {
	m.state.Lock()
	m.token = token
	m.stat = status
	m.state.Unlock()
}

func (m *Manager) setStatus(status Status) {
	m.state.Lock()
	m.stat = status
	m.state.Unlock()
}

// Restore loads a stored credential and validates it.
// It returns false with no error when nothing is stored.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	token, ok, err := m.store.GetSecret(ctx, TokenKey)
	if err != nil {
		return false, err
	}
	if !ok || token == "" {
		m.logger.Debug("no stored credential")
		return false, nil
	}

	m.mu.Lock()
	m.set(token, StatusInvalid)
	m.mu.Unlock()

	return m.Validate(ctx)
}

// Validate checks the held credential with the backend, refreshing it once
// if the check fails. If the refresh also fails the credential is cleared.
// Concurrent calls share a single validation. A caller that joined a
// validation abandoned by its starter's context runs a fresh one.
func (m *Manager) Validate(ctx context.Context) (bool, error) {
	ok, shared, err := m.validateOnce(ctx)
	if shared && isContextErr(err) && ctx.Err() == nil {
		m.logger.Debug("joined validation was cancelled, retrying")
		ok, _, err = m.validateOnce(ctx)
	}
	return ok, err
}

func (m *Manager) validateOnce(ctx context.Context) (ok, shared bool, err error) {
	v, err, shared := m.flight.Do("validate", func() (interface{}, error) {
		return m.validate(ctx)
	})
	if shared {
		m.logger.Debug("joined in-flight validation")
	}
	if err != nil {
		return false, shared, err
	}
	return v.(bool), shared, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (m *Manager) validate(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Token() == "" {
		m.set("", StatusEmpty)
		return false, nil
	}

	err := m.auth.Me(ctx)
	if err == nil {
		m.setStatus(StatusValid)
		return true, nil
	}
	// An abandoned check says nothing about the credential.
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	m.logger.Info("credential check failed, refreshing", zap.Error(err))
	m.setStatus(StatusInvalid)

	ok, err := m.refreshLocked(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if err := m.clearLocked(ctx); err != nil {
		return false, err
	}
	return false, nil
}

// Refresh asks the backend for a new token. It returns false when the
// backend declines; the held credential is left as is in that case.
func (m *Manager) Refresh(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

// refreshLocked must be called with mu held. Only storage failures are
// returned as errors; a refused or failed refresh reports false and marks
// a held token Invalid.
func (m *Manager) refreshLocked(ctx context.Context) (bool, error) {
	m.setStatus(StatusRefreshing)

	res, err := m.auth.Refresh(ctx)
	if err == nil && res.AccessToken != "" {
		if err := m.store.SetSecret(ctx, TokenKey, res.AccessToken); err != nil {
			m.setStatus(m.unrefreshed())
			return false, err
		}
		m.set(res.AccessToken, StatusValid)
		m.logger.Debug("credential refreshed")
		return true, nil
	}

	m.logger.Info("refresh failed", zap.Error(err))
	m.setStatus(m.unrefreshed())
	return false, nil
}

func (m *Manager) unrefreshed() Status {
	if m.Token() == "" {
		return StatusEmpty
	}
	return StatusInvalid
}

// Login authenticates with email and password. On failure the session is
// left untouched and the endpoint's error is returned unchanged.
func (m *Manager) Login(ctx context.Context, email, password string) (*api.AuthResult, error) {
	return m.authenticate(ctx, "login", email, password, m.auth.Login)
}

// Register creates an account and signs in with it.
func (m *Manager) Register(ctx context.Context, email, password string) (*api.AuthResult, error) {
	return m.authenticate(ctx, "register", email, password, m.auth.Register)
}

type authFunc func(ctx context.Context, email, password string) (*api.AuthResult, error)

func (m *Manager) authenticate(ctx context.Context, op, email, password string, call authFunc) (*api.AuthResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := call(ctx, email, password)
	if err != nil {
		m.logger.Info(op+" rejected", zap.String("email", email), zap.Error(err))
		return nil, err
	}
	if res.AccessToken == "" {
		return nil, hostErrors.AuthInvalid("backend returned no token")
	}

	if err := m.store.SetSecret(ctx, TokenKey, res.AccessToken); err != nil {
		return nil, err
	}
	m.set(res.AccessToken, StatusValid)
	m.logger.Info(op+" succeeded", zap.String("email", email))
	return res, nil
}

// Logout forgets the credential in the store, in memory and in the
// gateway's cookies, so no later refresh can revive it.
// Calling it with no session is a no-op.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearLocked(ctx)
}

// clearLocked deletes the stored credential before forgetting it in memory.
// If the delete fails the held credential is kept.
func (m *Manager) clearLocked(ctx context.Context) error {
	if err := m.store.DeleteSecret(ctx, TokenKey); err != nil {
		return err
	}
	m.set("", StatusEmpty)
	m.auth.ResetSession()
	return nil
}
