package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codementor/host/internal/api"
	"github.com/codementor/host/internal/storage"
)

type memStore struct {
	mu      sync.Mutex
	secrets map[string]string
	getErr  error
	setErr  error
	delErr  error
}

func newMemStore() *memStore {
	return &memStore{secrets: make(map[string]string)}
}

func (s *memStore) GetSecret(_ context.Context, name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return "", false, s.getErr
	}
	v, ok := s.secrets[name]
	return v, ok, nil
}

func (s *memStore) SetSecret(_ context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.secrets[name] = value
	return nil
}

func (s *memStore) DeleteSecret(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delErr != nil {
		return s.delErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	delete(s.secrets, name)
	return nil
}

func (s *memStore) get(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.secrets[name]
	return v, ok
}

// fakeAuth accepts tokens in valid and issues refreshToken on refresh.
type fakeAuth struct {
	mu           sync.Mutex
	valid        map[string]bool
	refreshToken string
	refreshDelay time.Duration
	loginErr     error

	// meGate, when set, holds every Me call until it is closed.
	meGate chan struct{}

	meCalls      atomic.Int32
	resets       atomic.Int32
	refreshCalls atomic.Int32
	inRefresh    atomic.Int32
	overlapped   atomic.Bool
}

func newFakeAuth(valid ...string) *fakeAuth {
	f := &fakeAuth{valid: make(map[string]bool)}
	for _, v := range valid {
		f.valid[v] = true
	}
	return f
}

func (f *fakeAuth) Register(ctx context.Context, email, password string) (*api.AuthResult, error) {
	return f.Login(ctx, email, password)
}

func (f *fakeAuth) Login(_ context.Context, email, _ string) (*api.AuthResult, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	token := "tok-" + email
	f.mu.Lock()
	f.valid[token] = true
	f.mu.Unlock()
	return &api.AuthResult{AccessToken: token, Body: []byte(`{"access_token":"` + token + `"}`)}, nil
}

func (f *fakeAuth) Refresh(_ context.Context) (*api.AuthResult, error) {
	f.refreshCalls.Add(1)
	if f.inRefresh.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	defer f.inRefresh.Add(-1)

	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshToken == "" {
		return nil, &api.Error{Endpoint: api.EndpointRefresh, Status: http.StatusUnauthorized, Message: "Refresh token missing"}
	}
	f.valid[f.refreshToken] = true
	return &api.AuthResult{AccessToken: f.refreshToken}, nil
}

// ResetSession forgets the refresh grant, like dropping the refresh cookie.
func (f *fakeAuth) ResetSession() {
	f.resets.Add(1)
	f.mu.Lock()
	f.refreshToken = ""
	f.mu.Unlock()
}

// meAuth adds a Me that checks the manager's current token against fakeAuth.
type meAuth struct {
	*fakeAuth
	m *Manager
}

func (a *meAuth) Me(ctx context.Context) error {
	a.meCalls.Add(1)
	if a.meGate != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.meGate:
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.valid[a.m.Token()] {
		return nil
	}
	return &api.Error{Endpoint: api.EndpointMe, Status: http.StatusUnauthorized, Message: "Not authenticated"}
}

func newTestManager(store CredentialStore, auth *fakeAuth) *Manager {
	wrapped := &meAuth{fakeAuth: auth}
	m := NewManager(store, wrapped, nil)
	wrapped.m = m
	return m
}

func TestNewManagerIsEmpty(t *testing.T) {
	m := newTestManager(newMemStore(), newFakeAuth())
	assert.Equal(t, StatusEmpty, m.Status())
	assert.Empty(t, m.Token())
}

func TestLoginThenValidate(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store, newFakeAuth())

	res, err := m.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	assert.JSONEq(t, `{"access_token":"tok-a@b.c"}`, string(res.Body))
	assert.Equal(t, StatusValid, m.Status())

	stored, ok := store.get(TokenKey)
	require.True(t, ok)
	assert.Equal(t, "tok-a@b.c", stored)

	ok, err = m.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatusValid, m.Status())
}

func TestLoginFailureLeavesStateUntouched(t *testing.T) {
	store := newMemStore()
	auth := newFakeAuth()
	m := newTestManager(store, auth)

	_, err := m.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)

	rejected := &api.Error{Endpoint: api.EndpointLogin, Status: http.StatusUnauthorized, Body: []byte(`{"detail":"Invalid credentials"}`), Message: "Invalid credentials"}
	auth.loginErr = rejected

	_, err = m.Login(context.Background(), "x@y.z", "bad")
	require.Error(t, err)
	assert.Same(t, rejected, err)
	assert.Equal(t, "tok-a@b.c", m.Token())
	assert.Equal(t, StatusValid, m.Status())
}

func TestLoginStoreFailure(t *testing.T) {
	store := newMemStore()
	store.setErr = errors.New("disk full")
	m := newTestManager(store, newFakeAuth())

	_, err := m.Login(context.Background(), "a@b.c", "pw")
	require.Error(t, err)
	assert.Empty(t, m.Token())
	assert.Equal(t, StatusEmpty, m.Status())
}

func TestRegisterAdoptsToken(t *testing.T) {
	m := newTestManager(newMemStore(), newFakeAuth())

	_, err := m.Register(context.Background(), "new@b.c", "pw")
	require.NoError(t, err)
	assert.Equal(t, "tok-new@b.c", m.Token())
	assert.Equal(t, StatusValid, m.Status())
}

func TestValidateWithoutTokenSkipsBackend(t *testing.T) {
	auth := newFakeAuth()
	m := newTestManager(newMemStore(), auth)

	ok, err := m.Validate(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, auth.meCalls.Load())
	assert.Zero(t, auth.refreshCalls.Load())
}

func TestRestore(t *testing.T) {
	t.Run("nothing stored", func(t *testing.T) {
		auth := newFakeAuth()
		m := newTestManager(newMemStore(), auth)

		ok, err := m.Restore(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, StatusEmpty, m.Status())
		assert.Zero(t, auth.meCalls.Load())
	})

	t.Run("valid token", func(t *testing.T) {
		store := newMemStore()
		store.secrets[TokenKey] = "stored"
		m := newTestManager(store, newFakeAuth("stored"))

		ok, err := m.Restore(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "stored", m.Token())
		assert.Equal(t, StatusValid, m.Status())
	})

	t.Run("expired token refreshed", func(t *testing.T) {
		store := newMemStore()
		store.secrets[TokenKey] = "expired"
		auth := newFakeAuth()
		auth.refreshToken = "fresh"
		m := newTestManager(store, auth)

		ok, err := m.Restore(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "fresh", m.Token())
		assert.EqualValues(t, 1, auth.refreshCalls.Load())

		stored, _ := store.get(TokenKey)
		assert.Equal(t, "fresh", stored)
	})

	t.Run("expired token not refreshable", func(t *testing.T) {
		store := newMemStore()
		store.secrets[TokenKey] = "expired"
		auth := newFakeAuth()
		m := newTestManager(store, auth)

		ok, err := m.Restore(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, m.Token())
		assert.Equal(t, StatusEmpty, m.Status())
		assert.EqualValues(t, 1, auth.refreshCalls.Load())

		_, present := store.get(TokenKey)
		assert.False(t, present)
		assert.EqualValues(t, 1, auth.resets.Load())
	})

	t.Run("store failure", func(t *testing.T) {
		store := newMemStore()
		store.getErr = errors.New("locked")
		m := newTestManager(store, newFakeAuth())

		ok, err := m.Restore(context.Background())
		require.Error(t, err)
		assert.False(t, ok)
	})
}

func TestConcurrentValidateRefreshesOnce(t *testing.T) {
	store := newMemStore()
	store.secrets[TokenKey] = "expired"
	auth := newFakeAuth()
	auth.refreshToken = "fresh"
	auth.refreshDelay = 20 * time.Millisecond
	m := newTestManager(store, auth)

	m.mu.Lock()
	m.set("expired", StatusInvalid)
	m.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]bool, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := m.Validate(context.Background())
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	for _, ok := range results {
		assert.True(t, ok)
	}
	assert.False(t, auth.overlapped.Load(), "refreshes overlapped")
	// Later validations find the fresh token valid and skip refresh.
	assert.EqualValues(t, 1, auth.refreshCalls.Load())
	assert.Equal(t, "fresh", m.Token())
}

func TestRefreshAndValidateNeverOverlap(t *testing.T) {
	auth := newFakeAuth()
	auth.refreshToken = "fresh"
	auth.refreshDelay = 5 * time.Millisecond
	m := newTestManager(newMemStore(), auth)

	m.mu.Lock()
	m.set("expired", StatusInvalid)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = m.Refresh(context.Background())
		}()
		go func() {
			defer wg.Done()
			_, _ = m.Validate(context.Background())
		}()
	}
	wg.Wait()

	assert.False(t, auth.overlapped.Load(), "refreshes overlapped")
	assert.Equal(t, StatusValid, m.Status())
}

func TestRefreshFailureMarksInvalid(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store, newFakeAuth())

	_, err := m.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)

	ok, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StatusInvalid, m.Status())
	assert.Equal(t, "tok-a@b.c", m.Token())
}

func TestRefreshStoreFailureKeepsOldToken(t *testing.T) {
	store := newMemStore()
	auth := newFakeAuth()
	auth.refreshToken = "fresh"
	m := newTestManager(store, auth)

	_, err := m.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)

	store.setErr = errors.New("disk full")
	ok, err := m.Refresh(context.Background())
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, "tok-a@b.c", m.Token())
}

func TestLogout(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store, newFakeAuth())

	_, err := m.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)

	require.NoError(t, m.Logout(context.Background()))
	assert.Empty(t, m.Token())
	assert.Equal(t, StatusEmpty, m.Status())

	ok, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StatusEmpty, m.Status())

	require.NoError(t, m.Logout(context.Background()), "logout is idempotent")
}

func TestLogoutDropsRefreshGrant(t *testing.T) {
	store := newMemStore()
	auth := newFakeAuth()
	auth.refreshToken = "fresh"
	m := newTestManager(store, auth)

	_, err := m.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	require.NoError(t, m.Logout(context.Background()))
	assert.EqualValues(t, 1, auth.resets.Load())

	ok, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, m.Token())
	assert.Equal(t, StatusEmpty, m.Status())
	_, present := store.get(TokenKey)
	assert.False(t, present)
}

func TestLogoutAgainstBackendCannotBeRefreshed(t *testing.T) {
	var issued atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case api.EndpointLogin:
			http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: "R1", Path: "/"})
			w.Write([]byte(`{"access_token":"t1"}`))
		case api.EndpointRefresh:
			if c, err := r.Cookie("refresh_token"); err != nil || c.Value != "R1" {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"detail":"Refresh token missing"}`))
				return
			}
			issued.Add(1)
			w.Write([]byte(`{"access_token":"t2"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := api.NewClient(api.Options{BaseURL: srv.URL})
	require.NoError(t, err)
	store := newMemStore()
	m := NewManager(store, client, nil)
	client.SetTokenSource(m)

	_, err = m.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	require.NoError(t, m.Logout(context.Background()))

	ok, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, m.Token())
	assert.Equal(t, StatusEmpty, m.Status())
	assert.Zero(t, issued.Load())
	_, present := store.get(TokenKey)
	assert.False(t, present)
}

func TestLogoutStoreFailureKeepsCredential(t *testing.T) {
	store := newMemStore()
	auth := newFakeAuth()
	m := newTestManager(store, auth)

	_, err := m.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)

	store.delErr = errors.New("locked")
	require.Error(t, m.Logout(context.Background()))
	assert.Equal(t, "tok-a@b.c", m.Token())
	assert.Zero(t, auth.resets.Load())
	stored, _ := store.get(TokenKey)
	assert.Equal(t, "tok-a@b.c", stored)
}

func TestCancelledRestoreKeepsCredential(t *testing.T) {
	store := newMemStore()
	store.secrets[TokenKey] = "good-token"
	auth := newFakeAuth("good-token")
	auth.meGate = make(chan struct{})
	m := newTestManager(store, auth)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ok, err := m.Restore(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ok)
	assert.Equal(t, "good-token", m.Token())
	assert.Zero(t, auth.refreshCalls.Load())
	assert.Zero(t, auth.resets.Load())
	stored, present := store.get(TokenKey)
	assert.True(t, present)
	assert.Equal(t, "good-token", stored)

	// The next check with a live context succeeds with the same credential.
	close(auth.meGate)
	ok, err = m.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatusValid, m.Status())
}

func TestJoinedValidationOutlivesStarterCancel(t *testing.T) {
	auth := newFakeAuth("good-token")
	auth.meGate = make(chan struct{})
	m := newTestManager(newMemStore(), auth)

	m.mu.Lock()
	m.set("good-token", StatusInvalid)
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	starter := make(chan error, 1)
	go func() {
		_, err := m.Validate(ctx)
		starter <- err
	}()
	require.Eventually(t, func() bool { return auth.meCalls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		ok  bool
		err error
	}
	joined := make(chan result, 1)
	go func() {
		ok, err := m.Validate(context.Background())
		joined <- result{ok, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-starter, context.Canceled)
	close(auth.meGate)

	select {
	case r := <-joined:
		require.NoError(t, r.err)
		assert.True(t, r.ok)
	case <-time.After(time.Second):
		t.Fatal("joined validation did not finish")
	}
	assert.Equal(t, "good-token", m.Token())
	assert.Equal(t, StatusValid, m.Status())
}

func TestManagerWithSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codementor.db")
	store, err := storage.NewSQLiteStore(path, nil)
	require.NoError(t, err)

	auth := newFakeAuth()
	m := newTestManager(store, auth)
	_, err = m.Login(context.Background(), "a@b.c", "pw")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := storage.NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	restored := newTestManager(reopened, auth)
	ok, err := restored.Restore(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok-a@b.c", restored.Token())
}

func TestManagerIsTokenSource(t *testing.T) {
	var _ api.TokenSource = (*Manager)(nil)
}
