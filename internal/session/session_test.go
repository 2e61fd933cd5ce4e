package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ec-storefront/internal/activity"
	"github.com/example/ec-storefront/internal/auth"
	"github.com/example/ec-storefront/internal/gateway"
	"github.com/example/ec-storefront/internal/infrastructure/store/mocks"
	"github.com/example/ec-storefront/internal/notification"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	controller *Controller
	tokens     *auth.TokenStore
	notices    *notification.Recorder
	events     *activity.MemorySink
	meCalls    atomic.Int32
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// newFixture serves a small auth backend: alice/secret-pass logs in, the
// bearer "access-1" is accepted by /api/auth/me/.
func newFixture(t *testing.T, mux *http.ServeMux) *fixture {
	t.Helper()
	f := &fixture{
		notices: &notification.Recorder{},
		events:  &activity.MemorySink{},
	}

	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.HandleFunc("/api/token/", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["username"] != "alice" || in["password"] != "secret-pass" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "No active account found with the given credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access": "access-1", "refresh": "refresh-1"})
	})
	mux.HandleFunc("/api/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is blacklisted"})
	})
	mux.HandleFunc("/api/auth/me/", func(w http.ResponseWriter, r *http.Request) {
		f.meCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer access-1" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Given token not valid"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id": 7, "username": "alice", "email": "alice@example.com", "groups": []string{"Buyer"},
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	f.tokens = auth.NewTokenStore(mocks.NewMockKVStore(nil), zerolog.Nop())
	gw, err := gateway.New(gateway.Config{
		BaseURL:  server.URL,
		Tokens:   f.tokens,
		Notifier: f.notices,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	f.controller = New(gw, f.tokens, activity.NewRecorder(f.events, zerolog.Nop()), zerolog.Nop())
	gw.OnSessionExpired(f.controller.Expire)
	return f
}

// ============================================
// Login
// ============================================

func TestLogin_StoresTokensAndIdentity(t *testing.T) {
	f := newFixture(t, nil)

	user, err := f.controller.Login(context.Background(), "alice", "secret-pass")
	require.NoError(t, err)
	assert.Equal(t, int64(7), user.ID)

	tokens := f.tokens.Get()
	assert.Equal(t, "access-1", tokens.Access)
	assert.Equal(t, "refresh-1", tokens.Refresh)
	assert.Equal(t, "alice", tokens.Username)

	state := f.controller.State()
	assert.True(t, state.IsAuthenticated)
	assert.Equal(t, []string{"Buyer"}, state.Groups)
	assert.Equal(t, []string{activity.SessionLogin}, f.events.Types())

	current, ok := f.controller.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "alice", current.Username)
}

func TestLogin_WrongPassword(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.controller.Login(context.Background(), "alice", "nope")
	assert.ErrorIs(t, err, gateway.ErrInvalidCredentials)
	assert.Equal(t, "invalid username or password", err.Error())

	assert.False(t, f.controller.State().IsAuthenticated)
	assert.False(t, f.tokens.Get().HasAccess())
	assert.Empty(t, f.notices.Notices(), "login failures are reported inline")
}

func TestLogin_IdentityFailureClearsTokens(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/token/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"access": "access-2", "refresh": "refresh-2"})
	})
	mux.HandleFunc("/api/auth/me/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "boom"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tokens := auth.NewTokenStore(mocks.NewMockKVStore(nil), zerolog.Nop())
	gw, err := gateway.New(gateway.Config{BaseURL: server.URL, Tokens: tokens, Notifier: &notification.Recorder{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	c := New(gw, tokens, nil, zerolog.Nop())

	_, err = c.Login(context.Background(), "alice", "secret-pass")
	require.Error(t, err)
	assert.False(t, c.State().IsAuthenticated)
	assert.False(t, tokens.Get().HasAccess())
}

func TestLogin_IdentityFailureEndsPreviousSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/token/", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		writeJSON(w, http.StatusOK, map[string]string{"access": "access-" + in["username"], "refresh": "refresh-" + in["username"]})
	})
	mux.HandleFunc("/api/auth/me/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-alice" {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "boom"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": 7, "username": "alice", "groups": []string{"Buyer"}})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tokens := auth.NewTokenStore(mocks.NewMockKVStore(nil), zerolog.Nop())
	gw, err := gateway.New(gateway.Config{BaseURL: server.URL, Tokens: tokens, Notifier: &notification.Recorder{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	events := &activity.MemorySink{}
	c := New(gw, tokens, activity.NewRecorder(events, zerolog.Nop()), zerolog.Nop())

	var changes []ChangeKind
	c.Subscribe(func(ch Change) { changes = append(changes, ch.Kind) })

	_, err = c.Login(context.Background(), "alice", "secret-pass")
	require.NoError(t, err)

	_, err = c.Login(context.Background(), "bob", "secret-pass")
	require.Error(t, err)

	assert.False(t, tokens.Get().HasAccess())
	assert.False(t, c.State().IsAuthenticated)
	_, ok := c.CurrentUser()
	assert.False(t, ok)
	assert.Equal(t, []ChangeKind{ChangeLogin, ChangeLogout}, changes)
	assert.Equal(t, []string{activity.SessionLogin, activity.SessionLogout}, events.Types())
}

func TestLogin_ServerDown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/token/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "maintenance"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tokens := auth.NewTokenStore(mocks.NewMockKVStore(nil), zerolog.Nop())
	gw, err := gateway.New(gateway.Config{BaseURL: server.URL, Tokens: tokens, Notifier: &notification.Recorder{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	c := New(gw, tokens, nil, zerolog.Nop())

	_, err = c.Login(context.Background(), "alice", "secret-pass")
	assert.ErrorIs(t, err, gateway.ErrTransient)
	assert.NotErrorIs(t, err, gateway.ErrInvalidCredentials)
}

// ============================================
// Restoration
// ============================================

func TestRestoreSession_NoTokenIsAnonymous(t *testing.T) {
	f := newFixture(t, nil)

	state := f.controller.RestoreSession(context.Background())
	assert.True(t, state.AuthLoaded)
	assert.False(t, state.IsAuthenticated)
	assert.Equal(t, StatusAnonymous, state.Status())
	assert.Zero(t, f.meCalls.Load())
}

func TestRestoreSession_ValidToken(t *testing.T) {
	f := newFixture(t, nil)
	f.tokens.Set("access-1", "refresh-1", "alice")

	state := f.controller.RestoreSession(context.Background())
	assert.True(t, state.AuthLoaded)
	assert.Equal(t, StatusAuthenticated, state.Status())
	require.NotNil(t, state.User)
	assert.Equal(t, "alice", state.User.Username)
}

func TestRestoreSession_RunsOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.tokens.Set("access-1", "refresh-1", "alice")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state := f.controller.RestoreSession(context.Background())
			assert.True(t, state.AuthLoaded)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.meCalls.Load())
	assert.NoError(t, f.controller.WaitAuthLoaded(context.Background()))
}

func TestRestoreSession_RejectedTokenExpiresSession(t *testing.T) {
	f := newFixture(t, nil)
	f.tokens.Set("old", "revoked", "alice")

	var kinds []ChangeKind
	var mu sync.Mutex
	f.controller.Subscribe(func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, c.Kind)
	})

	state := f.controller.RestoreSession(context.Background())
	assert.True(t, state.AuthLoaded)
	assert.False(t, state.IsAuthenticated)
	assert.False(t, f.tokens.Get().HasAccess())
	assert.Equal(t, []string{gateway.SessionExpiredMessage}, f.notices.Messages())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, kinds, ChangeExpired)
	assert.Equal(t, ChangeRestored, kinds[len(kinds)-1])
}

func TestWaitAuthLoaded_HonoursContext(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := f.controller.WaitAuthLoaded(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusUninitialized, f.controller.State().Status())
}

// ============================================
// Logout
// ============================================

func TestLogout_ClearsEverythingButTheLatch(t *testing.T) {
	f := newFixture(t, nil)
	f.controller.RestoreSession(context.Background())
	_, err := f.controller.Login(context.Background(), "alice", "secret-pass")
	require.NoError(t, err)

	var got []Change
	unsubscribe := f.controller.Subscribe(func(c Change) { got = append(got, c) })

	f.controller.Logout(context.Background())

	state := f.controller.State()
	assert.False(t, state.IsAuthenticated)
	assert.Nil(t, state.User)
	assert.Nil(t, state.Groups)
	assert.True(t, state.AuthLoaded)
	assert.False(t, f.tokens.Get().HasAccess())

	require.Len(t, got, 1)
	assert.Equal(t, ChangeLogout, got[0].Kind)
	assert.Equal(t, []string{activity.SessionLogin, activity.SessionLogout}, f.events.Types())

	unsubscribe()
	f.controller.Logout(context.Background())
	assert.Len(t, got, 1)
}

// ============================================
// Registration
// ============================================

func TestRegister_RejectsBadPasswordLocally(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/users/", func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })
	f := newFixture(t, mux)

	_, err := f.controller.Register(context.Background(), RegisterRequest{
		Username: "bob", Email: "bob@example.com", Password: "long-enough", ConfirmPassword: "different",
	})
	assert.ErrorIs(t, err, auth.ErrPasswordMismatch)

	_, err = f.controller.Register(context.Background(), RegisterRequest{
		Username: "bob", Password: "short", ConfirmPassword: "short",
	})
	assert.ErrorIs(t, err, auth.ErrPasswordTooShort)
	assert.Zero(t, calls.Load())
}

func TestRegister_FieldErrorsComeBackVerbatim(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/users/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"username": {"A user with that username already exists."}})
	})
	f := newFixture(t, mux)

	_, err := f.controller.Register(context.Background(), RegisterRequest{
		Username: "alice", Email: "a@example.com", Password: "long-enough", ConfirmPassword: "long-enough",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrValidation)

	var apiErr *gateway.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, []string{"A user with that username already exists."}, apiErr.Fields["username"])
	assert.Empty(t, f.notices.Notices())
}

func TestRegister_DoesNotAuthenticate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/users/", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		assert.NotContains(t, in, "ConfirmPassword")
		writeJSON(w, http.StatusCreated, map[string]any{"id": 9, "username": in["username"], "email": in["email"]})
	})
	f := newFixture(t, mux)

	user, err := f.controller.Register(context.Background(), RegisterRequest{
		Username: "bob", Email: "bob@example.com", Password: "long-enough", ConfirmPassword: "long-enough",
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", user.Username)
	assert.False(t, f.controller.State().IsAuthenticated)
	assert.False(t, f.tokens.Get().HasAccess())
}

// ============================================
// Authorization
// ============================================

func TestAuthorize(t *testing.T) {
	f := newFixture(t, nil)

	assert.ErrorIs(t, f.controller.Authorize(auth.RoleBuyer), ErrAuthNotLoaded)

	f.controller.RestoreSession(context.Background())
	assert.ErrorIs(t, f.controller.Authorize(auth.RoleBuyer), gateway.ErrAuthenticationRequired)

	_, err := f.controller.Login(context.Background(), "alice", "secret-pass")
	require.NoError(t, err)
	assert.NoError(t, f.controller.Authorize(auth.RoleBuyer))
	assert.NoError(t, f.controller.Authorize())
	assert.ErrorIs(t, f.controller.Authorize(auth.RoleSeller), ErrForbidden)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "UNINITIALIZED", StatusUninitialized.String())
	assert.Equal(t, "ANONYMOUS", StatusAnonymous.String())
	assert.Equal(t, "AUTHENTICATED", StatusAuthenticated.String())
}
