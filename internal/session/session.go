// Package session owns the authentication state of the client: who is logged
// in, with which groups, and whether the startup restoration has finished.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/example/ec-storefront/internal/activity"
	"github.com/example/ec-storefront/internal/auth"
	"github.com/example/ec-storefront/internal/gateway"
	"github.com/example/ec-storefront/internal/model"
	"github.com/rs/zerolog"
)

const (
	tokenPath    = "/api/token/"
	mePath       = "/api/auth/me/"
	registerPath = "/api/users/"
)

var (
	ErrAuthNotLoaded = errors.New("session restoration has not finished")
	ErrForbidden     = errors.New("missing required role")
)

// API is the gateway surface the controller uses
type API interface {
	Do(ctx context.Context, req gateway.Request) (*gateway.Response, error)
	Get(ctx context.Context, path string, query url.Values, out any) error
}

// TokenStore is the credential holder shared with the gateway
type TokenStore interface {
	Get() auth.Tokens
	Set(access, refresh, username string)
	Clear()
}

// Status is the coarse session state
type Status int

const (
	StatusUninitialized Status = iota
	StatusAnonymous
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusAnonymous:
		return "ANONYMOUS"
	case StatusAuthenticated:
		return "AUTHENTICATED"
	}
	return "UNINITIALIZED"
}

// State is a snapshot of the session.
// IsAuthenticated implies User is set.
type State struct {
	User            *model.UserIdentity
	Groups          []string
	IsAuthenticated bool
	AuthLoaded      bool
}

// Status derives the coarse state
func (s State) Status() Status {
	switch {
	case s.IsAuthenticated:
		return StatusAuthenticated
	case s.AuthLoaded:
		return StatusAnonymous
	}
	return StatusUninitialized
}

// ChangeKind says why the state changed
type ChangeKind string

const (
	ChangeLogin    ChangeKind = "login"
	ChangeLogout   ChangeKind = "logout"
	ChangeExpired  ChangeKind = "expired"
	ChangeIdentity ChangeKind = "identity"
	ChangeRestored ChangeKind = "restored"
)

// Change is delivered to subscribers after each committed transition
type Change struct {
	Kind  ChangeKind
	State State
}

// RegisterRequest is the account creation form
type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"-"`
}

// Controller is safe for concurrent use. Network calls run outside the lock;
// each operation commits its result under a single lock acquisition.
type Controller struct {
	api      API
	tokens   TokenStore
	activity *activity.Recorder
	logger   zerolog.Logger

	mu          sync.Mutex
	state       State
	subscribers map[int]func(Change)
	nextSubID   int

	restoreOnce sync.Once
	loaded      chan struct{}
}

// New creates a controller in the UNINITIALIZED state
func New(api API, tokens TokenStore, recorder *activity.Recorder, logger zerolog.Logger) *Controller {
	return &Controller{
		api:         api,
		tokens:      tokens,
		activity:    recorder,
		logger:      logger.With().Str("component", "session").Logger(),
		subscribers: make(map[int]func(Change)),
		loaded:      make(chan struct{}),
	}
}

// State returns a copy of the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// CurrentUser returns the authenticated identity
func (c *Controller) CurrentUser() (model.UserIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.IsAuthenticated || c.state.User == nil {
		return model.UserIdentity{}, false
	}
	return *c.state.User, true
}

// Login exchanges credentials for tokens, then loads the identity.
// Any rejection of the credentials is reported as ErrInvalidCredentials.
func (c *Controller) Login(ctx context.Context, username, password string) (*model.UserIdentity, error) {
	resp, err := c.api.Do(ctx, gateway.Request{
		Method:           http.MethodPost,
		Path:             tokenPath,
		JSON:             map[string]string{"username": username, "password": password},
		Anonymous:        true,
		InlineValidation: true,
	})
	if err != nil {
		if isRejection(err) {
			return nil, gateway.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("session: login: %w", err)
	}

	var pair model.TokenPair
	if err := resp.Decode(&pair); err != nil || pair.Access == "" {
		return nil, errors.New("session: login: malformed token response")
	}
	c.tokens.Set(pair.Access, pair.Refresh, username)

	user, err := c.fetchMe(ctx)
	if err != nil {
		// any earlier session's tokens were overwritten above
		c.tokens.Clear()
		c.reset(ctx, ChangeLogout, activity.SessionLogout)
		return nil, fmt.Errorf("session: login: %w", err)
	}

	state := c.commit(ChangeLogin, func(s *State) {
		s.User = user
		s.Groups = copyGroups(user.Groups)
		s.IsAuthenticated = true
	})
	c.logger.Info().Str("username", user.Username).Msg("logged in")

	c.activity.Emit(ctx, activity.NewUserEvent(activity.SessionLogin, user.ID, user.Username))

	copied := *state.User
	return &copied, nil
}

// RestoreSession runs the startup restoration once per controller. Later calls
// wait for the first to finish and return the resulting state. AuthLoaded is
// true when it returns, whatever happened.
func (c *Controller) RestoreSession(ctx context.Context) State {
	c.restoreOnce.Do(func() {
		defer func() {
			c.commit(ChangeRestored, func(s *State) { s.AuthLoaded = true })
			close(c.loaded)
		}()

		if c.tokens.Get().Access == "" {
			c.logger.Debug().Msg("no stored token, starting anonymous")
			return
		}
		if _, err := c.FetchUserIdentity(ctx); err != nil {
			c.logger.Info().Err(err).Msg("stored session could not be restored")
		}
	})
	return c.State()
}

// WaitAuthLoaded blocks until restoration has finished or ctx is done
func (c *Controller) WaitAuthLoaded(ctx context.Context) error {
	select {
	case <-c.loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FetchUserIdentity reloads the identity. Failure drops the authenticated
// state but leaves AuthLoaded alone.
func (c *Controller) FetchUserIdentity(ctx context.Context) (*model.UserIdentity, error) {
	user, err := c.fetchMe(ctx)
	if err != nil {
		c.commit(ChangeIdentity, func(s *State) {
			s.User = nil
			s.Groups = nil
			s.IsAuthenticated = false
		})
		return nil, fmt.Errorf("session: fetch identity: %w", err)
	}

	c.commit(ChangeIdentity, func(s *State) {
		s.User = user
		s.Groups = copyGroups(user.Groups)
		s.IsAuthenticated = true
	})
	copied := *user
	return &copied, nil
}

// Logout forgets tokens and resets the session. No network call is made.
func (c *Controller) Logout(ctx context.Context) {
	c.tokens.Clear()
	c.reset(ctx, ChangeLogout, activity.SessionLogout)
	c.logger.Info().Msg("logged out")
}

// Expire is the gateway's session-expired hook: the refresh token was
// rejected and the tokens are already gone.
func (c *Controller) Expire() {
	c.tokens.Clear()
	c.reset(context.Background(), ChangeExpired, activity.SessionExpired)
	c.logger.Warn().Msg("session expired")
}

func (c *Controller) reset(ctx context.Context, kind ChangeKind, eventType string) {
	var previous *model.UserIdentity
	c.commit(kind, func(s *State) {
		previous = s.User
		s.User = nil
		s.Groups = nil
		s.IsAuthenticated = false
	})
	if previous != nil {
		c.activity.Emit(ctx, activity.NewUserEvent(eventType, previous.ID, previous.Username))
	}
}

// Register creates an account. It does not log in. Field errors from the
// server come back verbatim in the *gateway.APIError.
func (c *Controller) Register(ctx context.Context, req RegisterRequest) (*model.UserIdentity, error) {
	if err := auth.ValidatePassword(req.Password, req.ConfirmPassword); err != nil {
		return nil, fmt.Errorf("session: register: %w", err)
	}

	resp, err := c.api.Do(ctx, gateway.Request{
		Method:           http.MethodPost,
		Path:             registerPath,
		JSON:             req,
		Anonymous:        true,
		InlineValidation: true,
	})
	if err != nil {
		return nil, fmt.Errorf("session: register: %w", err)
	}

	var user model.UserIdentity
	if err := resp.Decode(&user); err != nil {
		return nil, fmt.Errorf("session: register: %w", err)
	}
	c.logger.Info().Str("username", user.Username).Msg("account registered")
	return &user, nil
}

// Authorize checks that the session may use a feature gated on roles.
// Admin satisfies every role; no roles means any authenticated user.
func (c *Controller) Authorize(roles ...auth.Role) error {
	s := c.State()
	if !s.AuthLoaded {
		return ErrAuthNotLoaded
	}
	if !s.IsAuthenticated {
		return gateway.ErrAuthenticationRequired
	}
	if !auth.HasAnyRole(s.Groups, roles...) {
		return ErrForbidden
	}
	return nil
}

// Subscribe registers fn for every committed change and returns a function
// that removes it. fn runs outside the controller's lock.
func (c *Controller) Subscribe(fn func(Change)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

func (c *Controller) fetchMe(ctx context.Context) (*model.UserIdentity, error) {
	var user model.UserIdentity
	if err := c.api.Get(ctx, mePath, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// commit applies mutate under the lock and then notifies subscribers
func (c *Controller) commit(kind ChangeKind, mutate func(*State)) State {
	c.mu.Lock()
	mutate(&c.state)
	state := c.snapshotLocked()
	subs := make([]func(Change), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(Change{Kind: kind, State: state})
	}
	return state
}

func (c *Controller) snapshotLocked() State {
	s := c.state
	if s.User != nil {
		u := *s.User
		u.Groups = copyGroups(s.User.Groups)
		s.User = &u
	}
	s.Groups = copyGroups(s.Groups)
	return s
}

func copyGroups(groups []string) []string {
	if groups == nil {
		return nil
	}
	out := make([]string, len(groups))
	copy(out, groups)
	return out
}

// isRejection reports whether the server answered the credentials with a 4xx
func isRejection(err error) bool {
	var apiErr *gateway.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}
