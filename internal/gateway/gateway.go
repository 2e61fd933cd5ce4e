// Package gateway sends every storefront API request. It attaches the bearer
// token, turns a 401 into one refresh-and-retry per request path, and reports
// failures to the user through a Notifier.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/example/ec-storefront/internal/auth"
	"github.com/example/ec-storefront/internal/metrics"
	"github.com/example/ec-storefront/internal/model"
	"github.com/example/ec-storefront/internal/notification"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	RefreshPath = "/api/token/refresh/"

	// SessionExpiredMessage is shown when the refresh token is rejected
	SessionExpiredMessage = "Session expired. Please log in again."

	retryCeiling   = 1
	maxBodyBytes   = 10 << 20
	refreshTimeout = 15 * time.Second
)

var errNoRefreshToken = errors.New("no refresh token stored")

// TokenStore is the credential holder the gateway reads and refreshes
type TokenStore interface {
	Get() auth.Tokens
	Set(access, refresh, username string)
	Clear()
	AuthorizationHeader() string
}

// Config configures a Gateway
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenStore
	Notifier   notification.Notifier
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger

	// RateLimit is requests per second; 0 disables limiting
	RateLimit float64
	RateBurst int

	// RetryLedgerSize bounds how many paths keep a retry counter
	RetryLedgerSize int
}

// Request describes one API call
type Request struct {
	Method string
	// Path is relative to the base URL; absolute URLs such as pagination
	// links are used unchanged
	Path  string
	Query url.Values

	// JSON is encoded as the body when set
	JSON any
	// Body and ContentType carry pre-encoded payloads such as multipart forms
	Body        []byte
	ContentType string

	// Anonymous requests never carry a bearer and never trigger a refresh
	Anonymous bool
	// InlineValidation suppresses the notification for validation errors
	// that the caller shows next to its form instead
	InlineValidation bool
}

// Response is a completed 2xx exchange
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the body into out; an empty body leaves out untouched
func (r *Response) Decode(out any) error {
	if out == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}

// Gateway is safe for concurrent use
type Gateway struct {
	baseURL  string
	client   *http.Client
	tokens   TokenStore
	notifier notification.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	limiter  *rate.Limiter
	ledger   *retryLedger

	refreshGroup singleflight.Group

	hookMu    sync.RWMutex
	onExpired func()
}

// New creates a gateway
func New(cfg Config) (*Gateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("gateway: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("gateway: Tokens is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notification.NewLogNotifier(cfg.Logger)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Gateway{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   client,
		tokens:   cfg.Tokens,
		notifier: notifier,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "gateway").Logger(),
		limiter:  limiter,
		ledger:   newRetryLedger(retryCeiling, cfg.RetryLedgerSize),
	}, nil
}

// OnSessionExpired registers the hook run after a failed refresh, once the
// tokens are cleared
func (g *Gateway) OnSessionExpired(fn func()) {
	g.hookMu.Lock()
	defer g.hookMu.Unlock()
	g.onExpired = fn
}

// BaseURL returns the API root the gateway talks to
func (g *Gateway) BaseURL() string {
	return g.baseURL
}

// Get issues a GET and decodes the JSON response into out
func (g *Gateway) Get(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := g.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Send issues a JSON request and decodes the response into out when non-nil
func (g *Gateway) Send(ctx context.Context, method, path string, in, out any) error {
	resp, err := g.Do(ctx, Request{Method: method, Path: path, JSON: in})
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Do performs req. Non-2xx responses come back as *APIError.
func (g *Gateway) Do(ctx context.Context, req Request) (*Response, error) {
	resp, usedAccess, err := g.send(ctx, req)
	if err != nil {
		return nil, g.transportFailure(ctx, req, err)
	}

	if resp.StatusCode == http.StatusUnauthorized && !req.Anonymous {
		resp, err = g.retryAfterRefresh(ctx, req, resp, usedAccess)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := g.apiError(req, resp)
		if resp.StatusCode != http.StatusUnauthorized {
			g.notifyFailure(req, apiErr)
		}
		return nil, apiErr
	}
	return resp, nil
}

// retryAfterRefresh handles a 401. It returns the response to continue with,
// which is the first 401 when the path has used up its retry.
func (g *Gateway) retryAfterRefresh(ctx context.Context, req Request, first *Response, usedAccess string) (*Response, error) {
	path := ledgerKey(g.resolve(req))
	tokens := g.tokens.Get()

	if usedAccess == "" && tokens.Refresh == "" {
		// nothing was sent and nothing can be refreshed
		return first, nil
	}
	if usedAccess != "" && tokens.Access == "" && tokens.Refresh == "" {
		// the session ended while this request was in flight; it was
		// already announced
		return nil, fmt.Errorf("%w: %w", ErrSessionExpired, g.apiError(req, first))
	}
	if !g.ledger.acquire(path) {
		g.logger.Debug().Str("path", path).Msg("retry ceiling reached, not refreshing")
		return first, nil
	}

	// another request may already have rotated the token
	if tokens.Access == "" || tokens.Access == usedAccess {
		if err := g.refresh(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSessionExpired, g.apiError(req, first))
		}
	}

	resp, _, err := g.send(ctx, req)
	if err != nil {
		return nil, g.transportFailure(ctx, req, err)
	}
	return resp, nil
}

// refresh exchanges the refresh token for a new pair. Concurrent callers share
// one exchange. On failure the session is expired before returning.
func (g *Gateway) refresh(ctx context.Context) error {
	_, err, shared := g.refreshGroup.Do("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		if err := g.exchangeRefreshToken(rctx); err != nil {
			g.metrics.Refresh(metrics.OutcomeFailure)
			g.logger.Warn().Err(err).Msg("token refresh failed")
			g.expire()
			return nil, err
		}
		g.metrics.Refresh(metrics.OutcomeSuccess)
		g.logger.Debug().Msg("access token refreshed")
		return nil, nil
	})
	if shared {
		g.metrics.Refresh(metrics.OutcomeShared)
	}
	return err
}

// exchangeRefreshToken posts to the refresh endpoint on the raw client,
// bypassing bearer injection and 401 handling
func (g *Gateway) exchangeRefreshToken(ctx context.Context) error {
	current := g.tokens.Get()
	if current.Refresh == "" {
		return errNoRefreshToken
	}

	payload, err := json.Marshal(map[string]string{"refresh": current.Refresh})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+RefreshPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		g.metrics.ObserveRequest(http.MethodPost, 0, time.Since(start))
		return err
	}
	defer resp.Body.Close()
	g.metrics.ObserveRequest(http.MethodPost, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh rejected with status %d", resp.StatusCode)
	}

	var pair model.TokenPair
	if err := json.Unmarshal(body, &pair); err != nil {
		return fmt.Errorf("decode refresh response: %w", err)
	}
	if pair.Access == "" {
		return fmt.Errorf("refresh response has no access token")
	}

	refreshToken := pair.Refresh
	if refreshToken == "" {
		refreshToken = current.Refresh
	}
	g.tokens.Set(pair.Access, refreshToken, current.Username)
	return nil
}

func (g *Gateway) expire() {
	g.tokens.Clear()
	g.notifier.Notify(notification.LevelError, SessionExpiredMessage)

	g.hookMu.RLock()
	hook := g.onExpired
	g.hookMu.RUnlock()
	if hook != nil {
		hook()
	}
}

// send performs one attempt and returns the access token it carried
func (g *Gateway) send(ctx context.Context, req Request) (*Response, string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, "", err
		}
	}

	var body io.Reader
	contentType := req.ContentType
	switch {
	case req.JSON != nil:
		encoded, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	case req.Body != nil:
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, g.resolve(req), body)
	if err != nil {
		return nil, "", err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	requestID := uuid.NewString()
	httpReq.Header.Set("X-Request-ID", requestID)

	var usedAccess string
	if !req.Anonymous {
		if header := g.tokens.AuthorizationHeader(); header != "" {
			httpReq.Header.Set("Authorization", header)
			usedAccess = strings.TrimPrefix(header, "Bearer ")
		}
	}

	start := time.Now()
	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		g.metrics.ObserveRequest(req.Method, 0, time.Since(start))
		return nil, usedAccess, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	elapsed := time.Since(start)
	g.metrics.ObserveRequest(req.Method, httpResp.StatusCode, elapsed)
	if err != nil {
		return nil, usedAccess, fmt.Errorf("read response body: %w", err)
	}

	g.logger.Debug().
		Str("request_id", requestID).
		Str("method", req.Method).
		Str("path", ledgerKey(httpReq.URL.String())).
		Int("status", httpResp.StatusCode).
		Dur("elapsed", elapsed).
		Msg("api request")

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, usedAccess, nil
}

func (g *Gateway) resolve(req Request) string {
	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = g.baseURL + target
	}
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}
	return target
}

func (g *Gateway) apiError(req Request, resp *Response) *APIError {
	message, fields := parseErrorBody(resp.Body)
	return &APIError{
		StatusCode: resp.StatusCode,
		Method:     req.Method,
		Path:       ledgerKey(g.resolve(req)),
		Message:    message,
		Fields:     fields,
	}
}

func (g *Gateway) transportFailure(ctx context.Context, req Request, err error) error {
	apiErr := &APIError{
		Method: req.Method,
		Path:   ledgerKey(g.resolve(req)),
		Err:    err,
	}
	// a caller that gave up does not need to be told
	if ctx.Err() == nil {
		g.notifier.Notify(notification.LevelError, GenericFailure)
	}
	g.logger.Warn().Err(err).Str("method", req.Method).Str("path", apiErr.Path).Msg("request failed")
	return apiErr
}

func (g *Gateway) notifyFailure(req Request, apiErr *APIError) {
	if req.InlineValidation && errors.Is(apiErr, ErrValidation) {
		return
	}
	message := apiErr.Message
	if message == "" {
		message = GenericFailure
	}
	g.notifier.Notify(notification.LevelError, message)
}

// ledgerKey reduces a URL to the path the retry ceiling is tracked under
func ledgerKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return rawURL
	}
	return u.Path
}
