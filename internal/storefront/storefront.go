// Package storefront builds a ready-to-use client from configuration: token
// storage, the gateway, the session, cart and checkout controllers, the
// catalog and the activity stream, all wired to one another.
package storefront

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/example/ec-storefront/internal/activity"
	"github.com/example/ec-storefront/internal/auth"
	"github.com/example/ec-storefront/internal/cart"
	"github.com/example/ec-storefront/internal/catalog"
	"github.com/example/ec-storefront/internal/checkout"
	"github.com/example/ec-storefront/internal/config"
	"github.com/example/ec-storefront/internal/gateway"
	"github.com/example/ec-storefront/internal/infrastructure/kafka"
	"github.com/example/ec-storefront/internal/infrastructure/store"
	"github.com/example/ec-storefront/internal/metrics"
	"github.com/example/ec-storefront/internal/notification"
	"github.com/example/ec-storefront/internal/session"
	"github.com/rs/zerolog"
)

// Options overrides parts of the wiring. Zero values fall back to what the
// configuration asks for.
type Options struct {
	Logger     zerolog.Logger
	Notifier   notification.Notifier
	HTTPClient *http.Client

	// Store replaces the configured storage driver
	Store store.KVStore
	// Publisher replaces the Kafka producer for activity events
	Publisher activity.Publisher
}

// App is the wired client
type App struct {
	Config   *config.Config
	Metrics  *metrics.Metrics
	Tokens   *auth.TokenStore
	Gateway  *gateway.Gateway
	Session  *session.Controller
	Cart     *cart.Controller
	Checkout *checkout.Controller
	Catalog  *catalog.Service
	Activity *activity.Recorder
	// History keeps this process's activity for the shell
	History *activity.MemorySink

	logger      zerolog.Logger
	kv          store.KVStore
	producer    *kafka.Producer
	unsubscribe func()

	mu            sync.Mutex
	metricsServer *http.Server
	closed        bool
}

// New wires a client from cfg
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("storefront: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout, err := cfg.Timeout()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger

	kv := opts.Store
	if kv == nil {
		kv, err = OpenStore(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
	}

	app := &App{
		Config:  cfg,
		Metrics: metrics.New(),
		logger:  logger.With().Str("component", "storefront").Logger(),
		kv:      kv,
		History: &activity.MemorySink{},
	}

	sinks := activity.Multi{activity.NewLogSink(logger), app.History}
	publisher := opts.Publisher
	if publisher == nil && cfg.Activity.Enabled() {
		app.producer = kafka.NewProducer(cfg.Activity.Brokers, cfg.Activity.Topic)
		publisher = app.producer
	}
	if publisher != nil {
		sinks = append(sinks, activity.NewKafkaSink(publisher))
	}
	app.Activity = activity.NewRecorder(sinks, logger)

	app.Tokens = auth.LoadTokenStore(ctx, kv, logger)

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notification.NewLogNotifier(logger)
	}
	app.Gateway, err = gateway.New(gateway.Config{
		BaseURL:         cfg.BaseURL,
		HTTPClient:      client,
		Tokens:          app.Tokens,
		Notifier:        notifier,
		Metrics:         app.Metrics,
		Logger:          logger,
		RateLimit:       cfg.RateLimit,
		RateBurst:       cfg.RateBurst,
		RetryLedgerSize: cfg.RetryLedgerSize,
	})
	if err != nil {
		app.closeResources()
		return nil, fmt.Errorf("storefront: %w", err)
	}

	app.Session = session.New(app.Gateway, app.Tokens, app.Activity, logger)
	app.Cart = cart.New(app.Gateway, app.Session, app.Metrics, app.Activity, logger)
	app.Checkout = checkout.New(app.Gateway, app.Session, app.Cart, app.Metrics, app.Activity, logger)
	app.Catalog = catalog.New(app.Gateway, logger)

	app.Gateway.OnSessionExpired(app.Session.Expire)
	app.unsubscribe = app.Session.Subscribe(app.onSessionChange)
	return app, nil
}

// OpenStore opens the storage driver named by cfg
func OpenStore(ctx context.Context, cfg config.StorageConfig) (store.KVStore, error) {
	switch cfg.Driver {
	case config.StorageMemory:
		return store.NewMemoryStore(), nil
	case config.StorageFile:
		fs, err := store.NewFileStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("storefront: open token file: %w", err)
		}
		return fs, nil
	case config.StoragePostgres:
		db, err := store.ConnectPostgres(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("storefront: connect postgres: %w", err)
		}
		ps := store.NewPostgresStore(db, cfg.Namespace)
		if err := ps.EnsureSchema(ctx); err != nil {
			ps.Close()
			return nil, err
		}
		return ps, nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrUnknownStorage, cfg.Driver)
}

// Start restores a persisted session and serves metrics when configured.
// It returns once the session is resolved.
func (a *App) Start(ctx context.Context) (session.State, error) {
	if a.Config.MetricsAddr != "" {
		if err := a.ServeMetrics(a.Config.MetricsAddr); err != nil {
			return session.State{}, err
		}
	}
	return a.Session.RestoreSession(ctx), nil
}

// ServeMetrics exposes /metrics on addr in the background
func (a *App) ServeMetrics(addr string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("storefront: closed")
	}
	if a.metricsServer != nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	a.metricsServer = srv

	go func() {
		a.logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()
	return nil
}

// Close stops the controllers and releases storage, Kafka and the metrics
// listener. It is safe to call more than once.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	srv := a.metricsServer
	a.mu.Unlock()

	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.Cart.Close()
	a.Checkout.Close()

	var errs []error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("storefront: metrics shutdown: %w", err))
		}
		cancel()
	}
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storefront: close kafka producer: %w", err))
		}
	}
	if err := a.kv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storefront: close store: %w", err))
	}
	return errors.Join(errs...)
}

// onSessionChange drops cart and order state whenever the user changes or
// goes away
func (a *App) onSessionChange(change session.Change) {
	switch {
	case change.Kind == session.ChangeLogin:
	case !change.State.IsAuthenticated:
	default:
		return
	}
	a.Cart.Reset()
	a.Checkout.Reset()
	a.logger.Debug().Str("change", string(change.Kind)).Msg("cleared cart and orders")
}
