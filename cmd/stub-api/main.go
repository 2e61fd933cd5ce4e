// Command stub-api serves the storefront REST API from memory, seeded with
// demo accounts, so the CLI can be driven without the real backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/example/ec-storefront/internal/logging"
	"github.com/example/ec-storefront/internal/metrics"
	"github.com/example/ec-storefront/internal/stubapi"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "stub-api: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	defaults := stubapi.DefaultConfig()
	cfg := defaults

	flags := pflag.NewFlagSet("stub-api", pflag.ContinueOnError)
	addr := flags.String("addr", getEnv("STUB_API_ADDR", ":8000"), "listen address")
	metricsAddr := flags.String("metrics-addr", "", "serve /metrics on this address as well")
	logLevel := flags.String("log-level", getEnv("LOG_LEVEL", "info"), "log level")
	logFormat := flags.String("log-format", getEnv("LOG_FORMAT", "console"), "log format: console or json")
	noSeed := flags.Bool("no-seed", false, "start with an empty store")
	quiet := flags.BoolP("quiet", "q", false, "skip the banner")
	flags.StringVar(&cfg.Secret, "secret", getEnv("JWT_SECRET", defaults.Secret), "token signing secret")
	flags.DurationVar(&cfg.AccessTTL, "access-ttl", defaults.AccessTTL, "access token lifetime")
	flags.DurationVar(&cfg.RefreshTTL, "refresh-ttl", defaults.RefreshTTL, "refresh token lifetime")
	flags.BoolVar(&cfg.RotateRefresh, "rotate-refresh", false, "issue a new refresh token on every refresh")
	flags.IntVar(&cfg.PageSize, "page-size", defaults.PageSize, "list page size, 0 for a single page")
	if err := flags.Parse(args); err != nil {
		return err
	}

	logger := logging.New(os.Stderr, *logLevel, *logFormat)
	if !*quiet {
		figure.NewFigure("stub api", "cybermedium", true).Print()
		fmt.Println()
	}

	m := metrics.New()
	srv := stubapi.NewServer(cfg, m, logger)
	if !*noSeed {
		if err := srv.Seed(); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}

	servers := []*http.Server{{Addr: *addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}}
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		servers = append(servers, &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go listenAndServe(s, logger, errCh)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	var serveErr error
	select {
	case <-stop:
		logger.Info().Msg("shutting down")
	case serveErr = <-errCh:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Str("addr", s.Addr).Msg("shutdown failed")
		}
	}
	return serveErr
}

func listenAndServe(s *http.Server, logger zerolog.Logger, errCh chan<- error) {
	logger.Info().Str("addr", s.Addr).Msg("listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("listen on %s: %w", s.Addr, err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
