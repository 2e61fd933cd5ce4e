// Command storefront is a terminal client for the storefront API.
//
// One-shot commands ("storefront add 3 2") share the session through the
// configured token storage; "storefront shell" keeps everything in one
// process.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ec-storefront/internal/config"
	"github.com/example/ec-storefront/internal/logging"
	"github.com/example/ec-storefront/internal/notification"
	"github.com/example/ec-storefront/internal/storefront"
	"github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()

	var exit *ExitError
	switch {
	case err == nil:
	case errors.As(err, &exit):
		os.Exit(exit.Code)
	default:
		fmt.Fprintf(os.Stderr, "storefront: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("storefront", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "YAML config file (default $STOREFRONT_CONFIG)")
	apiURL := flags.String("api-url", "", "API base URL")
	storage := flags.String("storage", "", "token storage: memory, file or postgres")
	tokenFile := flags.String("token-file", "", "token file for the file storage")
	profile := flags.String("profile", "", "profile name for the postgres storage")
	logLevel := flags.String("log-level", "", "log level")
	metricsAddr := flags.String("metrics-addr", "", "serve /metrics on this address")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	args = flags.Args()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	override(&cfg.BaseURL, *apiURL)
	override(&cfg.Storage.Driver, *storage)
	override(&cfg.Storage.Path, *tokenFile)
	override(&cfg.Storage.Namespace, *profile)
	override(&cfg.Log.Level, *logLevel)
	override(&cfg.MetricsAddr, *metricsAddr)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(stderr, cfg.Log.Level, cfg.Log.Format)
	c := &cli{
		cfg:    cfg,
		logger: logger,
		in:     bufio.NewReader(stdin),
		out:    stdout,
		errOut: stderr,
	}

	root := c.root()
	if len(args) == 0 || isHelpFlag(args[0]) {
		printBanner(stdout)
		root.PrintHelp(stdout)
		return nil
	}

	app, err := storefront.New(ctx, cfg, storefront.Options{
		Logger:   logger,
		Notifier: notification.NewWriterNotifier(stderr),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
	}()
	if _, err := app.Start(ctx); err != nil {
		return err
	}

	c.app = app
	return c.explain(root.Execute(ctx, stdout, args))
}

func override(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}
