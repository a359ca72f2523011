package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"srdwatch/internal/platform/httpserver"
	"srdwatch/internal/platform/kafka"
	"srdwatch/internal/srd/handler"
	"srdwatch/internal/srd/outbox"
	"srdwatch/pkg/platform/circuit"
)

type ServeOptions struct {
	*RootOptions
	Addr    string
	Migrate bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outbox relay",
		Long: `Run the HTTP API. When KAFKA_BROKERS is set the outbox relay runs alongside
it and publishes status events to KAFKA_TOPIC.

Stops gracefully on SIGINT or SIGTERM.

Example:
  srdwatch serve --addr :8080
  srdwatch serve --migrate --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from SRDWATCH_ADDR)")
	cmd.Flags().BoolVar(&opts.Migrate, "migrate", false, "apply the schema before serving")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	out := opts.formatter(cmd)
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return out.Fail(ExitCommandError, "loading configuration", err)
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(ExitCommandError, "starting", err)
	}
	defer a.Close()

	if opts.Migrate {
		if err := a.store.Migrate(ctx); err != nil {
			return out.Fail(ExitCommandError, "migrating", err)
		}
	}

	h := handler.New(a.service, a.logger)
	srv := httpserver.New(cfg.Server.Addr, handler.NewRouter(h, a.registry))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Serve(gctx, srv, cfg.Server.ShutdownTimeout, a.logger)
	})

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := kafka.New(cfg.Kafka, a.logger)
		if err != nil {
			return out.Fail(ExitCommandError, "connecting to kafka", err)
		}
		defer pub.Close()

		relay := outbox.New(a.store, pub,
			outbox.WithLogger(a.logger),
			outbox.WithMetrics(a.metrics),
			outbox.WithInterval(cfg.Outbox.Interval),
			outbox.WithBatchSize(cfg.Outbox.BatchSize),
			outbox.WithBreaker(circuit.New("kafka-publisher", circuit.WithCooldown(30*time.Second))),
		)
		g.Go(func() error {
			if err := relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("outbox relay: %w", err)
			}
			return nil
		})
	} else {
		a.logger.Warn("KAFKA_BROKERS not set, outbox relay disabled")
	}

	if err := g.Wait(); err != nil {
		return out.Fail(ExitFailure, "server stopped", err)
	}
	a.logger.Info("shutdown complete")
	return nil
}
