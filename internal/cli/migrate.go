package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"srdwatch/internal/platform/kafka"
)

type MigrateOptions struct {
	*RootOptions
	SkipTopic bool
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema and event topic",
		Long: `Apply the schema for the configured database driver. Statements are
idempotent, so running migrate twice is safe. When KAFKA_BROKERS is set the
event topic is created too.

Example:
  SRDWATCH_DB_DRIVER=pgx SRDWATCH_DB_DSN=postgres://localhost/srdwatch srdwatch migrate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.SkipTopic, "skip-topic", false, "do not create the Kafka topic")
	return cmd
}

type migrateResult struct {
	Driver string `json:"driver"`
	Topic  string `json:"topic,omitempty"`
}

func runMigrate(cmd *cobra.Command, opts *MigrateOptions) error {
	out := opts.formatter(cmd)
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return out.Fail(ExitCommandError, "loading configuration", err)
	}

	ctx := cliContext(cmd.Context())
	a, err := openApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(ExitCommandError, "starting", err)
	}
	defer a.Close()

	if err := a.store.Migrate(ctx); err != nil {
		return out.Fail(ExitCommandError, "migrating", err)
	}
	result := migrateResult{Driver: cfg.Database.Driver}

	if len(cfg.Kafka.Brokers) > 0 && !opts.SkipTopic {
		pub, err := kafka.New(cfg.Kafka, a.logger)
		if err != nil {
			return out.Fail(ExitCommandError, "connecting to kafka", err)
		}
		defer pub.Close()
		if err := pub.EnsureTopic(ctx); err != nil {
			return out.Fail(ExitCommandError, "creating topic", err)
		}
		result.Topic = cfg.Kafka.Topic
	}

	return out.Success(result, func(w io.Writer) error {
		fmt.Fprintf(w, "schema applied (%s)\n", result.Driver)
		if result.Topic != "" {
			fmt.Fprintf(w, "topic ready: %s\n", result.Topic)
		}
		return nil
	})
}
