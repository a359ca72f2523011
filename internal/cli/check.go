package cli

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"srdwatch/internal/srd/models"
	"srdwatch/internal/srd/validation"
	"srdwatch/pkg/requestcontext"
)

// KeyOptions identifies the applicant for check and show.
type KeyOptions struct {
	IDNumber string
	Mobile   string
}

func (k *KeyOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&k.IDNumber, "id-number", "", "13-digit South African ID number (required)")
	cmd.Flags().StringVar(&k.Mobile, "mobile", "", "applicant mobile number (required)")
	_ = cmd.MarkFlagRequired("id-number")
	_ = cmd.MarkFlagRequired("mobile")
}

// key validates and normalizes the flags the same way the HTTP API does.
func (k *KeyOptions) key() (models.Key, error) {
	return validation.New().Key(validation.CheckRequest{IDNumber: k.IDNumber, Mobile: k.Mobile})
}

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	KeyOptions
	Retries int
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Fetch the applicant's current status and record it",
		Long: `Fetch the applicant's current status from the SRD API and reconcile it
into the local store. Nothing is written when the fetch fails.

Example:
  srdwatch check --id-number 9206160000085 --mobile 082 123 4567
  srdwatch check --id-number 9206160000085 --mobile +27821234567 --retries 2 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts)
		},
	}

	opts.KeyOptions.bind(cmd)
	cmd.Flags().IntVar(&opts.Retries, "retries", -1, "retries on transient fetch failures (default from SRD_FETCH_ATTEMPTS)")

	return cmd
}

func runCheck(cmd *cobra.Command, opts *CheckOptions) error {
	out := opts.formatter(cmd)
	key, err := opts.key()
	if err != nil {
		return out.Fail(ExitCommandError, "invalid applicant", err)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return out.Fail(ExitCommandError, "loading configuration", err)
	}
	if opts.Retries >= 0 {
		cfg.SRD.FetchAttempts = opts.Retries + 1
	}

	ctx := cliContext(cmd.Context())
	a, err := openApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(ExitCommandError, "starting", err)
	}
	defer a.Close()

	snapshot, err := a.service.Check(ctx, key.IDNumber, key.Mobile)
	if err != nil {
		return out.Fail(ExitFailure, "check failed", err)
	}
	return out.Success(snapshot, func(w io.Writer) error {
		return writeSnapshot(w, snapshot)
	})
}

// cliContext tags work started from the command line.
func cliContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = requestcontext.WithTrigger(ctx, "cli")
	return requestcontext.WithTime(ctx, time.Now())
}
