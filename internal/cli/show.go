package cli

import (
	"io"

	"github.com/spf13/cobra"
)

type ShowOptions struct {
	*RootOptions
	KeyOptions
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the stored status for an applicant",
		Long: `Print the most recent stored status check and outcomes for an applicant
without calling the SRD API.

Example:
  srdwatch show --id-number 9206160000085 --mobile 0821234567`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, opts)
		},
	}

	opts.KeyOptions.bind(cmd)
	return cmd
}

func runShow(cmd *cobra.Command, opts *ShowOptions) error {
	out := opts.formatter(cmd)
	key, err := opts.key()
	if err != nil {
		return out.Fail(ExitCommandError, "invalid applicant", err)
	}
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

	snapshot, err := a.service.Latest(ctx, key.IDNumber, key.Mobile)
	if err != nil {
		return out.Fail(ExitFailure, "no stored status", err)
	}
	return out.Success(snapshot, func(w io.Writer) error {
		return writeSnapshot(w, snapshot)
	})
}
