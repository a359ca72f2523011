package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"srdwatch/internal/srd/models"
	"srdwatch/internal/srd/service"
	dErrors "srdwatch/pkg/domain-errors"
)

type RecheckOptions struct {
	*RootOptions
	Concurrency int
}

// NewRecheckCommand creates the recheck command.
func NewRecheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "recheck",
		Short: "Re-run the check for every stored applicant",
		Long: `Re-run the check for every applicant already in the store. A failure for
one applicant does not stop the others; the command exits non-zero when any
check failed.

Example:
  srdwatch recheck --concurrency 8`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecheck(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "checks in flight at once (default from SRDWATCH_RECHECK_CONCURRENCY)")
	return cmd
}

// recheckLine is one applicant's result in the recheck report.
type recheckLine struct {
	Key    models.Key `json:"key"`
	Status string     `json:"status,omitempty"`
	Error  string     `json:"error,omitempty"`
	Code   string     `json:"code,omitempty"`
}

func runRecheck(cmd *cobra.Command, opts *RecheckOptions) error {
	out := opts.formatter(cmd)
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return out.Fail(ExitCommandError, "loading configuration", err)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = cfg.SRD.RecheckConcurrency
	}

	ctx := cliContext(cmd.Context())
	a, err := openApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(ExitCommandError, "starting", err)
	}
	defer a.Close()

	results, err := a.service.RecheckAll(ctx, concurrency)
	if err != nil && results == nil {
		return out.Fail(ExitFailure, "recheck failed", err)
	}

	lines, failed := summarize(results)
	if writeErr := out.Success(lines, func(w io.Writer) error {
		return writeRecheck(w, lines, failed)
	}); writeErr != nil {
		return writeErr
	}
	if err != nil {
		return WrapExitError(ExitFailure, "recheck interrupted", err)
	}
	if failed > 0 {
		return WrapExitError(ExitFailure, fmt.Sprintf("%d of %d checks failed", failed, len(lines)), nil)
	}
	return nil
}

func summarize(results []service.RecheckResult) ([]recheckLine, int) {
	lines := make([]recheckLine, 0, len(results))
	failed := 0
	for _, r := range results {
		line := recheckLine{Key: r.Key}
		switch {
		case r.Err != nil:
			failed++
			line.Error = r.Err.Error()
			line.Code = string(dErrors.CodeOf(r.Err))
		case r.Snapshot != nil:
			line.Status = r.Snapshot.Application.Status
		}
		lines = append(lines, line)
	}
	return lines, failed
}

func writeRecheck(w io.Writer, lines []recheckLine, failed int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MOBILE\tID NUMBER\tRESULT")
	for _, l := range lines {
		result := l.Status
		if l.Error != "" {
			result = "error [" + l.Code + "]: " + l.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", l.Key.Mobile, l.Key.IDNumber, result)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d checked, %d failed\n", len(lines), failed)
	return err
}
