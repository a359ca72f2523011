package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"srdwatch/internal/srd/models"
	dErrors "srdwatch/pkg/domain-errors"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the check ran and failed (upstream, conflict, not found)
	ExitCommandError = 2 // the command could not run (config, database, flags)
)

// ExitError carries the process exit code for a command failure that has
// already been reported to the user.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope for every command result.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success writes data as a JSON or YAML envelope, or calls text to render it for humans.
func (f *OutputFormatter) Success(data any, text func(io.Writer) error) error {
	if f.Format == "text" || f.Format == "" {
		return text(f.Writer)
	}
	return f.encode(CLIResponse{Status: "ok", Data: data})
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(resp)
	}
	return writeYAML(f.Writer, resp)
}

// writeYAML renders v through its JSON form so YAML keys match the JSON field names.
func writeYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

// Fail reports err in the configured format and returns an ExitError so the
// caller's error is not printed twice.
func (f *OutputFormatter) Fail(exitCode int, message string, err error) error {
	code := string(dErrors.CodeOf(err))
	if f.Format == "json" || f.Format == "yaml" {
		_ = f.encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: err.Error()},
		})
	} else {
		w := f.ErrWriter
		if w == nil {
			w = f.Writer
		}
		fmt.Fprintf(w, "Error [%s]: %s: %v\n", code, message, err)
	}
	return WrapExitError(exitCode, message, err)
}

// writeSnapshot renders a snapshot as an aligned summary plus an outcomes table.
func writeSnapshot(w io.Writer, s *models.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	app := s.Application
	fmt.Fprintf(tw, "Applicant:\t%s / %s\n", s.Identity.Mobile, app.IDNumber)
	fmt.Fprintf(tw, "App ID:\t%s\n", app.AppID)
	fmt.Fprintf(tw, "Status:\t%s\n", app.Status)
	fmt.Fprintf(tw, "Sapo:\t%s\n", app.Sapo)
	fmt.Fprintf(tw, "Risk:\t%t\n", app.Risk)
	fmt.Fprintf(tw, "Checked at:\t%s\n", s.StatusCheck.CheckedAt.Format(time.RFC3339))
	if s.IdentityCreated {
		fmt.Fprintf(tw, "New identity:\tyes\n")
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(s.Outcomes) > 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PERIOD\tOUTCOME\tPAID\tPAYDAY\tFILED\tREASON")
		for _, o := range s.Outcomes {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				o.Period,
				o.Outcome,
				orDash(o.Paid, strconv.FormatBool),
				orDash(o.Payday, strconv.Itoa),
				orDash(o.Filed, func(t time.Time) string { return t.Format(time.DateOnly) }),
				orDash(o.Reason, func(s string) string { return s }),
			)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	for _, warn := range s.Warnings {
		fmt.Fprintf(w, "warning: outcome #%d %s %s\n", warn.Index, warn.Kind, warn.Detail)
	}
	return nil
}

func orDash[T any](v *T, format func(T) string) string {
	if v == nil {
		return "-"
	}
	return format(*v)
}
