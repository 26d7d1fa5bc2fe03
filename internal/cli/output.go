package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/drblury/durabus/internal/runtime/envelope"
	"github.com/drblury/durabus/internal/runtime/jsoncodec"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the store answered but the operation did not apply
	ExitCommandError = 2 // bad flags, unreadable config, unreachable store
)

// ExitError carries the process exit code of a failed command.
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

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns ExitFailure for errors that are not an ExitError.
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

// printer writes either indented JSON or the text rendering.
type printer struct {
	format string
	w      io.Writer
}

func (p printer) json() bool { return p.format == "json" }

func (p printer) writeJSON(v any) error {
	raw, err := jsoncodec.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.w, string(raw))
	return err
}

func (p printer) envelopes(envs []*envelope.Envelope) error {
	if p.json() {
		if envs == nil {
			envs = []*envelope.Envelope{}
		}
		return p.writeJSON(envs)
	}
	if len(envs) == 0 {
		_, err := fmt.Fprintln(p.w, "No envelopes.")
		return err
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMESSAGE TYPE\tSTATUS\tOWNER\tATTEMPTS\tENDPOINT\tEXECUTE AT")
	for _, env := range envs {
		endpoint := env.ReceivedAt
		if env.Status == envelope.StatusOutgoing {
			endpoint = env.Destination
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			env.ID, env.MessageType, env.Status, env.OwnerID, env.Attempts, endpoint, formatTime(env.ExecutionTime))
	}
	return tw.Flush()
}

func (p printer) reports(reports []*envelope.ErrorReport) error {
	if p.json() {
		if reports == nil {
			reports = []*envelope.ErrorReport{}
		}
		return p.writeJSON(reports)
	}
	if len(reports) == 0 {
		_, err := fmt.Fprintln(p.w, "No dead letters.")
		return err
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMESSAGE TYPE\tSOURCE\tEXCEPTION\tCREATED AT")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.MessageType, r.Source, r.ExceptionMessage, r.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func (p printer) report(r *envelope.ErrorReport) error {
	if p.json() {
		return p.writeJSON(r)
	}
	fmt.Fprintf(p.w, "ID:           %s\n", r.ID)
	fmt.Fprintf(p.w, "Message type: %s\n", r.MessageType)
	fmt.Fprintf(p.w, "Source:       %s\n", r.Source)
	fmt.Fprintf(p.w, "Created at:   %s\n", r.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(p.w, "Exception:    %s: %s\n", r.ExceptionType, r.ExceptionMessage)
	if r.Explanation != "" {
		fmt.Fprintf(p.w, "Chain:        %s\n", r.Explanation)
	}
	env, err := r.Envelope()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(p.w, "Attempts:     %d\nReceived at:  %s\nBody:         %s\n", env.Attempts, env.ReceivedAt, env.Data)
	return err
}

func (p printer) message(v any, format string, args ...any) error {
	if p.json() {
		return p.writeJSON(v)
	}
	_, err := fmt.Fprintf(p.w, format+"\n", args...)
	return err
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
