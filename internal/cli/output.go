package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Failed receipt, failed scenario, replay divergence
	ExitCommandError = 2 // Command error (bad flags, database not found, etc.)
)

// ExitError carries the process exit code for a command error.
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

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error, ExitFailure when err
// carries none.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the envelope every command writes in json format.
type Response struct {
	Status string         `json:"status"` // "ok" or "error"
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
	TxID   string         `json:"tx_id,omitempty"`
}

// ResponseError describes a failed command or a receipt that is not ok.
// Code is a receipt code (InvalidSecret, ACCOUNT_NOT_FOUND) or a command
// code (E100, E_DETERMINISM).
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// OutputFormatter writes command results as json envelopes or text.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; stdout stays parseable in json format
	Verbose   bool

	txID string
}

// ForTx returns a copy of f that tags its responses with a transaction id.
func (f *OutputFormatter) ForTx(id string) *OutputFormatter {
	c := *f
	c.txID = id
	return &c
}

func (f *OutputFormatter) json() bool { return f.Format == "json" }

func (f *OutputFormatter) encode(resp Response, indent bool) error {
	resp.TxID = f.txID
	enc := json.NewEncoder(f.Writer)
	if indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(resp)
}

// Success writes data as an ok envelope, or prints it in text format.
func (f *OutputFormatter) Success(data any) error {
	if f.json() {
		return f.encode(Response{Status: "ok", Data: data}, false)
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error writes an error envelope. Text format prints details only when
// verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.json() {
		return f.encode(Response{
			Status: "error",
			Error:  &ResponseError{Code: code, Message: message, Details: details},
		}, false)
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.txID != "" {
		fmt.Fprintf(f.Writer, "Transaction: %s\n", f.txID)
	}
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Render writes data as JSON, or calls text to write it for humans.
func (f *OutputFormatter) Render(data any, text func(w io.Writer)) error {
	if f.json() {
		return f.Success(data)
	}
	text(f.Writer)
	return nil
}

// Report writes a summary whose outcome may be a failure. In json format a
// non-nil failure turns the envelope into an error that still carries data.
func (f *OutputFormatter) Report(data any, failure *ResponseError, text func(w io.Writer)) error {
	if !f.json() {
		text(f.Writer)
		return nil
	}
	resp := Response{Status: "ok", Data: data}
	if failure != nil {
		resp.Status = "error"
		resp.Error = failure
	}
	return f.encode(resp, true)
}

// VerboseLog writes a diagnostic line when verbose mode is enabled.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
