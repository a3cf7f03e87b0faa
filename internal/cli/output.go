package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/clockin/internal/model"
)

// Process exit codes. A rejected attendance action is a failure the user
// can act on; a broken setup is a command error.
const (
	ExitFailure      = 1
	ExitCommandError = 2
)

// CLI codes for errors raised outside the attendance machine. Machine
// errors are reported with their own codes (INCOMPLETE_DAY, BUSY, ...).
const (
	ErrCodeGeneric = "E001"
	ErrCodeConfig  = "E002"
	ErrCodeStorage = "E003"
	ErrCodeUsage   = "E004"
)

// ExitError carries the process exit code out of a command.
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

func (e *ExitError) Unwrap() error { return e.Err }

// WrapExitError tags err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to the process exit code. Untagged errors come from
// cobra itself (unknown flag, missing argument) and count as failures.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as text for people or as a JSON
// envelope for scripts. Diagnostics go to ErrWriter so JSON on Writer stays
// parseable.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError describes a failed command. Details holds the open sites for
// INCOMPLETE_DAY and similar site-scoped rejections.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success prints text, or encodes data when the format is JSON.
func (f *OutputFormatter) Success(data any, text string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// Error reports a failure under code.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog prints a diagnostic line when --verbose is set.
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

// Fail reports err and returns the error the command should return.
// Machine rejections keep their code and exit with ExitFailure. Setup
// errors exit with ExitCommandError.
func (f *OutputFormatter) Fail(message string, err error) error {
	var me *model.Error
	if errors.As(err, &me) {
		var details any
		if len(me.Sites) > 0 {
			details = map[string]any{"sites": me.Sites}
		}
		_ = f.Error(string(me.Code), err.Error(), details)
		return WrapExitError(ExitFailure, message, err)
	}
	var ce *codedError
	if errors.As(err, &ce) {
		_ = f.Error(ce.code, ce.Error(), nil)
		return WrapExitError(ExitCommandError, message, err)
	}
	_ = f.Error(ErrCodeGeneric, fmt.Sprintf("%s: %v", message, err), nil)
	return WrapExitError(ExitCommandError, message, err)
}

// codedError tags a setup failure with its CLI error code.
type codedError struct {
	code string
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }

func (e *codedError) Unwrap() error { return e.err }
