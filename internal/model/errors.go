package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes attendance errors.
type ErrorCode string

const (
	// ErrCodeInvalidTransition indicates an operation not allowed in the
	// current lifecycle state.
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// ErrCodeNoOpenSession indicates an exit with nothing to close.
	ErrCodeNoOpenSession ErrorCode = "NO_OPEN_SESSION"

	// ErrCodeAlreadyOpenElsewhere indicates an entry while another site is open.
	ErrCodeAlreadyOpenElsewhere ErrorCode = "ALREADY_OPEN_ELSEWHERE"

	// ErrCodeAlreadyOpenHere indicates an entry at a site that is already open.
	ErrCodeAlreadyOpenHere ErrorCode = "ALREADY_OPEN_HERE"

	// ErrCodeStorageCorrupt indicates persisted data that failed to decode.
	ErrCodeStorageCorrupt ErrorCode = "STORAGE_CORRUPT"

	// ErrCodeUploadFailed indicates a content upload that did not complete.
	ErrCodeUploadFailed ErrorCode = "UPLOAD_FAILED"

	// ErrCodeSyncUnreachable indicates the network or remote store is unavailable.
	ErrCodeSyncUnreachable ErrorCode = "SYNC_UNREACHABLE"

	// ErrCodeIncompleteDay indicates a close-day with open sessions.
	ErrCodeIncompleteDay ErrorCode = "INCOMPLETE_DAY"

	// ErrCodeBusy indicates a register operation already in progress.
	ErrCodeBusy ErrorCode = "BUSY"

	// ErrCodeCaptureFailed indicates the camera produced no photo.
	ErrCodeCaptureFailed ErrorCode = "CAPTURE_FAILED"
)

// Error is the structured error returned by attendance operations.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Site is the site the operation targeted, if any.
	Site Site

	// Sites lists the offending sites (open sites for IncompleteDay,
	// the open site for AlreadyOpenElsewhere).
	Sites []Site

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Site != "" {
		fmt.Fprintf(&b, " (site=%s)", e.Site)
	}
	if len(e.Sites) > 0 {
		names := make([]string, len(e.Sites))
		for i, s := range e.Sites {
			names[i] = string(s)
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(names, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// IsCode reports whether err wraps an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code of the wrapped *Error, or "" if there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransitionError reports whether err is a lifecycle violation. These are
// the only errors that block the user; everything else degrades.
func IsTransitionError(err error) bool {
	switch CodeOf(err) {
	case ErrCodeInvalidTransition, ErrCodeNoOpenSession, ErrCodeAlreadyOpenElsewhere,
		ErrCodeAlreadyOpenHere, ErrCodeIncompleteDay, ErrCodeBusy:
		return true
	}
	return false
}

// NewInvalidTransition creates an Error for a disallowed operation.
func NewInvalidTransition(site Site, message string) *Error {
	return &Error{Code: ErrCodeInvalidTransition, Message: message, Site: site}
}

// NewNoOpenSession creates an Error for an exit without entry.
func NewNoOpenSession(site Site) *Error {
	return &Error{Code: ErrCodeNoOpenSession, Message: "no open session to close", Site: site}
}

// NewAlreadyOpenElsewhere creates an Error for an entry while open is open.
func NewAlreadyOpenElsewhere(site, open Site) *Error {
	return &Error{
		Code:    ErrCodeAlreadyOpenElsewhere,
		Message: fmt.Sprintf("a session is already open at %s", open),
		Site:    site,
		Sites:   []Site{open},
	}
}

// NewAlreadyOpenHere creates an Error for a repeated entry.
func NewAlreadyOpenHere(site Site) *Error {
	return &Error{Code: ErrCodeAlreadyOpenHere, Message: "a session is already open at this site", Site: site}
}

// NewStorageCorrupt creates an Error for undecodable persisted data.
func NewStorageCorrupt(key string, err error) *Error {
	return &Error{Code: ErrCodeStorageCorrupt, Message: fmt.Sprintf("corrupt value at %q", key), Err: err}
}

// NewUploadFailed creates an Error for a failed upload.
func NewUploadFailed(locator string, err error) *Error {
	return &Error{Code: ErrCodeUploadFailed, Message: fmt.Sprintf("upload of %s failed", locator), Err: err}
}

// NewSyncUnreachable creates an Error for an unavailable remote.
func NewSyncUnreachable(message string, err error) *Error {
	return &Error{Code: ErrCodeSyncUnreachable, Message: message, Err: err}
}

// NewIncompleteDay creates an Error listing the sites still open.
func NewIncompleteDay(open []Site) *Error {
	return &Error{
		Code:    ErrCodeIncompleteDay,
		Message: "all sessions must be closed before closing the day",
		Sites:   open,
	}
}

// NewBusy creates an Error for a concurrent register call.
func NewBusy() *Error {
	return &Error{Code: ErrCodeBusy, Message: "another registration is in progress"}
}

// NewCaptureFailed creates an Error for a missing photo.
func NewCaptureFailed(err error) *Error {
	return &Error{Code: ErrCodeCaptureFailed, Message: "photo capture failed", Err: err}
}
