// Package pifs implements the Pi File System: a log-structured,
// wear-leveled filesystem for raw NOR flash devices.
package pifs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is the taxonomy of result codes every core operation returns,
// mirroring the original implementation's status kinds rather than Go's
// usual sentinel-error-per-case convention, since callers here need to
// switch on a closed set of outcomes the way the rest of the core does.
type Status int

// Status kinds, per spec §7.
const (
	StatusSuccess Status = iota
	StatusGeneral
	StatusFlashInit
	StatusFlashWrite
	StatusFlashRead
	StatusFlashErase
	StatusNoMoreSpace
	StatusNoMoreEntry
	StatusNoMoreResource
	StatusNoMoreDeltaEntry
	StatusFileNotFound
	StatusFileAlreadyExist
	StatusInvalidOpenMode
	StatusEndOfFile
	StatusIsNotDirectory
	StatusDirectoryNotEmpty
	StatusIntegrity
	StatusConfiguration
)

var statusNames = map[Status]string{
	StatusSuccess:           "success",
	StatusGeneral:           "general error",
	StatusFlashInit:         "flash init failed",
	StatusFlashWrite:        "flash write failed",
	StatusFlashRead:         "flash read failed",
	StatusFlashErase:        "flash erase failed",
	StatusNoMoreSpace:       "no more space",
	StatusNoMoreEntry:       "no more entry",
	StatusNoMoreResource:    "no more resource",
	StatusNoMoreDeltaEntry:  "no more delta entry",
	StatusFileNotFound:      "file not found",
	StatusFileAlreadyExist:  "file already exists",
	StatusInvalidOpenMode:   "invalid open mode",
	StatusEndOfFile:         "end of file",
	StatusIsNotDirectory:    "is not a directory",
	StatusDirectoryNotEmpty: "directory not empty",
	StatusIntegrity:         "integrity error",
	StatusConfiguration:     "configuration error",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Error wraps a Status with the underlying cause, if any, so callers can
// both switch on StatusOf(err) and still see the wrapped chain via %+v.
type Error struct {
	Status Status
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("pifs: %s: %v", e.Status, e.Cause)
	}
	return fmt.Sprintf("pifs: %s", e.Status)
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an *Error for the given status with no wrapped cause.
func NewError(s Status) *Error { return &Error{Status: s} }

// Wrap builds an *Error for the given status, wrapping cause with
// call-site context the way the rest of the core's flash-facing calls do.
func Wrap(s Status, cause error, format string, args ...interface{}) *Error {
	return &Error{Status: s, Cause: errors.Wrapf(cause, format, args...)}
}

// StatusOf extracts the Status from err, returning StatusSuccess for a nil
// error and StatusGeneral for any error that isn't a *Error.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusGeneral
}

// IsEOF reports whether err represents StatusEndOfFile, which scan loops
// (walk-file-pages and friends) treat as normal termination per spec §7.
func IsEOF(err error) bool { return StatusOf(err) == StatusEndOfFile }
