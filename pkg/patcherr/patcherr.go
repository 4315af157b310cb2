// Package patcherr defines the error taxonomy shared by every package in
// this module. Every exported error is a sentinel: callers match on it with
// errors.Is rather than on a concrete type, and call sites in the pkg/
// packages attach context with Wrap/Wrapf rather than constructing ad hoc
// fmt.Errorf chains (the CLI in cmd/ wraps with fmt.Errorf and %w).
package patcherr

import "github.com/cockroachdb/errors"

// ErrMalformedArchive reports a structural failure reading a ZIP container:
// a missing EOCD, a bad record signature, or a truncated record.
var ErrMalformedArchive = errors.New("patcherr: malformed archive")

// ErrUnsupportedArchive reports a feature this module does not implement:
// ZIP64, encryption, or a compression method other than stored/deflate on a
// path that must be rewritten.
var ErrUnsupportedArchive = errors.New("patcherr: unsupported archive feature")

// ErrBadDeflateStream reports that inflation failed, or that a deflate
// trial produced output that did not match its target.
var ErrBadDeflateStream = errors.New("patcherr: bad deflate stream")

// ErrUnreproducibleDeflate reports that no (level, strategy, nowrap) tuple
// reproduces a given compressed byte sequence. Non-fatal during divination;
// fatal if encountered while applying a patch.
var ErrUnreproducibleDeflate = errors.New("patcherr: unreproducible deflate parameters")

// ErrPatchFormatError reports a malformed patch container: identifier
// mismatch, unknown compatibility window, unknown delta format, truncated
// frame, range overlap, or a declared-length mismatch.
var ErrPatchFormatError = errors.New("patcherr: patch format error")

// ErrResourceExceeded reports that a limiter budget would be violated. It
// is handled internally by the planner (entries are demoted) and should
// never escape to a caller.
var ErrResourceExceeded = errors.New("patcherr: resource budget exceeded")

// sentinels lists every taxonomy member IsArchivePatcherError recognizes.
var sentinels = []error{
	ErrMalformedArchive,
	ErrUnsupportedArchive,
	ErrBadDeflateStream,
	ErrUnreproducibleDeflate,
	ErrPatchFormatError,
	ErrResourceExceeded,
}

// IsArchivePatcherError reports whether err is, or wraps, one of this
// package's sentinels — used by the CLI layer to distinguish a library
// failure (mapped to its own exit code) from an unexpected one.
func IsArchivePatcherError(err error) bool {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

// Wrap attaches call-site context to a sentinel without losing its
// errors.Is identity.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, context)
}

// Wrapf is like Wrap with fmt.Sprintf-style formatting.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
