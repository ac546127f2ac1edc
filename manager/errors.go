package manager

import (
	"fmt"

	"github.com/ndntorrent/ntorrent/catalog"
)

// FailureReason classifies why a download attempt did not succeed.
type FailureReason int

const (
	// ReasonTimeout is a request that exceeded the transport's Interest lifetime.
	ReasonTimeout FailureReason = iota
	// ReasonDecodeError is a wire-decoding failure.
	ReasonDecodeError
	// ReasonSignatureInvalid is a signature that does not chain to a trusted key.
	ReasonSignatureInvalid
	// ReasonDigestMismatch is an implicit-digest component that does not match the wire bytes.
	ReasonDigestMismatch
	// ReasonNotInCatalog is data whose name is absent from its parent's entries.
	ReasonNotInCatalog
	// ReasonDiskFull is a write that failed because the disk is full.
	ReasonDiskFull
	// ReasonIoError is any other disk I/O failure.
	ReasonIoError
	// ReasonCancelled is a shutdown-originated abandonment; callbacks are not invoked for it.
	ReasonCancelled
)

// String renders a FailureReason for logging and callback payloads.
func (r FailureReason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonDecodeError:
		return "decode-error"
	case ReasonSignatureInvalid:
		return "signature-invalid"
	case ReasonDigestMismatch:
		return "digest-mismatch"
	case ReasonNotInCatalog:
		return "not-in-catalog"
	case ReasonDiskFull:
		return "disk-full"
	case ReasonIoError:
		return "io-error"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// retryable reports whether a failure of this kind feeds the retry
// ladder (true) or fails the object immediately (false).
func (r FailureReason) retryable() bool {
	switch r {
	case ReasonTimeout, ReasonDecodeError, ReasonSignatureInvalid, ReasonDigestMismatch, ReasonNotInCatalog:
		return true
	default:
		return false
	}
}

// DownloadError is the error passed to onFailed callbacks.
type DownloadError struct {
	Name   catalog.Name
	Reason FailureReason
	Err    error
}

// Error implements error.
func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ntorrent: %s: %s: %v", e.Name, e.Reason, e.Err)
	}
	return fmt.Sprintf("ntorrent: %s: %s", e.Name, e.Reason)
}

// Unwrap exposes the wrapped error, if any.
func (e *DownloadError) Unwrap() error { return e.Err }

func newDownloadError(name catalog.Name, reason FailureReason, err error) *DownloadError {
	return &DownloadError{Name: name, Reason: reason, Err: err}
}
