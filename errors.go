package storagecore

import "fmt"

// ValidationError signals that caller input violated a documented
// contract before any I/O was attempted (§7).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// PreconditionError signals a server-side precondition/etag mismatch.
// Never retried (§4.1 rule 3, §7).
type PreconditionError struct {
	ObjectRef ObjectRef
	Cause     error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed for %s: %v", e.ObjectRef, e.Cause)
}

func (e *PreconditionError) Unwrap() error { return e.Cause }

// NotFoundError wraps a 404. Escalated to a create when AutoCreate is
// set by the caller, otherwise surfaced verbatim (§7).
type NotFoundError struct {
	ObjectRef ObjectRef
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.ObjectRef)
}

// AlreadyExistsError wraps a 409. A get-or-create caller re-issues a
// fetch on this error (§7).
type AlreadyExistsError struct {
	ObjectRef ObjectRef
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("already exists: %s", e.ObjectRef)
}

// ChecksumMismatchCode distinguishes the two checksum-mismatch failure
// surfaces named in §7/§4.3.
type ChecksumMismatchCode string

const (
	CodeUploadMismatch   ChecksumMismatchCode = "FILE_NO_UPLOAD"
	CodeDownloadMismatch ChecksumMismatchCode = "CONTENT_DOWNLOAD_MISMATCH"
)

// ChecksumMismatchError signals a local/server hash disagreement (§4.3, §7).
type ChecksumMismatchError struct {
	Code     ChecksumMismatchCode
	Kind     string // "crc32c" or "md5"
	Local    string
	Remote   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("%s: %s mismatch: local=%s remote=%s", e.Code, e.Kind, e.Local, e.Remote)
}

// RetryExhaustedError wraps the final underlying cause once RetryPolicy
// classified RETRY but max_retries or total_timeout elapsed first (§7).
type RetryExhaustedError struct {
	Attempts int
	Elapsed  string
	Cause    error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts (%s): %v", e.Attempts, e.Elapsed, e.Cause)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Cause }

// ResumeDataLossError signals that a resumable session's committed
// offset diverged from the local byte position in a way that cannot be
// safely reconciled (§4.4 Resume semantics, §7). Never retried.
type ResumeDataLossError struct {
	CommittedOffset int64
	LocalOffset     int64
}

func (e *ResumeDataLossError) Error() string {
	return fmt.Sprintf("resume data loss: server committed_offset=%d local_offset=%d",
		e.CommittedOffset, e.LocalOffset)
}

// TransportError wraps a network or TLS-level failure with its cause (§7).
type TransportError struct {
	Method string
	URL    string
	Cause  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s %s: %v", e.Method, e.URL, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }
