// Package errs defines the error taxonomy shared by the ingestion workers.
//
// Errors in this package split into two groups: those attributable to the
// submitter (a malformed upload, a missing file, a reused session key) and
// everything else, which is treated as a system fault. The split drives
// which flag is recorded alongside an error-log row (database.SetError) and
// is consulted by the dispatch error wrapper in internal/worker.
package errs

import "fmt"

// FromUser is implemented by every error variant that originates from bad
// submitter input rather than an infrastructure fault.
type FromUser interface {
	error
	FromUser() bool
}

type fromUserError struct {
	msg string
}

func (e *fromUserError) Error() string  { return e.msg }
func (e *fromUserError) FromUser() bool { return true }

// NotFoundInInbox is raised when the ingest worker cannot find the
// submitter-presented file in the inbox backend.
type NotFoundInInbox struct{ *fromUserError }

// NewNotFoundInInbox builds a NotFoundInInbox error for filename.
func NewNotFoundInInbox(filename string) *NotFoundInInbox {
	return &NotFoundInInbox{&fromUserError{msg: fmt.Sprintf("file not found in inbox: %s", filename)}}
}

// UnsupportedHashAlgorithm is raised when a checksum entry names an
// algorithm other than the ones the core understands.
type UnsupportedHashAlgorithm struct{ *fromUserError }

// NewUnsupportedHashAlgorithm builds an UnsupportedHashAlgorithm error.
func NewUnsupportedHashAlgorithm(algo string) *UnsupportedHashAlgorithm {
	return &UnsupportedHashAlgorithm{&fromUserError{msg: fmt.Sprintf("unsupported hash algorithm: %q", algo)}}
}

// CompanionNotFound is raised when an expected sidecar checksum file is
// absent from the inbox.
type CompanionNotFound struct{ *fromUserError }

// NewCompanionNotFound builds a CompanionNotFound error for name.
func NewCompanionNotFound(name string) *CompanionNotFound {
	return &CompanionNotFound{&fromUserError{msg: fmt.Sprintf("companion file not found for %s", name)}}
}

// ChecksumMismatch is raised when a computed digest disagrees with the one
// asserted by the submitter or a downstream stage.
type ChecksumMismatch struct{ *fromUserError }

// NewChecksumMismatch builds a ChecksumMismatch error.
func NewChecksumMismatch(algo, file string) *ChecksumMismatch {
	return &ChecksumMismatch{&fromUserError{msg: fmt.Sprintf("invalid %s checksum for file %s", algo, file)}}
}

// SessionKeyDecryptionError is raised when the header could not be
// deconstructed into any session key with the configured master key.
type SessionKeyDecryptionError struct{ *fromUserError }

// NewSessionKeyDecryptionError builds a SessionKeyDecryptionError.
func NewSessionKeyDecryptionError() *SessionKeyDecryptionError {
	return &SessionKeyDecryptionError{&fromUserError{msg: "unable to decrypt header with master key"}}
}

// SessionKeyReused is raised when a session-key digest already appears in
// the ledger, i.e. the payload (or one encrypted with the same key) has
// already been ingested.
type SessionKeyReused struct{ *fromUserError }

// NewSessionKeyReused builds a SessionKeyReused error.
func NewSessionKeyReused() *SessionKeyReused {
	return &SessionKeyReused{&fromUserError{msg: "session key (likely) already used"}}
}

// AlreadyProcessed is a warning, not a fault: the same file and checksum
// were already seen by the pipeline. Callers log it and move on; it must
// never be recorded as an error-log row.
type AlreadyProcessed struct {
	User       string
	Filename   string
	ChecksumOf string
}

func (e *AlreadyProcessed) Error() string {
	return fmt.Sprintf("file already processed: user=%s name=%s checksum=%s", e.User, e.Filename, e.ChecksumOf)
}
