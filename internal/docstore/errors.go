package docstore

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a document does not exist or is deleted.
var ErrNotFound = errors.New("document not found")

// ConflictError reports a write against a stale revision. The document was
// changed concurrently, locally or through replication.
type ConflictError struct {
	DocID            string
	ExpectedRevision Revision
}

func (e *ConflictError) Error() string {
	if e.ExpectedRevision == "" {
		return fmt.Sprintf("conflict on %q: document already exists", e.DocID)
	}
	return fmt.Sprintf("conflict on %q: revision %s is stale", e.DocID, e.ExpectedRevision)
}

// InvalidDocumentError reports a structurally invalid document. Never retried.
type InvalidDocumentError struct {
	DocID  string
	Reason string
}

func (e *InvalidDocumentError) Error() string {
	if e.DocID == "" {
		return "invalid document: " + e.Reason
	}
	return fmt.Sprintf("invalid document %q: %s", e.DocID, e.Reason)
}

// TransportError reports that the store could not be reached or failed
// internally. These and only these are retried.
type TransportError struct {
	Message    string
	StatusCode int
	Cause      error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("store transport error (status %d): %s", e.StatusCode, e.Message)
	}
	return "store transport error: " + e.Message
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsInvalid reports whether err is or wraps an InvalidDocumentError.
func IsInvalid(err error) bool {
	var ie *InvalidDocumentError
	return errors.As(err, &ie)
}

// IsTransient reports whether err is worth a blind retry.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
