package workflow

import (
	"errors"
	"fmt"

	"github.com/zhouzirui/turnflow/internal/model/chat"
)

var (
	// ErrMissingKey is returned when Execute is called without an idempotency key.
	ErrMissingKey = errors.New("idempotency key is required")
	// ErrInvalidPayload is returned for payloads that cannot address a chat.
	ErrInvalidPayload = errors.New("invalid turn payload")
	// ErrNothingToConsolidate is returned by Consolidate when a turn has
	// neither chunks nor a final document.
	ErrNothingToConsolidate = errors.New("turn has no chunks to consolidate")
)

// LastMessageError rejects a turn whose history does not end with a user
// message. Nothing has been written when it is returned.
type LastMessageError struct {
	ChatID string
	// Kind of the last message, empty when the history is empty.
	Kind chat.Kind
}

func (e *LastMessageError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("chat %s: history is empty", e.ChatID)
	}
	return fmt.Sprintf("chat %s: last message is %s, want user", e.ChatID, e.Kind)
}

// SessionError reports that no credential could address the user's store.
type SessionError struct {
	UserID string
	Err    error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("resolve session for %q: %v", e.UserID, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// StreamError is a failed generation. It never leaves the orchestrator:
// the failure is persisted as an AssistantMessageError instead.
type StreamError struct {
	ChatID string
	Turn   int
	Chunks int
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream of %s turn %d failed after %d chunks: %v", e.ChatID, e.Turn, e.Chunks, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// CleanupError reports that the final write of a turn gave up. The chunks
// are still stored and a later consolidation can finish the turn.
type CleanupError struct {
	ChatID string
	Turn   int
	Err    error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("consolidate %s turn %d: %v", e.ChatID, e.Turn, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}
