// Package docstore is the client surface of the versioned document store.
// Every mutation is revision checked: the store may be replicated with other
// devices, so any write can race with a remote one.
package docstore

import (
	"context"
	"encoding/json"
)

// Revision is an opaque version token. Empty means "document does not exist
// yet" on writes.
type Revision string

// Collection names a logical document collection.
type Collection string

const (
	Chats    Collection = "chats"
	Messages Collection = "messages"
	// Profiles belongs to the profile service, which writes it into the same
	// per-user store. Turnflow never reads it; turns carry the resolved
	// profile in their payload.
	Profiles Collection = "profile"
)

// Document is the raw unit of storage.
type Document struct {
	ID       string          `json:"id"`
	Revision Revision        `json:"rev,omitempty"`
	Deleted  bool            `json:"deleted,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// Store is a revision-checked document store.
type Store interface {
	// Get returns the live document or ErrNotFound.
	Get(ctx context.Context, coll Collection, id string) (Document, error)
	// Put creates (empty revision) or updates (current revision) a document.
	// A Deleted document is written as a tombstone.
	Put(ctx context.Context, coll Collection, doc Document) (Revision, error)
	// Bulk applies several writes. Revisions are returned in input order.
	Bulk(ctx context.Context, coll Collection, docs []Document) ([]Revision, error)
	// Range lists live documents whose id has the given prefix, by id.
	Range(ctx context.Context, coll Collection, prefix string) ([]Document, error)
}

// Opener yields the store addressed by a user's session credential.
type Opener interface {
	Open(ctx context.Context, userID, token string) (Store, error)
}

// ChangeFunc receives documents written under a watched prefix. Deleted
// documents arrive as tombstones.
type ChangeFunc func(doc Document) error

// Watcher is implemented by stores that can stream local changes.
type Watcher interface {
	Watch(ctx context.Context, coll Collection, prefix string, fn ChangeFunc) error
}

// Tombstone builds the deletion of id at rev.
func Tombstone(id string, rev Revision) Document {
	return Document{ID: id, Revision: rev, Deleted: true}
}

// Validate checks the structural rules shared by every backend.
func Validate(doc Document) error {
	if doc.ID == "" {
		return &InvalidDocumentError{Reason: "missing id"}
	}
	if doc.Deleted {
		if doc.Revision == "" {
			return &InvalidDocumentError{DocID: doc.ID, Reason: "delete requires a revision"}
		}
		return nil
	}
	if len(doc.Body) == 0 || !json.Valid(doc.Body) {
		return &InvalidDocumentError{DocID: doc.ID, Reason: "body is not valid JSON"}
	}
	return nil
}
