package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/zhouzirui/turnflow/internal/docstore"
	"github.com/zhouzirui/turnflow/internal/model/chat"
)

// StoredMessage is a message together with its store revision.
type StoredMessage struct {
	Message  chat.Message
	Key      chat.Key
	Revision docstore.Revision
}

// Repository is the typed view of one user's store: chats and messages.
type Repository struct {
	store docstore.Store
}

// NewRepository wraps store.
func NewRepository(store docstore.Store) *Repository {
	return &Repository{store: store}
}

// Store returns the underlying store.
func (r *Repository) Store() docstore.Store {
	return r.store
}

// GetChat loads a chat with its current revision.
func (r *Repository) GetChat(ctx context.Context, chatID string) (chat.Chat, error) {
	v, err := docstore.GetAs[chat.Chat](ctx, r.store, docstore.Chats, chatID)
	if err != nil {
		return chat.Chat{}, err
	}
	c := v.Value
	c.ID = chatID
	c.Revision = string(v.Revision)
	return c, nil
}

// SaveChat writes c conditionally on c.Revision (empty creates) and returns
// it with the new revision.
func (r *Repository) SaveChat(ctx context.Context, c chat.Chat) (chat.Chat, error) {
	if !chat.ValidChatID(c.ID) {
		return chat.Chat{}, &docstore.InvalidDocumentError{DocID: c.ID, Reason: "chat id must be non-empty and must not contain '_'"}
	}
	rev := docstore.Revision(c.Revision)
	body := c
	body.Revision = ""
	out, err := docstore.PutAs(ctx, r.store, docstore.Chats, c.ID, docstore.Versioned[chat.Chat]{Value: body, Revision: rev})
	if err != nil {
		return chat.Chat{}, err
	}
	c.Revision = string(out.Revision)
	return c, nil
}

// SetStatus patches only the status of the stored chat c.ID, conditional on
// c.Revision. Every other field of c is ignored: callers may hold a partial
// copy, and the stored sequence must survive.
func (r *Repository) SetStatus(ctx context.Context, c chat.Chat, status chat.Status) (chat.Chat, error) {
	stored, err := r.GetChat(ctx, c.ID)
	if err != nil {
		return chat.Chat{}, err
	}
	if stored.Revision != c.Revision {
		return chat.Chat{}, &docstore.ConflictError{DocID: c.ID, ExpectedRevision: docstore.Revision(c.Revision)}
	}
	stored.Status = status
	return r.SaveChat(ctx, stored)
}

// EncodeMessage builds the document of m.
func EncodeMessage(m chat.Message, rev docstore.Revision) (docstore.Document, error) {
	if _, err := chat.KeyOf(m); err != nil {
		return docstore.Document{}, &docstore.InvalidDocumentError{DocID: m.MessageID(), Reason: err.Error()}
	}
	return docstore.Encode(m.MessageID(), rev, chat.Envelope{Message: m})
}

// DecodeMessage parses a message document.
func DecodeMessage(doc docstore.Document) (StoredMessage, error) {
	key, err := chat.ParseKey(doc.ID)
	if err != nil {
		return StoredMessage{}, &docstore.InvalidDocumentError{DocID: doc.ID, Reason: err.Error()}
	}
	v, err := docstore.DecodeAs[chat.Envelope](doc)
	if err != nil {
		return StoredMessage{}, err
	}
	if v.Value.Message == nil || v.Value.Message.MessageKind() != key.Kind {
		return StoredMessage{}, &docstore.InvalidDocumentError{DocID: doc.ID, Reason: "message type does not match id"}
	}
	return StoredMessage{Message: v.Value.Message, Key: key, Revision: doc.Revision}, nil
}

// PutMessage writes m at rev (empty creates).
func (r *Repository) PutMessage(ctx context.Context, m chat.Message, rev docstore.Revision) (docstore.Revision, error) {
	doc, err := EncodeMessage(m, rev)
	if err != nil {
		return "", err
	}
	return r.store.Put(ctx, docstore.Messages, doc)
}

// GetMessage loads one message.
func (r *Repository) GetMessage(ctx context.Context, id string) (StoredMessage, error) {
	doc, err := r.store.Get(ctx, docstore.Messages, id)
	if err != nil {
		return StoredMessage{}, err
	}
	return DecodeMessage(doc)
}

// FindMessage returns the message of kind at index, trying the canonical id
// first and falling back to a scan for unpadded ids written elsewhere.
func (r *Repository) FindMessage(ctx context.Context, chatID string, kind chat.Kind, index int) (StoredMessage, error) {
	key := chat.Key{ChatID: chatID, Kind: kind, Index: index}
	sm, err := r.GetMessage(ctx, key.String())
	if err == nil || !errors.Is(err, docstore.ErrNotFound) {
		return sm, err
	}
	all, err := r.scan(ctx, chat.KindPrefix(chatID, kind))
	if err != nil {
		return StoredMessage{}, err
	}
	for _, m := range all {
		if m.Key.Index == index {
			return m, nil
		}
	}
	return StoredMessage{}, docstore.ErrNotFound
}

// ListMessages returns every message of a chat in key order.
func (r *Repository) ListMessages(ctx context.Context, chatID string) ([]StoredMessage, error) {
	return r.scan(ctx, chat.ChatPrefix(chatID))
}

// TurnChunks returns the chunks of one turn ordered by sequence number.
func (r *Repository) TurnChunks(ctx context.Context, chatID string, turn int) ([]StoredMessage, error) {
	all, err := r.scan(ctx, chat.KindPrefix(chatID, chat.KindChunk))
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if m.Key.Index == turn {
			out = append(out, m)
		}
	}
	return out, nil
}

// Bulk applies several message writes.
func (r *Repository) Bulk(ctx context.Context, docs []docstore.Document) ([]docstore.Revision, error) {
	return r.store.Bulk(ctx, docstore.Messages, docs)
}

func (r *Repository) scan(ctx context.Context, prefix string) ([]StoredMessage, error) {
	docs, err := r.store.Range(ctx, docstore.Messages, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]StoredMessage, 0, len(docs))
	for _, doc := range docs {
		sm, err := DecodeMessage(doc)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", doc.ID, err)
		}
		out = append(out, sm)
	}
	sortStored(out)
	return out, nil
}

func sortStored(msgs []StoredMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Key.Less(msgs[j].Key)
	})
}

// Messages strips revisions.
func Messages(stored []StoredMessage) []chat.Message {
	out := make([]chat.Message, len(stored))
	for i, sm := range stored {
		out[i] = sm.Message
	}
	return out
}
