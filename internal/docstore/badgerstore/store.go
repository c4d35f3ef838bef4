package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"

	"github.com/zhouzirui/turnflow/internal/docstore"
)

// record is the persisted value of one key.
type record struct {
	Rev     docstore.Revision `json:"rev"`
	Deleted bool              `json:"deleted,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Store is a namespaced view over DB.
type Store struct {
	db *DB
	ns string
}

var (
	_ docstore.Store   = (*Store)(nil)
	_ docstore.Watcher = (*Store)(nil)
	_ docstore.Opener  = (*DB)(nil)
)

func (s *Store) prefix(coll docstore.Collection) string {
	return s.ns + "/" + string(coll) + "/"
}

func (s *Store) key(coll docstore.Collection, id string) []byte {
	return []byte(s.prefix(coll) + id)
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, coll docstore.Collection, id string) (docstore.Document, error) {
	var doc docstore.Document
	err := s.db.withReadTxn(ctx, func(txn *badger.Txn) error {
		rec, ok, err := readRecord(txn, s.key(coll, id))
		if err != nil {
			return err
		}
		if !ok || rec.Deleted {
			return docstore.ErrNotFound
		}
		doc = docstore.Document{ID: id, Revision: rec.Rev, Body: rec.Body}
		return nil
	})
	if err != nil {
		return docstore.Document{}, mapError(err, id, "")
	}
	return doc, nil
}

// Put implements docstore.Store.
func (s *Store) Put(ctx context.Context, coll docstore.Collection, doc docstore.Document) (docstore.Revision, error) {
	var rev docstore.Revision
	err := s.db.withTxn(ctx, func(txn *badger.Txn) error {
		var err error
		rev, err = s.apply(txn, coll, doc)
		return err
	})
	if err != nil {
		return "", mapError(err, doc.ID, doc.Revision)
	}
	return rev, nil
}

// Bulk implements docstore.Store. All writes commit in one transaction or
// none do.
func (s *Store) Bulk(ctx context.Context, coll docstore.Collection, docs []docstore.Document) ([]docstore.Revision, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	revs := make([]docstore.Revision, len(docs))
	var failed docstore.Document
	err := s.db.withTxn(ctx, func(txn *badger.Txn) error {
		for i, doc := range docs {
			rev, err := s.apply(txn, coll, doc)
			if err != nil {
				failed = doc
				return err
			}
			revs[i] = rev
		}
		return nil
	})
	if err != nil {
		if failed.ID == "" {
			failed = docs[0]
		}
		return nil, mapError(err, failed.ID, failed.Revision)
	}
	return revs, nil
}

// Range implements docstore.Store.
func (s *Store) Range(ctx context.Context, coll docstore.Collection, prefix string) ([]docstore.Document, error) {
	base := s.prefix(coll)
	full := []byte(base + prefix)
	var docs []docstore.Document
	err := s.db.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = full
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var rec record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.Deleted {
				continue
			}
			id := strings.TrimPrefix(string(item.Key()), base)
			docs = append(docs, docstore.Document{ID: id, Revision: rec.Rev, Body: rec.Body})
		}
		return nil
	})
	if err != nil {
		return nil, mapError(err, prefix, "")
	}
	return docs, nil
}

// Watch implements docstore.Watcher. It blocks until ctx is done or fn
// returns an error.
func (s *Store) Watch(ctx context.Context, coll docstore.Collection, prefix string, fn docstore.ChangeFunc) error {
	base := s.prefix(coll)
	full := []byte(base + prefix)
	err := s.db.db.Subscribe(ctx, func(kvs *badger.KVList) error {
		for _, kv := range kvs.Kv {
			if !bytes.HasPrefix(kv.Key, full) {
				continue
			}
			var rec record
			if err := json.Unmarshal(kv.Value, &rec); err != nil {
				s.db.log.Warn().Err(err).Str("key", string(kv.Key)).Msg("skipping undecodable change")
				continue
			}
			doc := docstore.Document{
				ID:       strings.TrimPrefix(string(kv.Key), base),
				Revision: rec.Rev,
				Deleted:  rec.Deleted,
				Body:     rec.Body,
			}
			if err := fn(doc); err != nil {
				return err
			}
		}
		return nil
	}, []pb.Match{{Prefix: full}})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// apply validates doc against the current record and stages the write.
func (s *Store) apply(txn *badger.Txn, coll docstore.Collection, doc docstore.Document) (docstore.Revision, error) {
	if err := docstore.Validate(doc); err != nil {
		return "", err
	}
	key := s.key(coll, doc.ID)
	cur, exists, err := readRecord(txn, key)
	if err != nil {
		return "", err
	}

	live := exists && !cur.Deleted
	switch {
	case doc.Revision == "" && live:
		return "", &docstore.ConflictError{DocID: doc.ID}
	case doc.Revision != "" && !live:
		return "", &docstore.ConflictError{DocID: doc.ID, ExpectedRevision: doc.Revision}
	case doc.Revision != "" && cur.Rev != doc.Revision:
		return "", &docstore.ConflictError{DocID: doc.ID, ExpectedRevision: doc.Revision}
	}

	// Recreating over a tombstone continues its revision history.
	prev := doc.Revision
	if prev == "" && exists {
		prev = cur.Rev
	}
	next := record{
		Rev:     docstore.NextRevision(prev, doc.Body, doc.Deleted),
		Deleted: doc.Deleted,
	}
	if !doc.Deleted {
		next.Body = doc.Body
	}
	val, err := json.Marshal(next)
	if err != nil {
		return "", err
	}
	if err := txn.Set(key, val); err != nil {
		return "", err
	}
	return next.Rev, nil
}

func readRecord(txn *badger.Txn, key []byte) (record, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, err
	}
	var rec record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return record{}, false, err
	}
	return rec, true, nil
}

// mapError converts badger failures into the docstore taxonomy. Errors that
// already belong to it pass through.
func mapError(err error, id string, rev docstore.Revision) error {
	var (
		conflict *docstore.ConflictError
		invalid  *docstore.InvalidDocumentError
	)
	switch {
	case errors.Is(err, docstore.ErrNotFound),
		errors.As(err, &conflict),
		errors.As(err, &invalid),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, badger.ErrConflict):
		return &docstore.ConflictError{DocID: id, ExpectedRevision: rev}
	case errors.Is(err, badger.ErrEmptyKey), errors.Is(err, badger.ErrInvalidKey):
		return &docstore.InvalidDocumentError{DocID: id, Reason: err.Error()}
	default:
		return &docstore.TransportError{Message: err.Error(), Cause: err}
	}
}
