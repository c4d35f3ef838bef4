// Package docstoretest provides a fault-injecting docstore.Store wrapper
// for tests that exercise retries and conflict handling.
package docstoretest

import (
	"context"
	"strings"
	"sync"

	"github.com/zhouzirui/turnflow/internal/docstore"
)

// Op names a store operation.
type Op string

const (
	OpGet   Op = "get"
	OpPut   Op = "put"
	OpBulk  Op = "bulk"
	OpRange Op = "range"
)

// Rule describes one injected fault.
type Rule struct {
	Op Op
	// Coll restricts the rule to one collection when set.
	Coll docstore.Collection
	// IDPrefix restricts the rule to documents whose id has this prefix. For
	// Bulk any document in the batch matches; for Range the prefix argument.
	IDPrefix string
	// Times is how often the rule fires; negative means forever.
	Times int
	// Err is returned by the operation.
	Err error
	// AfterWrite applies the write before returning Err, like a lost ack.
	AfterWrite bool
	// Before runs ahead of the operation, e.g. to simulate a replica write.
	Before func(ctx context.Context, inner docstore.Store)
}

// Faulty wraps a store and fires matching rules.
type Faulty struct {
	inner docstore.Store

	mu    sync.Mutex
	rules []*Rule
	calls map[Op]int
}

var _ docstore.Store = (*Faulty)(nil)

// Wrap returns a Faulty around inner with no rules.
func Wrap(inner docstore.Store) *Faulty {
	return &Faulty{inner: inner, calls: make(map[Op]int)}
}

// Inner returns the wrapped store.
func (f *Faulty) Inner() docstore.Store {
	return f.inner
}

// Add installs a rule.
func (f *Faulty) Add(r Rule) *Faulty {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule := r
	f.rules = append(f.rules, &rule)
	return f
}

// Calls returns how many times op was invoked.
func (f *Faulty) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Faulty) fire(op Op, coll docstore.Collection, ids ...string) *Rule {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	for _, r := range f.rules {
		if r.Op != op || r.Times == 0 {
			continue
		}
		if r.Coll != "" && r.Coll != coll {
			continue
		}
		if r.IDPrefix != "" && !anyPrefix(ids, r.IDPrefix) {
			continue
		}
		if r.Times > 0 {
			r.Times--
		}
		return r
	}
	return nil
}

func anyPrefix(ids []string, prefix string) bool {
	for _, id := range ids {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

func (f *Faulty) before(ctx context.Context, r *Rule) {
	if r != nil && r.Before != nil {
		r.Before(ctx, f.inner)
	}
}

// Get implements docstore.Store.
func (f *Faulty) Get(ctx context.Context, coll docstore.Collection, id string) (docstore.Document, error) {
	r := f.fire(OpGet, coll, id)
	f.before(ctx, r)
	if r != nil && r.Err != nil {
		return docstore.Document{}, r.Err
	}
	return f.inner.Get(ctx, coll, id)
}

// Put implements docstore.Store.
func (f *Faulty) Put(ctx context.Context, coll docstore.Collection, doc docstore.Document) (docstore.Revision, error) {
	r := f.fire(OpPut, coll, doc.ID)
	f.before(ctx, r)
	if r == nil || r.Err == nil {
		return f.inner.Put(ctx, coll, doc)
	}
	if r.AfterWrite {
		if _, err := f.inner.Put(ctx, coll, doc); err != nil {
			return "", err
		}
	}
	return "", r.Err
}

// Bulk implements docstore.Store.
func (f *Faulty) Bulk(ctx context.Context, coll docstore.Collection, docs []docstore.Document) ([]docstore.Revision, error) {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	r := f.fire(OpBulk, coll, ids...)
	f.before(ctx, r)
	if r == nil || r.Err == nil {
		return f.inner.Bulk(ctx, coll, docs)
	}
	if r.AfterWrite {
		if _, err := f.inner.Bulk(ctx, coll, docs); err != nil {
			return nil, err
		}
	}
	return nil, r.Err
}

// Range implements docstore.Store.
func (f *Faulty) Range(ctx context.Context, coll docstore.Collection, prefix string) ([]docstore.Document, error) {
	r := f.fire(OpRange, coll, prefix)
	f.before(ctx, r)
	if r != nil && r.Err != nil {
		return nil, r.Err
	}
	return f.inner.Range(ctx, coll, prefix)
}

// Opener returns an opener that always yields f.
func (f *Faulty) Opener() docstore.Opener {
	return openerFunc(func(context.Context, string, string) (docstore.Store, error) {
		return f, nil
	})
}

type openerFunc func(ctx context.Context, userID, token string) (docstore.Store, error)

func (o openerFunc) Open(ctx context.Context, userID, token string) (docstore.Store, error) {
	return o(ctx, userID, token)
}
