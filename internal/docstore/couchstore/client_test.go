package couchstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/turnflow/internal/docstore"
)

// fakeCouch implements the handful of CouchDB endpoints the client uses.
type fakeCouch struct {
	mu       sync.Mutex
	docs     map[string]couchDoc
	gen      map[string]int
	auth     []string
	failNext int
}

func newFakeCouch() *fakeCouch {
	return &fakeCouch{docs: map[string]couchDoc{}, gen: map[string]int{}}
}

func (f *fakeCouch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))

	if f.failNext > 0 {
		f.failNext--
		writeJSON(w, http.StatusServiceUnavailable, couchError{Error: "unavailable", Reason: "maintenance"})
		return
	}

	parts := strings.SplitN(strings.TrimPrefix(r.URL.EscapedPath(), "/"), "/", 2)
	if len(parts) != 2 {
		writeJSON(w, http.StatusBadRequest, couchError{Error: "bad_request"})
		return
	}
	switch {
	case parts[1] == "_bulk_docs" && r.Method == http.MethodPost:
		var req struct {
			Docs []couchDoc `json:"docs"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		out := make([]writeResult, len(req.Docs))
		for i, d := range req.Docs {
			out[i] = f.write(d)
		}
		writeJSON(w, http.StatusCreated, out)
	case parts[1] == "_all_docs":
		var start, end string
		_ = json.Unmarshal([]byte(r.URL.Query().Get("startkey")), &start)
		_ = json.Unmarshal([]byte(r.URL.Query().Get("endkey")), &end)
		ids := make([]string, 0, len(f.docs))
		for id, d := range f.docs {
			if id >= start && id <= end && !d.Deleted {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		var resp allDocsResponse
		for _, id := range ids {
			d := f.docs[id]
			resp.Rows = append(resp.Rows, struct {
				ID    string          `json:"id"`
				Value json.RawMessage `json:"value"`
				Doc   *couchDoc       `json:"doc"`
			}{ID: id, Doc: &d})
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		id, _ := url.PathUnescape(parts[1])
		switch r.Method {
		case http.MethodGet:
			d, ok := f.docs[id]
			if !ok || d.Deleted {
				writeJSON(w, http.StatusNotFound, couchError{Error: "not_found", Reason: "missing"})
				return
			}
			writeJSON(w, http.StatusOK, d)
		case http.MethodPut:
			var d couchDoc
			if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
				writeJSON(w, http.StatusBadRequest, couchError{Error: "bad_request", Reason: "invalid json"})
				return
			}
			res := f.write(d)
			if res.Error == "conflict" {
				writeJSON(w, http.StatusConflict, couchError{Error: res.Error, Reason: res.Reason})
				return
			}
			writeJSON(w, http.StatusCreated, res)
		}
	}
}

func (f *fakeCouch) write(d couchDoc) writeResult {
	cur, exists := f.docs[d.ID]
	live := exists && !cur.Deleted
	if (d.Rev == "" && live) || (d.Rev != "" && (!exists || cur.Rev != d.Rev)) {
		return writeResult{ID: d.ID, Error: "conflict", Reason: "Document update conflict."}
	}
	f.gen[d.ID]++
	d.Rev = strconv.Itoa(f.gen[d.ID]) + "-abc"
	f.docs[d.ID] = d
	return writeResult{OK: true, ID: d.ID, Rev: d.Rev}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestStore(t *testing.T) (*fakeCouch, docstore.Store) {
	t.Helper()
	fake := newFakeCouch()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := New(Config{BaseURL: srv.URL}).Open(context.Background(), "alice", "tok")
	require.NoError(t, err)
	return fake, s
}

func TestPutGetSendsBearerAndPrefixesCollection(t *testing.T) {
	fake, s := newTestStore(t)
	ctx := context.Background()

	rev, err := s.Put(ctx, docstore.Chats, docstore.Document{ID: "c1", Body: json.RawMessage(`{"name":"a"}`)})
	require.NoError(t, err)
	assert.Equal(t, docstore.Revision("1-abc"), rev)

	doc, err := s.Get(ctx, docstore.Chats, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", doc.ID)
	assert.Equal(t, rev, doc.Revision)
	assert.JSONEq(t, `{"name":"a"}`, string(doc.Body))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Contains(t, fake.docs, "chats:c1")
	assert.Equal(t, "Bearer tok", fake.auth[0])
}

func TestStatusCodesMapToTaxonomy(t *testing.T) {
	fake, s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, docstore.Chats, "missing")
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	rev, err := s.Put(ctx, docstore.Chats, docstore.Document{ID: "c1", Body: json.RawMessage(`1`)})
	require.NoError(t, err)
	_, err = s.Put(ctx, docstore.Chats, docstore.Document{ID: "c1", Body: json.RawMessage(`2`)})
	assert.True(t, docstore.IsConflict(err))

	fake.mu.Lock()
	fake.failNext = 1
	fake.mu.Unlock()
	_, err = s.Put(ctx, docstore.Chats, docstore.Document{ID: "c1", Revision: rev, Body: json.RawMessage(`2`)})
	var te *docstore.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.True(t, docstore.IsTransient(err))

	_, err = s.Put(ctx, docstore.Chats, docstore.Document{ID: "", Body: json.RawMessage(`2`)})
	assert.True(t, docstore.IsInvalid(err))
}

func TestUnreachableServerIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	s, err := New(Config{BaseURL: srv.URL}).Open(context.Background(), "alice", "")
	require.NoError(t, err)
	_, err = s.Get(context.Background(), docstore.Chats, "c1")
	assert.True(t, docstore.IsTransient(err), "got %v", err)
}

func TestBulkReportsFirstRejectedDocument(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	rev, err := s.Put(ctx, docstore.Messages, docstore.Document{ID: "c_chunk_1_0", Body: json.RawMessage(`"a"`)})
	require.NoError(t, err)

	_, err = s.Bulk(ctx, docstore.Messages, []docstore.Document{
		{ID: "c_assistant_1", Body: json.RawMessage(`"final"`)},
		docstore.Tombstone("c_chunk_1_0", "9-stale"),
	})
	var conflict *docstore.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "c_chunk_1_0", conflict.DocID)

	revs, err := s.Bulk(ctx, docstore.Messages, []docstore.Document{
		docstore.Tombstone("c_chunk_1_0", rev),
	})
	require.NoError(t, err)
	assert.Len(t, revs, 1)
}

func TestRangeScansPrefixWithinCollection(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a_chunk_00000002_000001", "a_chunk_00000002_000000", "a_user_00000001", "b_user_00000001"} {
		_, err := s.Put(ctx, docstore.Messages, docstore.Document{ID: id, Body: json.RawMessage(`{}`)})
		require.NoError(t, err)
	}
	_, err := s.Put(ctx, docstore.Chats, docstore.Document{ID: "a_user_x", Body: json.RawMessage(`{}`)})
	require.NoError(t, err)

	docs, err := s.Range(ctx, docstore.Messages, "a_")
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "a_chunk_00000002_000000", docs[0].ID)
	assert.Equal(t, "a_chunk_00000002_000001", docs[1].ID)
	assert.Equal(t, "a_user_00000001", docs[2].ID)
}

func TestDatabaseNameIsHexEncoded(t *testing.T) {
	assert.Equal(t, "userdb-616c696365", DatabaseName("alice"))
}
