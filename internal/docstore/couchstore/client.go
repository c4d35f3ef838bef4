// Package couchstore implements docstore.Store against a CouchDB-compatible
// HTTP API, the remote side of the replicated store. Each user has one
// database (couch_peruser naming); collections are id prefixes inside it.
package couchstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/zhouzirui/turnflow/internal/docstore"
)

// Config configures the remote store client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client opens per-user stores on one CouchDB server.
type Client struct {
	http *resty.Client
}

// New creates a resty-backed client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json").
			SetTimeout(timeout),
	}
}

// DatabaseName returns the per-user database name.
func DatabaseName(userID string) string {
	return "userdb-" + hex.EncodeToString([]byte(userID))
}

// Open implements docstore.Opener. The token is sent as a bearer credential.
func (c *Client) Open(_ context.Context, userID, token string) (docstore.Store, error) {
	if userID == "" {
		return nil, &docstore.InvalidDocumentError{Reason: "user id is required"}
	}
	return &Store{http: c.http, db: DatabaseName(userID), token: token}, nil
}

// Store is one user's database.
type Store struct {
	http  *resty.Client
	db    string
	token string
}

var (
	_ docstore.Store  = (*Store)(nil)
	_ docstore.Opener = (*Client)(nil)
)

// couchDoc is the wire shape of a stored document.
type couchDoc struct {
	ID      string          `json:"_id"`
	Rev     string          `json:"_rev,omitempty"`
	Deleted bool            `json:"_deleted,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type writeResult struct {
	OK     bool   `json:"ok"`
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type couchError struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type allDocsResponse struct {
	Rows []struct {
		ID    string          `json:"id"`
		Value json.RawMessage `json:"value"`
		Doc   *couchDoc       `json:"doc"`
	} `json:"rows"`
}

func docID(coll docstore.Collection, id string) string {
	return string(coll) + ":" + id
}

func (s *Store) request(ctx context.Context) *resty.Request {
	r := s.http.R().SetContext(ctx)
	if s.token != "" {
		r.SetAuthToken(s.token)
	}
	return r
}

func (s *Store) docPath(coll docstore.Collection, id string) string {
	return "/" + s.db + "/" + url.PathEscape(docID(coll, id))
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, coll docstore.Collection, id string) (docstore.Document, error) {
	var out couchDoc
	resp, err := s.request(ctx).SetResult(&out).Get(s.docPath(coll, id))
	if err != nil {
		return docstore.Document{}, transportError(ctx, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return docstore.Document{}, docstore.ErrNotFound
	}
	if resp.IsError() {
		return docstore.Document{}, statusError(resp, id, "")
	}
	return docstore.Document{ID: id, Revision: docstore.Revision(out.Rev), Body: out.Data}, nil
}

// Put implements docstore.Store.
func (s *Store) Put(ctx context.Context, coll docstore.Collection, doc docstore.Document) (docstore.Revision, error) {
	if err := docstore.Validate(doc); err != nil {
		return "", err
	}
	var out writeResult
	resp, err := s.request(ctx).
		SetBody(toCouch(coll, doc)).
		SetResult(&out).
		Put(s.docPath(coll, doc.ID))
	if err != nil {
		return "", transportError(ctx, err)
	}
	if resp.IsError() {
		return "", statusError(resp, doc.ID, doc.Revision)
	}
	return docstore.Revision(out.Rev), nil
}

// Bulk implements docstore.Store through _bulk_docs. CouchDB applies
// each document independently, so a failure reports the first rejected
// document while earlier ones may already be written.
func (s *Store) Bulk(ctx context.Context, coll docstore.Collection, docs []docstore.Document) ([]docstore.Revision, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	payload := struct {
		Docs []couchDoc `json:"docs"`
	}{Docs: make([]couchDoc, len(docs))}
	for i, doc := range docs {
		if err := docstore.Validate(doc); err != nil {
			return nil, err
		}
		payload.Docs[i] = toCouch(coll, doc)
	}

	var results []writeResult
	resp, err := s.request(ctx).
		SetBody(payload).
		SetResult(&results).
		Post("/" + s.db + "/_bulk_docs")
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.IsError() {
		return nil, statusError(resp, docs[0].ID, docs[0].Revision)
	}
	if len(results) != len(docs) {
		return nil, &docstore.TransportError{Message: fmt.Sprintf("bulk returned %d results for %d docs", len(results), len(docs)), StatusCode: resp.StatusCode()}
	}

	revs := make([]docstore.Revision, len(docs))
	for i, r := range results {
		if r.Error != "" {
			return nil, resultError(r, docs[i])
		}
		revs[i] = docstore.Revision(r.Rev)
	}
	return revs, nil
}

// Range implements docstore.Store through _all_docs with a key range.
func (s *Store) Range(ctx context.Context, coll docstore.Collection, prefix string) ([]docstore.Document, error) {
	start := docID(coll, prefix)
	startKey, _ := json.Marshal(start)
	endKey, _ := json.Marshal(start + "\ufff0")

	var out allDocsResponse
	resp, err := s.request(ctx).
		SetQueryParam("include_docs", "true").
		SetQueryParam("startkey", string(startKey)).
		SetQueryParam("endkey", string(endKey)).
		SetResult(&out).
		Get("/" + s.db + "/_all_docs")
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.IsError() {
		return nil, statusError(resp, prefix, "")
	}

	collPrefix := string(coll) + ":"
	docs := make([]docstore.Document, 0, len(out.Rows))
	for _, row := range out.Rows {
		if row.Doc == nil || row.Doc.Deleted {
			continue
		}
		docs = append(docs, docstore.Document{
			ID:       strings.TrimPrefix(row.ID, collPrefix),
			Revision: docstore.Revision(row.Doc.Rev),
			Body:     row.Doc.Data,
		})
	}
	return docs, nil
}

func toCouch(coll docstore.Collection, doc docstore.Document) couchDoc {
	cd := couchDoc{ID: docID(coll, doc.ID), Rev: string(doc.Revision), Deleted: doc.Deleted}
	if !doc.Deleted {
		cd.Data = doc.Body
	}
	return cd
}

// transportError wraps client-side failures. Context errors pass through so
// callers stop retrying once their context is gone.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &docstore.TransportError{Message: err.Error(), Cause: err}
}

func statusError(resp *resty.Response, id string, rev docstore.Revision) error {
	var ce couchError
	_ = json.Unmarshal(resp.Body(), &ce)
	switch resp.StatusCode() {
	case http.StatusConflict:
		return &docstore.ConflictError{DocID: id, ExpectedRevision: rev}
	case http.StatusBadRequest:
		return &docstore.InvalidDocumentError{DocID: id, Reason: firstNonEmpty(ce.Reason, ce.Error, resp.Status())}
	case http.StatusNotFound:
		// A missing database or an update of a missing document.
		if rev != "" {
			return &docstore.ConflictError{DocID: id, ExpectedRevision: rev}
		}
		return docstore.ErrNotFound
	default:
		return &docstore.TransportError{Message: firstNonEmpty(ce.Reason, ce.Error, resp.Status()), StatusCode: resp.StatusCode()}
	}
}

func resultError(r writeResult, doc docstore.Document) error {
	switch r.Error {
	case "conflict":
		return &docstore.ConflictError{DocID: doc.ID, ExpectedRevision: doc.Revision}
	case "forbidden", "bad_request":
		return &docstore.InvalidDocumentError{DocID: doc.ID, Reason: firstNonEmpty(r.Reason, r.Error)}
	default:
		return &docstore.TransportError{Message: r.Error + ": " + r.Reason}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
