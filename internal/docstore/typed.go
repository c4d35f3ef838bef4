package docstore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Versioned pairs a value with the revision it was read at or written as.
type Versioned[T any] struct {
	Value    T
	Revision Revision
}

// Encode builds a Document holding v.
func Encode(id string, rev Revision, v any) (Document, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Document{}, &InvalidDocumentError{DocID: id, Reason: fmt.Sprintf("encode body: %v", err)}
	}
	return Document{ID: id, Revision: rev, Body: body}, nil
}

// DecodeAs unmarshals a document body.
func DecodeAs[T any](doc Document) (Versioned[T], error) {
	var v T
	if err := json.Unmarshal(doc.Body, &v); err != nil {
		return Versioned[T]{}, &InvalidDocumentError{DocID: doc.ID, Reason: fmt.Sprintf("decode body: %v", err)}
	}
	return Versioned[T]{Value: v, Revision: doc.Revision}, nil
}

// GetAs reads and decodes one document.
func GetAs[T any](ctx context.Context, s Store, coll Collection, id string) (Versioned[T], error) {
	doc, err := s.Get(ctx, coll, id)
	if err != nil {
		return Versioned[T]{}, err
	}
	return DecodeAs[T](doc)
}

// PutAs encodes and writes v at the revision carried by in, returning the
// value with its new revision.
func PutAs[T any](ctx context.Context, s Store, coll Collection, id string, in Versioned[T]) (Versioned[T], error) {
	doc, err := Encode(id, in.Revision, in.Value)
	if err != nil {
		return Versioned[T]{}, err
	}
	rev, err := s.Put(ctx, coll, doc)
	if err != nil {
		return Versioned[T]{}, err
	}
	return Versioned[T]{Value: in.Value, Revision: rev}, nil
}
