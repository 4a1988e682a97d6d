// Package docstore defines the document-store abstraction used by the signal
// pipeline. It provides batched reads, single and bulk inserts, and an ordered
// change-event subscription over named collections, with backends for MongoDB
// (production) and memory (tests and smoke runs).
package docstore

import (
	"context"
	"errors"
	"fmt"
)

// Document is one schemaless document in a collection.
type Document map[string]any

// OpType identifies the kind of change carried by a ChangeEvent.
type OpType string

const (
	OpInsert  OpType = "insert"
	OpUpdate  OpType = "update"
	OpReplace OpType = "replace"
	OpDelete  OpType = "delete"
)

// ChangeEvent is one notification from a collection subscription. Events are
// delivered in order and are not buffered or replayed by consumers; each is
// acted on at most once per subscription.
type ChangeEvent struct {
	// Op is the operation kind.
	Op OpType

	// FullDocument carries the complete document for insert events.
	FullDocument Document

	// ResumeToken identifies this event's position in the feed. Passing it
	// to a later Watch resumes delivery immediately after this event.
	ResumeToken []byte
}

// ChangeStream is an open subscription on a collection.
type ChangeStream interface {
	// Next blocks until the next event is available, the stream fails, or
	// ctx is cancelled. A stream error is fatal to the subscription.
	Next(ctx context.Context) (ChangeEvent, error)

	// Close releases the subscription.
	Close(ctx context.Context) error
}

// Collection exposes the document operations the pipeline needs.
type Collection interface {
	// Name returns the collection name.
	Name() string

	// ReadBatches streams the current collection contents to fn in batches
	// of at most batchSize documents. Iteration stops on the first fn error.
	ReadBatches(ctx context.Context, batchSize int, fn func([]Document) error) error

	// Insert stores a single document.
	Insert(ctx context.Context, doc Document) error

	// InsertMany stores documents in one bulk operation. On failure it
	// returns a *PartialWriteError; documents the backend already wrote
	// stay written.
	InsertMany(ctx context.Context, docs []Document) error

	// Upsert stores the document under the given identifier, replacing any
	// existing document with that identifier. Used for checkpoint markers,
	// never for signal records.
	Upsert(ctx context.Context, id any, doc Document) error

	// Watch opens an ordered change-event subscription. A nil resumeToken
	// starts from now; a token from a previous event resumes after it.
	Watch(ctx context.Context, resumeToken []byte) (ChangeStream, error)
}

// Store is a connected document store.
type Store interface {
	// Collection returns a handle for the named collection.
	Collection(name string) Collection

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close(ctx context.Context) error
}

// ErrDuplicateKey reports an insert that collided with an existing document
// identifier. Check for it with errors.Is on a *StorageError.
var ErrDuplicateKey = errors.New("duplicate key")

// StorageError reports a failure from a store backend.
type StorageError struct {
	// Op is the failed operation ("read", "insert", "insert_many", "watch").
	Op string

	// Collection is the collection involved.
	Collection string

	// Err is the underlying backend error.
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("docstore: %s on %s failed: %v", e.Op, e.Collection, e.Err)
	}
	return fmt.Sprintf("docstore: %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is / errors.As chains.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// PartialWriteError is the StorageError variant surfaced by bulk inserts. It
// carries how many documents the call attempted and how many the backend
// reported written before failing.
type PartialWriteError struct {
	Collection string
	Attempted  int
	Inserted   int
	Err        error
}

// Error implements the error interface.
func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("docstore: bulk insert into %s failed after %d of %d documents: %v",
		e.Collection, e.Inserted, e.Attempted, e.Err)
}

// Unwrap returns the underlying error.
func (e *PartialWriteError) Unwrap() error {
	return e.Err
}
