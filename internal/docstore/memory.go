package docstore

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store backed by thread-safe collections. It
// implements the full subscription contract, including resume tokens, by
// keeping a per-collection change log, which makes it suitable for exercising
// the pipeline in tests and `-store memory` smoke runs.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]*MemoryCollection
	closed      bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*MemoryCollection)}
}

// Collection returns the named collection, creating it on first use.
func (s *MemoryStore) Collection(name string) Collection {
	return s.Memory(name)
}

// Memory returns the named collection with its concrete type, exposing the
// test-only helpers (Docs, SetInsertHook).
func (s *MemoryStore) Memory(name string) *MemoryCollection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		c = &MemoryCollection{name: name, byID: make(map[any]bool)}
		s.collections[name] = c
	}
	return c
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &StorageError{Op: "ping", Err: errors.New("store is closed")}
	}
	return ctx.Err()
}

// Close releases all subscriptions and marks the store closed.
func (s *MemoryStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, c := range s.collections {
		c.closeSubscribers()
	}
	return nil
}

// MemoryCollection is a mutex-guarded document collection with an append-only
// change log feeding its subscriptions.
type MemoryCollection struct {
	mu          sync.Mutex
	name        string
	docs        []Document
	byID        map[any]bool
	log         []ChangeEvent
	subscribers []chan ChangeEvent

	// insertHook, when set, runs before each insert and can inject
	// failures. Test-only.
	insertHook func(Document) error
}

// Name implements Collection.
func (c *MemoryCollection) Name() string { return c.name }

// SetInsertHook installs a function that runs before every insert. Returning
// an error fails the insert. Used by tests to inject storage failures.
func (c *MemoryCollection) SetInsertHook(fn func(Document) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertHook = fn
}

// SubscriberCount reports how many subscriptions are currently open. Lets
// tests wait for a watcher before emitting events.
func (c *MemoryCollection) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

// Docs returns a snapshot of the collection contents in insertion order.
func (c *MemoryCollection) Docs() []Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Document, len(c.docs))
	for i, doc := range c.docs {
		out[i] = copyDocument(doc)
	}
	return out
}

// ReadBatches implements Collection. It iterates a snapshot taken at call
// time, so concurrent inserts are not reflected mid-read.
func (c *MemoryCollection) ReadBatches(ctx context.Context, batchSize int, fn func([]Document) error) error {
	if batchSize <= 0 {
		return &StorageError{Op: "read", Collection: c.name, Err: errors.New("batch size must be positive")}
	}
	snapshot := c.Docs()
	for start := 0; start < len(snapshot); start += batchSize {
		if err := ctx.Err(); err != nil {
			return &StorageError{Op: "read", Collection: c.name, Err: err}
		}
		end := start + batchSize
		if end > len(snapshot) {
			end = len(snapshot)
		}
		if err := fn(snapshot[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// Insert implements Collection. Documents without an identifier get one
// assigned; duplicate identifiers fail with ErrDuplicateKey.
func (c *MemoryCollection) Insert(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "insert", Collection: c.name, Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(doc)
}

// InsertMany implements Collection. Documents are applied in order; the first
// failure stops the write and already-stored documents stay stored, matching
// the partial-write contract.
func (c *MemoryCollection) InsertMany(ctx context.Context, docs []Document) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "insert_many", Collection: c.name, Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, doc := range docs {
		if err := c.insertLocked(doc); err != nil {
			return &PartialWriteError{
				Collection: c.name,
				Attempted:  len(docs),
				Inserted:   i,
				Err:        err,
			}
		}
	}
	return nil
}

// Upsert implements Collection. Replacements are emitted on the change feed
// as replace events.
func (c *MemoryCollection) Upsert(ctx context.Context, id any, doc Document) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Op: "upsert", Collection: c.name, Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := copyDocument(doc)
	stored["_id"] = id
	if c.byID[id] {
		for i, existing := range c.docs {
			if existing["_id"] == id {
				c.docs[i] = stored
				break
			}
		}
		c.emitLocked(ChangeEvent{Op: OpReplace, FullDocument: copyDocument(stored)})
		return nil
	}
	c.byID[id] = true
	c.docs = append(c.docs, stored)
	c.emitLocked(ChangeEvent{Op: OpInsert, FullDocument: copyDocument(stored)})
	return nil
}

func (c *MemoryCollection) insertLocked(doc Document) error {
	if c.insertHook != nil {
		if err := c.insertHook(doc); err != nil {
			return &StorageError{Op: "insert", Collection: c.name, Err: err}
		}
	}
	stored := copyDocument(doc)
	if _, ok := stored["_id"]; !ok {
		stored["_id"] = uuid.NewString()
	}
	if c.byID[stored["_id"]] {
		return &StorageError{Op: "insert", Collection: c.name, Err: ErrDuplicateKey}
	}
	c.byID[stored["_id"]] = true
	c.docs = append(c.docs, stored)
	c.emitLocked(ChangeEvent{Op: OpInsert, FullDocument: copyDocument(stored)})
	return nil
}

// emitLocked appends the event to the change log and fans it out to live
// subscribers. The token encodes the event's log position.
func (c *MemoryCollection) emitLocked(ev ChangeEvent) {
	token := make([]byte, 8)
	binary.BigEndian.PutUint64(token, uint64(len(c.log)))
	ev.ResumeToken = token
	c.log = append(c.log, ev)
	for _, sub := range c.subscribers {
		sub <- ev
	}
}

// subscriberBuffer is the live-event headroom per subscription. A subscriber
// that stops draining past this many undelivered events blocks writers, a
// bound accepted for the test/smoke scope this backend serves.
const subscriberBuffer = 1024

// Watch implements Collection. With a resume token from a previous event,
// delivery restarts at the event after it; logged events are replayed before
// live ones. The channel is sized to hold the entire replay backlog plus
// live headroom, so resuming over an arbitrarily old token never blocks.
func (c *MemoryCollection) Watch(ctx context.Context, resumeToken []byte) (ChangeStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "watch", Collection: c.name, Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	next := len(c.log)
	if resumeToken != nil {
		if len(resumeToken) != 8 {
			return nil, &StorageError{Op: "watch", Collection: c.name, Err: errors.New("malformed resume token")}
		}
		next = int(binary.BigEndian.Uint64(resumeToken)) + 1
		if next > len(c.log) {
			next = len(c.log)
		}
	}
	backlog := len(c.log) - next
	ch := make(chan ChangeEvent, backlog+subscriberBuffer)
	for i := next; i < len(c.log); i++ {
		ch <- c.log[i]
	}
	c.subscribers = append(c.subscribers, ch)
	return &memoryStream{collection: c, ch: ch}, nil
}

func (c *MemoryCollection) closeSubscribers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subscribers {
		close(sub)
	}
	c.subscribers = nil
}

func (c *MemoryCollection) dropSubscriber(ch chan ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, sub := range c.subscribers {
		if sub == ch {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

type memoryStream struct {
	collection *MemoryCollection
	ch         chan ChangeEvent
	closed     bool
}

// Next implements ChangeStream.
func (s *memoryStream) Next(ctx context.Context) (ChangeEvent, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return ChangeEvent{}, &StorageError{
				Op:         "watch",
				Collection: s.collection.name,
				Err:        errors.New("subscription closed by store"),
			}
		}
		return ev, nil
	case <-ctx.Done():
		return ChangeEvent{}, ctx.Err()
	}
}

// Close implements ChangeStream.
func (s *memoryStream) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.collection.dropSubscriber(s.ch)
	return nil
}

func copyDocument(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
