// Package engine is the collaborative editing core: it validates edit
// intents, serializes them behind per-document write lanes, mutates the
// chunk sequence, appends to the op log, and keeps the hot tier current.
// The lifecycle half orchestrates locking, snapshots, last-viewer
// write-through, startup prefetch, and shutdown flushing.
//
// The engine never touches sockets. Callers (the wire layer) check room
// membership, pass decoded requests in, and turn the returned results and
// errors into protocol envelopes and broadcasts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"scribe.evalgo.org/common"
	"scribe.evalgo.org/crdt"
	"scribe.evalgo.org/document"
	"scribe.evalgo.org/store"
)

// HotTier is the cache surface the engine needs. Reads degrade to absent
// and writes to false when the tier is down; the engine refuses edits it
// cannot persist to the tier.
type HotTier interface {
	Get(ctx context.Context, id string) (*document.Record, bool)
	Put(ctx context.Context, id string, rec *document.Record) bool
	Delete(ctx context.Context, id string) bool
	Flush(ctx context.Context) error
}

// DurableStore is the authoritative storage surface the engine needs.
type DurableStore interface {
	CreateDoc(ctx context.Context, rec *document.Record) error
	LoadDoc(ctx context.Context, id string) (*document.Record, error)
	ListDocIDs(ctx context.Context) ([]string, error)
	WriteThrough(ctx context.Context, rec *document.Record) error
	Snapshot(ctx context.Context, rec *document.Record, at time.Time) error
	SoftDelete(ctx context.Context, id string) error
	UpdatePath(ctx context.Context, id string, upd store.PathUpdate) error
}

var (
	// ErrDocNotFound is returned when a document does not exist or is
	// deleted.
	ErrDocNotFound = errors.New("engine: document not found")

	// ErrUnavailable is returned when neither tier can serve a document,
	// or an edit cannot be written back to the hot tier.
	ErrUnavailable = errors.New("engine: storage unavailable")
)

// RejectedError turns into an editRejected reply: the document exists but
// is not editable right now.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "edit rejected: " + e.Reason
}

// ValidationError turns into a systemmessage reply: the request itself is
// malformed or not permitted. No side effects occurred.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Engine owns the per-document write lanes and the two storage tiers.
type Engine struct {
	cache   HotTier
	durable DurableStore
	alloc   *crdt.Allocator
	service int
	log     *logrus.Entry

	mu    sync.Mutex
	lanes map[string]*sync.Mutex
}

// New builds an engine. The service number seeds the version clock of
// newly created documents.
func New(cache HotTier, durable DurableStore, service int) *Engine {
	return &Engine{
		cache:   cache,
		durable: durable,
		alloc:   crdt.NewAllocator(),
		service: service,
		lanes:   make(map[string]*sync.Mutex),
		log:     common.ComponentLogger("engine"),
	}
}

// lane returns the write lane for a document, creating it on first use.
// Lanes are never collected; their count is bounded by the document count.
func (e *Engine) lane(docID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.lanes[docID]
	if !ok {
		l = &sync.Mutex{}
		e.lanes[docID] = l
	}
	return l
}

// materialize returns the live record for a document, loading it from the
// durable store into the hot tier on a miss. Deleted documents are never
// cached and read as not found. Callers must hold the document's lane.
func (e *Engine) materialize(ctx context.Context, docID string) (*document.Record, error) {
	if rec, ok := e.cache.Get(ctx, docID); ok {
		return rec, nil
	}

	rec, err := e.durable.LoadDoc(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrDocNotFound
	}
	if err != nil {
		e.log.WithError(err).WithField("doc", docID).Error("durable load failed")
		return nil, ErrUnavailable
	}
	if rec.Status == document.StatusDeleted {
		return nil, ErrDocNotFound
	}

	e.cache.Put(ctx, docID, rec)
	return rec, nil
}

// GetDoc returns the live record for reading, materializing it if needed.
func (e *Engine) GetDoc(ctx context.Context, docID string) (*document.Record, error) {
	l := e.lane(docID)
	l.Lock()
	defer l.Unlock()
	return e.materialize(ctx, docID)
}
