package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"scribe.evalgo.org/crdt"
	"scribe.evalgo.org/document"
	"scribe.evalgo.org/store"
)

// prefetchWorkers bounds the startup rehydration fan-out.
const prefetchWorkers = 8

// CreateDoc persists a new document or directory and returns its record.
// New documents start at version service.0.0 and are not cached until the
// first viewer arrives.
func (e *Engine) CreateDoc(ctx context.Context, channelID, parentID, name, userID string, isDirectory bool) (*document.Record, error) {
	if name == "" {
		return nil, validationf("document name must not be empty")
	}

	now := time.Now()
	rec := &document.Record{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		Name:        name,
		IsDirectory: isDirectory,
		Status:      document.StatusNormal,
		CreatedBy:   userID,
		Version:     crdt.NewVersion(e.service),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if parentID != "" {
		rec.ParentID = &parentID
	}

	if err := e.durable.CreateDoc(ctx, rec); err != nil {
		if errors.Is(err, store.ErrNameConflict) {
			return nil, validationf("a document named %q already exists here", name)
		}
		e.log.WithError(err).WithField("doc", rec.ID).Error("create failed")
		return nil, ErrUnavailable
	}
	return rec, nil
}

// DeleteDoc soft-deletes a document and evicts it from the hot tier.
// Deleted documents never re-enter the cache.
func (e *Engine) DeleteDoc(ctx context.Context, docID string) error {
	l := e.lane(docID)
	l.Lock()
	defer l.Unlock()

	if err := e.durable.SoftDelete(ctx, docID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrDocNotFound
		}
		e.log.WithError(err).WithField("doc", docID).Error("soft delete failed")
		return ErrUnavailable
	}
	e.cache.Delete(ctx, docID)
	return nil
}

// UpdateDocPath renames or moves a document and refreshes the cached
// record if one is live.
func (e *Engine) UpdateDocPath(ctx context.Context, docID string, upd store.PathUpdate) (*document.Record, error) {
	l := e.lane(docID)
	l.Lock()
	defer l.Unlock()

	if err := e.durable.UpdatePath(ctx, docID, upd); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrDocNotFound
		case errors.Is(err, store.ErrNameConflict):
			return nil, validationf("a document with that name already exists here")
		default:
			e.log.WithError(err).WithField("doc", docID).Error("path update failed")
			return nil, ErrUnavailable
		}
	}

	if rec, ok := e.cache.Get(ctx, docID); ok {
		if upd.Name != nil {
			rec.Name = *upd.Name
		}
		if upd.MoveToRoot {
			rec.ParentID = nil
		} else if upd.ParentID != nil {
			rec.ParentID = upd.ParentID
		}
		rec.UpdatedAt = time.Now()
		e.cache.Put(ctx, docID, rec)
		return rec, nil
	}
	return e.materialize(ctx, docID)
}

// Lock sets a document to LOCKED with a reason. Edits are rejected until
// Unlock. Locking an already locked document fails.
func (e *Engine) Lock(ctx context.Context, docID, reason string) (*document.Record, error) {
	l := e.lane(docID)
	l.Lock()
	defer l.Unlock()
	return e.lockLocked(ctx, docID, reason)
}

func (e *Engine) lockLocked(ctx context.Context, docID, reason string) (*document.Record, error) {
	rec, err := e.materialize(ctx, docID)
	if err != nil {
		return nil, err
	}
	if rec.Status == document.StatusLocked {
		return nil, validationf("document is already locked")
	}
	rec.Status = document.StatusLocked
	rec.LockReason = reason
	if !e.cache.Put(ctx, docID, rec) {
		return nil, ErrUnavailable
	}
	return rec, nil
}

// Unlock returns a document to NORMAL.
func (e *Engine) Unlock(ctx context.Context, docID string) (*document.Record, error) {
	l := e.lane(docID)
	l.Lock()
	defer l.Unlock()
	return e.unlockLocked(ctx, docID)
}

func (e *Engine) unlockLocked(ctx context.Context, docID string) (*document.Record, error) {
	rec, err := e.materialize(ctx, docID)
	if err != nil {
		return nil, err
	}
	rec.Status = document.StatusNormal
	rec.LockReason = ""
	if !e.cache.Put(ctx, docID, rec) {
		return nil, ErrUnavailable
	}
	return rec, nil
}

// OnLastViewerLeave writes the cached state through to the durable store
// when a document's viewer count reaches zero, so edits survive process
// loss. A stale version means nothing changed since the last write and is
// not an error; other failures are logged without retry, the next
// snapshot or sync covers them.
func (e *Engine) OnLastViewerLeave(ctx context.Context, docID string) {
	l := e.lane(docID)
	l.Lock()
	defer l.Unlock()

	rec, ok := e.cache.Get(ctx, docID)
	if !ok {
		return
	}
	err := e.durable.WriteThrough(ctx, rec)
	if err != nil && !errors.Is(err, store.ErrStaleVersion) {
		e.log.WithError(err).WithField("doc", docID).Error("last viewer write-through failed")
	}
}

// beginOwnerLock sets the LOCKED status on behalf of an owner-initiated
// flow and returns the locked record. The lane is held only for the
// status flip; it is released before the caller's durable writes so
// concurrent edits observe LOCKED and get rejected rather than queueing
// on the mutex.
func (e *Engine) beginOwnerLock(ctx context.Context, l *sync.Mutex, docID, userID, reason, role string) (*document.Record, error) {
	l.Lock()
	defer l.Unlock()

	rec, err := e.lockLocked(ctx, docID, reason)
	if err != nil {
		return nil, err
	}
	if rec.CreatedBy != userID {
		e.unlockLocked(ctx, docID)
		return nil, validationf("only the document owner can %s", role)
	}
	return rec, nil
}

// abortOwnerLock clears a LOCKED status after a failed owner flow.
func (e *Engine) abortOwnerLock(ctx context.Context, l *sync.Mutex, docID string) {
	l.Lock()
	defer l.Unlock()
	e.unlockLocked(ctx, docID)
}

// Snapshot cuts a snapshot: lock, write through, truncate the stored op
// log, bump the snapshot version, clear the in-memory log, unlock. The
// returned record carries the post-snapshot state for the
// docSnapshotCreated broadcast. Only the document owner may snapshot.
func (e *Engine) Snapshot(ctx context.Context, docID, userID string) (*document.Record, error) {
	l := e.lane(docID)

	rec, err := e.beginOwnerLock(ctx, l, docID, userID, "snapshot in progress", "create a snapshot")
	if err != nil {
		return nil, err
	}

	// LOCKED keeps the record stable while the lane is free: the edit
	// dispatcher rejects, and lifecycle flows refuse a second lock.
	if err := e.durable.WriteThrough(ctx, rec); err != nil && !errors.Is(err, store.ErrStaleVersion) {
		e.abortOwnerLock(ctx, l, docID)
		e.log.WithError(err).WithField("doc", docID).Error("pre-snapshot write-through failed")
		return nil, ErrUnavailable
	}

	rec.Version = rec.Version.BumpSnapshot()
	rec.OpLog = nil
	if err := e.durable.Snapshot(ctx, rec, time.Now()); err != nil {
		e.abortOwnerLock(ctx, l, docID)
		e.log.WithError(err).WithField("doc", docID).Error("snapshot failed")
		return nil, ErrUnavailable
	}

	l.Lock()
	defer l.Unlock()
	rec.Status = document.StatusNormal
	rec.LockReason = ""
	rec.UpdatedAt = time.Now()
	if !e.cache.Put(ctx, docID, rec) {
		return nil, ErrUnavailable
	}
	return rec, nil
}

// Sync forces a write-through without cutting a snapshot: lock, write,
// unlock. The caller broadcasts docSyncCompleted to the channel.
func (e *Engine) Sync(ctx context.Context, docID, userID string) (*document.Record, error) {
	l := e.lane(docID)

	rec, err := e.beginOwnerLock(ctx, l, docID, userID, "sync in progress", "sync")
	if err != nil {
		return nil, err
	}

	if err := e.durable.WriteThrough(ctx, rec); err != nil && !errors.Is(err, store.ErrStaleVersion) {
		e.abortOwnerLock(ctx, l, docID)
		e.log.WithError(err).WithField("doc", docID).Error("sync write-through failed")
		return nil, ErrUnavailable
	}

	l.Lock()
	defer l.Unlock()
	return e.unlockLocked(ctx, docID)
}

// Startup flushes the hot tier, then prefetches every non-deleted
// document. A stale cache surviving a prior crash must not be trusted.
// Individual prefetch failures are logged and skipped; the document loads
// lazily on its first viewer instead.
func (e *Engine) Startup(ctx context.Context) error {
	if err := e.cache.Flush(ctx); err != nil {
		return err
	}

	ids, err := e.durable.ListDocIDs(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchWorkers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			rec, err := e.durable.LoadDoc(gctx, id)
			if err != nil {
				e.log.WithError(err).WithField("doc", id).Warn("prefetch failed, will load lazily")
				return nil
			}
			if rec.Status == document.StatusDeleted {
				return nil
			}
			e.cache.Put(gctx, id, rec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.log.WithField("docs", len(ids)).Info("startup prefetch complete")
	return nil
}

// Shutdown writes the given documents through to the durable store. The
// caller passes the set of documents with live viewers; everything else
// was already written when its last viewer left.
func (e *Engine) Shutdown(ctx context.Context, docIDs []string) {
	for _, id := range docIDs {
		e.OnLastViewerLeave(ctx, id)
	}
}
