package engine

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"scribe.evalgo.org/crdt"
	"scribe.evalgo.org/document"
)

// EditRequest is a decoded editDoc event: the legacy single-character
// path. Intent is "insert" or "delete".
type EditRequest struct {
	DocID   string `json:"docId"`
	Intent  string `json:"intent"`
	LeftID  string `json:"leftId,omitempty"`
	RightID string `json:"rightId,omitempty"`
	ID      string `json:"id,omitempty"`
	Value   string `json:"value,omitempty"`
}

// BatchOp is one primitive operation inside an editDocBatch op sequence.
// Id references may be rendered LSEQ ids or temp_N placeholders naming an
// id allocated by an earlier operation in the same batch; Temp assigns
// the placeholder this operation's allocated id resolves.
type BatchOp struct {
	Intent      string `json:"intent"`
	Temp        string `json:"temp,omitempty"`
	LeftID      string `json:"leftId,omitempty"`
	RightID     string `json:"rightId,omitempty"`
	ID          string `json:"id,omitempty"`
	TargetID    string `json:"targetId,omitempty"`
	Offset      int    `json:"offset,omitempty"`
	StartOffset int    `json:"startOffset,omitempty"`
	EndOffset   int    `json:"endOffset,omitempty"`
	Text        string `json:"text,omitempty"`
}

// BatchRequest is a decoded editDocBatch event. The three accepted shapes
// are mutually exclusive: an op sequence, an in-chunk split insert
// (TargetID set), or a bulk inter-chunk insert.
type BatchRequest struct {
	DocID    string    `json:"docId"`
	Text     string    `json:"text,omitempty"`
	LeftID   string    `json:"leftId,omitempty"`
	RightID  string    `json:"rightId,omitempty"`
	TargetID string    `json:"targetId,omitempty"`
	Offset   int       `json:"offset,omitempty"`
	Ops      []BatchOp `json:"ops,omitempty"`
}

// EditResult is the dispatcher's success outcome. Ops carries the
// authoritative log entries in application order, so clients that
// speculated with placeholders can adopt the server-allocated ids.
type EditResult struct {
	DocID          string
	Ops            []crdt.Op
	Version        crdt.Version
	Content        string
	AlreadyDeleted bool
}

// tempPrefix marks placeholder id references inside a batch.
const tempPrefix = "temp_"

// resolveRef turns a wire id reference into a concrete id, consulting the
// batch's placeholder map first. Empty references stay nil (absent
// neighbor).
func resolveRef(ref string, temps map[string]crdt.ID) (crdt.ID, error) {
	if ref == "" {
		return nil, nil
	}
	if strings.HasPrefix(ref, tempPrefix) {
		id, ok := temps[ref]
		if !ok {
			return nil, validationf("unknown placeholder %q", ref)
		}
		return id, nil
	}
	id, err := crdt.ParseID(ref)
	if err != nil {
		return nil, validationf("malformed chunk id %q", ref)
	}
	return id, nil
}

// checkEditable enforces the status precondition shared by every edit.
func checkEditable(rec *document.Record) error {
	switch rec.Status {
	case document.StatusNormal:
		if rec.IsDirectory {
			return &ValidationError{Message: "cannot edit a directory"}
		}
		return nil
	case document.StatusLocked:
		reason := rec.LockReason
		if reason == "" {
			reason = "document is locked"
		}
		return &RejectedError{Reason: reason}
	default:
		return &RejectedError{Reason: "document has been deleted"}
	}
}

// EditDoc applies a single-character edit. This is the legacy wire path;
// the batch path subsumes it.
func (e *Engine) EditDoc(ctx context.Context, userID string, req EditRequest) (*EditResult, error) {
	switch req.Intent {
	case "insert":
		if utf8.RuneCountInString(req.Value) != 1 {
			return nil, validationf("insert value must be exactly one character")
		}
		return e.EditBatch(ctx, userID, BatchRequest{
			DocID:   req.DocID,
			Text:    req.Value,
			LeftID:  req.LeftID,
			RightID: req.RightID,
		})
	case "delete":
		if req.ID == "" {
			return nil, validationf("delete requires a chunk id")
		}
		return e.EditBatch(ctx, userID, BatchRequest{
			DocID: req.DocID,
			Ops:   []BatchOp{{Intent: "delete", ID: req.ID}},
		})
	default:
		return nil, validationf("unknown edit intent %q", req.Intent)
	}
}

// EditBatch applies a grouped edit under the document's write lane:
// materialize, validate, mutate chunks, append log entries, bump the log
// version per entry, and write the record back to the hot tier. On any
// validation failure the record is discarded untouched.
func (e *Engine) EditBatch(ctx context.Context, userID string, req BatchRequest) (*EditResult, error) {
	ops, err := normalizeBatch(req)
	if err != nil {
		return nil, err
	}

	l := e.lane(req.DocID)
	l.Lock()
	defer l.Unlock()

	rec, err := e.materialize(ctx, req.DocID)
	if err != nil {
		if errors.Is(err, ErrDocNotFound) {
			return nil, &RejectedError{Reason: "document does not exist"}
		}
		return nil, err
	}
	if err := checkEditable(rec); err != nil {
		return nil, err
	}

	seq, err := crdt.NewSequence(rec.Chunks)
	if err != nil {
		e.log.WithError(err).WithField("doc", req.DocID).Error("cached chunk list corrupt")
		return nil, ErrUnavailable
	}

	now := time.Now().UnixMilli()
	temps := make(map[string]crdt.ID)
	var applied []crdt.Op
	alreadyDeleted := false

	for _, op := range ops {
		entry, skipped, err := e.applyOp(seq, op, temps, userID, now)
		if err != nil {
			return nil, err
		}
		if skipped {
			alreadyDeleted = true
			continue
		}
		applied = append(applied, entry)
	}

	if len(applied) == 0 {
		// Nothing took effect (e.g. delete of an absent chunk). No log
		// entry, no version bump.
		return &EditResult{
			DocID:          req.DocID,
			Version:        rec.Version,
			Content:        rec.Content,
			AlreadyDeleted: alreadyDeleted,
		}, nil
	}

	rec.Chunks = seq.Chunks()
	rec.Content = seq.Content()
	rec.OpLog = append(rec.OpLog, applied...)
	for range applied {
		rec.Version = rec.Version.BumpLog()
	}
	rec.UpdatedAt = time.Now()

	if !e.cache.Put(ctx, req.DocID, rec) {
		return nil, ErrUnavailable
	}

	return &EditResult{
		DocID:          req.DocID,
		Ops:            applied,
		Version:        rec.Version,
		Content:        rec.Content,
		AlreadyDeleted: alreadyDeleted,
	}, nil
}

// normalizeBatch reduces the three batch shapes to one op sequence.
func normalizeBatch(req BatchRequest) ([]BatchOp, error) {
	if len(req.Ops) > 0 {
		return req.Ops, nil
	}
	if req.TargetID != "" {
		if req.Text == "" {
			return nil, validationf("split insert requires text")
		}
		return []BatchOp{{
			Intent:   "split",
			TargetID: req.TargetID,
			Offset:   req.Offset,
			Text:     req.Text,
		}}, nil
	}
	if req.Text == "" {
		return nil, validationf("edit batch carries no operations")
	}
	return []BatchOp{{
		Intent:  "insert",
		LeftID:  req.LeftID,
		RightID: req.RightID,
		Text:    req.Text,
	}}, nil
}

// applyOp mutates the sequence for one primitive operation and returns
// the log entry describing what happened. skipped is true for the
// idempotent already-deleted case.
func (e *Engine) applyOp(seq *crdt.Sequence, op BatchOp, temps map[string]crdt.ID, userID string, now int64) (crdt.Op, bool, error) {
	switch op.Intent {
	case "insert":
		if op.Text == "" {
			return crdt.Op{}, false, validationf("insert requires text")
		}
		left, err := resolveRef(op.LeftID, temps)
		if err != nil {
			return crdt.Op{}, false, err
		}
		right, err := resolveRef(op.RightID, temps)
		if err != nil {
			return crdt.Op{}, false, err
		}
		id, err := seq.Insert(e.alloc, left, right, op.Text)
		if err != nil {
			return crdt.Op{}, false, validationf("insert failed: %v", err)
		}
		if op.Temp != "" {
			temps[op.Temp] = id
		}
		return crdt.Op{
			Kind: crdt.OpInsert, UserID: userID, At: now,
			ID: id, Text: op.Text, LeftID: left, RightID: right,
		}, false, nil

	case "split":
		target, err := resolveRef(op.TargetID, temps)
		if err != nil {
			return crdt.Op{}, false, err
		}
		if target == nil {
			return crdt.Op{}, false, validationf("split requires a target id")
		}
		if op.Text == "" {
			return crdt.Op{}, false, validationf("split requires text")
		}
		res, err := seq.Split(e.alloc, target, op.Offset, op.Text)
		if err != nil {
			return crdt.Op{}, false, validationf("split failed: %v", err)
		}
		if op.Temp != "" {
			temps[op.Temp] = res.InsertID
		}
		if res.Degraded {
			// Boundary offsets collapse to a plain neighbor insert so no
			// empty remnant chunks enter the log.
			return crdt.Op{
				Kind: crdt.OpInsert, UserID: userID, At: now,
				ID: res.InsertID, Text: res.Text,
				LeftID: res.LeftNeighbor, RightID: res.RightNeighbor,
			}, false, nil
		}
		return crdt.Op{
			Kind: crdt.OpSplit, UserID: userID, At: now,
			TargetID: res.TargetID, Offset: res.Offset, LeftText: res.LeftText,
			InsertID: res.InsertID, InsertText: res.Text,
			RightID: res.RightID, RightText: res.RightText,
		}, false, nil

	case "delete":
		id, err := resolveRef(op.ID, temps)
		if err != nil {
			return crdt.Op{}, false, err
		}
		if id == nil {
			return crdt.Op{}, false, validationf("delete requires a chunk id")
		}
		text, ok := seq.Delete(id)
		if !ok {
			return crdt.Op{}, true, nil
		}
		return crdt.Op{
			Kind: crdt.OpDelete, UserID: userID, At: now,
			ID: id, Text: text,
		}, false, nil

	case "trim":
		target, err := resolveRef(op.ID, temps)
		if err != nil {
			return crdt.Op{}, false, err
		}
		if target == nil {
			return crdt.Op{}, false, validationf("trim requires a target id")
		}
		deleted, removed, err := seq.Trim(target, op.StartOffset, op.EndOffset)
		if err != nil {
			if errors.Is(err, crdt.ErrChunkNotFound) {
				return crdt.Op{}, true, nil
			}
			return crdt.Op{}, false, validationf("trim failed: %v", err)
		}
		newText := ""
		if !removed {
			if chunk, ok := seq.Get(target); ok {
				newText = chunk.Text
			}
		}
		return crdt.Op{
			Kind: crdt.OpTrim, UserID: userID, At: now,
			ID: target, StartOffset: op.StartOffset, EndOffset: op.EndOffset,
			DeletedText: deleted, NewText: newText,
		}, false, nil

	default:
		return crdt.Op{}, false, validationf("unknown operation intent %q", op.Intent)
	}
}
