package store

import (
	"encoding/json"
	"fmt"

	"scribe.evalgo.org/crdt"
	"scribe.evalgo.org/document"
)

// coalesceMaxRunes caps chunk size when compacting legacy per-character
// documents into chunk granularity.
const coalesceMaxRunes = 256

// rehydrate turns a stored row back into a live record, reconstructing the
// chunk list by priority:
//  1. a non-empty stored chunk array is adopted directly;
//  2. a legacy character-level op log is replayed and coalesced;
//  3. content alone becomes a single freshly identified chunk.
func (s *Store) rehydrate(row *DocumentRow) (*document.Record, error) {
	version, err := crdt.ParseVersion(row.Version)
	if err != nil {
		return nil, fmt.Errorf("document %s has bad version %q: %w", row.ID, row.Version, err)
	}

	var chunks []crdt.Chunk
	if len(row.Chunks) > 0 {
		if err := json.Unmarshal(row.Chunks, &chunks); err != nil {
			return nil, fmt.Errorf("document %s has corrupt chunks: %w", row.ID, err)
		}
	}

	var opLog []crdt.Op
	if len(row.OpLog) > 0 {
		if err := json.Unmarshal(row.OpLog, &opLog); err != nil {
			return nil, fmt.Errorf("document %s has corrupt op log: %w", row.ID, err)
		}
	}

	rec := &document.Record{
		ID:          row.ID,
		ChannelID:   row.ChannelID,
		ParentID:    row.ParentID,
		Name:        row.Name,
		IsDirectory: row.IsDirectory,
		Status:      document.Status(row.Status),
		CreatedBy:   row.CreatedBy,
		Version:     version,
		Content:     row.Content,
		Chunks:      chunks,
		OpLog:       opLog,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}

	// Lock state never survives a restart.
	if rec.Status == document.StatusLocked {
		rec.Status = document.StatusNormal
	}

	if rec.IsDirectory {
		return rec, nil
	}

	rec.Chunks, rec.OpLog, err = reconstructChunks(s.alloc, rec.Chunks, rec.OpLog, rec.Content)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", row.ID, err)
	}
	// The stored chunk list is the last snapshot; replaying the pending log
	// on top yields the live state. Replay skips entries that already took
	// effect, so rows whose chunks were written after the log are safe too.
	seq, err := crdt.Replay(rec.Chunks, rec.OpLog)
	if err != nil {
		return nil, fmt.Errorf("document %s replay failed: %w", row.ID, err)
	}
	rec.Chunks = seq.Chunks()
	rec.Content = seq.Content()
	return rec, nil
}

// reconstructChunks applies the rehydration priority order.
func reconstructChunks(alloc *crdt.Allocator, chunks []crdt.Chunk, opLog []crdt.Op, content string) ([]crdt.Chunk, []crdt.Op, error) {
	if len(chunks) > 0 {
		return chunks, opLog, nil
	}

	if crdt.IsCharacterLog(opLog) {
		seq, err := crdt.Replay(nil, opLog)
		if err != nil {
			return nil, nil, fmt.Errorf("legacy log replay failed: %w", err)
		}
		// The coalesced list replaces both the per-character chunks and
		// the log that produced them.
		return crdt.CoalesceChunks(seq.Chunks(), coalesceMaxRunes), nil, nil
	}

	if content != "" {
		id, err := alloc.Between(nil, nil)
		if err != nil {
			return nil, nil, err
		}
		return []crdt.Chunk{{ID: id, Text: content}}, nil, nil
	}

	return nil, opLog, nil
}
