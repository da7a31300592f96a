// Package document defines the live document record shared by the hot tier,
// the durable store adapter, and the edit engine.
package document

import (
	"time"

	"scribe.evalgo.org/crdt"
)

// Status is the runtime status of a document.
type Status int

const (
	// StatusNormal documents accept edits.
	StatusNormal Status = 0

	// StatusDeleted is terminal; deleted documents never appear in the
	// cache.
	StatusDeleted Status = 1

	// StatusLocked documents reject edits until unlocked. The state is
	// transient and not persisted across restarts.
	StatusLocked Status = 2
)

// String renders the status for logs and wire payloads.
func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusDeleted:
		return "deleted"
	case StatusLocked:
		return "locked"
	}
	return "unknown"
}

// Record is the full in-memory state of one document: metadata, the chunk
// list, the operation log since the last snapshot, and the rendered content
// kept for consumers that do not replay.
type Record struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channelId"`
	ParentID    *string      `json:"parentId,omitempty"`
	Name        string       `json:"name"`
	IsDirectory bool         `json:"isDirectory"`
	Status      Status       `json:"status"`
	LockReason  string       `json:"lockReason,omitempty"`
	CreatedBy   string       `json:"createdBy"`
	Version     crdt.Version `json:"version"`
	Content     string       `json:"content"`
	Chunks      []crdt.Chunk `json:"chunks"`
	OpLog       []crdt.Op    `json:"opLog"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Meta is the listing projection of a record: everything except content,
// chunks, and the op log.
type Meta struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channelId"`
	ParentID    *string      `json:"parentId,omitempty"`
	Name        string       `json:"name"`
	IsDirectory bool         `json:"isDirectory"`
	Status      Status       `json:"status"`
	CreatedBy   string       `json:"createdBy"`
	Version     crdt.Version `json:"version"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Meta returns the listing projection of the record.
func (r *Record) Meta() Meta {
	return Meta{
		ID:          r.ID,
		ChannelID:   r.ChannelID,
		ParentID:    r.ParentID,
		Name:        r.Name,
		IsDirectory: r.IsDirectory,
		Status:      r.Status,
		CreatedBy:   r.CreatedBy,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
