package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrChunkNotFound is returned when an identifier does not resolve in
	// the current sequence.
	ErrChunkNotFound = errors.New("crdt: chunk not found")

	// ErrDuplicateChunk is returned when an insert would reuse an existing
	// identifier.
	ErrDuplicateChunk = errors.New("crdt: duplicate chunk id")

	// ErrEmptyText is returned when an operation would create an empty
	// chunk. Chunks never become empty while present.
	ErrEmptyText = errors.New("crdt: chunk text must be non-empty")

	// ErrOffsetOutOfRange is returned when a split or trim offset falls
	// outside the target chunk.
	ErrOffsetOutOfRange = errors.New("crdt: offset out of range")
)

// Chunk is a maximal contiguous run of characters carrying a single LSEQ
// identifier.
type Chunk struct {
	ID   ID     `json:"id"`
	Text string `json:"text"`
}

// Sequence is the mutable ordered chunk list of one open document. Chunks
// are kept strictly increasing by identifier; the concatenation of their
// texts in identifier order is the rendered document content.
//
// Sequence itself is not safe for concurrent use. The edit dispatcher
// serializes all mutations of a document behind its per-document lane.
type Sequence struct {
	chunks []Chunk
}

// NewSequence builds a sequence from a snapshot chunk list. The input is
// copied and sorted by identifier; duplicate identifiers are rejected.
func NewSequence(chunks []Chunk) (*Sequence, error) {
	s := &Sequence{chunks: make([]Chunk, len(chunks))}
	copy(s.chunks, chunks)
	sort.Slice(s.chunks, func(i, j int) bool {
		return s.chunks[i].ID.Compare(s.chunks[j].ID) < 0
	})
	for i := 1; i < len(s.chunks); i++ {
		if s.chunks[i].ID.Equal(s.chunks[i-1].ID) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateChunk, s.chunks[i].ID)
		}
	}
	return s, nil
}

// Len returns the number of chunks.
func (s *Sequence) Len() int {
	return len(s.chunks)
}

// Chunks returns a copy of the chunk list in identifier order.
func (s *Sequence) Chunks() []Chunk {
	out := make([]Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Content renders the document text.
func (s *Sequence) Content() string {
	var b strings.Builder
	for _, c := range s.chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

// Get returns the chunk with the given identifier.
func (s *Sequence) Get(id ID) (Chunk, bool) {
	i, ok := s.find(id)
	if !ok {
		return Chunk{}, false
	}
	return s.chunks[i], true
}

// find locates id by binary search, returning its index or the insertion
// point when absent.
func (s *Sequence) find(id ID) (int, bool) {
	i := sort.Search(len(s.chunks), func(i int) bool {
		return s.chunks[i].ID.Compare(id) >= 0
	})
	if i < len(s.chunks) && s.chunks[i].ID.Equal(id) {
		return i, true
	}
	return i, false
}

// Insert allocates an identifier between the two optional neighbors and
// inserts the chunk, returning the allocated identifier.
func (s *Sequence) Insert(alloc *Allocator, left, right ID, text string) (ID, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	id, err := alloc.Between(left, right)
	if err != nil {
		return nil, err
	}
	if err := s.ApplyInsert(id, text); err != nil {
		return nil, err
	}
	return id, nil
}

// ApplyInsert places a chunk with a caller-supplied identifier, used by
// replay where identifiers come from the log rather than the allocator.
func (s *Sequence) ApplyInsert(id ID, text string) error {
	if text == "" {
		return ErrEmptyText
	}
	i, ok := s.find(id)
	if ok {
		return fmt.Errorf("%w: %s", ErrDuplicateChunk, id)
	}
	s.chunks = append(s.chunks, Chunk{})
	copy(s.chunks[i+1:], s.chunks[i:])
	s.chunks[i] = Chunk{ID: id.Clone(), Text: text}
	return nil
}

// SplitResult describes the outcome of an in-chunk insert. When the offset
// falls on a chunk boundary the split degrades to a plain neighbor insert:
// Degraded is true, InsertID carries the new chunk's identifier, and the
// neighbor fields name the gap the insert landed in. Interior offsets carve
// the target into up to three chunks.
type SplitResult struct {
	Degraded bool

	// Interior split fields
	TargetID  ID
	Offset    int
	LeftText  string
	InsertID  ID
	Text      string
	RightID   ID
	RightText string

	// Degraded insert fields
	LeftNeighbor  ID
	RightNeighbor ID
}

// Split inserts text inside the chunk with the target identifier at the
// given rune offset. Offsets 0 and len degrade to plain neighbor inserts so
// no empty remnant chunks are created; the original target identifier is
// reused for the left remnant, preserving downstream references.
func (s *Sequence) Split(alloc *Allocator, target ID, offset int, text string) (*SplitResult, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	i, ok := s.find(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, target)
	}
	runes := []rune(s.chunks[i].Text)
	if offset < 0 || offset > len(runes) {
		return nil, fmt.Errorf("%w: offset %d in chunk of length %d", ErrOffsetOutOfRange, offset, len(runes))
	}

	var next ID
	if i+1 < len(s.chunks) {
		next = s.chunks[i+1].ID
	}

	if offset == 0 {
		var prev ID
		if i > 0 {
			prev = s.chunks[i-1].ID
		}
		id, err := s.Insert(alloc, prev, target, text)
		if err != nil {
			return nil, err
		}
		return &SplitResult{
			Degraded:      true,
			InsertID:      id,
			Text:          text,
			LeftNeighbor:  prev,
			RightNeighbor: target.Clone(),
		}, nil
	}
	if offset == len(runes) {
		id, err := s.Insert(alloc, target, next, text)
		if err != nil {
			return nil, err
		}
		return &SplitResult{
			Degraded:      true,
			InsertID:      id,
			Text:          text,
			LeftNeighbor:  target.Clone(),
			RightNeighbor: next.Clone(),
		}, nil
	}

	leftText := string(runes[:offset])
	rightText := string(runes[offset:])
	insertID, err := alloc.Between(target, next)
	if err != nil {
		return nil, err
	}
	rightID, err := alloc.Between(insertID, next)
	if err != nil {
		return nil, err
	}

	s.chunks[i].Text = leftText
	tail := []Chunk{
		{ID: insertID, Text: text},
		{ID: rightID, Text: rightText},
	}
	s.chunks = append(s.chunks[:i+1], append(tail, s.chunks[i+1:]...)...)

	return &SplitResult{
		TargetID:  target.Clone(),
		Offset:    offset,
		LeftText:  leftText,
		InsertID:  insertID,
		Text:      text,
		RightID:   rightID,
		RightText: rightText,
	}, nil
}

// ApplySplit replays an interior split using identifiers from the log.
// A missing target is skipped by the caller, not here.
func (s *Sequence) ApplySplit(target ID, leftText string, insertID ID, insertText string, rightID ID, rightText string) error {
	i, ok := s.find(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChunkNotFound, target)
	}
	if insertText == "" {
		return ErrEmptyText
	}
	if leftText == "" {
		// Legacy boundary split: no left remnant survives.
		s.chunks = append(s.chunks[:i], s.chunks[i+1:]...)
	} else {
		s.chunks[i].Text = leftText
	}
	if err := s.ApplyInsert(insertID, insertText); err != nil {
		return err
	}
	if rightText != "" {
		if err := s.ApplyInsert(rightID, rightText); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the chunk with the given identifier, returning the removed
// text. Absence is not an error: the second return is false and the caller
// reports "already deleted".
func (s *Sequence) Delete(id ID) (string, bool) {
	i, ok := s.find(id)
	if !ok {
		return "", false
	}
	text := s.chunks[i].Text
	s.chunks = append(s.chunks[:i], s.chunks[i+1:]...)
	return text, true
}

// Trim removes the rune range [start, end) from the chunk with the given
// identifier. A chunk trimmed to nothing is removed from the sequence; the
// second return reports whether that happened.
func (s *Sequence) Trim(id ID, start, end int) (deleted string, removed bool, err error) {
	i, ok := s.find(id)
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrChunkNotFound, id)
	}
	runes := []rune(s.chunks[i].Text)
	if start < 0 || end > len(runes) || start > end {
		return "", false, fmt.Errorf("%w: [%d,%d) in chunk of length %d", ErrOffsetOutOfRange, start, end, len(runes))
	}
	deleted = string(runes[start:end])
	remaining := string(runes[:start]) + string(runes[end:])
	if remaining == "" {
		s.chunks = append(s.chunks[:i], s.chunks[i+1:]...)
		return deleted, true, nil
	}
	s.chunks[i].Text = remaining
	return deleted, false, nil
}
