package crdt

// OpKind discriminates operation log entries.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpSplit  OpKind = "split"
	OpDelete OpKind = "delete"
	OpTrim   OpKind = "trim"
)

// Op is one entry of a document's append-only operation log. The struct is
// the flattened form of a tagged union: Kind selects which field group is
// meaningful, everything else stays at its zero value and is omitted on the
// wire.
//
// UserID and At are advisory provenance; replay ordering is the log order,
// never the timestamp.
type Op struct {
	Kind   OpKind `json:"kind"`
	UserID string `json:"userId,omitempty"`
	At     int64  `json:"at,omitempty"`

	// insert: id, text, and the gap it was allocated into
	ID      ID     `json:"id,omitempty"`
	Text    string `json:"text,omitempty"`
	LeftID  ID     `json:"leftId,omitempty"`
	RightID ID     `json:"rightId,omitempty"`

	// split: interior insert carving the target into up to three chunks
	TargetID   ID     `json:"targetId,omitempty"`
	Offset     int    `json:"offset,omitempty"`
	LeftText   string `json:"leftText,omitempty"`
	InsertID   ID     `json:"insertId,omitempty"`
	InsertText string `json:"insertText,omitempty"`
	RightText  string `json:"rightText,omitempty"`

	// trim: rune range removed from one chunk, keyed by ID
	StartOffset int    `json:"startOffset,omitempty"`
	EndOffset   int    `json:"endOffset,omitempty"`
	DeletedText string `json:"deletedText,omitempty"`
	NewText     string `json:"newText,omitempty"`
}

// Replay applies a log to a snapshot chunk list and returns the resulting
// sequence. Replay is total: entries referencing chunks that are absent at
// their point in the log are skipped without error, since out-of-order
// arrival in distributed scenarios can leave apparent no-ops in the log.
//
// Identifiers are taken from the entries, never re-allocated, so replay of
// the same log onto the same snapshot is deterministic.
func Replay(snapshot []Chunk, log []Op) (*Sequence, error) {
	seq, err := NewSequence(snapshot)
	if err != nil {
		return nil, err
	}
	for _, op := range log {
		switch op.Kind {
		case OpInsert:
			// A duplicate identifier means this entry already took
			// effect; skip it.
			_ = seq.ApplyInsert(op.ID, op.Text)
		case OpSplit:
			if _, ok := seq.Get(op.TargetID); !ok {
				continue
			}
			_ = seq.ApplySplit(op.TargetID, op.LeftText, op.InsertID, op.InsertText, op.RightID, op.RightText)
		case OpDelete:
			seq.Delete(op.ID)
		case OpTrim:
			chunk, ok := seq.Get(op.ID)
			if !ok {
				continue
			}
			// NewText is authoritative for replay; recomputing from the
			// offsets would break if a prior skipped entry shifted the
			// chunk's text.
			if op.NewText == "" {
				seq.Delete(op.ID)
			} else if chunk.Text != op.NewText {
				i, _ := seq.find(op.ID)
				seq.chunks[i].Text = op.NewText
			}
		}
	}
	return seq, nil
}

// IsCharacterLog reports whether a log consists solely of legacy
// character-level entries: inserts of exactly one rune and deletes, with no
// splits or trims. Early revisions of the service allocated one identifier
// per character; such logs are coalesced into chunks on rehydration.
func IsCharacterLog(log []Op) bool {
	if len(log) == 0 {
		return false
	}
	for _, op := range log {
		switch op.Kind {
		case OpInsert:
			if len([]rune(op.Text)) != 1 {
				return false
			}
		case OpDelete:
		default:
			return false
		}
	}
	return true
}

// CoalesceChunks merges adjacent chunks into runs of at most maxRunes
// runes, keeping the first identifier of each run. Order is preserved
// because the surviving identifiers remain strictly increasing. Used to
// compact per-character legacy documents into chunk granularity.
func CoalesceChunks(chunks []Chunk, maxRunes int) []Chunk {
	if maxRunes <= 0 {
		maxRunes = 256
	}
	var out []Chunk
	for _, c := range chunks {
		n := len(out)
		if n > 0 && len([]rune(out[n-1].Text))+len([]rune(c.Text)) <= maxRunes {
			out[n-1].Text += c.Text
			continue
		}
		out = append(out, Chunk{ID: c.ID.Clone(), Text: c.Text})
	}
	return out
}
