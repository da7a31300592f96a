// Package crdt implements the collaborative text model: LSEQ-ordered chunk
// sequences, the append-only operation log with deterministic replay, and
// the three-part document version clock.
package crdt

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Base is the exclusive upper bound for identifier components. Components
// of real identifiers live in [1, Base-1]; 0 and Base are virtual sentinel
// values used only inside the allocator for absent neighbors.
const Base = 65536

// ErrInvalidNeighbors is returned when the left neighbor does not sort
// strictly before the right neighbor.
var ErrInvalidNeighbors = errors.New("crdt: left neighbor must sort before right neighbor")

// ID is an LSEQ identifier: a finite sequence of integer components
// providing dense ordering between any two identifiers. A nil ID denotes
// an absent neighbor (document boundary).
//
// IDs render as dot-joined, zero-padded eight-digit decimal components
// ("00032768.00000005") so that lexicographic string order matches the
// numeric order, and marshal to JSON as that string.
type ID []uint16

// Compare orders a against b lexicographically with the prefix rule: a
// shorter sequence sorts before any of its extensions. Returns -1, 0, +1.
func (a ID) Compare(b ID) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// Equal reports whether a and b are the same identifier.
func (a ID) Equal(b ID) bool {
	return a.Compare(b) == 0
}

// Clone returns an independent copy of the identifier.
func (a ID) Clone() ID {
	if a == nil {
		return nil
	}
	out := make(ID, len(a))
	copy(out, a)
	return out
}

// String renders the identifier in its canonical wire form.
func (a ID) String() string {
	if len(a) == 0 {
		return ""
	}
	parts := make([]string, len(a))
	for i, c := range a {
		parts[i] = fmt.Sprintf("%08d", c)
	}
	return strings.Join(parts, ".")
}

// ParseID parses the canonical wire form back into an identifier. An empty
// string parses to nil (absent neighbor).
func ParseID(s string) (ID, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ".")
	out := make(ID, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("crdt: bad id component %q: %w", p, err)
		}
		if n < 0 || n >= Base {
			return nil, fmt.Errorf("crdt: id component %d out of range", n)
		}
		out = append(out, uint16(n))
	}
	return out, nil
}

// MarshalJSON renders the identifier as its canonical string.
func (a ID) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON parses the canonical string form; null parses to nil.
func (a *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*a = nil
		return nil
	}
	unquoted, err := strconv.Unquote(s)
	if err != nil {
		return fmt.Errorf("crdt: id must be a string: %w", err)
	}
	id, err := ParseID(unquoted)
	if err != nil {
		return err
	}
	*a = id
	return nil
}

// Allocator generates identifiers strictly between two neighbors. The
// interior component is chosen uniformly at random, which keeps adversarial
// interleavings from growing identifier length monotonically (the pathology
// of deterministic midpoint LSEQ).
type Allocator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewAllocator returns an allocator seeded from the wall clock.
func NewAllocator() *Allocator {
	return NewAllocatorWithSeed(time.Now().UnixNano())
}

// NewAllocatorWithSeed returns a deterministically seeded allocator, used
// by tests that need reproducible identifier streams.
func NewAllocatorWithSeed(seed int64) *Allocator {
	return &Allocator{rng: rand.New(rand.NewSource(seed))}
}

// Between returns a fresh identifier strictly between left and right. A nil
// left means the document start, a nil right the document end; with both
// nil any interior singleton identifier may be returned.
//
// At each depth the absent left neighbor contributes the virtual component
// 0 and the absent right neighbor contributes Base. When the gap at a depth
// is too small the left component is carried down and the next depth is
// examined; the left sequence is finite, so past its end the gap is the
// whole range and the walk terminates.
func (a *Allocator) Between(left, right ID) (ID, error) {
	if left != nil && right != nil && left.Compare(right) >= 0 {
		return nil, ErrInvalidNeighbors
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var out ID
	for d := 0; ; d++ {
		l := 0
		if d < len(left) {
			l = int(left[d])
		}
		r := Base
		if d < len(right) {
			r = int(right[d])
		}
		if r-l > 1 {
			out = append(out, uint16(l+1+a.rng.Intn(r-l-1)))
			return out, nil
		}
		out = append(out, uint16(l))
	}
}
