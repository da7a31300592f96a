package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(userID string) *Session {
	return NewSession(nil, userID, "name-"+userID)
}

func drain(s *Session) [][]byte {
	var out [][]byte
	for {
		select {
		case frame, ok := <-s.Outbound():
			if !ok {
				return out
			}
			out = append(out, frame)
		default:
			return out
		}
	}
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	s := newTestSession("u1")
	r.Add(s)

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, 1, r.Len())

	r.Remove(s.ID)
	_, ok = r.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestAttachChannelMovesBetweenRooms(t *testing.T) {
	r := NewRegistry()
	s := newTestSession("u1")
	r.Add(s)

	prevCh, prevDoc := r.AttachChannel(s.ID, "ch1")
	assert.Empty(t, prevCh)
	assert.Empty(t, prevDoc)
	assert.Equal(t, "ch1", r.ChannelOf(s.ID))

	r.AttachDoc(s.ID, "d1")
	assert.Equal(t, "d1", r.DocOf(s.ID))

	// Switching channels leaves the old channel and the open document.
	prevCh, prevDoc = r.AttachChannel(s.ID, "ch2")
	assert.Equal(t, "ch1", prevCh)
	assert.Equal(t, "d1", prevDoc)
	assert.Equal(t, "ch2", r.ChannelOf(s.ID))
	assert.Empty(t, r.DocOf(s.ID))
	assert.Empty(t, r.ChannelUsers("ch1"))
	assert.Zero(t, r.DocViewerCount("d1"))
}

func TestDetachDocReportsLastViewer(t *testing.T) {
	r := NewRegistry()
	a := newTestSession("u1")
	b := newTestSession("u2")
	r.Add(a)
	r.Add(b)
	r.AttachChannel(a.ID, "ch1")
	r.AttachChannel(b.ID, "ch1")
	r.AttachDoc(a.ID, "d1")
	r.AttachDoc(b.ID, "d1")

	docID, last := r.DetachDoc(a.ID)
	assert.Equal(t, "d1", docID)
	assert.False(t, last)

	docID, last = r.DetachDoc(b.ID)
	assert.Equal(t, "d1", docID)
	assert.True(t, last)

	// Detaching when not in a document room is a no-op.
	_, last = r.DetachDoc(b.ID)
	assert.False(t, last)
}

func TestRemoveReportsRooms(t *testing.T) {
	r := NewRegistry()
	s := newTestSession("u1")
	r.Add(s)
	r.AttachChannel(s.ID, "ch1")
	r.AttachDoc(s.ID, "d1")

	channelID, docID := r.Remove(s.ID)
	assert.Equal(t, "ch1", channelID)
	assert.Equal(t, "d1", docID)
	assert.Zero(t, r.DocViewerCount("d1"))
	assert.Empty(t, r.ChannelUsers("ch1"))
}

func TestChannelUsersIncludesOpenDoc(t *testing.T) {
	r := NewRegistry()
	a := newTestSession("u1")
	b := newTestSession("u2")
	r.Add(a)
	r.Add(b)
	r.AttachChannel(a.ID, "ch1")
	r.AttachChannel(b.ID, "ch1")
	r.AttachDoc(a.ID, "d1")

	users := r.ChannelUsers("ch1")
	require.Len(t, users, 2)
	byUser := map[string]Presence{}
	for _, p := range users {
		byUser[p.UserID] = p
	}
	assert.Equal(t, "d1", byUser["u1"].DocID)
	assert.Empty(t, byUser["u2"].DocID)
}

func TestPresenceDeduplicatesUserSessions(t *testing.T) {
	r := NewRegistry()
	tab1 := newTestSession("u1")
	tab2 := newTestSession("u1")
	other := newTestSession("u2")
	for _, s := range []*Session{tab1, tab2, other} {
		r.Add(s)
		r.AttachChannel(s.ID, "ch1")
	}
	r.AttachDoc(tab2.ID, "d1")

	// Two tabs, one user: the channel listing carries them once, with
	// the open document from whichever session has one.
	users := r.ChannelUsers("ch1")
	require.Len(t, users, 2)
	byUser := map[string]Presence{}
	for _, p := range users {
		byUser[p.UserID] = p
	}
	assert.Equal(t, "d1", byUser["u1"].DocID)
	assert.Empty(t, byUser["u2"].DocID)

	r.AttachDoc(tab1.ID, "d1")
	r.AttachDoc(other.ID, "d1")
	viewers := r.DocUsers("d1")
	require.Len(t, viewers, 2)
	seen := map[string]int{}
	for _, p := range viewers {
		seen[p.UserID]++
	}
	assert.Equal(t, 1, seen["u1"])
	assert.Equal(t, 1, seen["u2"])
}

func TestBroadcastDocExcludesOriginator(t *testing.T) {
	r := NewRegistry()
	a := newTestSession("u1")
	b := newTestSession("u2")
	c := newTestSession("u3")
	for _, s := range []*Session{a, b, c} {
		r.Add(s)
		r.AttachChannel(s.ID, "ch1")
	}
	r.AttachDoc(a.ID, "d1")
	r.AttachDoc(b.ID, "d1")
	r.AttachDoc(c.ID, "d2")

	r.BroadcastDoc("d1", []byte("op"), a.ID)

	assert.Empty(t, drain(a))
	require.Len(t, drain(b), 1)
	assert.Empty(t, drain(c))
}

func TestBroadcastChannelReachesAllMembers(t *testing.T) {
	r := NewRegistry()
	a := newTestSession("u1")
	b := newTestSession("u2")
	r.Add(a)
	r.Add(b)
	r.AttachChannel(a.ID, "ch1")
	r.AttachChannel(b.ID, "ch1")

	r.BroadcastChannel("ch1", []byte("note"), "")

	require.Len(t, drain(a), 1)
	require.Len(t, drain(b), 1)
}

func TestEnqueueOverflowClosesSession(t *testing.T) {
	s := newTestSession("u1")
	for i := 0; i < SendBuffer; i++ {
		require.True(t, s.Enqueue([]byte(fmt.Sprintf("frame-%d", i))))
	}

	assert.False(t, s.Enqueue([]byte("one too many")))
	assert.True(t, s.Overflowed())

	// The queue is closed; the writer pump drains what was accepted.
	frames := drain(s)
	assert.Len(t, frames, SendBuffer)
	assert.False(t, s.Enqueue([]byte("after close")))
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newTestSession("u1")
	s.Close()
	s.Close()
	assert.False(t, s.Overflowed())
	assert.False(t, s.Enqueue([]byte("x")))
}

func TestSendToSingleSession(t *testing.T) {
	r := NewRegistry()
	s := newTestSession("u1")
	r.Add(s)

	assert.True(t, r.Send(s.ID, []byte("hello")))
	assert.False(t, r.Send("missing", []byte("hello")))
	require.Len(t, drain(s), 1)
}
