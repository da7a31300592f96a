package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe.evalgo.org/common"
	"scribe.evalgo.org/document"
	"scribe.evalgo.org/engine"
	"scribe.evalgo.org/session"
	"scribe.evalgo.org/store"
)

// memTier is a map-backed hot tier for handler tests.
type memTier struct {
	data map[string]*document.Record
}

func (t *memTier) Get(_ context.Context, id string) (*document.Record, bool) {
	rec, ok := t.data[id]
	return rec, ok
}

func (t *memTier) Put(_ context.Context, id string, rec *document.Record) bool {
	t.data[id] = rec
	return true
}

func (t *memTier) Delete(_ context.Context, id string) bool {
	delete(t.data, id)
	return true
}

func (t *memTier) Flush(context.Context) error {
	t.data = make(map[string]*document.Record)
	return nil
}

// memDurable is a map-backed durable store for handler tests.
type memDurable struct {
	rows map[string]*document.Record
}

func (d *memDurable) CreateDoc(_ context.Context, rec *document.Record) error {
	d.rows[rec.ID] = rec
	return nil
}

func (d *memDurable) LoadDoc(_ context.Context, id string) (*document.Record, error) {
	rec, ok := d.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (d *memDurable) ListDocIDs(_ context.Context) ([]string, error) {
	ids := make([]string, 0, len(d.rows))
	for id := range d.rows {
		ids = append(ids, id)
	}
	return ids, nil
}

func (d *memDurable) WriteThrough(_ context.Context, rec *document.Record) error {
	d.rows[rec.ID] = rec
	return nil
}

func (d *memDurable) Snapshot(_ context.Context, rec *document.Record, _ time.Time) error {
	d.rows[rec.ID] = rec
	return nil
}

func (d *memDurable) SoftDelete(_ context.Context, id string) error {
	row, ok := d.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	row.Status = document.StatusDeleted
	return nil
}

func (d *memDurable) UpdatePath(_ context.Context, id string, upd store.PathUpdate) error {
	row, ok := d.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if upd.Name != nil {
		row.Name = *upd.Name
	}
	if upd.MoveToRoot {
		row.ParentID = nil
	} else if upd.ParentID != nil {
		row.ParentID = upd.ParentID
	}
	return nil
}

func newTestHandler() (*Handler, *memDurable) {
	durable := &memDurable{rows: make(map[string]*document.Record)}
	eng := engine.New(&memTier{data: make(map[string]*document.Record)}, durable, 1)
	return &Handler{
		registry: session.NewRegistry(),
		engine:   eng,
		log:      common.ComponentLogger("ws-test"),
	}, durable
}

func joinedSession(h *Handler, userID, channelID string) *session.Session {
	sess := session.NewSession(nil, userID, "name-"+userID)
	h.registry.Add(sess)
	h.registry.AttachChannel(sess.ID, channelID)
	return sess
}

// drainEvents decodes everything queued on a session's outbound channel.
func drainEvents(t *testing.T, s *session.Session) []*Envelope {
	t.Helper()
	var out []*Envelope
	for {
		select {
		case frame, ok := <-s.Outbound():
			if !ok {
				return out
			}
			env, err := Decode(frame)
			require.NoError(t, err)
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestDeleteDocRequiresSameChannel(t *testing.T) {
	h, durable := newTestHandler()
	ctx := context.Background()

	rec, err := h.engine.CreateDoc(ctx, "ch-a", "", "a.txt", "owner", false)
	require.NoError(t, err)

	intruder := joinedSession(h, "intruder", "ch-b")
	env := &Envelope{Event: EvDeleteDoc, Data: json.RawMessage(fmt.Sprintf(`{"docId":%q}`, rec.ID))}
	h.handleDeleteDoc(ctx, intruder, env)

	events := drainEvents(t, intruder)
	require.Len(t, events, 1)
	assert.Equal(t, EvSystemMessage, events[0].Event)

	row, err := durable.LoadDoc(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StatusNormal, row.Status)

	// A member of the document's own channel can delete it.
	member := joinedSession(h, "owner", "ch-a")
	h.handleDeleteDoc(ctx, member, env)

	row, err = durable.LoadDoc(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, document.StatusDeleted, row.Status)
}

func TestUpdateDocRequiresSameChannel(t *testing.T) {
	h, durable := newTestHandler()
	ctx := context.Background()

	rec, err := h.engine.CreateDoc(ctx, "ch-a", "", "a.txt", "owner", false)
	require.NoError(t, err)

	intruder := joinedSession(h, "intruder", "ch-b")
	env := &Envelope{Event: EvUpdateDoc, Data: json.RawMessage(fmt.Sprintf(`{"docId":%q,"name":"hijacked.txt"}`, rec.ID))}
	h.handleUpdateDoc(ctx, intruder, env)

	events := drainEvents(t, intruder)
	require.Len(t, events, 1)
	assert.Equal(t, EvSystemMessage, events[0].Event)

	row, err := durable.LoadDoc(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", row.Name)

	member := joinedSession(h, "owner", "ch-a")
	viewer := joinedSession(h, "viewer", "ch-a")
	h.registry.AttachDoc(viewer.ID, rec.ID)

	h.handleUpdateDoc(ctx, member, env)

	events = drainEvents(t, member)
	require.Len(t, events, 1)
	assert.Equal(t, EvDocUpdated, events[0].Event)

	// Viewers with the document open hear about the new metadata.
	var seen []string
	for _, ev := range drainEvents(t, viewer) {
		seen = append(seen, ev.Event)
	}
	assert.Contains(t, seen, EvDocInfoChanged)

	row, err = durable.LoadDoc(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "hijacked.txt", row.Name)
}
