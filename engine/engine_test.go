package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe.evalgo.org/crdt"
	"scribe.evalgo.org/document"
	"scribe.evalgo.org/store"
)

func cloneRecord(rec *document.Record) *document.Record {
	data, err := json.Marshal(rec)
	if err != nil {
		panic(err)
	}
	var out document.Record
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

// fakeTier is a map-backed hot tier with the same degraded semantics as
// the Redis-backed one.
type fakeTier struct {
	mu   sync.Mutex
	data map[string]*document.Record
	down bool
}

func newFakeTier() *fakeTier {
	return &fakeTier{data: make(map[string]*document.Record)}
}

func (t *fakeTier) Get(_ context.Context, id string) (*document.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down {
		return nil, false
	}
	rec, ok := t.data[id]
	if !ok {
		return nil, false
	}
	return cloneRecord(rec), true
}

func (t *fakeTier) Put(_ context.Context, id string, rec *document.Record) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down {
		return false
	}
	t.data[id] = cloneRecord(rec)
	return true
}

func (t *fakeTier) Delete(_ context.Context, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down {
		return false
	}
	delete(t.data, id)
	return true
}

func (t *fakeTier) Flush(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = make(map[string]*document.Record)
	return nil
}

// fakeDurable is a map-backed durable store honoring the version gate and
// path uniqueness.
type fakeDurable struct {
	mu            sync.Mutex
	rows          map[string]*document.Record
	writeThroughs int

	// beforeWrite, when set, runs at the start of WriteThrough so tests
	// can hold a write open.
	beforeWrite func()
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{rows: make(map[string]*document.Record)}
}

func samePath(a, b *document.Record) bool {
	if a.ChannelID != b.ChannelID || a.Name != b.Name {
		return false
	}
	ap, bp := "", ""
	if a.ParentID != nil {
		ap = *a.ParentID
	}
	if b.ParentID != nil {
		bp = *b.ParentID
	}
	return ap == bp
}

func (d *fakeDurable) CreateDoc(_ context.Context, rec *document.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, row := range d.rows {
		if samePath(row, rec) && row.Status != document.StatusDeleted {
			return store.ErrNameConflict
		}
	}
	d.rows[rec.ID] = cloneRecord(rec)
	return nil
}

func (d *fakeDurable) LoadDoc(_ context.Context, id string) (*document.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRecord(row), nil
}

func (d *fakeDurable) ListDocIDs(_ context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for id, row := range d.rows {
		if row.Status != document.StatusDeleted {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (d *fakeDurable) WriteThrough(_ context.Context, rec *document.Record) error {
	if d.beforeWrite != nil {
		d.beforeWrite()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.rows[rec.ID]
	if !ok {
		return store.ErrNotFound
	}
	if rec.Version.Compare(row.Version) <= 0 {
		return store.ErrStaleVersion
	}
	row.Content = rec.Content
	row.Chunks = cloneRecord(rec).Chunks
	row.OpLog = cloneRecord(rec).OpLog
	row.Version = rec.Version
	d.writeThroughs++
	return nil
}

func (d *fakeDurable) Snapshot(_ context.Context, rec *document.Record, _ time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.rows[rec.ID]
	if !ok {
		return store.ErrNotFound
	}
	row.Content = rec.Content
	row.Chunks = cloneRecord(rec).Chunks
	row.OpLog = nil
	row.Version = rec.Version
	return nil
}

func (d *fakeDurable) SoftDelete(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	row.Status = document.StatusDeleted
	return nil
}

func (d *fakeDurable) UpdatePath(_ context.Context, id string, upd store.PathUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	next := cloneRecord(row)
	if upd.Name != nil {
		next.Name = *upd.Name
	}
	if upd.MoveToRoot {
		next.ParentID = nil
	} else if upd.ParentID != nil {
		next.ParentID = upd.ParentID
	}
	for otherID, other := range d.rows {
		if otherID != id && samePath(other, next) && other.Status != document.StatusDeleted {
			return store.ErrNameConflict
		}
	}
	d.rows[id] = next
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeTier, *fakeDurable) {
	t.Helper()
	tier := newFakeTier()
	durable := newFakeDurable()
	return New(tier, durable, 1), tier, durable
}

func createTestDoc(t *testing.T, e *Engine, name string) *document.Record {
	t.Helper()
	rec, err := e.CreateDoc(context.Background(), "ch1", "", name, "owner", false)
	require.NoError(t, err)
	return rec
}

func TestSingleUserInsertAndDelete(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createTestDoc(t, e, "a.txt")

	res, err := e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, Text: "hello"})
	require.NoError(t, err)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, crdt.OpInsert, res.Ops[0].Kind)
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, crdt.Version{Service: 1, Snapshot: 0, Log: 1}, res.Version)

	id := res.Ops[0].ID
	res, err = e.EditDoc(ctx, "u1", EditRequest{DocID: doc.ID, Intent: "delete", ID: id.String()})
	require.NoError(t, err)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, crdt.OpDelete, res.Ops[0].Kind)
	assert.Equal(t, "hello", res.Ops[0].Text)
	assert.Empty(t, res.Content)
	assert.Equal(t, crdt.Version{Service: 1, Snapshot: 0, Log: 2}, res.Version)
}

func TestConcurrentInsertsAtSameGapConverge(t *testing.T) {
	e, tier, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createTestDoc(t, e, "a.txt")

	res, err := e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, Text: "hello"})
	require.NoError(t, err)
	anchor := res.Ops[0].ID.String()

	resA, err := e.EditBatch(ctx, "userA", BatchRequest{DocID: doc.ID, Text: "X", LeftID: anchor})
	require.NoError(t, err)
	resB, err := e.EditBatch(ctx, "userB", BatchRequest{DocID: doc.ID, Text: "X", LeftID: anchor})
	require.NoError(t, err)

	assert.False(t, resA.Ops[0].ID.Equal(resB.Ops[0].ID))

	rec, ok := tier.Get(ctx, doc.ID)
	require.True(t, ok)
	assert.Len(t, rec.Content, 7)
	require.Len(t, rec.Chunks, 3)
	// Final order is a function of the ids, not of arrival order.
	for i := 1; i < len(rec.Chunks); i++ {
		assert.Negative(t, rec.Chunks[i-1].ID.Compare(rec.Chunks[i].ID))
	}
}

func TestInChunkSplitInsert(t *testing.T) {
	e, tier, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createTestDoc(t, e, "a.txt")

	res, err := e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, Text: "abcdef"})
	require.NoError(t, err)
	target := res.Ops[0].ID

	res, err = e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, TargetID: target.String(), Offset: 3, Text: "Z"})
	require.NoError(t, err)
	require.Len(t, res.Ops, 1)
	op := res.Ops[0]
	assert.Equal(t, crdt.OpSplit, op.Kind)
	assert.Equal(t, "abc", op.LeftText)
	assert.Equal(t, "Z", op.InsertText)
	assert.Equal(t, "def", op.RightText)
	assert.Equal(t, "abcZdef", res.Content)

	rec, ok := tier.Get(ctx, doc.ID)
	require.True(t, ok)
	require.Len(t, rec.Chunks, 3)
	assert.True(t, rec.Chunks[0].ID.Equal(target))
	assert.Negative(t, rec.Chunks[0].ID.Compare(rec.Chunks[1].ID))
	assert.Negative(t, rec.Chunks[1].ID.Compare(rec.Chunks[2].ID))
}

func TestBoundarySplitDegradesToInsert(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createTestDoc(t, e, "a.txt")

	res, err := e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, Text: "abc"})
	require.NoError(t, err)
	target := res.Ops[0].ID

	res, err = e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, TargetID: target.String(), Offset: 0, Text: "X"})
	require.NoError(t, err)
	assert.Equal(t, crdt.OpInsert, res.Ops[0].Kind)
	assert.Equal(t, "Xabc", res.Content)

	res, err = e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, TargetID: target.String(), Offset: 3, Text: "Y"})
	require.NoError(t, err)
	assert.Equal(t, crdt.OpInsert, res.Ops[0].Kind)
	assert.Equal(t, "XabcY", res.Content)
}

func TestDeleteIsIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createTestDoc(t, e, "a.txt")

	res, err := e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, Text: "hi"})
	require.NoError(t, err)
	id := res.Ops[0].ID.String()
	versionAfterInsert := res.Version

	res, err = e.EditDoc(ctx, "u1", EditRequest{DocID: doc.ID, Intent: "delete", ID: id})
	require.NoError(t, err)
	require.Len(t, res.Ops, 1)
	versionAfterDelete := res.Version
	assert.Positive(t, versionAfterDelete.Compare(versionAfterInsert))

	// The second delete produces no log entry and no version bump.
	res, err = e.EditDoc(ctx, "u1", EditRequest{DocID: doc.ID, Intent: "delete", ID: id})
	require.NoError(t, err)
	assert.Empty(t, res.Ops)
	assert.True(t, res.AlreadyDeleted)
	assert.Zero(t, res.Version.Compare(versionAfterDelete))
}

func TestBatchPlaceholderResolution(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createTestDoc(t, e, "a.txt")

	res, err := e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, Ops: []BatchOp{
		{Intent: "insert", Temp: "temp_0", Text: "abba"},
		{Intent: "split", TargetID: "temp_0", Offset: 2, Text: "racadabr"},
	}})
	require.NoError(t, err)
	require.Len(t, res.Ops, 2)
	assert.Equal(t, "abracadabrba", res.Content)
	assert.Equal(t, crdt.Version{Service: 1, Snapshot: 0, Log: 2}, res.Version)

	_, err = e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, Ops: []BatchOp{
		{Intent: "delete", ID: "temp_9"},
	}})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestEditRejectedWhileLocked(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createTestDoc(t, e, "a.txt")

	_, err := e.Lock(ctx, doc.ID, "maintenance")
	require.NoError(t, err)

	_, err = e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, Text: "nope"})
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "maintenance", rej.Reason)

	_, err = e.Unlock(ctx, doc.ID)
	require.NoError(t, err)

	res, err := e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, Text: "yes"})
	require.NoError(t, err)
	assert.Equal(t, "yes", res.Content)
}

func TestEditDeletedDocRejected(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createTestDoc(t, e, "a.txt")
	require.NoError(t, e.DeleteDoc(ctx, doc.ID))

	_, err := e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, Text: "x"})
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
}

func TestLastViewerLeaveWritesThrough(t *testing.T) {
	e, _, durable := newTestEngine(t)
	ctx := context.Background()
	doc := createTestDoc(t, e, "a.txt")

	_, err := e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, Text: "hello"})
	require.NoError(t, err)

	e.OnLastViewerLeave(ctx, doc.ID)

	row, err := durable.LoadDoc(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", row.Content)
	assert.Equal(t, crdt.Version{Service: 1, Snapshot: 0, Log: 1}, row.Version)
	assert.Equal(t, 1, durable.writeThroughs)

	// Nothing changed; the stale-version gate suppresses a second write.
	e.OnLastViewerLeave(ctx, doc.ID)
	assert.Equal(t, 1, durable.writeThroughs)
}

func TestSnapshotClearsLogAndBumpsVersion(t *testing.T) {
	e, tier, durable := newTestEngine(t)
	ctx := context.Background()
	doc := createTestDoc(t, e, "a.txt")

	for _, text := range []string{"a", "b", "c"} {
		_, err := e.EditBatch(ctx, "owner", BatchRequest{DocID: doc.ID, Text: text})
		require.NoError(t, err)
	}

	rec, err := e.Snapshot(ctx, doc.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, crdt.Version{Service: 1, Snapshot: 1, Log: 0}, rec.Version)
	assert.Empty(t, rec.OpLog)
	assert.Equal(t, document.StatusNormal, rec.Status)

	row, err := durable.LoadDoc(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, row.OpLog)
	assert.Equal(t, rec.Content, row.Content)
	assert.Equal(t, rec.Version, row.Version)

	cached, ok := tier.Get(ctx, doc.ID)
	require.True(t, ok)
	assert.Equal(t, document.StatusNormal, cached.Status)
	assert.Empty(t, cached.OpLog)
}

func TestSnapshotRequiresOwner(t *testing.T) {
	e, tier, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createTestDoc(t, e, "a.txt")

	_, err := e.Snapshot(ctx, doc.ID, "intruder")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// The failed attempt must not leave the document locked.
	rec, ok := tier.Get(ctx, doc.ID)
	require.True(t, ok)
	assert.Equal(t, document.StatusNormal, rec.Status)
}

func TestSyncWritesThroughAndUnlocks(t *testing.T) {
	e, _, durable := newTestEngine(t)
	ctx := context.Background()
	doc := createTestDoc(t, e, "a.txt")

	_, err := e.EditBatch(ctx, "owner", BatchRequest{DocID: doc.ID, Text: "data"})
	require.NoError(t, err)

	rec, err := e.Sync(ctx, doc.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, document.StatusNormal, rec.Status)

	row, err := durable.LoadDoc(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "data", row.Content)
}

func TestEditRejectedDuringSyncWrite(t *testing.T) {
	e, _, durable := newTestEngine(t)
	ctx := context.Background()
	doc := createTestDoc(t, e, "a.txt")

	_, err := e.EditBatch(ctx, "owner", BatchRequest{DocID: doc.ID, Text: "data"})
	require.NoError(t, err)

	// Hold the write-through open; the lane must be free meanwhile so a
	// concurrent edit gets a rejection instead of queueing behind the
	// mutex.
	writing := make(chan struct{})
	release := make(chan struct{})
	durable.beforeWrite = func() {
		close(writing)
		<-release
		durable.beforeWrite = nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.Sync(ctx, doc.ID, "owner")
		done <- err
	}()

	<-writing
	_, err = e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, Text: "x"})
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "sync in progress", rej.Reason)

	close(release)
	require.NoError(t, <-done)

	// Once the sync finishes the document is editable again.
	res, err := e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, Text: "x"})
	require.NoError(t, err)
	require.Len(t, res.Ops, 1)
}

func TestStartupFlushesAndPrefetches(t *testing.T) {
	e, tier, durable := newTestEngine(t)
	ctx := context.Background()

	live := createTestDoc(t, e, "live.txt")
	gone := createTestDoc(t, e, "gone.txt")
	require.NoError(t, durable.SoftDelete(ctx, gone.ID))

	// A stale entry from a prior run must not survive startup.
	tier.Put(ctx, "stale", &document.Record{ID: "stale"})

	require.NoError(t, e.Startup(ctx))

	_, ok := tier.Get(ctx, "stale")
	assert.False(t, ok)
	_, ok = tier.Get(ctx, live.ID)
	assert.True(t, ok)
	_, ok = tier.Get(ctx, gone.ID)
	assert.False(t, ok)
}

func TestDeleteDocEvictsCache(t *testing.T) {
	e, tier, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createTestDoc(t, e, "a.txt")

	_, err := e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, Text: "x"})
	require.NoError(t, err)

	require.NoError(t, e.DeleteDoc(ctx, doc.ID))
	_, ok := tier.Get(ctx, doc.ID)
	assert.False(t, ok)

	_, err = e.GetDoc(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrDocNotFound)
}

func TestCreateDocNameConflict(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	createTestDoc(t, e, "a.txt")

	_, err := e.CreateDoc(ctx, "ch1", "", "a.txt", "owner", false)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// Same name under a different parent is fine.
	_, err = e.CreateDoc(ctx, "ch1", "dir1", "a.txt", "owner", false)
	require.NoError(t, err)
}

func TestUpdateDocPathRefreshesCache(t *testing.T) {
	e, tier, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createTestDoc(t, e, "old.txt")

	_, err := e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, Text: "x"})
	require.NoError(t, err)

	name := "new.txt"
	rec, err := e.UpdateDocPath(ctx, doc.ID, store.PathUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "new.txt", rec.Name)

	cached, ok := tier.Get(ctx, doc.ID)
	require.True(t, ok)
	assert.Equal(t, "new.txt", cached.Name)
}

func TestEditUnavailableWhenTierDown(t *testing.T) {
	e, tier, _ := newTestEngine(t)
	ctx := context.Background()
	doc := createTestDoc(t, e, "a.txt")

	tier.mu.Lock()
	tier.down = true
	tier.mu.Unlock()

	_, err := e.EditBatch(ctx, "u1", BatchRequest{DocID: doc.ID, Text: "x"})
	assert.True(t, errors.Is(err, ErrUnavailable))
}
