package view

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/unbase/internal/indexengine"
	"github.com/syntrixbase/unbase/internal/schema"
)

// fakeStore is an in-memory RecordStore stand-in.
type fakeStore struct {
	bodies map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{bodies: make(map[string][]byte)} }

func (f *fakeStore) put(id string, rec map[string]any) {
	data, _ := json.Marshal(rec)
	f.bodies[id] = data
}

func (f *fakeStore) GetMulti(bucket string, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, k := range keys {
		if v, ok := f.bodies[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func decode(body []byte) (map[string]any, error) {
	var m map[string]any
	err := json.Unmarshal(body, &m)
	return m, err
}

func testIndex() schema.Index {
	return schema.Index{
		ID: "widgets",
		Fields: []schema.Field{
			{ID: "status", Source: "/Status"},
		},
		Sorters: []schema.Sorter{
			{ID: "score", Source: "/Score", Type: "number"},
		},
	}
}

func newTestView(t *testing.T, engine *indexengine.MemEngine, store *fakeStore, sortBy string, sortDir int) *View {
	t.Helper()
	idx := testIndex()
	q, err := engine.ParseQuery("status:open", idx)
	require.NoError(t, err)
	v, err := New(nil, nil, engine, store, decode, idx, "records:widgets", q, "search1", sortBy, sortDir, "")
	require.NoError(t, err)
	return v
}

func TestNewViewRunsInitialSearch(t *testing.T) {
	engine := indexengine.NewMemEngine()
	idx := testIndex()
	store := newFakeStore()
	store.put("w1", map[string]any{"Status": "open", "Score": 1.0})
	_, err := engine.IndexRecord("w1", map[string]any{"Status": "open", "Score": 1.0}, idx)
	require.NoError(t, err)

	v := newTestView(t, engine, store, "_id", 1)
	assert.Len(t, v.sortPairs, 1)
	assert.Equal(t, "w1", v.sortPairs[0].id)
}

func TestUpdateAddsNewlyMatchingRecord(t *testing.T) {
	engine := indexengine.NewMemEngine()
	idx := testIndex()
	store := newFakeStore()
	v := newTestView(t, engine, store, "_id", 1)

	store.put("w1", map[string]any{"Status": "open", "Score": 1.0})
	cs, err := engine.IndexRecord("w1", map[string]any{"Status": "open", "Score": 1.0}, idx)
	require.NoError(t, err)

	var received ChangeEvent
	sub := v.Attach(WindowOpts{})
	sub.On("change", func(payload any) { received = payload.(ChangeEvent) })

	v.Update(ChangeState{Action: "insert", ID: "w1", IdxData: cs.IdxData, NewRecord: true, Changed: cs.Changed})

	assert.Equal(t, 1, received.Total)
	require.Len(t, received.Records, 1)
	assert.Equal(t, "open", received.Records[0]["Status"])
}

func TestUpdateRemovesNoLongerMatchingRecord(t *testing.T) {
	engine := indexengine.NewMemEngine()
	idx := testIndex()
	store := newFakeStore()
	store.put("w1", map[string]any{"Status": "open", "Score": 1.0})
	_, err := engine.IndexRecord("w1", map[string]any{"Status": "open", "Score": 1.0}, idx)
	require.NoError(t, err)

	v := newTestView(t, engine, store, "_id", 1)
	require.Len(t, v.sortPairs, 1)

	cs2, err := engine.IndexRecord("w1", map[string]any{"Status": "closed", "Score": 1.0}, idx)
	require.NoError(t, err)

	var received ChangeEvent
	sub := v.Attach(WindowOpts{})
	sub.On("change", func(payload any) { received = payload.(ChangeEvent) })

	v.Update(ChangeState{Action: "insert", ID: "w1", IdxData: cs2.IdxData, Changed: cs2.Changed})

	assert.Equal(t, 0, received.Total)
	assert.Empty(t, v.sortPairs)
}

func TestUpdateDeleteRemovesRecord(t *testing.T) {
	engine := indexengine.NewMemEngine()
	idx := testIndex()
	store := newFakeStore()
	store.put("w1", map[string]any{"Status": "open", "Score": 1.0})
	_, err := engine.IndexRecord("w1", map[string]any{"Status": "open", "Score": 1.0}, idx)
	require.NoError(t, err)

	v := newTestView(t, engine, store, "_id", 1)

	v.Update(ChangeState{Action: "delete", ID: "w1"})
	assert.Empty(t, v.sortPairs)
}

func TestAttachDeliversInitialWindow(t *testing.T) {
	engine := indexengine.NewMemEngine()
	idx := testIndex()
	store := newFakeStore()
	for i, id := range []string{"w1", "w2", "w3"} {
		store.put(id, map[string]any{"Status": "open", "Score": float64(i)})
		_, err := engine.IndexRecord(id, map[string]any{"Status": "open", "Score": float64(i)}, idx)
		require.NoError(t, err)
	}
	v := newTestView(t, engine, store, "_id", 1)
	sub := v.Attach(WindowOpts{Limit: 2})

	var received ChangeEvent
	sub.On("change", func(payload any) { received = payload.(ChangeEvent) })
	// ChangeOptions re-emits synchronously against the view's current sort
	// order, letting us observe what the window actually contains.
	sub.ChangeOptions(WindowOpts{Limit: 2})

	assert.Equal(t, 3, received.Total)
	assert.Len(t, received.Records, 2)
}

type fakeManager struct {
	deregistered []string
}

func (m *fakeManager) Deregister(indexID, searchID string) {
	m.deregistered = append(m.deregistered, indexID+"/"+searchID)
}

func TestUnsubscribeDestroysViewWhenLastSubscriberLeaves(t *testing.T) {
	engine := indexengine.NewMemEngine()
	idx := testIndex()
	store := newFakeStore()
	q, err := engine.ParseQuery("status:open", idx)
	require.NoError(t, err)
	mgr := &fakeManager{}
	v, err := New(nil, mgr, engine, store, decode, idx, "records:widgets", q, "search1", "_id", 1, "")
	require.NoError(t, err)

	sub := v.Attach(WindowOpts{})
	sub.Unsubscribe()

	assert.Equal(t, []string{"widgets/search1"}, mgr.deregistered)
}

func TestDestroyNotifiesRemainingSubscribers(t *testing.T) {
	engine := indexengine.NewMemEngine()
	store := newFakeStore()
	v := newTestView(t, engine, store, "_id", 1)

	destroyed := false
	sub := v.Attach(WindowOpts{})
	sub.On("destroy", func(any) { destroyed = true })

	v.Destroy()
	assert.True(t, destroyed)
}

func TestWindowIncludes(t *testing.T) {
	s := &Subscriber{offset: 2, limit: 3}
	assert.False(t, s.windowIncludes(1, 10))
	assert.True(t, s.windowIncludes(2, 10))
	assert.True(t, s.windowIncludes(4, 10))
	assert.False(t, s.windowIncludes(5, 10))
}

func TestSortIDsLocallyStringDirection(t *testing.T) {
	ids := []string{"b", "a", "c"}
	sortIDsLocally(ids, "", 1)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	sortIDsLocally(ids, "", -1)
	assert.Equal(t, []string{"c", "b", "a"}, ids)
}
