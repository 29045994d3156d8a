package mutate

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/unbase/internal/doc"
	"github.com/syntrixbase/unbase/internal/errs"
	"github.com/syntrixbase/unbase/internal/indexengine"
	"github.com/syntrixbase/unbase/internal/schema"
	"github.com/syntrixbase/unbase/internal/view"
)

// fakeStore is a minimal in-memory Store for testing the write path in
// isolation from bbolt.
type fakeStore struct {
	mu     sync.Mutex
	bodies map[string]map[string][]byte
	locks  map[string]*sync.Mutex
}

func newFakeStore() *fakeStore {
	return &fakeStore{bodies: make(map[string]map[string][]byte), locks: make(map[string]*sync.Mutex)}
}

func (f *fakeStore) Lock(key string) func() {
	f.mu.Lock()
	l, ok := f.locks[key]
	if !ok {
		l = &sync.Mutex{}
		f.locks[key] = l
	}
	f.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (f *fakeStore) Get(bucket, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.bodies[bucket][key]
	return v, ok, nil
}

func (f *fakeStore) Put(bucket, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bodies[bucket] == nil {
		f.bodies[bucket] = make(map[string][]byte)
	}
	f.bodies[bucket][key] = value
	return nil
}

func (f *fakeStore) Delete(bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bodies[bucket], key)
	return nil
}

func (f *fakeStore) HashPut(bucket, field string, value []byte) error { return f.Put(bucket, field, value) }
func (f *fakeStore) HashDelete(bucket, field string) error            { return f.Delete(bucket, field) }

type fakeNotifier struct {
	updates []view.ChangeState
}

func (n *fakeNotifier) UpdateViews(indexID string, state view.ChangeState) {
	n.updates = append(n.updates, state)
}

type fakeRegistry struct {
	indexes map[string]schema.Index
}

func (r *fakeRegistry) Get(id string) (schema.Index, bool) { idx, ok := r.indexes[id]; return idx, ok }
func (r *fakeRegistry) RecordsBucket(id string) string     { return "records:" + id }
func (r *fakeRegistry) IDsBucket(id string) string         { return "ids:" + id }

func testSetup() (*Mutator, *fakeStore, *indexengine.MemEngine, *fakeNotifier, *fakeRegistry) {
	store := newFakeStore()
	engine := indexengine.NewMemEngine()
	notifier := &fakeNotifier{}
	registry := &fakeRegistry{indexes: map[string]schema.Index{
		"widgets": {
			ID:     "widgets",
			Fields: []schema.Field{{ID: "status", Source: "/Status"}},
		},
	}}
	m := New(nil, store, engine, notifier, registry)
	return m, store, engine, notifier, registry
}

func TestInsertWritesBodyAndIndexesRecord(t *testing.T) {
	m, store, _, notifier, registry := testSetup()

	err := m.Insert("widgets", "w1", doc.Doc{"Status": "open"})
	require.NoError(t, err)

	raw, ok, err := store.Get(registry.RecordsBucket("widgets"), "w1")
	require.NoError(t, err)
	require.True(t, ok)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "open", got["Status"])

	require.Len(t, notifier.updates, 1)
	assert.Equal(t, "insert", notifier.updates[0].Action)
	assert.True(t, notifier.updates[0].NewRecord)
}

func TestInsertUnknownIndexFails(t *testing.T) {
	m, _, _, _, _ := testSetup()
	err := m.Insert("missing", "w1", doc.Doc{})
	require.Error(t, err)
	kind, ok := errs.Of(err)
	require.True(t, ok)
	assert.Equal(t, errs.NotFound, kind)
}

func TestUpdatePatchesExistingRecord(t *testing.T) {
	m, _, _, _, _ := testSetup()
	require.NoError(t, m.Insert("widgets", "w1", doc.Doc{"Status": "open", "Score": 1.0}))

	err := m.Update("widgets", "w1", map[string]any{"Status": "closed", "Score": "+2"})
	require.NoError(t, err)

	raw, _, _ := m.store.(*fakeStore).Get("records:widgets", "w1")
	var got map[string]any
	json.Unmarshal(raw, &got)
	assert.Equal(t, "closed", got["Status"])
	assert.Equal(t, 3.0, got["Score"])
}

func TestUpdateOnMissingRecordCreatesIt(t *testing.T) {
	m, _, _, _, _ := testSetup()
	err := m.Update("widgets", "w1", map[string]any{"Status": "open"})
	require.NoError(t, err)

	raw, ok, _ := m.store.(*fakeStore).Get("records:widgets", "w1")
	require.True(t, ok)
	var got map[string]any
	json.Unmarshal(raw, &got)
	assert.Equal(t, "open", got["Status"])
}

func TestUpdateWithTransformCanAbort(t *testing.T) {
	m, _, _, _, _ := testSetup()
	require.NoError(t, m.Insert("widgets", "w1", doc.Doc{"Status": "open"}))

	err := m.UpdateWith("widgets", "w1", func(current doc.Doc) (doc.Doc, error) {
		return nil, ErrAbortUpdate
	})
	assert.ErrorIs(t, err, ErrAbortUpdate)
}

func TestDeleteRemovesRecordAndNotifies(t *testing.T) {
	m, store, _, notifier, registry := testSetup()
	require.NoError(t, m.Insert("widgets", "w1", doc.Doc{"Status": "open"}))

	err := m.Delete("widgets", "w1")
	require.NoError(t, err)

	_, ok, _ := store.Get(registry.RecordsBucket("widgets"), "w1")
	assert.False(t, ok)

	last := notifier.updates[len(notifier.updates)-1]
	assert.Equal(t, "delete", last.Action)
}

func TestApplyPatchNumericIncrement(t *testing.T) {
	current := doc.Doc{"Score": 10.0}
	out := applyPatch(current, map[string]any{"Score": "+5"})
	assert.Equal(t, 15.0, out["Score"])
}

func TestApplyPatchNumericDecrement(t *testing.T) {
	current := doc.Doc{"Score": 10.0}
	out := applyPatch(current, map[string]any{"Score": "-3"})
	assert.Equal(t, 7.0, out["Score"])
}

func TestApplyPatchTagToggle(t *testing.T) {
	current := doc.Doc{"Tags": "red, blue"}
	out := applyPatch(current, map[string]any{"Tags": "+green -red"})
	assert.Equal(t, "blue, green", out["Tags"])
}

func TestApplyPatchPlainReplace(t *testing.T) {
	current := doc.Doc{"Status": "open"}
	out := applyPatch(current, map[string]any{"Status": "closed"})
	assert.Equal(t, "closed", out["Status"])
}

func TestApplyPatchDoesNotMutateOriginal(t *testing.T) {
	current := doc.Doc{"Status": "open"}
	applyPatch(current, map[string]any{"Status": "closed"})
	assert.Equal(t, "open", current["Status"])
}
