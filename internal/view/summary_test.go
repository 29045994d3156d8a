package view

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/unbase/internal/indexengine"
	"github.com/syntrixbase/unbase/internal/schema"
)

func summaryIndex() schema.Index {
	return schema.Index{
		ID: "widgets",
		Fields: []schema.Field{
			{ID: "tags", Source: "/Tags", MasterList: true},
		},
	}
}

func TestNewSummaryViewComputesInitialValues(t *testing.T) {
	engine := indexengine.NewMemEngine()
	idx := summaryIndex()
	_, err := engine.IndexRecord("w1", map[string]any{"Tags": []any{"red", "blue"}}, idx)
	require.NoError(t, err)

	sv, err := NewSummaryView(nil, nil, engine, idx, "tags")
	require.NoError(t, err)
	assert.Equal(t, 1, sv.values["red"])
	assert.Equal(t, 1, sv.values["blue"])
}

func TestSummaryAttachDeliversCachedValuesSynchronously(t *testing.T) {
	engine := indexengine.NewMemEngine()
	idx := summaryIndex()
	_, err := engine.IndexRecord("w1", map[string]any{"Tags": []any{"red"}}, idx)
	require.NoError(t, err)

	sv, err := NewSummaryView(nil, nil, engine, idx, "tags")
	require.NoError(t, err)

	var received map[string]int
	sub := sv.Attach()
	sub.On("change", func(payload any) { received = payload.(map[string]int) })
	assert.Equal(t, 1, received["red"])
}

func TestSummaryUpdateRecomputesOnFieldChange(t *testing.T) {
	engine := indexengine.NewMemEngine()
	idx := summaryIndex()
	_, err := engine.IndexRecord("w1", map[string]any{"Tags": []any{"red"}}, idx)
	require.NoError(t, err)

	sv, err := NewSummaryView(nil, nil, engine, idx, "tags")
	require.NoError(t, err)

	var received map[string]int
	sub := sv.Attach()
	sub.On("change", func(payload any) { received = payload.(map[string]int) })

	cs, err := engine.IndexRecord("w1", map[string]any{"Tags": []any{"green"}}, idx)
	require.NoError(t, err)
	sv.Update(ChangeState{ID: "w1", Changed: cs.Changed})

	assert.Equal(t, 1, received["green"])
	assert.Equal(t, 0, received["red"])
}

func TestSummaryUpdateSkipsRecomputeWhenFieldUnchanged(t *testing.T) {
	engine := indexengine.NewMemEngine()
	idx := summaryIndex()
	_, err := engine.IndexRecord("w1", map[string]any{"Tags": []any{"red"}}, idx)
	require.NoError(t, err)

	sv, err := NewSummaryView(nil, nil, engine, idx, "tags")
	require.NoError(t, err)

	calls := 0
	sub := sv.Attach()
	sub.On("change", func(payload any) { calls++ })

	sv.Update(ChangeState{ID: "w1", Changed: map[string]bool{"other_field": true}})
	assert.Equal(t, 0, calls)
}

func TestSummaryUnsubscribeDestroysAndDeregisters(t *testing.T) {
	engine := indexengine.NewMemEngine()
	idx := summaryIndex()
	mgr := &fakeManager{}
	sv, err := NewSummaryView(nil, mgr, engine, idx, "tags")
	require.NoError(t, err)

	sub := sv.Attach()
	sub.Unsubscribe()

	assert.Equal(t, []string{"widgets/summary:tags"}, mgr.deregistered)
}
