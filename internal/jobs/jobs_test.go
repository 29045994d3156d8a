package jobs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateStartsRunningJob(t *testing.T) {
	m := NewManager(nil)
	job := m.Create("widgets", "reindex", 10)
	assert.Equal(t, StatusRunning, job.Status)
	assert.Equal(t, 10, job.Total)
	assert.Equal(t, 1, m.CountFor("widgets"))
}

func TestAdvanceIncrementsProcessed(t *testing.T) {
	m := NewManager(nil)
	job := m.Create("widgets", "reindex", 10)
	m.Advance(job.ID, 3)
	m.Advance(job.ID, 2)

	got, err := m.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Processed)
}

func TestFinishMarksCompletedAndWakesWaiters(t *testing.T) {
	m := NewManager(nil)
	job := m.Create("widgets", "reindex", 1)

	done := make(chan error, 1)
	go func() { done <- m.Wait(job.ID) }()

	time.Sleep(20 * time.Millisecond) // let Wait register before Finish removes the job
	m.Finish(job.ID, nil)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Finish")
	}

	_, err := m.Get(job.ID)
	assert.Error(t, err, "a finished job is removed from the tracked map")
	assert.Equal(t, 0, m.CountFor("widgets"))
}

func TestFinishWithErrorMarksFailed(t *testing.T) {
	m := NewManager(nil)
	job := m.Create("widgets", "reindex", 1)
	cause := errors.New("boom")

	done := make(chan error, 1)
	go func() { done <- m.Wait(job.ID) }()

	time.Sleep(20 * time.Millisecond) // let Wait register before Finish removes the job
	m.Finish(job.ID, cause)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, cause)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Finish")
	}

	_, err := m.Get(job.ID)
	assert.Error(t, err, "a finished job is removed from the tracked map")
}

func TestCreateRecordsStartTime(t *testing.T) {
	m := NewManager(nil)
	job := m.Create("widgets", "reindex", 1)
	assert.False(t, job.Start.IsZero())
}

func TestGetUnknownJobFails(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Get("does-not-exist")
	assert.Error(t, err)
}

func TestWaitForAllBlocksUntilEveryJobFinishes(t *testing.T) {
	m := NewManager(nil)
	j1 := m.Create("widgets", "reindex", 1)
	j2 := m.Create("gadgets", "reindex", 1)

	go func() {
		m.Finish(j1.ID, nil)
		m.Finish(j2.ID, nil)
	}()

	err := m.WaitForAll()
	assert.NoError(t, err)
}

func TestCountOnlyCountsStillRunningJobs(t *testing.T) {
	m := NewManager(nil)
	job := m.Create("widgets", "reindex", 1)
	m.Finish(job.ID, nil)
	m.Create("gadgets", "reindex", 1)

	assert.Equal(t, 1, m.Count())
}

func TestCountForOnlyCountsRunning(t *testing.T) {
	m := NewManager(nil)
	job := m.Create("widgets", "reindex", 1)
	assert.Equal(t, 1, m.CountFor("widgets"))
	m.Finish(job.ID, nil)
	assert.Equal(t, 0, m.CountFor("widgets"))
}
