package ruvector

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_CountersBalance(t *testing.T) {
	m := NewMetrics()

	m.RecordQueryStart()
	m.RecordQueryComplete(10, true, false)
	m.RecordQueryStart()
	m.RecordQueryComplete(30, true, false)
	m.RecordQueryStart()
	m.RecordQueryComplete(5, false, false)

	snap := m.Snapshot()
	assert.Equal(t, snap.QueriesTotal, snap.QueriesSucceeded+snap.QueriesFailed)
	assert.EqualValues(t, 3, snap.QueriesTotal)
	assert.EqualValues(t, 2, snap.QueriesSucceeded)
	assert.EqualValues(t, 1, snap.QueriesFailed)
	assert.InDelta(t, 15.0, snap.AvgQueryTimeMs, 1e-9) // (10+30+5)/3
	assert.False(t, snap.LastQueryTime.IsZero())
}

func TestMetrics_SlowQueryCounter(t *testing.T) {
	m := NewMetrics()
	m.RecordQueryStart()
	m.RecordQueryComplete(1500, true, true)
	assert.EqualValues(t, 1, m.Snapshot().SlowQueries)
}

func TestMetrics_ConcurrentIncrementsDoNotRace(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordQueryStart()
				m.RecordQueryComplete(1, true, false)
				m.RecordVectorsInserted(1)
				m.RecordSearch()
			}
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.EqualValues(t, 800, snap.QueriesTotal)
	assert.Equal(t, snap.QueriesTotal, snap.QueriesSucceeded+snap.QueriesFailed)
	assert.EqualValues(t, 800, snap.VectorsInserted)
	assert.EqualValues(t, 800, snap.SearchesPerformed)
}

func TestMetrics_AcquireReleaseCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordConnAcquire()
	m.RecordConnRelease()
	m.RecordConnError()

	snap := m.Snapshot()
	assert.EqualValues(t, 1, snap.ConnAcquires)
	assert.EqualValues(t, 1, snap.ConnReleases)
	assert.EqualValues(t, 1, snap.ConnErrors)
}
