package telemetry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyToBucket(t *testing.T) {
	tests := []struct {
		latency time.Duration
		want    LatencyBucket
	}{
		{5 * time.Millisecond, BucketP10},
		{25 * time.Millisecond, BucketP50},
		{75 * time.Millisecond, BucketP100},
		{250 * time.Millisecond, BucketP500},
		{2 * time.Second, BucketP1000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LatencyToBucket(tt.latency))
	}
}

func TestRecordAggregates(t *testing.T) {
	m := NewQueryMetrics()

	m.Record(QueryEvent{Query: "chunking strategies", SearchType: "hybrid", ResultCount: 5, Latency: 20 * time.Millisecond})
	m.Record(QueryEvent{Query: "chunking overlap", SearchType: "hybrid", ResultCount: 0, Latency: 600 * time.Millisecond})
	m.Record(QueryEvent{Query: "pgvector", SearchType: "vector", ResultCount: 3, Degraded: true, Latency: 5 * time.Millisecond})

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.TotalQueries)
	assert.Equal(t, int64(2), snap.SearchTypeCounts["hybrid"])
	assert.Equal(t, int64(1), snap.SearchTypeCounts["vector"])
	assert.Equal(t, int64(1), snap.LatencyDistribution[BucketP50])
	assert.Equal(t, int64(1), snap.LatencyDistribution[BucketP1000])
	assert.Equal(t, int64(1), snap.ZeroResultCount)
	assert.Equal(t, []string{"chunking overlap"}, snap.ZeroResultQueries)
	assert.Equal(t, int64(1), snap.DegradedCount)
	assert.InDelta(t, 33.3, snap.ZeroResultPercentage(), 0.1)
}

func TestTopTermsSortedByFrequency(t *testing.T) {
	m := NewQueryMetrics()
	m.Record(QueryEvent{Query: "vector search", SearchType: "hybrid", ResultCount: 1})
	m.Record(QueryEvent{Query: "vector database", SearchType: "hybrid", ResultCount: 1})
	m.Record(QueryEvent{Query: "hybrid search", SearchType: "hybrid", ResultCount: 1})

	snap := m.Snapshot()
	require.NotEmpty(t, snap.TopTerms)
	assert.Equal(t, "search", snap.TopTerms[0].Term)
	assert.Equal(t, int64(2), snap.TopTerms[0].Count)
}

func TestShortTermsIgnored(t *testing.T) {
	m := NewQueryMetrics()
	m.Record(QueryEvent{Query: "go is ok", SearchType: "bm25", ResultCount: 1})

	assert.Empty(t, m.Snapshot().TopTerms)
}

func TestZeroResultBufferEvictsOldest(t *testing.T) {
	m := NewQueryMetrics()
	for i := 0; i < defaultZeroResultsCapacity+5; i++ {
		m.Record(QueryEvent{Query: fmt.Sprintf("missing-%d", i), SearchType: "hybrid"})
	}

	snap := m.Snapshot()
	assert.Len(t, snap.ZeroResultQueries, defaultZeroResultsCapacity)
	assert.Equal(t, "missing-5", snap.ZeroResultQueries[0])
	assert.Equal(t, fmt.Sprintf("missing-%d", defaultZeroResultsCapacity+4),
		snap.ZeroResultQueries[len(snap.ZeroResultQueries)-1])
}

func TestConcurrentRecord(t *testing.T) {
	m := NewQueryMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Record(QueryEvent{Query: "concurrent load", SearchType: "hybrid", ResultCount: 1})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), m.Snapshot().TotalQueries)
}
