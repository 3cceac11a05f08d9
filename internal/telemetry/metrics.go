// Package telemetry collects search query metrics for operational insight.
// All data stays in process memory, nothing is reported externally.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// QueryEvent is a single search query observation.
type QueryEvent struct {
	Query       string
	SearchType  string
	ResultCount int
	Degraded    bool
	Latency     time.Duration
}

// TermCount is a query term and its frequency.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// Snapshot is an immutable view of the collected metrics.
type Snapshot struct {
	TotalQueries        int64                   `json:"total_queries"`
	SearchTypeCounts    map[string]int64        `json:"search_type_counts"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	TopTerms            []TermCount             `json:"top_terms"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
	DegradedCount       int64                   `json:"degraded_count"`
	Since               time.Time               `json:"since"`
}

// ZeroResultPercentage returns the share of queries that found nothing.
func (s *Snapshot) ZeroResultPercentage() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(s.TotalQueries) * 100
}

// ringBuffer is a fixed-capacity FIFO of recent values.
type ringBuffer[T any] struct {
	items []T
	head  int
	size  int
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &ringBuffer[T]{items: make([]T, capacity)}
}

func (b *ringBuffer[T]) add(item T) {
	b.items[b.head] = item
	b.head = (b.head + 1) % len(b.items)
	if b.size < len(b.items) {
		b.size++
	}
}

// all returns the buffered values oldest first.
func (b *ringBuffer[T]) all() []T {
	out := make([]T, 0, b.size)
	if b.size < len(b.items) {
		return append(out, b.items[:b.size]...)
	}
	out = append(out, b.items[b.head:]...)
	return append(out, b.items[:b.head]...)
}

// extractTerms lowercases a query and keeps words of three or more runes.
func extractTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(strings.TrimSpace(query))) {
		if len(w) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

const (
	defaultTopTermsCapacity    = 100
	defaultZeroResultsCapacity = 100
)

// QueryMetrics aggregates search observations. Safe for concurrent use.
type QueryMetrics struct {
	mu sync.RWMutex

	searchTypes     map[string]int64
	latencies       map[LatencyBucket]int64
	topTerms        *lru.Cache[string, int64]
	zeroResults     *ringBuffer[string]
	totalQueries    int64
	zeroResultCount int64
	degradedCount   int64
	startTime       time.Time
}

// NewQueryMetrics creates an empty collector.
func NewQueryMetrics() *QueryMetrics {
	topTerms, _ := lru.New[string, int64](defaultTopTermsCapacity)
	return &QueryMetrics{
		searchTypes: make(map[string]int64),
		latencies:   make(map[LatencyBucket]int64),
		topTerms:    topTerms,
		zeroResults: newRingBuffer[string](defaultZeroResultsCapacity),
		startTime:   time.Now(),
	}
}

// Record captures one search query.
func (m *QueryMetrics) Record(event QueryEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalQueries++
	m.searchTypes[event.SearchType]++
	m.latencies[LatencyToBucket(event.Latency)]++
	if event.Degraded {
		m.degradedCount++
	}
	for _, term := range extractTerms(event.Query) {
		count, _ := m.topTerms.Get(term)
		m.topTerms.Add(term, count+1)
	}
	if event.ResultCount == 0 {
		m.zeroResults.add(event.Query)
		m.zeroResultCount++
	}
}

// Snapshot returns a copy of the current aggregates.
func (m *QueryMetrics) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	types := make(map[string]int64, len(m.searchTypes))
	for k, v := range m.searchTypes {
		types[k] = v
	}
	latencies := make(map[LatencyBucket]int64, len(m.latencies))
	for k, v := range m.latencies {
		latencies[k] = v
	}

	terms := make([]TermCount, 0, m.topTerms.Len())
	for _, key := range m.topTerms.Keys() {
		if count, ok := m.topTerms.Peek(key); ok {
			terms = append(terms, TermCount{Term: key, Count: count})
		}
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})

	return &Snapshot{
		TotalQueries:        m.totalQueries,
		SearchTypeCounts:    types,
		LatencyDistribution: latencies,
		TopTerms:            terms,
		ZeroResultCount:     m.zeroResultCount,
		ZeroResultQueries:   m.zeroResults.all(),
		DegradedCount:       m.degradedCount,
		Since:               m.startTime,
	}
}
