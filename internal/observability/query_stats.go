// Package observability tracks which backend served the queries of each
// feature table, so that tables answered by full scans can be indexed
// automatically.
package observability

import (
	"sort"
	"sync"
	"time"
)

// ScanLocation is the location recorded for queries answered by a table scan.
const ScanLocation = "manual"

// QueryStats tracks query frequency per feature table and serving location.
type QueryStats struct {
	mu     sync.RWMutex
	tables map[string]*TableStats
	window time.Duration
	now    func() time.Time
}

// TableStats holds statistics for one feature table.
type TableStats struct {
	Table    string
	Queries  int64
	Scans    int64
	LastSeen time.Time
	Served   map[string]int64 // location → count (e.g., "alternate" → 5, "manual" → 2)
}

// NewQueryStats creates a new query statistics tracker.
// window: entries not seen for this long are dropped by Prune
func NewQueryStats(window time.Duration) *QueryStats {
	return &QueryStats{
		tables: make(map[string]*TableStats),
		window: window,
		now:    time.Now,
	}
}

// RecordQuery records one query against table answered by location.
// It is safe to call on a nil *QueryStats.
func (q *QueryStats) RecordQuery(table, location string) {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	stats, exists := q.tables[table]
	if !exists {
		stats = &TableStats{
			Table:  table,
			Served: make(map[string]int64),
		}
		q.tables[table] = stats
	}

	stats.Queries++
	if location == ScanLocation {
		stats.Scans++
	}
	stats.LastSeen = q.now()
	stats.Served[location]++
}

// Table returns a copy of the statistics of table.
func (q *QueryStats) Table(table string) (TableStats, bool) {
	if q == nil {
		return TableStats{}, false
	}
	q.mu.RLock()
	defer q.mu.RUnlock()

	s, ok := q.tables[table]
	if !ok {
		return TableStats{}, false
	}
	return s.clone(), true
}

// TopScanned returns up to n tables with at least one scan, most scanned first.
func (q *QueryStats) TopScanned(n int) []TableStats {
	if q == nil {
		return []TableStats{}
	}
	q.mu.RLock()
	defer q.mu.RUnlock()

	if n <= 0 {
		return []TableStats{}
	}

	stats := make([]TableStats, 0, len(q.tables))
	for _, s := range q.tables {
		if s.Scans > 0 {
			stats = append(stats, s.clone())
		}
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Scans != stats[j].Scans {
			return stats[i].Scans > stats[j].Scans
		}
		return stats[i].Table < stats[j].Table
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Reset forgets the statistics of table, typically after it was indexed.
func (q *QueryStats) Reset(table string) {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tables, table)
}

// Prune removes entries where LastSeen is older than the window.
func (q *QueryStats) Prune() {
	if q == nil || q.window <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	threshold := q.now().Add(-q.window)
	for table, stats := range q.tables {
		if stats.LastSeen.Before(threshold) {
			delete(q.tables, table)
		}
	}
}

func (s *TableStats) clone() TableStats {
	c := *s
	c.Served = make(map[string]int64, len(s.Served))
	for k, v := range s.Served {
		c.Served[k] = v
	}
	return c
}
