package index

import "sync"

// Tracker is a Progress token that can be cancelled from another goroutine
// and optionally stops itself after a row budget.
type Tracker struct {
	mu        sync.Mutex
	cancelled bool
	processed int
	budget    int
}

// NewTracker returns an active tracker with no row budget.
func NewTracker() *Tracker {
	return &Tracker{}
}

// NewBudgetTracker returns a tracker that turns inactive once budget rows
// have been processed.
func NewBudgetTracker(budget int) *Tracker {
	return &Tracker{budget: budget}
}

// IsActive reports whether work should continue.
func (t *Tracker) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	return t.budget <= 0 || t.processed < t.budget
}

// AddProgress records n processed rows.
func (t *Tracker) AddProgress(n int) {
	t.mu.Lock()
	t.processed += n
	t.mu.Unlock()
}

// Cancel makes the tracker inactive.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

// Processed returns the number of rows recorded so far.
func (t *Tracker) Processed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processed
}
