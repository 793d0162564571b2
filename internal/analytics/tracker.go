package analytics

import (
	"sync"
	"time"

	"Forge/internal/models"
)

const historyCap = 100

// Tracker keeps a rolling window of allocation attempts and aggregate
// counters for the status API.
type Tracker struct {
	mu      sync.RWMutex
	summary models.AllocationSummary
	history []models.AllocationEvent
}

// NewTracker creates a new analytics tracker
func NewTracker() *Tracker {
	return &Tracker{
		history: make([]models.AllocationEvent, 0, historyCap),
	}
}

// RecordAllocation folds one allocation attempt into the aggregates.
func (t *Tracker) RecordAllocation(event models.AllocationEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	t.history = append(t.history, event)
	if len(t.history) > historyCap {
		t.history = t.history[1:]
	}

	t.summary.TotalRequested += event.Requested
	t.summary.TotalCreated += event.Created
	if event.FailedOver {
		t.summary.Failovers++
	}
	switch event.Outcome {
	case "retry":
		t.summary.RetryableFailures++
	case "failed":
		t.summary.FatalFailures++
	}
	t.summary.LastAllocation = event.Timestamp
}

// GetSummary returns the aggregate counters
func (t *Tracker) GetSummary() models.AllocationSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.summary
}

// GetHistory returns up to n most recent events, newest last.
func (t *Tracker) GetHistory(n int) []models.AllocationEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if n <= 0 || n > len(t.history) {
		n = len(t.history)
	}
	out := make([]models.AllocationEvent, n)
	copy(out, t.history[len(t.history)-n:])
	return out
}
