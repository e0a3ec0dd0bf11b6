package opt

import "sync"

type key struct {
	Org   string
	RunID string
}

var (
	mu    sync.Mutex
	store = map[key]Metrics{}
)

// RecordMetrics keeps the latest search metrics for a run, for the
// admin surface.
func RecordMetrics(org, runID string, m Metrics) {
	mu.Lock()
	store[key{Org: org, RunID: runID}] = m
	mu.Unlock()
}

// GetMetrics returns the recorded metrics for a run, if any.
func GetMetrics(org, runID string) (Metrics, bool) {
	mu.Lock()
	defer mu.Unlock()
	m, ok := store[key{Org: org, RunID: runID}]
	return m, ok
}
