package api

import (
	"sync"
)

// SSEEvent is one run event as fanned out to streaming clients.
type SSEEvent struct {
	Type string
	Data map[string]any
}

// Broker is the in-memory event broker: per-run sets of buffered
// channels. Slow subscribers drop events rather than block publishers.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{} // org:runId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func brokerKey(orgID, runID string) string { return orgID + ":" + runID }

func (b *Broker) Subscribe(orgID, runID string) chan SSEEvent {
	ch := make(chan SSEEvent, 16)
	key := brokerKey(orgID, runID)
	b.mu.Lock()
	if b.subs[key] == nil {
		b.subs[key] = map[chan SSEEvent]struct{}{}
	}
	b.subs[key][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(orgID, runID string, ch chan SSEEvent) {
	key := brokerKey(orgID, runID)
	b.mu.Lock()
	if m := b.subs[key]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, key)
		}
	}
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) Publish(orgID, runID string, evt SSEEvent) {
	b.mu.Lock()
	m := b.subs[brokerKey(orgID, runID)]
	for ch := range m {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
