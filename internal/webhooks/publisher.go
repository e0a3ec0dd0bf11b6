package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"planforge/internal/store"
)

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Emit fans an event out to every subscription the org holds for the
// event type. Delivery is asynchronous; this only enqueues.
func (p *Publisher) Emit(ctx context.Context, orgID, eventType string, data any) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, orgID, eventType)
	if err != nil || len(subs) == 0 {
		return
	}
	payload := map[string]any{
		"id":    fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		"type":  eventType,
		"orgId": orgID,
		"ts":    time.Now().UTC().Format(time.RFC3339),
		"data":  data,
	}
	body, _ := json.Marshal(payload)
	for _, s := range subs {
		_, _ = p.Store.EnqueueWebhook(ctx, orgID, s.ID, eventType, s.URL, s.Secret, body)
	}
}
