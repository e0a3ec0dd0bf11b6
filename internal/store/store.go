package store

import (
	"context"
	"errors"
	"time"

	"planforge/internal/model"
)

// Store is the persistence interface used by the API server and the
// run executor.
type Store interface {
	// Scenarios
	CreateScenario(ctx context.Context, rec model.ScenarioRecord) (model.ScenarioRecord, error)
	GetScenario(ctx context.Context, orgID, id string) (model.ScenarioRecord, error)
	ListScenarios(ctx context.Context, orgID, cursor string, limit int) ([]model.ScenarioRecord, string, error)
	UpdateScenario(ctx context.Context, rec model.ScenarioRecord) (model.ScenarioRecord, error)
	DeleteScenario(ctx context.Context, orgID, id string) error

	// Runs
	CreateRun(ctx context.Context, run model.Run) (model.Run, error)
	GetRun(ctx context.Context, orgID, id string) (model.Run, error)
	ListRuns(ctx context.Context, orgID, scenarioID, status, cursor string, limit int) ([]model.Run, string, error)
	// ClaimRun flips a queued run to running; false means someone else
	// got there first or the run is gone.
	ClaimRun(ctx context.Context, id string) (bool, error)
	MarkRunFinished(ctx context.Context, id, status, errMsg string) error
	CancelRun(ctx context.Context, orgID, id string) (model.Run, error)
	FetchQueuedRuns(ctx context.Context, limit int) ([]model.Run, error)
	SaveRunResult(ctx context.Context, res model.RunResult) error
	GetRunResult(ctx context.Context, orgID, runID string) (model.RunResult, error)
	RunStats(ctx context.Context, orgID string) (map[string]any, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscription(ctx context.Context, orgID, id string) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, orgID, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, orgID, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, orgID, id string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, orgID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, orgID, status, cursor string, limit int) ([]map[string]any, string, error)
	RetryWebhookDelivery(ctx context.Context, orgID, id string) error
	WebhookMetrics(ctx context.Context, orgID string, since time.Time, eventType, status string, codeMin, codeMax int, buckets []int) ([]map[string]any, error)

	// Dead-letter queue
	ListWebhookDLQ(ctx context.Context, orgID, eventType string, olderThan time.Time, codeMin, codeMax int, errorQuery, cursor string, limit int) ([]map[string]any, string, error)
	RequeueWebhookDLQ(ctx context.Context, orgID, id string) error
	RequeueWebhookDLQBulk(ctx context.Context, orgID string, ids []string) error
	DeleteWebhookDLQBulk(ctx context.Context, orgID string, ids []string, olderThan time.Time) error
}

var ErrNotFound = errors.New("not found")

// ErrConflict reports a state transition that the current status does
// not allow, such as cancelling a finished run.
var ErrConflict = errors.New("conflict")
