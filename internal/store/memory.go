package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"planforge/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu        sync.Mutex
	scenarios map[string]model.ScenarioRecord // id -> scenario
	scenOrg   map[string][]string             // org -> scenario ids
	runs      map[string]model.Run            // id -> run
	runsOrg   map[string][]string             // org -> run ids
	runOrder  []string                        // creation order, for queue recovery
	results   map[string]model.RunResult      // run id -> result
	subs      map[string][]model.Subscription // org -> subscriptions
	// Webhooks queue state
	deliveries      map[string]*memDelivery // id -> delivery state
	deliveriesByOrg map[string][]string     // org -> delivery ids
	dlq             map[string]*memDLQ      // id -> dead-lettered delivery
	dlqOrder        []string
}

func NewMemory() *Memory {
	return &Memory{
		scenarios:       map[string]model.ScenarioRecord{},
		scenOrg:         map[string][]string{},
		runs:            map[string]model.Run{},
		runsOrg:         map[string][]string{},
		results:         map[string]model.RunResult{},
		subs:            map[string][]model.Subscription{},
		deliveries:      map[string]*memDelivery{},
		deliveriesByOrg: map[string][]string{},
		dlq:             map[string]*memDLQ{},
	}
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

type memDLQ struct {
	ID           string
	OrgID        string
	DeliveryID   string
	EventType    string
	URL          string
	Secret       string
	Payload      []byte
	Attempts     int
	LastError    string
	ResponseCode int
	LatencyMs    int
	CreatedAt    time.Time
}

// Scenarios

func (m *Memory) CreateScenario(ctx context.Context, rec model.ScenarioRecord) (model.ScenarioRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.scenarios[rec.ID] = rec
	m.scenOrg[rec.OrgID] = append(m.scenOrg[rec.OrgID], rec.ID)
	return rec, nil
}

func (m *Memory) GetScenario(ctx context.Context, orgID, id string) (model.ScenarioRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.scenarios[id]
	if !ok || rec.OrgID != orgID {
		return model.ScenarioRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) ListScenarios(ctx context.Context, orgID, cursor string, limit int) ([]model.ScenarioRecord, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.scenOrg[orgID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []model.ScenarioRecord{}
	var last string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		out = append(out, m.scenarios[ids[i]])
		last = ids[i]
	}
	next := ""
	if len(out) == limit && start+len(out) < len(ids) {
		next = last
	}
	return out, next, nil
}

func (m *Memory) UpdateScenario(ctx context.Context, rec model.ScenarioRecord) (model.ScenarioRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.scenarios[rec.ID]
	if !ok || cur.OrgID != rec.OrgID {
		return model.ScenarioRecord{}, ErrNotFound
	}
	cur.Name = rec.Name
	cur.Config = rec.Config
	cur.Scenario = rec.Scenario
	cur.UpdatedAt = time.Now().UTC()
	m.scenarios[rec.ID] = cur
	return cur, nil
}

func (m *Memory) DeleteScenario(ctx context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.scenarios[id]
	if !ok || rec.OrgID != orgID {
		return ErrNotFound
	}
	delete(m.scenarios, id)
	m.scenOrg[orgID] = remove(m.scenOrg[orgID], id)
	// cascade runs and results
	for rid, r := range m.runs {
		if r.ScenarioID == id {
			delete(m.runs, rid)
			delete(m.results, rid)
			m.runsOrg[orgID] = remove(m.runsOrg[orgID], rid)
			m.runOrder = remove(m.runOrder, rid)
		}
	}
	return nil
}

// Runs

func (m *Memory) CreateRun(ctx context.Context, run model.Run) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = "queued"
	}
	run.CreatedAt = time.Now().UTC()
	m.runs[run.ID] = run
	m.runsOrg[run.OrgID] = append(m.runsOrg[run.OrgID], run.ID)
	m.runOrder = append(m.runOrder, run.ID)
	return run, nil
}

func (m *Memory) GetRun(ctx context.Context, orgID, id string) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.OrgID != orgID {
		return model.Run{}, ErrNotFound
	}
	return run, nil
}

func (m *Memory) ListRuns(ctx context.Context, orgID, scenarioID, status, cursor string, limit int) ([]model.Run, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.runsOrg[orgID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []model.Run{}
	var last string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		r := m.runs[ids[i]]
		if scenarioID != "" && r.ScenarioID != scenarioID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
		last = ids[i]
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (m *Memory) ClaimRun(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.Status != "queued" {
		return false, nil
	}
	now := time.Now().UTC()
	run.Status = "running"
	run.StartedAt = &now
	m.runs[id] = run
	return true, nil
}

func (m *Memory) MarkRunFinished(ctx context.Context, id, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	run.Status = status
	run.Error = errMsg
	run.FinishedAt = &now
	m.runs[id] = run
	return nil
}

func (m *Memory) CancelRun(ctx context.Context, orgID, id string) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.OrgID != orgID {
		return model.Run{}, ErrNotFound
	}
	switch run.Status {
	case "queued", "running":
		now := time.Now().UTC()
		run.Status = "cancelled"
		run.FinishedAt = &now
		m.runs[id] = run
	case "cancelled":
		// idempotent
	default:
		return run, ErrConflict
	}
	return run, nil
}

func (m *Memory) FetchQueuedRuns(ctx context.Context, limit int) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Run{}
	for _, id := range m.runOrder {
		r, ok := m.runs[id]
		if !ok || r.Status != "queued" {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) SaveRunResult(ctx context.Context, res model.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[res.RunID] = res
	return nil
}

func (m *Memory) GetRunResult(ctx context.Context, orgID, runID string) (model.RunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.OrgID != orgID {
		return model.RunResult{}, ErrNotFound
	}
	res, ok := m.results[runID]
	if !ok {
		return model.RunResult{}, ErrNotFound
	}
	return res, nil
}

func (m *Memory) RunStats(ctx context.Context, orgID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStatus := map[string]int{"queued": 0, "running": 0, "completed": 0, "failed": 0, "cancelled": 0}
	total := 0
	var durMs, finished int64
	for _, id := range m.runsOrg[orgID] {
		run, ok := m.runs[id]
		if !ok {
			continue
		}
		total++
		byStatus[run.Status]++
		if run.StartedAt != nil && run.FinishedAt != nil {
			durMs += run.FinishedAt.Sub(*run.StartedAt).Milliseconds()
			finished++
		}
	}
	var avg int64
	if finished > 0 {
		avg = durMs / finished
	}
	return map[string]any{"total": total, "byStatus": byStatus, "avgRunMs": avg}, nil
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), OrgID: req.OrgID, URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs[req.OrgID] = append(m.subs[req.OrgID], s)
	return s, nil
}

func (m *Memory) GetSubscription(ctx context.Context, orgID, id string) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs[orgID] {
		if s.ID == id {
			return s, nil
		}
	}
	return model.Subscription{}, ErrNotFound
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, orgID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs[orgID] {
		for _, e := range s.Events {
			if e == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, orgID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[orgID]
	start := 0
	if cursor != "" {
		for i := range list {
			if list[i].ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	items := append([]model.Subscription(nil), list[start:end]...)
	next := ""
	if end < len(list) {
		next = list[end-1].ID
	}
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := m.subs[orgID]
	out := make([]model.Subscription, 0, len(arr))
	found := false
	for _, s := range arr {
		if s.ID == id {
			found = true
			continue
		}
		out = append(out, s)
	}
	if !found {
		return ErrNotFound
	}
	m.subs[orgID] = out
	return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, orgID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, OrgID: orgID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending", Attempts: 0}, NextAttemptAt: time.Now()}
	m.deliveries[id] = d
	m.deliveriesByOrg[orgID] = append(m.deliveriesByOrg[orgID], id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.iterDeliveryIDs() {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return nil
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
	} else {
		d.Status = "retry"
		d.LastError = lastError
		if nextAttemptAt != nil {
			d.NextAttemptAt = *nextAttemptAt
		} else {
			d.NextAttemptAt = time.Now().Add(1 * time.Minute)
		}
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return nil
	}
	d.Status = "failed"
	d.LastError = lastError
	dlqID := uuid.New().String()
	m.dlq[dlqID] = &memDLQ{
		ID: dlqID, OrgID: d.OrgID, DeliveryID: id,
		EventType: d.EventType, URL: d.URL, Secret: d.Secret, Payload: d.Payload,
		Attempts: d.Attempts + 1, LastError: lastError,
		ResponseCode: responseCode, LatencyMs: latencyMs, CreatedAt: time.Now().UTC(),
	}
	m.dlqOrder = append(m.dlqOrder, dlqID)
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, orgID, status, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []map[string]any{}
	for _, id := range m.deliveriesByOrg[orgID] {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if status == "" || d.Status == status {
			item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
			if !d.NextAttemptAt.IsZero() {
				item["nextAttemptAt"] = d.NextAttemptAt
			}
			if d.LastError != "" {
				item["lastError"] = d.LastError
			}
			out = append(out, item)
		}
	}
	return out, "", nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d != nil && d.OrgID == orgID {
		d.Status = "pending"
		d.NextAttemptAt = time.Now()
	}
	return nil
}

func (m *Memory) WebhookMetrics(ctx context.Context, orgID string, since time.Time, eventType, status string, codeMin, codeMax int, buckets []int) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(buckets) == 0 {
		buckets = []int{100, 500, 1000}
	}
	type agg struct {
		cnt int
		sum int
		b   []int
	}
	by := map[string]*agg{} // key: eventType|status
	add := func(typ, st string, latency int) {
		k := typ + "|" + st
		a := by[k]
		if a == nil {
			a = &agg{b: make([]int, len(buckets)+1)}
			by[k] = a
		}
		a.cnt++
		if latency > 0 {
			a.sum += latency
		}
		bi := len(buckets)
		for i, edge := range buckets {
			if latency < edge {
				bi = i
				break
			}
		}
		a.b[bi]++
	}
	for _, id := range m.deliveriesByOrg[orgID] {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if !since.IsZero() && d.DeliveredAt != nil && d.DeliveredAt.Before(since) {
			continue
		}
		if eventType != "" && d.EventType != eventType {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		if codeMin > 0 && d.ResponseCode < codeMin {
			continue
		}
		if codeMax > 0 && d.ResponseCode > codeMax {
			continue
		}
		add(d.EventType, d.Status, d.LatencyMs)
	}
	out := []map[string]any{}
	for k, a := range by {
		et, st, _ := strings.Cut(k, "|")
		avg := 0
		if a.cnt > 0 {
			avg = a.sum / a.cnt
		}
		row := map[string]any{"eventType": et, "status": st, "count": a.cnt, "avgLatencyMs": avg, "latencyBucketEdges": buckets, "latencyBucketCounts": a.b}
		out = append(out, row)
	}
	return out, nil
}

// Dead-letter queue

func (m *Memory) ListWebhookDLQ(ctx context.Context, orgID, eventType string, olderThan time.Time, codeMin, codeMax int, errorQuery, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	start := 0
	if cursor != "" {
		for i, id := range m.dlqOrder {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	out := []map[string]any{}
	var last string
	for i := start; i < len(m.dlqOrder) && len(out) < limit; i++ {
		e := m.dlq[m.dlqOrder[i]]
		if e == nil || e.OrgID != orgID {
			continue
		}
		if eventType != "" && e.EventType != eventType {
			continue
		}
		if !olderThan.IsZero() && !e.CreatedAt.Before(olderThan) {
			continue
		}
		if codeMin > 0 && e.ResponseCode < codeMin {
			continue
		}
		if codeMax > 0 && e.ResponseCode > codeMax {
			continue
		}
		if errorQuery != "" && !strings.Contains(strings.ToLower(e.LastError), strings.ToLower(errorQuery)) {
			continue
		}
		out = append(out, map[string]any{"id": e.ID, "deliveryId": e.DeliveryID, "eventType": e.EventType, "url": e.URL, "lastError": e.LastError, "attempts": e.Attempts, "createdAt": e.CreatedAt, "responseCode": e.ResponseCode, "latencyMs": e.LatencyMs})
		last = e.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (m *Memory) RequeueWebhookDLQ(ctx context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requeueDLQLocked(orgID, id)
}

func (m *Memory) RequeueWebhookDLQBulk(ctx context.Context, orgID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if err := m.requeueDLQLocked(orgID, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) requeueDLQLocked(orgID, id string) error {
	e := m.dlq[id]
	if e == nil || e.OrgID != orgID {
		return ErrNotFound
	}
	nid := uuid.New().String()
	d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: nid, OrgID: orgID, SubscriptionID: "", EventType: e.EventType, URL: e.URL, Secret: e.Secret, Payload: e.Payload, Status: "pending"}, NextAttemptAt: time.Now()}
	m.deliveries[nid] = d
	m.deliveriesByOrg[orgID] = append(m.deliveriesByOrg[orgID], nid)
	delete(m.dlq, id)
	m.dlqOrder = remove(m.dlqOrder, id)
	return nil
}

func (m *Memory) DeleteWebhookDLQBulk(ctx context.Context, orgID string, ids []string, olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(ids) > 0 {
		for _, id := range ids {
			if e := m.dlq[id]; e != nil && e.OrgID == orgID {
				delete(m.dlq, id)
				m.dlqOrder = remove(m.dlqOrder, id)
			}
		}
		return nil
	}
	if !olderThan.IsZero() {
		for _, id := range append([]string(nil), m.dlqOrder...) {
			if e := m.dlq[id]; e != nil && e.OrgID == orgID && e.CreatedAt.Before(olderThan) {
				delete(m.dlq, id)
				m.dlqOrder = remove(m.dlqOrder, id)
			}
		}
	}
	return nil
}

// helper: iterate delivery IDs by org order
func (m *Memory) iterDeliveryIDs() []string {
	ids := []string{}
	for _, lst := range m.deliveriesByOrg {
		ids = append(ids, lst...)
	}
	return ids
}

func remove(list []string, id string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
