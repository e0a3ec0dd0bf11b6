package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"planforge/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// MigrateDir applies every .sql file in dir in name order. Statements
// are expected to be idempotent (CREATE TABLE IF NOT EXISTS and the
// like); there is no version bookkeeping.
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	return nil
}

// Scenarios

func (p *Postgres) CreateScenario(ctx context.Context, rec model.ScenarioRecord) (model.ScenarioRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	doc, err := json.Marshal(rec.Scenario)
	if err != nil {
		return model.ScenarioRecord{}, err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO scenarios (id, org_id, name, config, doc, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6,$6)`,
		rec.ID, rec.OrgID, rec.Name, rec.Config, doc, now)
	if err != nil {
		return model.ScenarioRecord{}, err
	}
	return rec, nil
}

func (p *Postgres) GetScenario(ctx context.Context, orgID, id string) (model.ScenarioRecord, error) {
	var rec model.ScenarioRecord
	var doc []byte
	row := p.db.QueryRowContext(ctx, `SELECT id::text, org_id, name, config, doc, created_at, updated_at FROM scenarios WHERE org_id=$1 AND id=$2`, orgID, id)
	if err := row.Scan(&rec.ID, &rec.OrgID, &rec.Name, &rec.Config, &doc, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, ErrNotFound
		}
		return rec, err
	}
	if err := json.Unmarshal(doc, &rec.Scenario); err != nil {
		return rec, err
	}
	return rec, nil
}

func (p *Postgres) ListScenarios(ctx context.Context, orgID, cursor string, limit int) ([]model.ScenarioRecord, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, org_id, name, config, doc, created_at, updated_at FROM scenarios WHERE org_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, orgID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, org_id, name, config, doc, created_at, updated_at FROM scenarios WHERE org_id=$1 ORDER BY id LIMIT $2`, orgID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.ScenarioRecord{}
	var last string
	for rows.Next() {
		var rec model.ScenarioRecord
		var doc []byte
		if err := rows.Scan(&rec.ID, &rec.OrgID, &rec.Name, &rec.Config, &doc, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, "", err
		}
		if err := json.Unmarshal(doc, &rec.Scenario); err != nil {
			return nil, "", err
		}
		out = append(out, rec)
		last = rec.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) UpdateScenario(ctx context.Context, rec model.ScenarioRecord) (model.ScenarioRecord, error) {
	doc, err := json.Marshal(rec.Scenario)
	if err != nil {
		return model.ScenarioRecord{}, err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE scenarios SET name=$1, config=$2, doc=$3, updated_at=now() WHERE org_id=$4 AND id=$5`,
		rec.Name, rec.Config, doc, rec.OrgID, rec.ID)
	if err != nil {
		return model.ScenarioRecord{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ScenarioRecord{}, ErrNotFound
	}
	return p.GetScenario(ctx, rec.OrgID, rec.ID)
}

func (p *Postgres) DeleteScenario(ctx context.Context, orgID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM scenarios WHERE org_id=$1 AND id=$2`, orgID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Runs

func (p *Postgres) CreateRun(ctx context.Context, run model.Run) (model.Run, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = "queued"
	}
	run.CreatedAt = time.Now().UTC()
	params, err := json.Marshal(run.Params)
	if err != nil {
		return model.Run{}, err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO runs (id, org_id, scenario_id, status, budget, seed, params, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		run.ID, run.OrgID, run.ScenarioID, run.Status, run.Budget, run.Seed, params, run.CreatedAt)
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

func (p *Postgres) scanRun(row interface{ Scan(...any) error }) (model.Run, error) {
	var run model.Run
	var params []byte
	var errMsg sql.NullString
	var started, finished sql.NullTime
	if err := row.Scan(&run.ID, &run.OrgID, &run.ScenarioID, &run.Status, &run.Budget, &run.Seed, &params, &errMsg, &run.CreatedAt, &started, &finished); err != nil {
		return run, err
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &run.Params)
	}
	run.Error = errMsg.String
	if started.Valid {
		t := started.Time
		run.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}

const runCols = `id::text, org_id, scenario_id::text, status, budget, seed, params, error, created_at, started_at, finished_at`

func (p *Postgres) GetRun(ctx context.Context, orgID, id string) (model.Run, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE org_id=$1 AND id=$2`, orgID, id)
	run, err := p.scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, ErrNotFound
	}
	return run, err
}

func (p *Postgres) ListRuns(ctx context.Context, orgID, scenarioID, status, cursor string, limit int) ([]model.Run, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	base := `SELECT ` + runCols + ` FROM runs WHERE org_id=$1`
	args := []any{orgID}
	idx := 2
	if scenarioID != "" {
		base += ` AND scenario_id=$` + fmt.Sprint(idx)
		args = append(args, scenarioID)
		idx++
	}
	if status != "" {
		base += ` AND status=$` + fmt.Sprint(idx)
		args = append(args, status)
		idx++
	}
	if cursor != "" {
		base += ` AND id::text > $` + fmt.Sprint(idx)
		args = append(args, cursor)
		idx++
	}
	base += ` ORDER BY id LIMIT $` + fmt.Sprint(idx)
	args = append(args, limit)
	rows, err := p.db.QueryContext(ctx, base, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Run{}
	var last string
	for rows.Next() {
		run, err := p.scanRun(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, run)
		last = run.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) ClaimRun(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE runs SET status='running', started_at=now() WHERE id=$1 AND status='queued'`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) MarkRunFinished(ctx context.Context, id, status, errMsg string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE runs SET status=$1, error=$2, finished_at=now() WHERE id=$3`, status, nullIfEmpty(errMsg), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CancelRun(ctx context.Context, orgID, id string) (model.Run, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE runs SET status='cancelled', finished_at=now() WHERE org_id=$1 AND id=$2 AND status IN ('queued','running')`, orgID, id)
	if err != nil {
		return model.Run{}, err
	}
	run, err := p.GetRun(ctx, orgID, id)
	if err != nil {
		return model.Run{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 && run.Status != "cancelled" {
		return run, ErrConflict
	}
	return run, nil
}

func (p *Postgres) FetchQueuedRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+runCols+` FROM runs WHERE status='queued' ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Run{}
	for rows.Next() {
		run, err := p.scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (p *Postgres) SaveRunResult(ctx context.Context, res model.RunResult) error {
	best, err := json.Marshal(res.Best)
	if err != nil {
		return err
	}
	final, err := json.Marshal(res.Final)
	if err != nil {
		return err
	}
	var metrics any
	if len(res.Metrics) > 0 {
		metrics = []byte(res.Metrics)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO run_results (run_id, best, score, fitness, elapsed, executed, trace, final, metrics)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (run_id) DO UPDATE SET best=$2, score=$3, fitness=$4, elapsed=$5, executed=$6, trace=$7, final=$8, metrics=$9`,
		res.RunID, best, res.Score, res.Fitness, res.Elapsed, res.Executed, res.Trace, final, metrics)
	return err
}

func (p *Postgres) GetRunResult(ctx context.Context, orgID, runID string) (model.RunResult, error) {
	var res model.RunResult
	var best, final, metrics []byte
	row := p.db.QueryRowContext(ctx, `SELECT r.run_id::text, r.best, r.score, r.fitness, r.elapsed, r.executed, r.trace, r.final, r.metrics
		FROM run_results r JOIN runs ru ON ru.id = r.run_id WHERE ru.org_id=$1 AND r.run_id=$2`, orgID, runID)
	if err := row.Scan(&res.RunID, &best, &res.Score, &res.Fitness, &res.Elapsed, &res.Executed, &res.Trace, &final, &metrics); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return res, ErrNotFound
		}
		return res, err
	}
	if err := json.Unmarshal(best, &res.Best); err != nil {
		return res, err
	}
	if err := json.Unmarshal(final, &res.Final); err != nil {
		return res, err
	}
	if len(metrics) > 0 {
		res.Metrics = json.RawMessage(metrics)
	}
	return res, nil
}

func (p *Postgres) RunStats(ctx context.Context, orgID string) (map[string]any, error) {
	row := p.db.QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN status='queued' THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN status='running' THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN status='cancelled' THEN 1 ELSE 0 END),0),
		COALESCE(AVG(EXTRACT(EPOCH FROM (finished_at - started_at))*1000)
			FILTER (WHERE started_at IS NOT NULL AND finished_at IS NOT NULL), 0)::bigint
		FROM runs WHERE org_id=$1`, orgID)
	var total, queued, running, completed, failed, cancelled int
	var avgMs int64
	if err := row.Scan(&total, &queued, &running, &completed, &failed, &cancelled, &avgMs); err != nil {
		return nil, err
	}
	return map[string]any{
		"total": total,
		"byStatus": map[string]int{
			"queued": queued, "running": running, "completed": completed,
			"failed": failed, "cancelled": cancelled,
		},
		"avgRunMs": avgMs,
	}, nil
}

// Subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, org_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`, id, req.OrgID, req.URL, ev, nullIfEmpty(req.Secret))
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, OrgID: req.OrgID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscription(ctx context.Context, orgID, id string) (model.Subscription, error) {
	var s model.Subscription
	var ev []byte
	err := p.db.QueryRowContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions WHERE org_id=$1 AND id::text=$2`, orgID, id).Scan(&s.ID, &s.URL, &s.Secret, &ev)
	if err == sql.ErrNoRows {
		return model.Subscription{}, ErrNotFound
	}
	if err != nil {
		return model.Subscription{}, err
	}
	s.OrgID = orgID
	_ = json.Unmarshal(ev, &s.Events)
	return s, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, orgID, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions WHERE org_id=$1 AND events @> $2::jsonb`, orgID, fmt.Sprintf("[%q]", eventType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, err
		}
		s.OrgID = orgID
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
	}
	return out, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, orgID, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions WHERE org_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, orgID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions WHERE org_id=$1 ORDER BY id LIMIT $2`, orgID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var out []model.Subscription
	var last string
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, "", err
		}
		s.OrgID = orgID
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
		last = s.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, orgID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE org_id=$1 AND id=$2`, orgID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, orgID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	dk := computeDedupKey(payload)
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, org_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
		ON CONFLICT (org_id, event_type, url, dedup_key) DO NOTHING`, id, orgID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, dk)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, org_id, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
		FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		var payload []byte
		if err := rows.Scan(&d.ID, &d.OrgID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		d.Payload = payload
		out = append(out, d)
	}
	return out, nil
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(1 * time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$1, next_attempt_at=$2, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$3`,
			nullIfEmpty(lastError), *nextAttemptAt, id, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`, id, nullIfEmpty(lastError), responseCode, latencyMs)
	if err != nil {
		return err
	}
	// move to DLQ
	_, err = p.db.ExecContext(ctx, `INSERT INTO webhook_dlq (id, org_id, delivery_id, event_type, url, secret, payload, attempts, last_error, response_code, latency_ms)
		SELECT gen_random_uuid(), org_id, id, event_type, url, secret, payload, attempts+1, $2, response_code, latency_ms FROM webhook_deliveries WHERE id=$1`, id, nullIfEmpty(lastError))
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, orgID, status, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, event_type, status, attempts, next_attempt_at, COALESCE(last_error,''), url FROM webhook_deliveries WHERE org_id=$1`
	var rows *sql.Rows
	var err error
	if status != "" {
		q += ` AND status=$2 ORDER BY id LIMIT $3`
		rows, err = p.db.QueryContext(ctx, q, orgID, status, limit)
	} else {
		q += ` ORDER BY id LIMIT $2`
		rows, err = p.db.QueryContext(ctx, q, orgID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, typ, st, lastErr, url string
		var attempts int
		var nextAt sql.NullTime
		if err := rows.Scan(&id, &typ, &st, &attempts, &nextAt, &lastErr, &url); err != nil {
			return nil, "", err
		}
		m := map[string]any{"id": id, "eventType": typ, "status": st, "attempts": attempts, "url": url}
		if nextAt.Valid {
			m["nextAttemptAt"] = nextAt.Time
		}
		if lastErr != "" {
			m["lastError"] = lastErr
		}
		out = append(out, m)
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, orgID, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE org_id=$1 AND id=$2`, orgID, id)
	return err
}

func (p *Postgres) WebhookMetrics(ctx context.Context, orgID string, since time.Time, eventType, status string, codeMin, codeMax int, buckets []int) ([]map[string]any, error) {
	if len(buckets) == 0 {
		buckets = []int{100, 500, 1000}
	}
	sel := `SELECT event_type, status, COUNT(*) AS cnt, COALESCE(AVG(latency_ms),0)::bigint AS avg_latency_ms`
	for i, edge := range buckets {
		if i == 0 {
			sel += fmt.Sprintf(", SUM(CASE WHEN COALESCE(latency_ms,0) < %d THEN 1 ELSE 0 END) AS b%d", edge, i)
		} else {
			prev := buckets[i-1]
			sel += fmt.Sprintf(", SUM(CASE WHEN COALESCE(latency_ms,0) >= %d AND COALESCE(latency_ms,0) < %d THEN 1 ELSE 0 END) AS b%d", prev, edge, i)
		}
	}
	lastEdge := buckets[len(buckets)-1]
	sel += fmt.Sprintf(", SUM(CASE WHEN COALESCE(latency_ms,0) >= %d THEN 1 ELSE 0 END) AS b%d", lastEdge, len(buckets))
	sel += ", SUM(CASE WHEN COALESCE(response_code,0) BETWEEN 200 AND 299 THEN 1 ELSE 0 END) AS c2xx" +
		", SUM(CASE WHEN COALESCE(response_code,0) BETWEEN 300 AND 399 THEN 1 ELSE 0 END) AS c3xx" +
		", SUM(CASE WHEN COALESCE(response_code,0) BETWEEN 400 AND 499 THEN 1 ELSE 0 END) AS c4xx" +
		", SUM(CASE WHEN COALESCE(response_code,0) BETWEEN 500 AND 599 THEN 1 ELSE 0 END) AS c5xx"
	q := sel + ` FROM webhook_deliveries WHERE org_id=$1 AND updated_at >= $2`
	args := []any{orgID, since}
	idx := 3
	if eventType != "" {
		q += ` AND event_type=$` + fmt.Sprint(idx)
		args = append(args, eventType)
		idx++
	}
	if status != "" {
		q += ` AND status=$` + fmt.Sprint(idx)
		args = append(args, status)
		idx++
	}
	if codeMin > 0 {
		q += ` AND COALESCE(response_code,0) >= $` + fmt.Sprint(idx)
		args = append(args, codeMin)
		idx++
	}
	if codeMax > 0 {
		q += ` AND COALESCE(response_code,0) <= $` + fmt.Sprint(idx)
		args = append(args, codeMax)
		idx++
	}
	q += ` GROUP BY event_type, status`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []map[string]any{}
	for rows.Next() {
		cols := 4 + len(buckets) + 1 + 4
		scan := make([]any, cols)
		var et, st string
		var cnt, avg int64
		scan[0] = &et
		scan[1] = &st
		scan[2] = &cnt
		scan[3] = &avg
		bucketVals := make([]int64, len(buckets)+1)
		for i := range bucketVals {
			scan[4+i] = &bucketVals[i]
		}
		base := 4 + len(bucketVals)
		var c2, c3, c4, c5 int64
		scan[base+0] = &c2
		scan[base+1] = &c3
		scan[base+2] = &c4
		scan[base+3] = &c5
		if err := rows.Scan(scan...); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"eventType":           et,
			"status":              st,
			"count":               cnt,
			"avgLatencyMs":        avg,
			"latencyBucketEdges":  buckets,
			"latencyBucketCounts": bucketVals,
			"codeClasses":         map[string]int64{"c2xx": c2, "c3xx": c3, "c4xx": c4, "c5xx": c5},
		})
	}
	return out, nil
}

// Dead-letter queue

func (p *Postgres) ListWebhookDLQ(ctx context.Context, orgID, eventType string, olderThan time.Time, codeMin, codeMax int, errorQuery, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	base := `SELECT id::text, delivery_id::text, event_type, url, COALESCE(last_error,''), attempts, created_at, COALESCE(response_code,0), COALESCE(latency_ms,0) FROM webhook_dlq WHERE org_id=$1`
	args := []any{orgID}
	idx := 2
	if eventType != "" {
		base += ` AND event_type=$` + fmt.Sprint(idx)
		args = append(args, eventType)
		idx++
	}
	if !olderThan.IsZero() {
		base += ` AND created_at < $` + fmt.Sprint(idx)
		args = append(args, olderThan)
		idx++
	}
	if codeMin > 0 {
		base += ` AND COALESCE(response_code,0) >= $` + fmt.Sprint(idx)
		args = append(args, codeMin)
		idx++
	}
	if codeMax > 0 {
		base += ` AND COALESCE(response_code,0) <= $` + fmt.Sprint(idx)
		args = append(args, codeMax)
		idx++
	}
	if errorQuery != "" {
		base += ` AND last_error ILIKE $` + fmt.Sprint(idx)
		args = append(args, "%"+errorQuery+"%")
		idx++
	}
	if cursor != "" {
		base += ` AND id::text > $` + fmt.Sprint(idx)
		args = append(args, cursor)
		idx++
	}
	base += ` ORDER BY id LIMIT $` + fmt.Sprint(idx)
	args = append(args, limit)
	rows, err := p.db.QueryContext(ctx, base, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, delID, et, url, errStr string
		var attempts, code, latency int
		var created time.Time
		if err := rows.Scan(&id, &delID, &et, &url, &errStr, &attempts, &created, &code, &latency); err != nil {
			return nil, "", err
		}
		out = append(out, map[string]any{"id": id, "deliveryId": delID, "eventType": et, "url": url, "lastError": errStr, "attempts": attempts, "createdAt": created, "responseCode": code, "latencyMs": latency})
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) RequeueWebhookDLQ(ctx context.Context, orgID, id string) error {
	var delID, et, url, secret string
	var payload []byte
	err := p.db.QueryRowContext(ctx, `SELECT COALESCE(delivery_id::text,''), event_type, url, COALESCE(secret,''), payload FROM webhook_dlq WHERE org_id=$1 AND id=$2`, orgID, id).Scan(&delID, &et, &url, &secret, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if _, err := p.EnqueueWebhook(ctx, orgID, delID, et, url, secret, payload); err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `DELETE FROM webhook_dlq WHERE org_id=$1 AND id=$2`, orgID, id)
	return err
}

func (p *Postgres) RequeueWebhookDLQBulk(ctx context.Context, orgID string, ids []string) error {
	for _, id := range ids {
		if err := p.RequeueWebhookDLQ(ctx, orgID, id); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) DeleteWebhookDLQBulk(ctx context.Context, orgID string, ids []string, olderThan time.Time) error {
	if len(ids) > 0 {
		for _, id := range ids {
			if _, err := p.db.ExecContext(ctx, `DELETE FROM webhook_dlq WHERE org_id=$1 AND id=$2`, orgID, id); err != nil {
				return err
			}
		}
		return nil
	}
	if !olderThan.IsZero() {
		_, err := p.db.ExecContext(ctx, `DELETE FROM webhook_dlq WHERE org_id=$1 AND created_at < $2`, orgID, olderThan)
		return err
	}
	return nil
}

func computeDedupKey(payload []byte) string {
	// prefer the event id when the payload carries one
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
