package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"planforge/internal/model"
	"planforge/internal/opt"
)

const plankConfig = "wood:10\nmake_plank:(wood:2):(plank:1):5\noptimize:(plank)\n"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("RATE_RPS", "")
	s, err := NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func createScenario(t *testing.T, s *Server) model.ScenarioRecord {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/scenarios?name=plank", strings.NewReader(plankConfig))
	s.ScenariosHandler(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create scenario: %d %s", rr.Code, rr.Body.String())
	}
	var rec model.ScenarioRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode scenario: %v", err)
	}
	return rec
}

func createRun(t *testing.T, s *Server, scenarioID string, budget int) model.Run {
	t.Helper()
	body, _ := json.Marshal(model.RunRequest{ScenarioID: scenarioID, Budget: budget, Seed: 42})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.RunsHandler(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("create run: %d %s", rr.Code, rr.Body.String())
	}
	var run model.Run
	if err := json.Unmarshal(rr.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	return run
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestScenarioLifecycle(t *testing.T) {
	s := newTestServer(t)
	rec := createScenario(t, s)
	if rec.ID == "" || rec.Name != "plank" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Config != plankConfig {
		t.Fatalf("raw config not preserved: %q", rec.Config)
	}
	if len(rec.Scenario.Targets) != 1 || rec.Scenario.Targets[0] != "plank" {
		t.Fatalf("targets: %v", rec.Scenario.Targets)
	}

	rr := httptest.NewRecorder()
	s.ScenarioByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/scenarios/"+rec.ID, nil))
	if rr.Code != 200 {
		t.Fatalf("get scenario: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.ScenariosHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/scenarios?limit=5", nil))
	if rr.Code != 200 {
		t.Fatalf("list scenarios: %d", rr.Code)
	}
	var list struct {
		Items []model.ScenarioRecord `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil || len(list.Items) != 1 {
		t.Fatalf("list: err=%v items=%d", err, len(list.Items))
	}

	// Update via JSON document; stored config is the canonical rendering.
	doc := `{"name":"plank2","stocks":{"wood":4},"processes":[{"name":"make_plank","need":{"wood":2},"output":{"plank":1},"duration":5}],"optimize":["plank"]}`
	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/scenarios/"+rec.ID, strings.NewReader(doc))
	req.Header.Set("Content-Type", "application/json")
	s.ScenarioByIDHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("update scenario: %d %s", rr.Code, rr.Body.String())
	}
	var upd model.ScenarioRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &upd); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if upd.Name != "plank2" || !strings.Contains(upd.Config, "optimize:(plank)") {
		t.Fatalf("update: %+v", upd)
	}

	rr = httptest.NewRecorder()
	s.ScenarioByIDHandler(rr, httptest.NewRequest(http.MethodDelete, "/v1/scenarios/"+rec.ID, nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete scenario: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ScenarioByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/scenarios/"+rec.ID, nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get deleted scenario: %d", rr.Code)
	}
}

func TestScenarioValidation(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	s.ScenariosHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/scenarios", strings.NewReader("not a config")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad config: %d", rr.Code)
	}

	// A document without processes fails validation.
	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/scenarios", strings.NewReader(`{"name":"x","stocks":{"a":1},"optimize":["a"]}`))
	req.Header.Set("Content-Type", "application/json")
	s.ScenariosHandler(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty catalogue: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/scenarios", strings.NewReader(plankConfig))
	req.Header.Set("X-Role", "viewer")
	s.ScenariosHandler(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer create: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.ScenarioByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/scenarios/a/b", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("subpath: %d", rr.Code)
	}
}

func TestScenarioImport(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "good.krp"), []byte(plankConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.krp"), []byte("no colon here"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCENARIO_DROPDIR", dir)
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/scenarios/import", nil)
	req.Header.Set("X-Role", "viewer")
	s.ScenarioImportHandler(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer import: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.ScenarioImportHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/scenarios/import", nil))
	if rr.Code != 200 {
		t.Fatalf("import: %d %s", rr.Code, rr.Body.String())
	}
	var res struct {
		Imported int `json:"imported"`
		Skipped  int `json:"skipped"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode import: %v", err)
	}
	if res.Imported != 1 || res.Skipped != 0 {
		t.Fatalf("import counts: %+v", res)
	}

	rr = httptest.NewRecorder()
	s.ScenariosHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/scenarios", nil))
	var list struct {
		Items []model.ScenarioRecord `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil || len(list.Items) != 1 {
		t.Fatalf("list after import: err=%v items=%d", err, len(list.Items))
	}
	if list.Items[0].Name != "good" {
		t.Fatalf("imported name: %q", list.Items[0].Name)
	}

	// Acked files are renamed and not offered again.
	rr = httptest.NewRecorder()
	s.ScenarioImportHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/scenarios/import", nil))
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil || res.Imported != 0 {
		t.Fatalf("second import: err=%v %+v", err, res)
	}
}

func TestRunValidation(t *testing.T) {
	s := newTestServer(t)
	rec := createScenario(t, s)

	post := func(body string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		s.RunsHandler(rr, req)
		return rr
	}

	if rr := post(`{"scenarioId":"` + rec.ID + `"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("zero budget: %d", rr.Code)
	}
	if rr := post(`{"scenarioId":"nope","budget":20}`); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown scenario: %d", rr.Code)
	}
	if rr := post(`{"scenario_id":"x","budget":20}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: %d", rr.Code)
	}
	if rr := post(`{broken`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad json: %d", rr.Code)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(`{"scenarioId":"`+rec.ID+`","budget":20}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Role", "viewer")
	s.RunsHandler(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer run: %d", rr.Code)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestServer(t)
	rec := createScenario(t, s)

	// Subscribe to run.queued so creation enqueues a delivery.
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/subscriptions", strings.NewReader(`{"url":"https://example.invalid/hook","events":["run.queued"],"secret":"shh"}`))
	req.Header.Set("Content-Type", "application/json")
	s.SubscriptionsHandler(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create sub: %d %s", rr.Code, rr.Body.String())
	}

	run := createRun(t, s, rec.ID, 20)
	if run.Status != "queued" {
		t.Fatalf("status: %q", run.Status)
	}

	rr = httptest.NewRecorder()
	s.WebhookDeliveriesHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-deliveries?limit=10", nil))
	if rr.Code != 200 {
		t.Fatalf("deliveries: %d", rr.Code)
	}
	var dres struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &dres); err != nil || len(dres.Items) == 0 {
		t.Fatalf("expected a queued delivery: err=%v items=%d", err, len(dres.Items))
	}

	rr = httptest.NewRecorder()
	s.RunsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/runs?status=queued", nil))
	var rlist struct {
		Items []model.Run `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &rlist); err != nil || len(rlist.Items) != 1 {
		t.Fatalf("queued list: err=%v items=%d", err, len(rlist.Items))
	}

	s.Runner.Start()
	defer s.Runner.StopAll()
	s.Runner.Kick()

	type runView struct {
		model.Run
		Result *model.RunResult `json:"result"`
	}
	var got runView
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rr = httptest.NewRecorder()
		s.RunByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.ID, nil))
		if rr.Code != 200 {
			t.Fatalf("get run: %d", rr.Code)
		}
		got = runView{}
		if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode run: %v", err)
		}
		if got.Status == "completed" || got.Status == "failed" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got.Status != "completed" {
		t.Fatalf("run did not complete: status=%q error=%q", got.Status, got.Error)
	}
	if got.Result == nil || got.Result.Fitness < 1 {
		t.Fatalf("result: %+v", got.Result)
	}
	if !strings.Contains(got.Result.Trace, "make_plank") {
		t.Fatalf("trace: %q", got.Result.Trace)
	}
	if got.Result.Final["plank"] < 1 {
		t.Fatalf("final stocks: %v", got.Result.Final)
	}

	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.ID+"/trace", nil))
	if rr.Code != 200 {
		t.Fatalf("trace: %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("trace content type: %q", ct)
	}
	if rr.Body.String() != got.Result.Trace {
		t.Fatalf("trace body mismatch")
	}

	rr = httptest.NewRecorder()
	s.OptMetricsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/opt-metrics?runId="+run.ID, nil))
	if rr.Code != 200 {
		t.Fatalf("opt metrics: %d", rr.Code)
	}
	var met map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &met); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if ev, ok := met["evaluations"].(float64); !ok || ev < 1 {
		t.Fatalf("evaluations: %v", met["evaluations"])
	}

	// A finished run cannot be cancelled.
	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodDelete, "/v1/runs/"+run.ID, nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("cancel finished: %d", rr.Code)
	}
}

func TestRunCancel(t *testing.T) {
	s := newTestServer(t)
	rec := createScenario(t, s)
	run := createRun(t, s, rec.ID, 20)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/v1/runs/"+run.ID, nil)
	req.Header.Set("X-Role", "viewer")
	s.RunByIDHandler(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer cancel: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodDelete, "/v1/runs/"+run.ID, nil))
	if rr.Code != 200 {
		t.Fatalf("cancel: %d %s", rr.Code, rr.Body.String())
	}
	var out model.Run
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil || out.Status != "cancelled" {
		t.Fatalf("cancelled run: err=%v status=%q", err, out.Status)
	}

	// Cancelling again is idempotent.
	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodDelete, "/v1/runs/"+run.ID, nil))
	if rr.Code != 200 {
		t.Fatalf("cancel again: %d", rr.Code)
	}

	// No result was ever stored.
	rr = httptest.NewRecorder()
	s.RunByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.ID+"/trace", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("trace of cancelled run: %d", rr.Code)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	s := newTestServer(t)

	post := func(body string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/verify", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		s.VerifyHandler(rr, req)
		return rr
	}

	type verdict struct {
		Valid  bool `json:"valid"`
		Report struct {
			Executed   int `json:"executed"`
			FinalCycle int `json:"finalCycle"`
			Fitness    int `json:"fitness"`
		} `json:"report"`
		Error struct {
			Index  int    `json:"index"`
			Reason string `json:"reason"`
		} `json:"error"`
	}

	body, _ := json.Marshal(map[string]any{"config": plankConfig, "trace": "0:make_plank\n5:make_plank\n"})
	rr := post(string(body))
	if rr.Code != 200 {
		t.Fatalf("verify: %d %s", rr.Code, rr.Body.String())
	}
	var v verdict
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if !v.Valid || v.Report.Executed != 2 || v.Report.FinalCycle != 10 || v.Report.Fitness != 2 {
		t.Fatalf("verdict: %+v", v)
	}

	body, _ = json.Marshal(map[string]any{"config": plankConfig, "trace": "0:make_plank\n3:make_plank\n"})
	rr = post(string(body))
	if rr.Code != 200 {
		t.Fatalf("verify bad trace: %d", rr.Code)
	}
	v = verdict{}
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if v.Valid || v.Error.Index != 2 || !strings.Contains(v.Error.Reason, "expected 5") {
		t.Fatalf("verdict: %+v", v)
	}

	if rr := post(`{"trace":"0:x\n"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing scenario: %d", rr.Code)
	}
}

func TestOptimizerDefaults(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.OptimizerDefaultsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/optimizer/defaults", nil))
	if rr.Code != 200 {
		t.Fatalf("defaults: %d", rr.Code)
	}
	var out struct {
		Defaults struct {
			Population int `json:"population"`
			Workers    int `json:"workers"`
		} `json:"defaults"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode defaults: %v", err)
	}
	if out.Defaults.Population != opt.DefaultPopulation || out.Defaults.Workers < 1 {
		t.Fatalf("defaults: %+v", out.Defaults)
	}
}

func TestSubscriptions(t *testing.T) {
	s := newTestServer(t)

	post := func(body, role string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/subscriptions", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if role != "" {
			req.Header.Set("X-Role", role)
		}
		s.SubscriptionsHandler(rr, req)
		return rr
	}

	valid := `{"url":"https://example.invalid/hook","events":["run.completed"],"secret":"shh"}`
	if rr := post(valid, "viewer"); rr.Code != http.StatusForbidden {
		t.Fatalf("viewer sub: %d", rr.Code)
	}
	if rr := post(valid, "operator"); rr.Code != http.StatusForbidden {
		t.Fatalf("operator sub: %d", rr.Code)
	}
	if rr := post(`{"url":"ftp://x","events":["run.completed"]}`, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad url: %d", rr.Code)
	}
	if rr := post(`{"url":"https://x","events":["bogus"]}`, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad event: %d", rr.Code)
	}

	rr := post(valid, "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("create sub: %d %s", rr.Code, rr.Body.String())
	}
	var sub model.Subscription
	if err := json.Unmarshal(rr.Body.Bytes(), &sub); err != nil || sub.ID == "" {
		t.Fatalf("decode sub: err=%v %+v", err, sub)
	}

	rr = httptest.NewRecorder()
	s.SubscriptionsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil))
	var list struct {
		Items []model.Subscription `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil || len(list.Items) != 1 {
		t.Fatalf("list subs: err=%v items=%d", err, len(list.Items))
	}

	rr = httptest.NewRecorder()
	s.SubscriptionByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/subscriptions/"+sub.ID, nil))
	if rr.Code != 200 {
		t.Fatalf("get sub: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.SubscriptionByIDHandler(rr, httptest.NewRequest(http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete sub: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.SubscriptionByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/subscriptions/"+sub.ID, nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get deleted sub: %d", rr.Code)
	}
}

func TestAdminRBAC(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/runs/stats", nil)
	req.Header.Set("X-Role", "operator")
	s.RunStatsHandler(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("operator stats: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-deliveries", nil)
	req.Header.Set("X-Role", "viewer")
	s.WebhookDeliveriesHandler(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("viewer deliveries: %d", rr.Code)
	}
}

func TestRunStats(t *testing.T) {
	s := newTestServer(t)
	rec := createScenario(t, s)
	createRun(t, s, rec.ID, 20)

	rr := httptest.NewRecorder()
	s.RunStatsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/runs/stats", nil))
	if rr.Code != 200 {
		t.Fatalf("stats: %d", rr.Code)
	}
	var stats struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"byStatus"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 1 || stats.ByStatus["queued"] != 1 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestOptMetricsNotFound(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.OptMetricsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/opt-metrics", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing runId: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.OptMetricsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/opt-metrics?runId=zzz", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown run: %d", rr.Code)
	}
}

func TestWebhookDLQEndpoints(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	s.WebhookDLQHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-dlq", nil))
	if rr.Code != 200 {
		t.Fatalf("dlq list: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/webhook-dlq", strings.NewReader(`{"ids":[]}`))
	req.Header.Set("Content-Type", "application/json")
	s.WebhookDLQHandler(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("dlq requeue empty: %d", rr.Code)
	}
}

// sseRecorder is a minimal ResponseWriter that implements http.Flusher
// and captures writes for SSE tests.
type sseRecorder struct {
	hdr  http.Header
	buf  bytes.Buffer
	code int
}

func (r *sseRecorder) Header() http.Header {
	if r.hdr == nil {
		r.hdr = http.Header{}
	}
	return r.hdr
}
func (r *sseRecorder) WriteHeader(c int)           { r.code = c }
func (r *sseRecorder) Write(p []byte) (int, error) { return r.buf.Write(p) }
func (r *sseRecorder) Flush()                      {}

func TestRunEventsSSE(t *testing.T) {
	s := newTestServer(t)
	rec := createScenario(t, s)
	run := createRun(t, s, rec.ID, 20)

	sseReq := httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.ID+"/events/stream", nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sseReq = sseReq.WithContext(ctx)

	rc := &sseRecorder{}
	done := make(chan struct{})
	go func() {
		s.RunByIDHandler(rc, sseReq)
		close(done)
	}()

	// Give the handler time to subscribe and send the first heartbeat.
	time.Sleep(50 * time.Millisecond)
	s.Broker.Publish("org_demo", run.ID, SSEEvent{Type: "run.generation", Data: map[string]any{"gen": 1}})

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if bytes.Contains(rc.buf.Bytes(), []byte("event: run.generation")) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !bytes.Contains(rc.buf.Bytes(), []byte("event: heartbeat")) {
		t.Fatalf("no heartbeat. Body: %s", rc.buf.String())
	}
	if !bytes.Contains(rc.buf.Bytes(), []byte("event: run.generation")) {
		t.Fatalf("no generation event. Body: %s", rc.buf.String())
	}
	cancel()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("handler did not exit after cancel")
	}
}

func TestRunEventsWS(t *testing.T) {
	s := newTestServer(t)
	rec := createScenario(t, s)
	run := createRun(t, s, rec.ID, 20)

	ts := httptest.NewServer(http.HandlerFunc(s.WSHandler))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	if err := conn.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "connection_ack" {
		t.Fatalf("ack: err=%v type=%q", err, msg.Type)
	}

	if err := conn.WriteJSON(wsMessage{Type: "ping"}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "pong" {
		t.Fatalf("pong: err=%v type=%q", err, msg.Type)
	}

	payload, _ := json.Marshal(subscribePayload{RunID: run.ID, Events: "all"})
	if err := conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: payload}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	s.Broker.Publish("org_demo", run.ID, SSEEvent{Type: "run.started", Data: map[string]any{"runId": run.ID}})

	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("next: %v", err)
	}
	if msg.Type != "next" || msg.ID != "1" || !strings.Contains(string(msg.Payload), "run.started") {
		t.Fatalf("next message: %+v", msg)
	}

	// Subscribing to an unknown run errors and completes.
	payload, _ = json.Marshal(subscribePayload{RunID: "nope"})
	if err := conn.WriteJSON(wsMessage{Type: "subscribe", ID: "2", Payload: payload}); err != nil {
		t.Fatalf("subscribe unknown: %v", err)
	}
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "error" || msg.ID != "2" {
		t.Fatalf("error message: err=%v %+v", err, msg)
	}
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "complete" || msg.ID != "2" {
		t.Fatalf("complete message: err=%v %+v", err, msg)
	}
}
