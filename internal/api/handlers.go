package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"planforge/internal/config"
	"planforge/internal/model"
	"planforge/internal/opt"
	"planforge/internal/store"
	"planforge/internal/verify"
)

// ScenariosHandler handles POST/GET /v1/scenarios
func (s *Server) ScenariosHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		pr := s.getPrincipal(r)
		if !pr.CanWrite() {
			writeProblem(w, 403, "Forbidden", "operator or admin required", r.URL.Path)
			return
		}
		rec, ok := s.scenarioFromRequest(w, r)
		if !ok {
			return
		}
		rec.OrgID = pr.Org
		out, err := s.Store.CreateScenario(r.Context(), rec)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create scenario failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	case http.MethodGet:
		_, org := s.withOrg(r)
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListScenarios(r.Context(), org, cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List scenarios failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// scenarioFromRequest reads a scenario from the request body: a JSON
// document when Content-Type is application/json, raw config text
// otherwise. JSON documents are stored in their canonical rendering;
// raw text is stored as submitted.
func (s *Server) scenarioFromRequest(w http.ResponseWriter, r *http.Request) (model.ScenarioRecord, bool) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var in model.ScenarioIn
		if err := readJSON(w, r, &in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return model.ScenarioRecord{}, false
		}
		sc, err := config.FromDoc(in)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid scenario", err.Error(), r.URL.Path)
			return model.ScenarioRecord{}, false
		}
		name := in.Name
		if name == "" {
			name = "unnamed"
		}
		return model.ScenarioRecord{Name: name, Config: config.Render(sc), Scenario: sc}, true
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid body", err.Error(), r.URL.Path)
		return model.ScenarioRecord{}, false
	}
	sc, err := config.ParseString(string(body))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid config", err.Error(), r.URL.Path)
		return model.ScenarioRecord{}, false
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "unnamed"
	}
	return model.ScenarioRecord{Name: name, Config: string(body), Scenario: sc}, true
}

// ScenarioByIDHandler handles GET/PUT/DELETE /v1/scenarios/{id}
func (s *Server) ScenarioByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/scenarios/")
	if rest == r.URL.Path || rest == "" || strings.Contains(rest, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	id := rest
	switch r.Method {
	case http.MethodGet:
		_, org := s.withOrg(r)
		rec, err := s.Store.GetScenario(r.Context(), org, id)
		if err != nil {
			writeProblem(w, http.StatusNotFound, "Scenario not found", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodPut:
		pr := s.getPrincipal(r)
		if !pr.CanWrite() {
			writeProblem(w, 403, "Forbidden", "operator or admin required", r.URL.Path)
			return
		}
		rec, ok := s.scenarioFromRequest(w, r)
		if !ok {
			return
		}
		rec.ID = id
		rec.OrgID = pr.Org
		out, err := s.Store.UpdateScenario(r.Context(), rec)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Scenario not found", err.Error(), r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Update scenario failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodDelete:
		pr := s.getPrincipal(r)
		if !pr.CanWrite() {
			writeProblem(w, 403, "Forbidden", "operator or admin required", r.URL.Path)
			return
		}
		if err := s.Store.DeleteScenario(r.Context(), pr.Org, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeProblem(w, http.StatusNotFound, "Scenario not found", err.Error(), r.URL.Path)
				return
			}
			writeProblem(w, http.StatusInternalServerError, "Delete scenario failed", err.Error(), r.URL.Path)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ScenarioImportHandler handles POST /v1/scenarios/import: drain every
// configured source once and store what it offers.
func (s *Server) ScenarioImportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pr := s.getPrincipal(r)
	if !pr.CanWrite() {
		writeProblem(w, 403, "Forbidden", "operator or admin required", r.URL.Path)
		return
	}
	imported, skipped := 0, 0
	for _, src := range s.Sources {
		batch, err := src.Discover("", "")
		if err != nil {
			writeProblem(w, http.StatusBadGateway, "Source discover failed", src.Name()+": "+err.Error(), r.URL.Path)
			return
		}
		var acked []string
		for _, it := range batch.Items {
			sc, err := config.ParseString(it.Config)
			if err != nil {
				skipped++
				continue
			}
			rec := model.ScenarioRecord{OrgID: pr.Org, Name: it.Name, Config: it.Config, Scenario: sc}
			if _, err := s.Store.CreateScenario(r.Context(), rec); err != nil {
				skipped++
				continue
			}
			acked = append(acked, it.Ref)
			imported++
		}
		if len(acked) > 0 {
			_ = src.Ack(acked)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": imported, "skipped": skipped})
}

// RunsHandler handles POST/GET /v1/runs
func (s *Server) RunsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		pr := s.getPrincipal(r)
		if !pr.CanWrite() {
			writeProblem(w, 403, "Forbidden", "operator or admin required", r.URL.Path)
			return
		}
		var req model.RunRequest
		if err := readJSON(w, r, &req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateRunRequest(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid run request", err.Error(), r.URL.Path)
			return
		}
		if _, err := s.Store.GetScenario(r.Context(), pr.Org, req.ScenarioID); err != nil {
			writeProblem(w, http.StatusNotFound, "Scenario not found", err.Error(), r.URL.Path)
			return
		}
		run, err := s.Store.CreateRun(r.Context(), model.Run{
			OrgID:      pr.Org,
			ScenarioID: req.ScenarioID,
			Budget:     req.Budget,
			Seed:       req.Seed,
			Params:     req.Params,
		})
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create run failed", err.Error(), r.URL.Path)
			return
		}
		data := map[string]any{"runId": run.ID, "scenarioId": run.ScenarioID}
		s.Broker.Publish(pr.Org, run.ID, SSEEvent{Type: "run.queued", Data: data})
		s.Pub.Emit(r.Context(), pr.Org, "run.queued", data)
		s.Runner.Kick()
		writeJSON(w, http.StatusAccepted, run)
	case http.MethodGet:
		_, org := s.withOrg(r)
		scenarioID := r.URL.Query().Get("scenarioId")
		status := r.URL.Query().Get("status")
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListRuns(r.Context(), org, scenarioID, status, cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List runs failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// RunByIDHandler handles GET/DELETE /v1/runs/{id} plus the trace and
// event stream subpaths.
func (s *Server) RunByIDHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	rest := strings.TrimPrefix(path, "/v1/runs/")
	if rest == path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	if len(parts) > 2 && parts[1] == "events" && parts[2] == "stream" {
		s.runEventStream(w, r, id)
		return
	}
	if len(parts) > 1 && parts[1] == "trace" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_, org := s.withOrg(r)
		res, err := s.Store.GetRunResult(r.Context(), org, id)
		if err != nil {
			writeProblem(w, http.StatusNotFound, "Trace not available", err.Error(), r.URL.Path)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, res.Trace)
		return
	}
	switch r.Method {
	case http.MethodGet:
		_, org := s.withOrg(r)
		run, err := s.Store.GetRun(r.Context(), org, id)
		if err != nil {
			writeProblem(w, http.StatusNotFound, "Run not found", err.Error(), r.URL.Path)
			return
		}
		out := struct {
			model.Run
			Result *model.RunResult `json:"result,omitempty"`
		}{Run: run}
		if res, err := s.Store.GetRunResult(r.Context(), org, id); err == nil {
			out.Result = &res
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodDelete:
		pr := s.getPrincipal(r)
		if !pr.CanWrite() {
			writeProblem(w, 403, "Forbidden", "operator or admin required", r.URL.Path)
			return
		}
		run, err := s.Runner.Cancel(r.Context(), pr.Org, id)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Run not found", err.Error(), r.URL.Path)
			return
		}
		if errors.Is(err, store.ErrConflict) {
			writeProblem(w, http.StatusConflict, "Run already finished", err.Error(), r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Cancel run failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, run)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// runEventStream serves SSE for one run's events with a periodic
// heartbeat.
func (s *Server) runEventStream(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	_, org := s.withOrg(r)
	if _, err := s.Store.GetRun(r.Context(), org, id); err != nil {
		writeProblem(w, http.StatusNotFound, "Run not found", err.Error(), r.URL.Path)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ch := s.Broker.Subscribe(org, id)
	defer s.Broker.Unsubscribe(org, id, ch)
	// initial heartbeat
	fmt.Fprintf(w, "event: heartbeat\n")
	fmt.Fprintf(w, "data: {\"runId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
	flusher.Flush()
	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", string(b))
			flusher.Flush()
		case <-time.After(15 * time.Second):
			fmt.Fprintf(w, "event: heartbeat\n")
			fmt.Fprintf(w, "data: {\"runId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

// VerifyHandler handles POST /v1/verify
func (s *Server) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req model.VerifyRequest
	if err := readJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	var sc model.Scenario
	var err error
	switch {
	case req.Scenario != nil:
		sc, err = config.FromDoc(*req.Scenario)
	case req.Config != "":
		sc, err = config.ParseString(req.Config)
	default:
		writeProblem(w, http.StatusBadRequest, "Missing scenario", "scenario or config required", r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid scenario", err.Error(), r.URL.Path)
		return
	}
	tr, err := model.ParseTrace(req.Trace)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid trace", err.Error(), r.URL.Path)
		return
	}
	rep, err := verify.Verify(sc, tr)
	if err != nil {
		var verr *verify.Error
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusOK, map[string]any{
				"valid":  false,
				"report": rep,
				"error":  map[string]any{"index": verr.Index, "entry": verr.Entry, "reason": verr.Reason},
			})
			return
		}
		writeProblem(w, http.StatusInternalServerError, "Verify failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "report": rep})
}

// OptimizerDefaultsHandler returns the search parameter defaults.
func (s *Server) OptimizerDefaultsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/optimizer/defaults" || r.Method != http.MethodGet {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"defaults": map[string]any{
		"population":  opt.DefaultPopulation,
		"generations": opt.DefaultGenerations,
		"offspring":   opt.DefaultOffspring,
		"workers":     runtime.GOMAXPROCS(0),
	}})
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if err := readJSON(w, r, &req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateSubscription(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", err.Error(), r.URL.Path)
			return
		}
		req.OrgID = p.Org
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListSubscriptions(r.Context(), p.Org, cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles GET/DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/subscriptions/") {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	switch r.Method {
	case http.MethodGet:
		sub, err := s.Store.GetSubscription(r.Context(), p.Org, id)
		if err != nil {
			writeProblem(w, 404, "Subscription not found", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, sub)
	case http.MethodDelete:
		if err := s.Store.DeleteSubscription(r.Context(), p.Org, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeProblem(w, 404, "Subscription not found", err.Error(), r.URL.Path)
				return
			}
			writeProblem(w, 500, "Delete subscription failed", err.Error(), r.URL.Path)
			return
		}
		w.WriteHeader(204)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using Postgres store
	type pinger interface{ Ping(ctx context.Context) error }
	if pg, ok := s.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, 200, map[string]string{"status": "ready"})
}

// Admin: webhook deliveries list and retry
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/webhook-deliveries" {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(405)
		return
	}
	status := r.URL.Query().Get("status")
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), p.Org, status, cursor, limit)
	if err != nil {
		writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/") || !strings.HasSuffix(r.URL.Path, "/retry") {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(405)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
	if err := s.Store.RetryWebhookDelivery(r.Context(), p.Org, id); err != nil {
		writeProblem(w, 500, "Retry delivery failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 202, map[string]int{"accepted": 1})
}

// Admin: webhook delivery metrics
func (s *Server) WebhookMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/webhook-metrics" || r.Method != http.MethodGet {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	sinceHours := 24
	if v := r.URL.Query().Get("sinceHours"); v != "" {
		fmt.Sscanf(v, "%d", &sinceHours)
	}
	eventType := r.URL.Query().Get("eventType")
	status := r.URL.Query().Get("status")
	codeMin := 0
	codeMax := 0
	if v := r.URL.Query().Get("responseCodeMin"); v != "" {
		fmt.Sscanf(v, "%d", &codeMin)
	}
	if v := r.URL.Query().Get("responseCodeMax"); v != "" {
		fmt.Sscanf(v, "%d", &codeMax)
	}
	// codeClass shorthand
	if v := r.URL.Query().Get("codeClass"); v != "" && codeMin == 0 && codeMax == 0 {
		switch v {
		case "2xx":
			codeMin, codeMax = 200, 299
		case "3xx":
			codeMin, codeMax = 300, 399
		case "4xx":
			codeMin, codeMax = 400, 499
		case "5xx":
			codeMin, codeMax = 500, 599
		}
	}
	var buckets []int
	if v := r.URL.Query().Get("buckets"); v != "" {
		for _, part := range strings.Split(v, ",") {
			n := 0
			if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &n); err == nil && n > 0 {
				buckets = append(buckets, n)
			}
		}
	}
	since := time.Now().Add(-time.Duration(sinceHours) * time.Hour)
	items, err := s.Store.WebhookMetrics(r.Context(), p.Org, since, eventType, status, codeMin, codeMax, buckets)
	if err != nil {
		writeProblem(w, 500, "Metrics failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items})
}

// Admin: run counts and durations for the org
func (s *Server) RunStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/runs/stats" || r.Method != http.MethodGet {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	stats, err := s.Store.RunStats(r.Context(), p.Org)
	if err != nil {
		writeProblem(w, 500, "Stats failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, stats)
}

// Admin: optimizer search metrics for one run
func (s *Server) OptMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/opt-metrics" || r.Method != http.MethodGet {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		writeProblem(w, 400, "Missing runId", "", r.URL.Path)
		return
	}
	if m, ok := opt.GetMetrics(p.Org, runID); ok {
		writeJSON(w, 200, m)
		return
	}
	// Runs finished in an earlier process: serve the stored copy.
	res, err := s.Store.GetRunResult(r.Context(), p.Org, runID)
	if err != nil || len(res.Metrics) == 0 {
		writeProblem(w, 404, "Metrics not found", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	w.Write(res.Metrics)
}

// Admin: webhook DLQ list and requeue
func (s *Server) WebhookDLQHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	if r.URL.Path == "/v1/admin/webhook-dlq" && r.Method == http.MethodGet {
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		eventType := r.URL.Query().Get("eventType")
		olderThanHours := 0
		if v := r.URL.Query().Get("olderThanHours"); v != "" {
			fmt.Sscanf(v, "%d", &olderThanHours)
		}
		var older time.Time
		if olderThanHours > 0 {
			older = time.Now().Add(-time.Duration(olderThanHours) * time.Hour)
		}
		codeMin := 0
		codeMax := 0
		if v := r.URL.Query().Get("responseCodeMin"); v != "" {
			fmt.Sscanf(v, "%d", &codeMin)
		}
		if v := r.URL.Query().Get("responseCodeMax"); v != "" {
			fmt.Sscanf(v, "%d", &codeMax)
		}
		errorQuery := r.URL.Query().Get("errorQuery")
		items, next, err := s.Store.ListWebhookDLQ(r.Context(), p.Org, eventType, older, codeMin, codeMax, errorQuery, cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List DLQ failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
		return
	}
	if r.URL.Path == "/v1/admin/webhook-dlq" && r.Method == http.MethodPost {
		var req struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if len(req.IDs) == 0 {
			writeProblem(w, 400, "Missing ids", "", r.URL.Path)
			return
		}
		if err := s.Store.RequeueWebhookDLQBulk(r.Context(), p.Org, req.IDs); err != nil {
			writeProblem(w, 500, "Bulk requeue failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 202, map[string]int{"accepted": len(req.IDs)})
		return
	}
	if r.URL.Path == "/v1/admin/webhook-dlq" && r.Method == http.MethodDelete {
		var req struct {
			IDs            []string `json:"ids"`
			OlderThanHours int      `json:"olderThanHours"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		var older time.Time
		if req.OlderThanHours > 0 {
			older = time.Now().Add(-time.Duration(req.OlderThanHours) * time.Hour)
		}
		if err := s.Store.DeleteWebhookDLQBulk(r.Context(), p.Org, req.IDs, older); err != nil {
			writeProblem(w, 500, "Bulk delete failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 202, map[string]int{"accepted": 1})
		return
	}
	if strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-dlq/") && strings.HasSuffix(r.URL.Path, "/requeue") && r.Method == http.MethodPost {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-dlq/"), "/requeue")
		if err := s.Store.RequeueWebhookDLQ(r.Context(), p.Org, id); err != nil {
			writeProblem(w, 500, "Requeue failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 202, map[string]int{"accepted": 1})
		return
	}
	writeProblem(w, 404, "Not Found", "", r.URL.Path)
}
