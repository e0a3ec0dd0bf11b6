package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"planforge/internal/api"
	"planforge/internal/metrics"
)

func main() {
	srvDeps, err := api.NewServer()
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	metrics.RegisterDefault()

	mux := http.NewServeMux()

	// Scenarios
	mux.HandleFunc("/v1/scenarios", srvDeps.ScenariosHandler)
	mux.HandleFunc("/v1/scenarios/import", srvDeps.ScenarioImportHandler)
	mux.HandleFunc("/v1/scenarios/", srvDeps.ScenarioByIDHandler)

	// Runs
	mux.HandleFunc("/v1/runs", srvDeps.RunsHandler)
	mux.HandleFunc("/v1/runs/", srvDeps.RunByIDHandler) // includes /trace, /events/stream

	// Verification and optimizer defaults
	mux.HandleFunc("/v1/verify", srvDeps.VerifyHandler)
	mux.HandleFunc("/v1/optimizer/defaults", srvDeps.OptimizerDefaultsHandler)

	// Subscriptions
	mux.HandleFunc("/v1/subscriptions", srvDeps.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", srvDeps.SubscriptionByIDHandler)

	// Health
	mux.HandleFunc("/healthz", srvDeps.HealthHandler)
	mux.HandleFunc("/readyz", srvDeps.ReadyHandler)

	// Admin
	mux.HandleFunc("/v1/admin/webhook-deliveries", srvDeps.WebhookDeliveriesHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries/", srvDeps.WebhookDeliveryRetryHandler)
	mux.HandleFunc("/v1/admin/webhook-metrics", srvDeps.WebhookMetricsHandler)
	mux.HandleFunc("/v1/admin/webhook-dlq", srvDeps.WebhookDLQHandler)
	mux.HandleFunc("/v1/admin/webhook-dlq/", srvDeps.WebhookDLQHandler)
	mux.HandleFunc("/v1/admin/runs/stats", srvDeps.RunStatsHandler)
	mux.HandleFunc("/v1/admin/opt-metrics", srvDeps.OptMetricsHandler)

	// WebSocket run events
	mux.HandleFunc("/ws", srvDeps.WSHandler)

	// Observability and docs
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/json", srvDeps.DebugJSON)
	mux.HandleFunc("/openapi.yaml", srvDeps.OpenAPIHandler)
	mux.HandleFunc("/docs", srvDeps.DocsHandler)
	mux.HandleFunc("/swagger", srvDeps.SwaggerHandler)
	mux.HandleFunc("/static/", srvDeps.StaticHandler)

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(srvDeps.Handler(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("API listening on %s", addr)
	// Background workers: run executor and webhook deliveries
	srvDeps.Runner.Start()
	worker := srvDeps.NewWebhookWorker()
	worker.Start()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		dur := time.Since(start)
		log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, dur)
	})
}
