package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"golang.org/x/time/rate"

	"planforge/internal/auth"
	"planforge/internal/integrations"
	"planforge/internal/integrations/dropdir"
	"planforge/internal/runner"
	"planforge/internal/store"
	"planforge/internal/webhooks"
)

type Server struct {
	Store   store.Store
	Pub     *webhooks.Publisher
	Auth    *auth.Verifier
	Broker  EventBroker
	Runner  *runner.Runner
	Sources []integrations.ScenarioSource

	limiter *rate.Limiter
}

// NewServer creates a Server. If DATABASE_URL is unset, uses in-memory store.
func NewServer() (*Server, error) {
	dsn := os.Getenv("DATABASE_URL")
	var st store.Store
	if strings.TrimSpace(dsn) == "" {
		st = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		// Run migrations (dev helper)
		if os.Getenv("DB_MIGRATE") != "false" {
			_ = sp.MigrateDir("db/migrations")
		}
		st = sp
	}
	// Broker selection
	var broker EventBroker
	if os.Getenv("REDIS_URL") != "" {
		if rb, err := NewRedisBroker(); err == nil {
			broker = rb
		} else {
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}
	pub := webhooks.NewPublisher(st)
	rn := runner.New(st)
	rn.Events = func(orgID, runID, eventType string, data any) {
		evt := SSEEvent{Type: eventType}
		if m, ok := data.(map[string]any); ok {
			evt.Data = m
		}
		broker.Publish(orgID, runID, evt)
		pub.Emit(context.Background(), orgID, eventType, data)
	}
	s := &Server{Store: st, Pub: pub, Auth: auth.NewVerifierFromEnv(), Broker: broker, Runner: rn}
	if dir := os.Getenv("SCENARIO_DROPDIR"); dir != "" {
		s.Sources = append(s.Sources, dropdir.New(dir))
	}
	var rps float64
	if v := os.Getenv("RATE_RPS"); v != "" {
		fmt.Sscanf(v, "%f", &rps)
	}
	if rps > 0 {
		burst := int(rps)
		if v := os.Getenv("RATE_BURST"); v != "" {
			fmt.Sscanf(v, "%d", &burst)
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return s, nil
}

func (s *Server) withOrg(r *http.Request) (context.Context, string) {
	org := s.getPrincipal(r).Org
	ctx := context.WithValue(r.Context(), ctxKeyOrg{}, org)
	return ctx, org
}

type ctxKeyOrg struct{}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store)
}
