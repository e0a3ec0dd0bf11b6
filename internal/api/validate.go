package api

import (
	"fmt"
	"strings"

	"planforge/internal/model"
)

func validateRunRequest(req *model.RunRequest) error {
	if req.ScenarioID == "" {
		return fmt.Errorf("scenarioId is required")
	}
	if req.Budget <= 0 {
		return fmt.Errorf("budget must be > 0")
	}
	p := req.Params
	if p.Population < 0 || p.Generations < 0 || p.Offspring < 0 {
		return fmt.Errorf("population, generations and offspring must be >= 0")
	}
	if p.MaxDepth < 0 || p.MaxNodes < 0 {
		return fmt.Errorf("maxDepth and maxNodes must be >= 0")
	}
	if p.Workers < 0 {
		return fmt.Errorf("workers must be >= 0")
	}
	if p.WallMs < 0 {
		return fmt.Errorf("wallMs must be >= 0")
	}
	return nil
}

var eventTypes = map[string]struct{}{
	"run.queued":     {},
	"run.started":    {},
	"run.generation": {},
	"run.completed":  {},
	"run.failed":     {},
	"run.cancelled":  {},
}

func validateSubscription(req *model.SubscriptionRequest) error {
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return fmt.Errorf("url must be http or https")
	}
	if len(req.Events) == 0 {
		return fmt.Errorf("events must not be empty")
	}
	for _, ev := range req.Events {
		if _, ok := eventTypes[ev]; !ok {
			return fmt.Errorf("unknown event type: %s (allowed: run.queued,run.started,run.generation,run.completed,run.failed,run.cancelled)", ev)
		}
	}
	return nil
}
