package runner

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"time"

	"planforge/internal/metrics"
	"planforge/internal/model"
	"planforge/internal/opt"
	"planforge/internal/store"
)

// Runner executes queued optimization runs. It polls the store for
// queued work, claims each run exactly once and drives the optimizer,
// publishing progress through the Events callback.
type Runner struct {
	Store store.Store
	// Events receives run lifecycle events (run.started, run.generation,
	// run.completed, run.failed, run.cancelled). Nil disables publishing.
	Events  func(orgID, runID, eventType string, data any)
	Workers int

	stop chan struct{}
	kick chan struct{}
	jobs chan model.Run
	wg   sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(s store.Store) *Runner {
	workers := 4
	if v := os.Getenv("RUN_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			workers = n
		}
	}
	return &Runner{
		Store:   s,
		Workers: workers,
		stop:    make(chan struct{}),
		kick:    make(chan struct{}, 1),
		jobs:    make(chan model.Run),
		cancels: map[string]context.CancelFunc{},
	}
}

func (r *Runner) Start() {
	r.wg.Add(1)
	go r.dispatch()
	for i := 0; i < r.Workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
}

func (r *Runner) StopAll() {
	close(r.stop)
	r.wg.Wait()
}

// Kick wakes the dispatcher early, so a freshly queued run does not
// wait out the poll interval.
func (r *Runner) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Cancel stops a queued or running run. Finished runs return
// store.ErrConflict from the store and are left alone.
func (r *Runner) Cancel(ctx context.Context, orgID, id string) (model.Run, error) {
	run, err := r.Store.CancelRun(ctx, orgID, id)
	if err != nil {
		return run, err
	}
	r.mu.Lock()
	cancel := r.cancels[id]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.emit(orgID, id, "run.cancelled", map[string]any{"runId": id})
	return run, nil
}

func (r *Runner) dispatch() {
	defer r.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-r.kick:
			r.pump()
		case <-ticker.C:
			r.pump()
		}
	}
}

// pump hands queued runs to idle workers. Busy workers make the send
// fall through; the run stays queued and comes back next poll.
func (r *Runner) pump() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runs, err := r.Store.FetchQueuedRuns(ctx, 2*r.Workers)
	if err != nil {
		return
	}
	for _, run := range runs {
		select {
		case r.jobs <- run:
		case <-r.stop:
			return
		default:
		}
	}
}

func (r *Runner) work() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case run := <-r.jobs:
			r.execute(run)
		}
	}
}

func (r *Runner) execute(run model.Run) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[run.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, run.ID)
		r.mu.Unlock()
		cancel()
	}()

	// Claim after registering the cancel hook, so a concurrent Cancel
	// either beats the claim or reaches a live context.
	ok, err := r.Store.ClaimRun(ctx, run.ID)
	if err != nil || !ok {
		return
	}
	metrics.RunsInflight.Inc()
	defer metrics.RunsInflight.Dec()
	start := time.Now()
	r.emit(run.OrgID, run.ID, "run.started", map[string]any{"runId": run.ID, "scenarioId": run.ScenarioID})

	rec, err := r.Store.GetScenario(ctx, run.OrgID, run.ScenarioID)
	if err != nil {
		if ctx.Err() == nil {
			r.fail(run, "scenario unavailable: "+err.Error())
		}
		return
	}

	var lastGen time.Duration
	prob := opt.Problem{
		Scenario: rec.Scenario,
		Budget:   run.Budget,
		OnGeneration: func(g opt.GenerationStat) {
			metrics.GenerationSeconds.Observe((g.Elapsed - lastGen).Seconds())
			lastGen = g.Elapsed
			r.emit(run.OrgID, run.ID, "run.generation", g)
		},
	}
	params := opt.Params{
		Population:  run.Params.Population,
		Generations: run.Params.Generations,
		Offspring:   run.Params.Offspring,
		MaxDepth:    run.Params.MaxDepth,
		MaxNodes:    run.Params.MaxNodes,
		Workers:     run.Params.Workers,
		WallClock:   time.Duration(run.Params.WallMs) * time.Millisecond,
	}

	sol, met, err := opt.Solve(ctx, prob, params, run.Seed)
	if ctx.Err() != nil {
		// Cancelled mid-run: CancelRun already set the terminal status.
		return
	}
	if err != nil {
		r.fail(run, err.Error())
		return
	}

	metricsJSON, _ := json.Marshal(met)
	res := model.RunResult{
		RunID:    run.ID,
		Best:     sol.Best,
		Score:    sol.Score,
		Fitness:  sol.Fitness,
		Elapsed:  sol.Elapsed,
		Executed: sol.Executed,
		Trace:    sol.Trace.String(),
		Final:    sol.Final,
		Metrics:  metricsJSON,
	}
	if err := r.Store.SaveRunResult(ctx, res); err != nil {
		r.fail(run, "persist result: "+err.Error())
		return
	}
	if err := r.Store.MarkRunFinished(ctx, run.ID, "completed", ""); err != nil {
		return
	}
	opt.RecordMetrics(run.OrgID, run.ID, met)
	metrics.Runs.WithLabelValues("completed").Inc()
	metrics.Simulations.Add(float64(met.Evaluations))
	metrics.RunSeconds.Observe(time.Since(start).Seconds())
	r.emit(run.OrgID, run.ID, "run.completed", map[string]any{
		"runId":    run.ID,
		"score":    sol.Score,
		"fitness":  sol.Fitness,
		"elapsed":  sol.Elapsed,
		"executed": sol.Executed,
	})
}

func (r *Runner) fail(run model.Run, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.Store.MarkRunFinished(ctx, run.ID, "failed", msg)
	metrics.Runs.WithLabelValues("failed").Inc()
	r.emit(run.OrgID, run.ID, "run.failed", map[string]any{"runId": run.ID, "error": msg})
}

func (r *Runner) emit(orgID, runID, eventType string, data any) {
	if r.Events != nil {
		r.Events(orgID, runID, eventType, data)
	}
}
