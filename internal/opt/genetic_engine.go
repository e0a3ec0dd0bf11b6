package opt

import (
	"context"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"planforge/internal/model"
	"planforge/internal/plan"
	"planforge/internal/sim"
)

// Problem is one optimization request: the scenario, the cycle budget a
// schedule may spend, and an optional per-generation progress callback.
type Problem struct {
	Scenario     model.Scenario
	Budget       int
	OnGeneration func(GenerationStat)
}

// Params tunes the search. Zero values take the defaults.
type Params struct {
	Population  int
	Generations int
	Offspring   int
	MaxDepth    int // expansion depth ceiling for seeding
	MaxNodes    int // expansion node ceiling for seeding
	Workers     int // parallel fitness evaluations
	WallClock   time.Duration
}

const (
	DefaultPopulation  = 10
	DefaultGenerations = 10
	DefaultOffspring   = 10
)

func (p Params) withDefaults() Params {
	if p.Population <= 0 {
		p.Population = DefaultPopulation
	}
	if p.Generations <= 0 {
		p.Generations = DefaultGenerations
	}
	if p.Offspring <= 0 {
		p.Offspring = DefaultOffspring
	}
	if p.Workers <= 0 {
		p.Workers = runtime.GOMAXPROCS(0)
	}
	return p
}

// Solution is the best schedule found and its simulated outcome.
type Solution struct {
	Best     model.Schedule `json:"best"`
	Score    float64        `json:"score"`
	Fitness  int            `json:"fitness"`
	Elapsed  int            `json:"elapsed"`
	Executed int            `json:"executed"`
	Trace    model.Trace    `json:"trace"`
	Final    model.Ledger   `json:"final"`
}

// Metrics describes one search run.
type Metrics struct {
	Seed         int64            `json:"seed"`
	Generations  int              `json:"generations"`
	Evaluations  int              `json:"evaluations"`
	Improvements int              `json:"improvements"`
	SeededPlans  int              `json:"seededPlans"`
	Truncated    bool             `json:"truncated"`
	BestScore    float64          `json:"bestScore"`
	History      []GenerationStat `json:"history,omitempty"`
}

// GenerationStat is one generation's snapshot.
type GenerationStat struct {
	Gen     int           `json:"gen"`
	Best    float64       `json:"best"`
	Mean    float64       `json:"mean"`
	Elapsed time.Duration `json:"elapsed"`
}

// candidate pairs a schedule with its evaluation.
type candidate struct {
	sched model.Schedule
	score float64
	res   sim.Result
}

// Solve runs the population search: dependency-expansion seeds plus
// random subsequences, then Generations rounds of roulette parent
// selection, single-point crossover, swap mutation and elitist
// truncation, with every fitness evaluated through the simulator.
// Cancellation and the wall clock are checked between generations; the
// best schedule seen so far always comes back. The returned error is
// reserved for unsatisfiable targets.
func Solve(ctx context.Context, p Problem, params Params, seed int64) (Solution, Metrics, error) {
	params = params.withDefaults()
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	sc := p.Scenario

	m := Metrics{Seed: seed}

	var seeds []model.Schedule
	if len(sc.Targets) > 0 {
		forest, err := plan.Expand(sc, plan.Options{MaxDepth: params.MaxDepth, MaxNodes: params.MaxNodes})
		if err != nil {
			return Solution{}, m, err
		}
		seeds = plan.Seeds(forest, params.Population)
		m.SeededPlans = len(seeds)
		m.Truncated = forest.Truncated
	} else if len(sc.Processes) == 0 {
		return Solution{}, m, plan.ErrNoProducer
	}

	pop := initialPopulation(sc.Processes, seeds, params.Population, rng)
	ev := evaluateAll(sc, pop, p.Budget, params.Workers)
	m.Evaluations += len(ev)
	sortCandidates(ev, sc.OptimizeTime)
	best := ev[0]
	m.BestScore = best.score

	start := time.Now()
	var deadline time.Time
	if params.WallClock > 0 {
		deadline = start.Add(params.WallClock)
	}

	for gen := 1; gen <= params.Generations; gen++ {
		if ctx.Err() != nil {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		offspring := breed(ev, params.Offspring, rng)
		oev := evaluateAll(sc, offspring, p.Budget, params.Workers)
		m.Evaluations += len(oev)

		pool := append(ev, oev...)
		sortCandidates(pool, sc.OptimizeTime)
		ev = pool[:min(params.Population, len(pool))]

		if betterCandidate(ev[0], best, sc.OptimizeTime) {
			best = ev[0]
			m.Improvements++
		}
		m.BestScore = best.score
		m.Generations = gen

		stat := GenerationStat{Gen: gen, Best: ev[0].score, Mean: meanScore(ev), Elapsed: time.Since(start)}
		m.History = append(m.History, stat)
		if p.OnGeneration != nil {
			p.OnGeneration(stat)
		}
	}

	return Solution{
		Best:     best.sched,
		Score:    best.score,
		Fitness:  best.res.Fitness,
		Elapsed:  best.res.Elapsed,
		Executed: best.res.Executed,
		Trace:    best.res.Trace,
		Final:    best.res.Final,
	}, m, nil
}

// initialPopulation fills up to size schedules: expansion seeds first,
// then random variable-length subsequences of the catalogue. Order is
// part of the genome, so subsequences come out shuffled.
func initialPopulation(cat model.Catalogue, seeds []model.Schedule, size int, rng *rand.Rand) []model.Schedule {
	pop := make([]model.Schedule, 0, size)
	for _, s := range seeds {
		if len(pop) == size {
			break
		}
		pop = append(pop, s.Clone())
	}
	for len(pop) < size {
		k := 1 + rng.Intn(len(cat))
		perm := rng.Perm(len(cat))
		s := make(model.Schedule, k)
		for i := 0; i < k; i++ {
			s[i] = cat[perm[i]].Name
		}
		pop = append(pop, s)
	}
	return pop
}

// evaluateAll scores every schedule through the simulator on a bounded
// worker pool. Results land at their input index, so the outcome is
// identical to a sequential pass regardless of worker interleaving.
func evaluateAll(sc model.Scenario, pop []model.Schedule, budget, workers int) []candidate {
	out := make([]candidate, len(pop))
	if workers > len(pop) {
		workers = len(pop)
	}
	if workers <= 1 {
		for i, s := range pop {
			out[i] = evaluate(sc, s, budget)
		}
		return out
	}
	jobs := make(chan int, len(pop))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out[i] = evaluate(sc, pop[i], budget)
			}
		}()
	}
	for i := range pop {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return out
}

func evaluate(sc model.Scenario, s model.Schedule, budget int) candidate {
	res := sim.Simulate(sc.Processes, s, sc.Stocks, sc.Targets, budget)
	score := float64(res.Fitness)
	if s.TotalDuration(sc.Processes) <= budget {
		score++
	}
	return candidate{sched: s, score: score, res: res}
}

// breed produces count offspring: roulette-selected parents, single-point
// crossover, then a swap mutation.
func breed(ev []candidate, count int, rng *rand.Rand) []model.Schedule {
	scores := make([]float64, len(ev))
	for i, c := range ev {
		scores[i] = c.score
	}
	out := make([]model.Schedule, 0, count)
	for i := 0; i < count; i++ {
		a := ev[selectParent(scores, rng)].sched
		b := ev[selectParent(scores, rng)].sched
		child := crossover(a, b, rng)
		mutate(child, rng)
		out = append(out, child)
	}
	return out
}

// selectParent is a roulette wheel over the scores: selection pressure
// proportional to score, degenerating to uniform when the wheel is flat
// at zero.
func selectParent(scores []float64, rng *rand.Rand) int {
	total := 0.0
	for _, s := range scores {
		total += s
	}
	if total <= 0 {
		return rng.Intn(len(scores))
	}
	r := rng.Float64() * total
	acc := 0.0
	for i, s := range scores {
		acc += s
		if r <= acc {
			return i
		}
	}
	return len(scores) - 1
}

// crossover cuts at a point in [1, min(lenA,lenB)-1] and splices the
// prefix of a onto the suffix of b. A parent shorter than two collapses
// to a copy of a.
func crossover(a, b model.Schedule, rng *rand.Rand) model.Schedule {
	shorter := min(len(a), len(b))
	if shorter < 2 {
		return a.Clone()
	}
	cut := 1 + rng.Intn(shorter-1)
	child := make(model.Schedule, 0, len(b))
	child = append(child, a[:cut]...)
	child = append(child, b[cut:]...)
	return child
}

// mutate swaps two distinct positions in place. Composition never
// changes, only order.
func mutate(s model.Schedule, rng *rand.Rand) {
	if len(s) < 2 {
		return
	}
	i := rng.Intn(len(s))
	j := rng.Intn(len(s) - 1)
	if j >= i {
		j++
	}
	s[i], s[j] = s[j], s[i]
}

// betterCandidate ranks a above b on score; under time optimization a
// score tie goes to the shorter elapsed.
func betterCandidate(a, b candidate, optTime bool) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if optTime {
		return a.res.Elapsed < b.res.Elapsed
	}
	return false
}

func sortCandidates(ev []candidate, optTime bool) {
	sort.SliceStable(ev, func(i, j int) bool { return betterCandidate(ev[i], ev[j], optTime) })
}

func meanScore(ev []candidate) float64 {
	if len(ev) == 0 {
		return 0
	}
	total := 0.0
	for _, c := range ev {
		total += c.score
	}
	return total / float64(len(ev))
}
