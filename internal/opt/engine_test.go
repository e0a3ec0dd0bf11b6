package opt

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"planforge/internal/model"
	"planforge/internal/plan"
	"planforge/internal/sim"
)

func chainScenario() model.Scenario {
	return model.Scenario{
		Stocks: model.Ledger{"euro": 10},
		Processes: model.Catalogue{
			{Name: "achat_materiel", Need: map[string]int{"euro": 8}, Output: map[string]int{"materiel": 1}, Duration: 10},
			{Name: "realisation_produit", Need: map[string]int{"materiel": 1}, Output: map[string]int{"produit": 1}, Duration: 30},
			{Name: "livraison", Need: map[string]int{"produit": 1}, Output: map[string]int{"client_content": 1}, Duration: 20},
		},
		Targets: []string{"client_content"},
	}
}

func TestSolveDeliversTarget(t *testing.T) {
	sol, m, err := Solve(context.Background(), Problem{Scenario: chainScenario(), Budget: 100}, Params{}, 42)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if sol.Fitness < 1 {
		t.Fatalf("fitness = %d, want >= 1", sol.Fitness)
	}
	if sol.Score < 2 {
		t.Fatalf("score = %v, want >= 2 (fitness plus budget bonus)", sol.Score)
	}
	if m.SeededPlans == 0 {
		t.Fatalf("expected expansion seeds in the initial population")
	}
	if m.Evaluations == 0 || m.Generations != DefaultGenerations {
		t.Fatalf("metrics = %+v, want %d generations and nonzero evaluations", m, DefaultGenerations)
	}

	sc := chainScenario()
	res := sim.Simulate(sc.Processes, sol.Best, sc.Stocks, sc.Targets, 100)
	if res.Fitness != sol.Fitness || res.Elapsed != sol.Elapsed || res.Executed != sol.Executed {
		t.Fatalf("solution disagrees with its own replay: %+v vs %+v", sol, res)
	}
}

func TestSolveDeterministic(t *testing.T) {
	p := Problem{Scenario: chainScenario(), Budget: 60}
	for _, workers := range []int{1, 4} {
		a, am, err := Solve(context.Background(), p, Params{Workers: workers}, 7)
		if err != nil {
			t.Fatalf("Solve(workers=%d): %v", workers, err)
		}
		b, bm, err := Solve(context.Background(), p, Params{Workers: workers}, 7)
		if err != nil {
			t.Fatalf("Solve(workers=%d): %v", workers, err)
		}
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("workers=%d: same seed produced different solutions:\n%+v\n%+v", workers, a, b)
		}
		if am.BestScore != bm.BestScore || am.Evaluations != bm.Evaluations {
			t.Fatalf("workers=%d: metrics diverged: %+v vs %+v", workers, am, bm)
		}
	}

	one, _, _ := Solve(context.Background(), p, Params{Workers: 1}, 7)
	four, _, _ := Solve(context.Background(), p, Params{Workers: 4}, 7)
	if !reflect.DeepEqual(one, four) {
		t.Fatalf("worker count changed the outcome:\n%+v\n%+v", one, four)
	}
}

func TestSolveCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sol, m, err := Solve(ctx, Problem{Scenario: chainScenario(), Budget: 100}, Params{}, 1)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if m.Generations != 0 {
		t.Fatalf("generations = %d, want 0 after pre-cancelled context", m.Generations)
	}
	if sol.Best == nil {
		t.Fatalf("expected the initial population's best, got nil schedule")
	}
}

func TestSolveWallClock(t *testing.T) {
	calls := 0
	p := Problem{Scenario: chainScenario(), Budget: 100, OnGeneration: func(GenerationStat) { calls++ }}
	_, m, err := Solve(context.Background(), p, Params{Generations: 100, WallClock: 1}, 1)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if m.Generations > 1 {
		t.Fatalf("generations = %d, want at most 1 under a 1ns wall clock", m.Generations)
	}
	if calls != m.Generations {
		t.Fatalf("OnGeneration fired %d times for %d generations", calls, m.Generations)
	}
}

func TestSolveNoProducer(t *testing.T) {
	sc := chainScenario()
	sc.Targets = []string{"unicorn"}
	_, _, err := Solve(context.Background(), Problem{Scenario: sc, Budget: 10}, Params{}, 1)
	if !errors.Is(err, plan.ErrNoProducer) {
		t.Fatalf("err = %v, want ErrNoProducer", err)
	}
}

func TestSolveTimeOnlyScenario(t *testing.T) {
	sc := model.Scenario{
		Stocks: model.Ledger{"coal": 4},
		Processes: model.Catalogue{
			{Name: "burn", Need: map[string]int{"coal": 1}, Output: map[string]int{"ash": 1}, Duration: 5},
		},
		OptimizeTime: true,
	}
	sol, m, err := Solve(context.Background(), Problem{Scenario: sc, Budget: 20}, Params{}, 3)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if m.SeededPlans != 0 {
		t.Fatalf("time-only scenario should not expand seeds, got %d", m.SeededPlans)
	}
	if sol.Fitness != 0 {
		t.Fatalf("fitness = %d, want 0 with no target resources", sol.Fitness)
	}
}

func TestHistoryBestMonotone(t *testing.T) {
	for _, seed := range []int64{1, 2, 99} {
		_, m, err := Solve(context.Background(), Problem{Scenario: chainScenario(), Budget: 100}, Params{Generations: 20}, seed)
		if err != nil {
			t.Fatalf("Solve(seed=%d): %v", seed, err)
		}
		prev := -1.0
		for _, st := range m.History {
			if st.Best < prev {
				t.Fatalf("seed %d: generation %d best %v dropped below %v", seed, st.Gen, st.Best, prev)
			}
			prev = st.Best
		}
		if len(m.History) > 0 && m.BestScore < m.History[len(m.History)-1].Best {
			t.Fatalf("seed %d: final best %v below last generation %v", seed, m.BestScore, m.History[len(m.History)-1].Best)
		}
	}
}

func TestSelectParentFlatWheel(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	scores := []float64{0, 0, 0, 0}
	seen := map[int]int{}
	for i := 0; i < 1000; i++ {
		idx := selectParent(scores, rng)
		if idx < 0 || idx >= len(scores) {
			t.Fatalf("index %d out of range", idx)
		}
		seen[idx]++
	}
	for i := range scores {
		if seen[i] == 0 {
			t.Fatalf("flat wheel never picked index %d: %v", i, seen)
		}
	}
}

func TestSelectParentWeighted(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	scores := []float64{0, 100, 0}
	for i := 0; i < 100; i++ {
		if idx := selectParent(scores, rng); idx != 1 {
			t.Fatalf("all weight on index 1 but picked %d", idx)
		}
	}
}

func TestOperatorProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		chk := require.New(t)
		rng := rand.New(rand.NewSource(rapid.Int64().Draw(t, "seed")))

		names := []string{"a", "b", "c", "d", "e", "f"}
		genome := func(label string) model.Schedule {
			n := rapid.IntRange(2, 6).Draw(t, label)
			s := make(model.Schedule, n)
			for i := range s {
				s[i] = names[rng.Intn(len(names))]
			}
			return s
		}

		a, b := genome("lenA"), genome("lenB")
		child := crossover(a, b, rng)
		chk.Len(child, len(b))
		chk.Equal(a[0], child[0])
		chk.Equal(b[len(b)-1], child[len(child)-1])

		before := child.Clone()
		mutate(child, rng)
		sortedA, sortedB := append(model.Schedule{}, before...), append(model.Schedule{}, child...)
		sort.Strings(sortedA)
		sort.Strings(sortedB)
		chk.Equal(sortedA, sortedB)
	})
}
