package plan

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"planforge/internal/model"
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

func TestIndexOrdering(t *testing.T) {
	cat := model.Catalogue{
		{Name: "small", Output: map[string]int{"plank": 1}, Need: map[string]int{"wood": 5}, Duration: 1},
		{Name: "big", Output: map[string]int{"plank": 4}, Need: map[string]int{"wood": 2}, Duration: 1},
	}
	ix := NewIndex(cat)
	prods := ix.ProducersOf("plank")
	if len(prods) != 2 || prods[0].Name != "big" {
		t.Fatalf("producers not ordered by yield: %v", model.Catalogue(prods).Names())
	}
	cons := ix.ConsumersOf("wood")
	if len(cons) != 2 || cons[0].Name != "big" {
		t.Fatalf("consumers not ordered by requirement: %v", model.Catalogue(cons).Names())
	}
	if ix.ProducersOf("nothing") != nil {
		t.Fatalf("expected no producers for unknown resource")
	}
}

func TestExpandChain(t *testing.T) {
	sc := chainScenario()
	f, err := Expand(sc, Options{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if f.Truncated {
		t.Fatalf("chain should expand within default ceilings")
	}
	if len(f.Complete) == 0 {
		t.Fatalf("expected a complete plan, got %d nodes", len(f.Nodes))
	}
	got := Flatten(f.Complete[0])
	want := model.Schedule{"achat_materiel", "realisation_produit", "livraison"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("flatten = %v, want %v", got, want)
	}
	// The flattened plan must actually execute.
	res := sim.Simulate(sc.Processes, got, sc.Stocks, sc.Targets, 1000)
	if res.Fitness != 1 || res.Executed != 3 {
		t.Fatalf("flattened plan does not run: %+v", res)
	}
}

func TestExpandRepetitionCounts(t *testing.T) {
	sc := model.Scenario{
		Stocks: model.Ledger{"x": 1},
		Processes: model.Catalogue{
			{Name: "top", Need: map[string]int{"x": 7}, Output: map[string]int{"t": 1}, Duration: 1},
			{Name: "make_x", Output: map[string]int{"x": 3}, Duration: 1},
		},
		Targets: []string{"t"},
	}
	f, err := Expand(sc, Options{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(f.Complete) == 0 {
		t.Fatalf("expected a complete plan")
	}
	n := f.Complete[0]
	var count int
	for _, r := range n.Runs {
		if r.Process.Name == "make_x" {
			count = r.Count
		}
	}
	// missing 6 at 3 per run.
	if count != 2 {
		t.Fatalf("make_x count = %d, want 2", count)
	}
	if n.Ledger["x"] != 7 {
		t.Fatalf("snapshot x = %d, want 7", n.Ledger["x"])
	}
}

func TestExpandCartesianChildren(t *testing.T) {
	sc := model.Scenario{
		Stocks: model.Ledger{},
		Processes: model.Catalogue{
			{Name: "mill", Need: map[string]int{"wood": 2, "glue": 1}, Output: map[string]int{"plank": 1}, Duration: 5},
			{Name: "chop_fast", Output: map[string]int{"wood": 3}, Duration: 4},
			{Name: "chop_slow", Output: map[string]int{"wood": 1}, Duration: 1},
			{Name: "boil_glue", Output: map[string]int{"glue": 1}, Duration: 2},
		},
		Targets: []string{"plank"},
	}
	f, err := Expand(sc, Options{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	// One producer choice per wood alternative, glue fixed.
	if len(f.Complete) != 2 {
		t.Fatalf("complete = %d, want 2", len(f.Complete))
	}
	counts := map[string]int{}
	for _, n := range f.Complete {
		for _, r := range n.Runs {
			if r.Process.Name == "chop_fast" || r.Process.Name == "chop_slow" {
				counts[r.Process.Name] = r.Count
			}
		}
	}
	if counts["chop_fast"] != 1 || counts["chop_slow"] != 2 {
		t.Fatalf("producer repetitions = %v", counts)
	}
}

func TestChildIterIsLazyOdometer(t *testing.T) {
	sc := model.Scenario{
		Stocks: model.Ledger{},
		Processes: model.Catalogue{
			{Name: "mill", Need: map[string]int{"wood": 1, "glue": 1}, Output: map[string]int{"plank": 1}, Duration: 1},
			{Name: "w1", Output: map[string]int{"wood": 1}, Duration: 1},
			{Name: "w2", Output: map[string]int{"wood": 2}, Duration: 1},
			{Name: "g1", Output: map[string]int{"glue": 1}, Duration: 1},
			{Name: "g2", Output: map[string]int{"glue": 2}, Duration: 1},
			{Name: "g3", Output: map[string]int{"glue": 3}, Duration: 1},
		},
		Targets: []string{"plank"},
	}
	ix := NewIndex(sc.Processes)
	root := Node{
		Runs:   []Run{{Process: sc.Processes[0], Count: 1}},
		Ledger: sc.Stocks.Clone(),
	}
	it := children(ix, &root)
	sigs := map[string]bool{}
	n := 0
	for {
		child, ok := it.Next()
		if !ok {
			break
		}
		n++
		if sigs[child.signature()] {
			t.Fatalf("duplicate combination: %s", child.signature())
		}
		sigs[child.signature()] = true
		if child.Depth != 1 {
			t.Fatalf("depth = %d, want 1", child.Depth)
		}
	}
	if n != 6 {
		t.Fatalf("combinations = %d, want 2*3 = 6", n)
	}
	if len(root.Ledger) != 0 {
		t.Fatalf("parent snapshot mutated: %v", root.Ledger)
	}
}

func TestExpandCycleTerminates(t *testing.T) {
	// a and b feed each other; only the ceilings stop this.
	sc := model.Scenario{
		Stocks: model.Ledger{},
		Processes: model.Catalogue{
			{Name: "need_b", Need: map[string]int{"b": 1}, Output: map[string]int{"a": 1}, Duration: 1},
			{Name: "need_a", Need: map[string]int{"a": 1}, Output: map[string]int{"b": 1}, Duration: 1},
		},
		Targets: []string{"a"},
	}
	f, err := Expand(sc, Options{MaxDepth: 6, MaxNodes: 64})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if !f.Truncated {
		t.Fatalf("cycle must hit a ceiling")
	}
	if len(f.Nodes) > 64 {
		t.Fatalf("node ceiling exceeded: %d", len(f.Nodes))
	}
}

func TestExpandNoProducer(t *testing.T) {
	sc := chainScenario()
	sc.Targets = []string{"gold"}
	if _, err := Expand(sc, Options{}); !errors.Is(err, ErrNoProducer) {
		t.Fatalf("expected ErrNoProducer, got %v", err)
	}
	sc.Targets = nil
	if _, err := Expand(sc, Options{}); !errors.Is(err, ErrNoProducer) {
		t.Fatalf("expected ErrNoProducer for empty targets, got %v", err)
	}
	if _, err := Expand(model.Scenario{Targets: []string{"x"}}, Options{}); !errors.Is(err, ErrNoProducer) {
		t.Fatalf("expected ErrNoProducer for empty catalogue, got %v", err)
	}
}

func TestSeeds(t *testing.T) {
	f, err := Expand(chainScenario(), Options{})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	seeds := Seeds(f, 5)
	if len(seeds) == 0 || len(seeds) > 5 {
		t.Fatalf("seeds = %d", len(seeds))
	}
	seen := map[string]bool{}
	for _, s := range seeds {
		key := strings.Join(s, ",")
		if seen[key] {
			t.Fatalf("duplicate seed %v", s)
		}
		seen[key] = true
	}
}

func TestExpandBoundedOnRandomCatalogues(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		chk := require.New(t)
		resources := []string{"a", "b", "c"}
		n := rapid.IntRange(1, 4).Draw(t, "processes")
		cat := make(model.Catalogue, 0, n)
		for i := 0; i < n; i++ {
			p := model.Process{
				Name:     "p" + string(rune('0'+i)),
				Need:     map[string]int{},
				Output:   map[string]int{},
				Duration: rapid.IntRange(0, 5).Draw(t, "dur"),
			}
			for _, r := range resources {
				if rapid.IntRange(0, 1).Draw(t, "n:"+p.Name+r) == 0 {
					p.Need[r] = rapid.IntRange(1, 3).Draw(t, "nq:"+p.Name+r)
				}
				if rapid.IntRange(0, 1).Draw(t, "o:"+p.Name+r) == 0 {
					p.Output[r] = rapid.IntRange(1, 3).Draw(t, "oq:"+p.Name+r)
				}
			}
			cat = append(cat, p)
		}
		sc := model.Scenario{
			Stocks:    model.Ledger{"a": rapid.IntRange(0, 4).Draw(t, "stockA")},
			Processes: cat,
			Targets:   []string{rapid.SampledFrom(resources).Draw(t, "target")},
		}
		f, err := Expand(sc, Options{MaxDepth: 4, MaxNodes: 64})
		if errors.Is(err, ErrNoProducer) {
			return
		}
		chk.NoError(err)
		chk.LessOrEqual(len(f.Nodes), 64)
		for _, c := range f.Complete {
			chk.Empty(c.unmetNeeds())
		}
	})
}
