package config

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"planforge/internal/model"
)

const simpleConfig = `
# three-step production chain
euro:10

achat_materiel:(euro:8):(materiel:1):10
realisation_produit:(materiel:1):(produit:1):30
livraison:(produit:1):(client_content:1):20

optimize:(time;client_content)
`

func TestParseSimple(t *testing.T) {
	sc, err := ParseString(simpleConfig)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(sc.Processes) != 3 {
		t.Fatalf("processes = %d, want 3", len(sc.Processes))
	}
	if !sc.OptimizeTime || !reflect.DeepEqual(sc.Targets, []string{"client_content"}) {
		t.Fatalf("targets = %v optimizeTime = %v", sc.Targets, sc.OptimizeTime)
	}
	if sc.Stocks["euro"] != 10 {
		t.Fatalf("euro = %d, want 10", sc.Stocks["euro"])
	}
	// Resources only mentioned by processes materialize at zero.
	for _, name := range []string{"materiel", "produit", "client_content"} {
		if qty, ok := sc.Stocks[name]; !ok || qty != 0 {
			t.Fatalf("stock %q = %d (present %v), want 0", name, qty, ok)
		}
	}
	p, ok := sc.Processes.Find("realisation_produit")
	if !ok || p.Need["materiel"] != 1 || p.Output["produit"] != 1 || p.Duration != 30 {
		t.Fatalf("unexpected process: %+v", p)
	}
}

func TestParseEmptyNeedList(t *testing.T) {
	sc, err := ParseString("gather:():(wood:1):3\noptimize:(wood)\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p := sc.Processes[0]
	if len(p.Need) != 0 || p.Output["wood"] != 1 {
		t.Fatalf("unexpected process: %+v", p)
	}
}

func TestParseSectionOrder(t *testing.T) {
	cases := []string{
		"achat:(euro:8):(m:1):10\neuro:10\noptimize:(m)\n",   // stock after process
		"euro:10\noptimize:(euro)\n",                         // optimize before any process
		"e:1\np:(e:1):(f:1):1\noptimize:(f)\noptimize:(f)\n", // duplicate directive
		"e:1\np:(e:1):(f:1):1\n",                             // missing directive
	}
	for _, cfg := range cases {
		if _, err := ParseString(cfg); err == nil {
			t.Fatalf("expected error for %q", cfg)
		}
	}
}

func TestParseMalformedLines(t *testing.T) {
	cases := []string{
		"euro:ten\np:(euro:1):(x:1):1\noptimize:(x)\n",
		"e:1\nbroken:(:(x:1):1\noptimize:(x)\n",
		"e:1\np:(e:1):(x:1):1\noptimize:()\n",
		"e:1\np:(e:1):(x:1):1\noptimize:(gold)\n", // undefined target
		"e:1\np:(e:1):(x:1):1\np:(e:1):(y:1):2\noptimize:(x)\n",
	}
	for _, cfg := range cases {
		if _, err := ParseString(cfg); err == nil {
			t.Fatalf("expected error for %q", cfg)
		}
	}
}

func TestParseErrorCarriesLine(t *testing.T) {
	_, err := ParseString("euro:10\nbad line here\noptimize:(euro)\n")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if pe.Line != 2 {
		t.Fatalf("line = %d, want 2", pe.Line)
	}
}

func TestRenderRoundTrip(t *testing.T) {
	sc, err := ParseString(simpleConfig)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	again, err := ParseString(Render(sc))
	if err != nil {
		t.Fatalf("reparse rendered config: %v", err)
	}
	if !reflect.DeepEqual(sc, again) {
		t.Fatalf("round trip changed scenario:\n%+v\n%+v", sc, again)
	}
}

func TestFromDoc(t *testing.T) {
	sc, err := FromDoc(model.ScenarioIn{
		Stocks:    map[string]int{"wood": 10},
		Processes: []model.Process{{Name: "make_plank", Need: map[string]int{"wood": 2}, Output: map[string]int{"plank": 1}, Duration: 5}},
		Optimize:  []string{"plank"},
	})
	if err != nil {
		t.Fatalf("from doc: %v", err)
	}
	if sc.Stocks["plank"] != 0 || len(sc.Targets) != 1 {
		t.Fatalf("unexpected scenario: %+v", sc)
	}

	bad := []model.ScenarioIn{
		{Stocks: map[string]int{"wood": 10}},
		{Processes: []model.Process{{Name: "bad name", Duration: 1}}, Optimize: []string{"x"}},
		{Processes: []model.Process{{Name: "p", Output: map[string]int{"x": 1}, Duration: -1}}, Optimize: []string{"x"}},
		{Processes: []model.Process{{Name: "p", Output: map[string]int{"x": 1}, Duration: 1}}, Optimize: []string{"gold"}},
		{Processes: []model.Process{{Name: "p", Output: map[string]int{"x": 1}, Duration: 1}}},
	}
	for i, in := range bad {
		if _, err := FromDoc(in); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestParseStripsCommentsAndSpace(t *testing.T) {
	cfg := "  euro:10  \n#comment\n\n  p:(euro:2):(x:1):4\noptimize:(x)"
	sc, err := Parse(strings.NewReader(cfg))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sc.Stocks["euro"] != 10 || len(sc.Processes) != 1 {
		t.Fatalf("unexpected scenario: %+v", sc)
	}
}
