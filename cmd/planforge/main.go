package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"planforge/internal/config"
	"planforge/internal/model"
	"planforge/internal/opt"
)

const usage = `Usage: planforge [flags] <config-file> <delay>

Positional arguments:
  config-file   Scenario configuration (stocks, processes, optimize directive)
  delay         Cycle budget the produced schedule may spend

Flags:
`

func main() {
	var (
		n        = flag.Int("n", opt.DefaultPopulation, "population size")
		g        = flag.Int("g", opt.DefaultGenerations, "number of generations")
		o        = flag.Int("o", opt.DefaultOffspring, "offspring per generation")
		seed     = flag.Int64("seed", 0, "random seed (0 derives one from the clock)")
		workers  = flag.Int("workers", 0, "parallel evaluations (0 = GOMAXPROCS)")
		maxDepth = flag.Int("max-depth", 0, "dependency expansion depth ceiling (0 = default)")
		maxNodes = flag.Int("max-nodes", 0, "dependency expansion node ceiling (0 = default)")
		wall     = flag.Int("wall", 0, "optimizer wall-clock ceiling in milliseconds (0 = none)")
		traceOut = flag.String("trace", "", "write the winning trace to this file")
		verbose  = flag.Bool("v", false, "print per-generation progress to stderr")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		flag.Usage()
		os.Exit(1)
	}

	delay, err := strconv.Atoi(args[1])
	if err != nil || delay <= 0 {
		fmt.Fprintf(os.Stderr, "error: delay must be a positive integer, got %q\n", args[1])
		os.Exit(1)
	}

	sc, err := config.ParseFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Loaded %d stocks, %d processes, optimizing %s (budget %d)\n",
		len(sc.Stocks), len(sc.Processes), optimizeLabel(sc), delay)

	prob := opt.Problem{Scenario: sc, Budget: delay}
	if *verbose {
		prob.OnGeneration = func(st opt.GenerationStat) {
			fmt.Fprintf(os.Stderr, "gen %d: best %.2f mean %.2f (%s)\n",
				st.Gen, st.Best, st.Mean, st.Elapsed.Round(time.Millisecond))
		}
	}
	params := opt.Params{
		Population:  *n,
		Generations: *g,
		Offspring:   *o,
		MaxDepth:    *maxDepth,
		MaxNodes:    *maxNodes,
		Workers:     *workers,
		WallClock:   time.Duration(*wall) * time.Millisecond,
	}

	// Interrupt aborts between generations and keeps the best found so far.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	sol, met, err := opt.Solve(ctx, prob, params, *seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(sol.Trace.String())
	fmt.Printf("no more process doable at cycle %d\n", sol.Elapsed)
	fmt.Println("Final stocks:")
	for _, name := range sol.Final.Names() {
		fmt.Printf("  %s => %d\n", name, sol.Final[name])
	}
	fmt.Printf("Elapsed %d cycles, fitness %d, executed %d/%d in %s (seed %d, %d generations, %d evaluations)\n",
		sol.Elapsed, sol.Fitness, sol.Executed, len(sol.Best),
		time.Since(start).Round(time.Millisecond), met.Seed, met.Generations, met.Evaluations)

	if *traceOut != "" {
		if err := writeTrace(*traceOut, sol.Trace, sol.Elapsed); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "trace written to %s\n", *traceOut)
	}
}

// writeTrace emits the file the verifier consumes: one cycle:name line
// per applied invocation, then a comment recording the final cycle.
func writeTrace(path string, tr model.Trace, finalCycle int) error {
	var b strings.Builder
	b.WriteString(tr.String())
	fmt.Fprintf(&b, "# no more process doable at cycle %d\n", finalCycle)
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func optimizeLabel(sc model.Scenario) string {
	parts := make([]string, 0, len(sc.Targets)+1)
	if sc.OptimizeTime {
		parts = append(parts, model.TimeStock)
	}
	parts = append(parts, sc.Targets...)
	return strings.Join(parts, ";")
}
