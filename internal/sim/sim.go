// Package sim replays candidate schedules against a resource ledger. It is
// the fitness oracle for the optimizer and the replay engine behind trace
// verification, so it must stay deterministic and side-effect free.
package sim

import (
	"planforge/internal/model"
)

// Result is the outcome of one simulation run.
type Result struct {
	Fitness  int          `json:"fitness"`
	Elapsed  int          `json:"elapsed"`
	Executed int          `json:"executed"`
	Trace    model.Trace  `json:"trace"`
	Final    model.Ledger `json:"final"`
}

// Simulate walks sched in order against a copy of initial. Invocations
// that are unknown or not runnable against the current ledger are skipped
// without advancing time. A runnable invocation whose duration would push
// elapsed past budget stops the walk, except when nothing has executed
// yet: the first applied invocation is exempt from the budget check, so a
// schedule whose opening invocation alone exceeds the budget still runs
// it once. Every applied invocation credits the produced quantity of each
// target resource to the fitness.
//
// The inputs are never mutated; identical inputs give identical results.
func Simulate(cat model.Catalogue, sched model.Schedule, initial model.Ledger, targets []string, budget int) Result {
	ledger := initial.Clone()
	isTarget := make(map[string]bool, len(targets))
	for _, t := range targets {
		isTarget[t] = true
	}

	var res Result
	for _, name := range sched {
		p, ok := cat.Find(name)
		if !ok || !model.Available(p, ledger) {
			continue
		}
		if res.Executed > 0 && res.Elapsed+p.Duration > budget {
			break
		}
		res.Trace = append(res.Trace, model.TraceEntry{Cycle: res.Elapsed, Process: name})
		if err := model.Apply(p, ledger); err != nil {
			panic(err) // unreachable: availability checked above
		}
		for out, qty := range p.Output {
			if isTarget[out] {
				res.Fitness += qty
			}
		}
		res.Elapsed += p.Duration
		res.Executed++
		if res.Elapsed > budget {
			break
		}
	}
	res.Final = ledger
	return res
}
