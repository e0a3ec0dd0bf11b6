// Package verify replays a trace against its scenario and rejects the
// first invocation that could not have happened as written.
package verify

import (
	"fmt"

	"planforge/internal/model"
)

// Report summarizes a replayed trace.
type Report struct {
	Executed   int          `json:"executed"`
	FinalCycle int          `json:"finalCycle"`
	Fitness    int          `json:"fitness"`
	Final      model.Ledger `json:"final"`
}

// Error pinpoints the offending trace entry. Index is 1-based in trace
// order, comments and blank lines excluded.
type Error struct {
	Index  int
	Entry  model.TraceEntry
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("trace entry %d (%d:%s): %s", e.Index, e.Entry.Cycle, e.Entry.Process, e.Reason)
}

// Verify walks the trace in order, checking that each process exists,
// starts exactly when the previous one finished, and had its inputs on
// hand. The report reflects the replay up to the first violation; the
// error is nil only for a fully valid trace.
func Verify(sc model.Scenario, tr model.Trace) (Report, error) {
	ledger := sc.Stocks.Clone()
	isTarget := make(map[string]bool, len(sc.Targets))
	for _, t := range sc.Targets {
		isTarget[t] = true
	}

	rep := Report{Final: ledger}
	for i, e := range tr {
		p, ok := sc.Processes.Find(e.Process)
		if !ok {
			return rep, &Error{Index: i + 1, Entry: e, Reason: "unknown process"}
		}
		if e.Cycle != rep.FinalCycle {
			return rep, &Error{Index: i + 1, Entry: e, Reason: fmt.Sprintf("starts at cycle %d, expected %d", e.Cycle, rep.FinalCycle)}
		}
		if !model.Available(p, ledger) {
			return rep, &Error{Index: i + 1, Entry: e, Reason: "insufficient stock"}
		}
		if err := model.Apply(p, ledger); err != nil {
			panic(err) // unreachable: availability checked above
		}
		for out, qty := range p.Output {
			if isTarget[out] {
				rep.Fitness += qty
			}
		}
		rep.FinalCycle += p.Duration
		rep.Executed++
	}
	return rep, nil
}
