package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimeStock is the reserved pseudo-resource name in an optimize directive.
// It is never accounted as a resource; it asks for shorter schedules.
const TimeStock = "time"

// ErrInsufficientStock reports an Apply call made without a prior
// successful Available check. It flags a bug in the caller, not bad input.
var ErrInsufficientStock = errors.New("insufficient stock")

// Ledger maps resource names to non-negative quantities. Resources not
// present are implicitly at quantity zero.
type Ledger map[string]int

// Clone returns an independent copy. Simulations and plan nodes never
// share a ledger.
func (l Ledger) Clone() Ledger {
	out := make(Ledger, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Get returns the held quantity, zero for unknown resources.
func (l Ledger) Get(name string) int { return l[name] }

// Total sums the held quantities of the named resources.
func (l Ledger) Total(names []string) int {
	total := 0
	for _, n := range names {
		total += l[n]
	}
	return total
}

// Names returns the resource names in sorted order for stable output.
func (l Ledger) Names() []string {
	names := make([]string, 0, len(l))
	for k := range l {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Process is an atomic transformation: it consumes Need, produces Output
// and takes Duration cycles. A resource may appear in both maps; the net
// effect is output minus need. Immutable once loaded.
type Process struct {
	Name     string         `json:"name"`
	Need     map[string]int `json:"need,omitempty"`
	Output   map[string]int `json:"output,omitempty"`
	Duration int            `json:"duration"`
}

// Catalogue is the ordered process set from the configuration. Order is
// preserved so derived indexes stay stable across runs.
type Catalogue []Process

// Find returns the process with the given name.
func (c Catalogue) Find(name string) (Process, bool) {
	for _, p := range c {
		if p.Name == name {
			return p, true
		}
	}
	return Process{}, false
}

// Names returns the process names in catalogue order.
func (c Catalogue) Names() []string {
	names := make([]string, len(c))
	for i, p := range c {
		names[i] = p.Name
	}
	return names
}

// Available reports whether every resource in p.Need is held in
// sufficient quantity by l.
func Available(p Process, l Ledger) bool {
	for name, qty := range p.Need {
		if l[name] < qty {
			return false
		}
	}
	return true
}

// Apply deducts p.Need from l then adds p.Output, in place. Callers must
// check Available first; otherwise Apply returns ErrInsufficientStock and
// leaves l untouched.
func Apply(p Process, l Ledger) error {
	if !Available(p, l) {
		return fmt.Errorf("%w: process %q", ErrInsufficientStock, p.Name)
	}
	for name, qty := range p.Need {
		l[name] -= qty
	}
	for name, qty := range p.Output {
		l[name] += qty
	}
	return nil
}

// Schedule is an ordered list of process invocations by name. A name may
// appear any number of times; order is part of the genome.
type Schedule []string

// Clone returns an independent copy.
func (s Schedule) Clone() Schedule {
	out := make(Schedule, len(s))
	copy(out, s)
	return out
}

// TotalDuration sums the declared durations of every invocation that
// resolves in the catalogue, ignoring unknown names.
func (s Schedule) TotalDuration(c Catalogue) int {
	total := 0
	for _, name := range s {
		if p, ok := c.Find(name); ok {
			total += p.Duration
		}
	}
	return total
}

// TraceEntry records one applied invocation and the cycle it started at.
type TraceEntry struct {
	Cycle   int    `json:"cycle"`
	Process string `json:"process"`
}

// Trace is the replayable record of a simulation: which processes ran and
// when. Its text form is one "cycle:name" line per entry.
type Trace []TraceEntry

func (t Trace) String() string {
	var b strings.Builder
	for _, e := range t {
		fmt.Fprintf(&b, "%d:%s\n", e.Cycle, e.Process)
	}
	return b.String()
}

// Schedule extracts the invocation order from the trace.
func (t Trace) Schedule() Schedule {
	out := make(Schedule, len(t))
	for i, e := range t {
		out[i] = e.Process
	}
	return out
}

// ParseTrace reads the text trace form. Blank lines and '#' comments are
// ignored; anything else must be "cycle:name" with a non-negative cycle.
func ParseTrace(text string) (Trace, error) {
	var out Trace
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cycleStr, name, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("trace line %d: want cycle:name, got %q", i+1, line)
		}
		cycle, err := strconv.Atoi(cycleStr)
		if err != nil || cycle < 0 {
			return nil, fmt.Errorf("trace line %d: bad cycle %q", i+1, cycleStr)
		}
		out = append(out, TraceEntry{Cycle: cycle, Process: name})
	}
	return out, nil
}

// Scenario is a parsed configuration: starting stocks, the process
// catalogue and the resources to optimize. Targets excludes the "time"
// pseudo-resource; OptimizeTime records whether it was requested.
type Scenario struct {
	Stocks       Ledger    `json:"stocks"`
	Processes    Catalogue `json:"processes"`
	Targets      []string  `json:"targets"`
	OptimizeTime bool      `json:"optimizeTime,omitempty"`
}

// API request bodies.

type ScenarioIn struct {
	Name      string         `json:"name"`
	Stocks    map[string]int `json:"stocks"`
	Processes []Process      `json:"processes"`
	Optimize  []string       `json:"optimize"`
}

type RunParams struct {
	Population  int `json:"population,omitempty"`
	Generations int `json:"generations,omitempty"`
	Offspring   int `json:"offspring,omitempty"`
	MaxDepth    int `json:"maxDepth,omitempty"`
	MaxNodes    int `json:"maxNodes,omitempty"`
	Workers     int `json:"workers,omitempty"`
	WallMs      int `json:"wallMs,omitempty"`
}

type RunRequest struct {
	ScenarioID string    `json:"scenarioId"`
	Budget     int       `json:"budget"`
	Seed       int64     `json:"seed,omitempty"`
	Params     RunParams `json:"params,omitempty"`
}

type VerifyRequest struct {
	Scenario *ScenarioIn `json:"scenario,omitempty"`
	Config   string      `json:"config,omitempty"`
	Trace    string      `json:"trace"`
}

type SubscriptionRequest struct {
	OrgID  string   `json:"-"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

// Stored records.

// ScenarioRecord is a stored scenario: the canonical config text plus
// its parsed form.
type ScenarioRecord struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"orgId"`
	Name      string    `json:"name"`
	Config    string    `json:"config"`
	Scenario  Scenario  `json:"scenario"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Run is one optimization job. Status moves queued -> running ->
// completed | failed | cancelled.
type Run struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"orgId"`
	ScenarioID string     `json:"scenarioId"`
	Status     string     `json:"status"`
	Budget     int        `json:"budget"`
	Seed       int64      `json:"seed,omitempty"`
	Params     RunParams  `json:"params"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// RunResult is the outcome of a completed run. Trace holds the
// cycle:name text form; Metrics carries the optimizer's own report.
type RunResult struct {
	RunID    string          `json:"runId"`
	Best     Schedule        `json:"best"`
	Score    float64         `json:"score"`
	Fitness  int             `json:"fitness"`
	Elapsed  int             `json:"elapsed"`
	Executed int             `json:"executed"`
	Trace    string          `json:"trace"`
	Final    Ledger          `json:"final"`
	Metrics  json.RawMessage `json:"metrics,omitempty"`
}

type Subscription struct {
	ID     string   `json:"id"`
	OrgID  string   `json:"orgId"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}
