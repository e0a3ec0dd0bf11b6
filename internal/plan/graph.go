// Package plan derives candidate schedules by expanding backward from the
// optimization targets: start with the processes that produce a target,
// then repeatedly add producers for whatever those processes still need.
// Expansion must run under depth and node ceilings; cyclic catalogues
// would otherwise recurse forever.
package plan

import (
	"cmp"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/addrummond/heap"
	"github.com/gammazero/deque"

	"planforge/internal/model"
)

// ErrNoProducer reports a target resource no process produces, or an
// altogether empty target set. Surfaced before any search runs.
var ErrNoProducer = errors.New("no producer")

// Options bounds an expansion. Zero values take the defaults.
type Options struct {
	MaxDepth int
	MaxNodes int
}

const (
	DefaultMaxDepth = 8
	DefaultMaxNodes = 2048
)

func (o Options) withDefaults() Options {
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxNodes <= 0 {
		o.MaxNodes = DefaultMaxNodes
	}
	return o
}

// Index groups catalogue processes by the resources they produce and
// consume. Producer lists are ordered by descending produced quantity so
// high-yield processes come first; consumer lists by ascending required
// quantity. Catalogue order breaks ties, keeping runs reproducible.
type Index struct {
	producers map[string][]model.Process
	consumers map[string][]model.Process
}

// NewIndex builds the derived indexes for a catalogue.
func NewIndex(cat model.Catalogue) *Index {
	ix := &Index{
		producers: map[string][]model.Process{},
		consumers: map[string][]model.Process{},
	}
	for _, p := range cat {
		for res := range p.Output {
			ix.producers[res] = append(ix.producers[res], p)
		}
		for res := range p.Need {
			ix.consumers[res] = append(ix.consumers[res], p)
		}
	}
	for res, list := range ix.producers {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Output[res] > list[j].Output[res] })
	}
	for res, list := range ix.consumers {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Need[res] < list[j].Need[res] })
	}
	return ix
}

// ProducersOf lists the processes whose output contains res.
func (ix *Index) ProducersOf(res string) []model.Process { return ix.producers[res] }

// ConsumersOf lists the processes whose need contains res.
func (ix *Index) ConsumersOf(res string) []model.Process { return ix.consumers[res] }

// Run is a process and the number of times it must execute.
type Run struct {
	Process model.Process
	Count   int
}

// Node is a partial plan: a run multiset, the ledger snapshot that would
// result from executing it, and its distance from the root. Every node
// owns its snapshot; branches never alias.
type Node struct {
	Runs   []Run
	Ledger model.Ledger
	Depth  int
}

// declaredCost is the total declared duration of the node's runs.
func (n *Node) declaredCost() int {
	total := 0
	for _, r := range n.Runs {
		total += r.Process.Duration * r.Count
	}
	return total
}

// Cmp orders the expansion frontier: shallow before deep, then cheaper
// declared duration, then fewer runs.
func (a *Node) Cmp(b *Node) int {
	if c := cmp.Compare(a.Depth, b.Depth); c != 0 {
		return c
	}
	if c := cmp.Compare(a.declaredCost(), b.declaredCost()); c != 0 {
		return c
	}
	return cmp.Compare(len(a.Runs), len(b.Runs))
}

// unmet is one unsatisfied requirement of a node.
type unmet struct {
	resource string
	missing  int
}

// unmetNeeds lists, per run in order and per need resource in name order,
// every requirement the snapshot cannot cover. Deterministic.
func (n *Node) unmetNeeds() []unmet {
	var out []unmet
	for _, r := range n.Runs {
		names := make([]string, 0, len(r.Process.Need))
		for res := range r.Process.Need {
			names = append(names, res)
		}
		sort.Strings(names)
		for _, res := range names {
			required := r.Process.Need[res] * r.Count
			if held := n.Ledger[res]; held < required {
				out = append(out, unmet{resource: res, missing: required - held})
			}
		}
	}
	return out
}

// signature keys the visited set by run multiset plus unmet needs, so
// structurally identical nodes reached through different combination
// orders expand once.
func (n *Node) signature() string {
	runs := make([]string, len(n.Runs))
	for i, r := range n.Runs {
		runs[i] = fmt.Sprintf("%s*%d", r.Process.Name, r.Count)
	}
	sort.Strings(runs)
	needs := n.unmetNeeds()
	parts := make([]string, len(needs))
	for i, u := range needs {
		parts[i] = fmt.Sprintf("%s:%d", u.resource, u.missing)
	}
	sort.Strings(parts)
	return strings.Join(runs, ",") + "|" + strings.Join(parts, ",")
}

// choice is one producer selected to cover an unmet need.
type choice struct {
	proc  model.Process
	count int
}

// childIter walks the cartesian product of producer choices lazily, one
// combination per Next call, odometer style. No layer is materialized.
type childIter struct {
	parent *Node
	dims   [][]choice
	idx    []int
	done   bool
}

// children prepares the lazy iterator for a node's offspring. Each unmet
// need contributes one dimension listing its alternative producers with
// the repetitions needed to close the gap. An unmet need nothing produces
// leaves an empty dimension, which yields no children: a dead branch.
func children(ix *Index, n *Node) *childIter {
	needs := n.unmetNeeds()
	it := &childIter{parent: n, dims: make([][]choice, len(needs)), idx: make([]int, len(needs))}
	for i, u := range needs {
		prods := ix.ProducersOf(u.resource)
		dim := make([]choice, 0, len(prods))
		for _, p := range prods {
			per := p.Output[u.resource]
			if per <= 0 {
				continue
			}
			dim = append(dim, choice{proc: p, count: ceilDiv(u.missing, per)})
		}
		it.dims[i] = dim
		if len(dim) == 0 {
			it.done = true
		}
	}
	if len(needs) == 0 {
		it.done = true
	}
	return it
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// Next returns the next child node, building it as a copy of the parent
// with the chosen producers merged in, their outputs credited to the
// snapshot, at depth+1.
func (it *childIter) Next() (Node, bool) {
	if it.done {
		return Node{}, false
	}
	child := Node{
		Runs:   append([]Run(nil), it.parent.Runs...),
		Ledger: it.parent.Ledger.Clone(),
		Depth:  it.parent.Depth + 1,
	}
	for i, dim := range it.dims {
		c := dim[it.idx[i]]
		mergeRun(&child.Runs, c.proc, c.count)
		for res, qty := range c.proc.Output {
			child.Ledger[res] += qty * c.count
		}
	}
	// Advance the odometer.
	for i := len(it.idx) - 1; ; i-- {
		if i < 0 {
			it.done = true
			break
		}
		it.idx[i]++
		if it.idx[i] < len(it.dims[i]) {
			break
		}
		it.idx[i] = 0
	}
	return child, true
}

func mergeRun(runs *[]Run, p model.Process, count int) {
	for i := range *runs {
		if (*runs)[i].Process.Name == p.Name {
			(*runs)[i].Count += count
			return
		}
	}
	*runs = append(*runs, Run{Process: p, Count: count})
}

// Forest is the outcome of one expansion.
type Forest struct {
	Nodes     []Node // every node generated, discovery order
	Complete  []Node // nodes whose snapshot covers every need
	Truncated bool   // a ceiling stopped expansion early
}

// Expand builds the candidate forest for a scenario. Exceeding a ceiling
// is not an error: the partial forest built so far comes back with
// Truncated set, and the optimizer proceeds on whatever was found.
func Expand(sc model.Scenario, opts Options) (Forest, error) {
	opts = opts.withDefaults()
	if len(sc.Processes) == 0 {
		return Forest{}, fmt.Errorf("%w: empty catalogue", ErrNoProducer)
	}
	if len(sc.Targets) == 0 {
		return Forest{}, fmt.Errorf("%w: no target resources", ErrNoProducer)
	}
	ix := NewIndex(sc.Processes)

	root := Node{Ledger: sc.Stocks.Clone()}
	seen := map[string]bool{}
	for _, target := range sc.Targets {
		prods := ix.ProducersOf(target)
		if len(prods) == 0 {
			return Forest{}, fmt.Errorf("%w for target %q", ErrNoProducer, target)
		}
		for _, p := range prods {
			if !seen[p.Name] {
				seen[p.Name] = true
				root.Runs = append(root.Runs, Run{Process: p, Count: 1})
			}
		}
	}

	var frontier heap.Heap[Node, heap.Min]
	heap.PushOrderable(&frontier, root)
	visited := map[string]bool{root.signature(): true}

	var f Forest
	generated := 1
	for {
		node, ok := heap.PopOrderable(&frontier)
		if !ok {
			break
		}
		f.Nodes = append(f.Nodes, node)
		needs := node.unmetNeeds()
		if len(needs) == 0 {
			f.Complete = append(f.Complete, node)
			continue
		}
		if node.Depth >= opts.MaxDepth {
			f.Truncated = true
			continue
		}
		it := children(ix, &node)
		for {
			if generated >= opts.MaxNodes {
				f.Truncated = true
				return f, nil
			}
			child, ok := it.Next()
			if !ok {
				break
			}
			sig := child.signature()
			if visited[sig] {
				continue
			}
			visited[sig] = true
			generated++
			heap.PushOrderable(&frontier, child)
		}
	}
	return f, nil
}

// Flatten turns a node into one schedule, deepest runs first so producers
// execute before the processes that need their outputs.
func Flatten(n Node) model.Schedule {
	var names deque.Deque[string]
	for _, r := range n.Runs {
		for i := 0; i < r.Count; i++ {
			names.PushFront(r.Process.Name)
		}
	}
	out := make(model.Schedule, 0, names.Len())
	for names.Len() > 0 {
		out = append(out, names.PopFront())
	}
	return out
}

// Seeds flattens the forest into up to limit distinct schedules for the
// optimizer's initial population. Complete nodes are preferred; when the
// expansion completed nothing, every node contributes.
func Seeds(f Forest, limit int) []model.Schedule {
	pool := f.Complete
	if len(pool) == 0 {
		pool = f.Nodes
	}
	var out []model.Schedule
	used := map[string]bool{}
	for _, n := range pool {
		if limit > 0 && len(out) >= limit {
			break
		}
		s := Flatten(n)
		if len(s) == 0 {
			continue
		}
		key := strings.Join(s, "\x00")
		if used[key] {
			continue
		}
		used[key] = true
		out = append(out, s)
	}
	return out
}
