// Package pipeline sequences stages. A Graph declares the stages and their
// prerequisites; an Executor resolves a selection to its dependency closure,
// runs it strictly one child process at a time and folds the results into an
// Outcome whose exit code is the first non-success.
package pipeline

import (
	"container/heap"
	"context"
	"sort"

	"proofpipe/internal/logging"
	"proofpipe/internal/proc"
)

// Plan is what a stage will do in one run.
type Plan struct {
	// Commands run in order; the first non-success stops the stage.
	Commands []proc.Command

	// Finish, when set, is called exactly once after the commands with
	// whether all of them succeeded. An error turns a success into an
	// artifact contract failure.
	Finish func(ok bool) error
}

// Stage is one named step.
type Stage struct {
	Name        string
	Description string

	// Needs lists stages that must succeed first in the same run.
	Needs []string

	// Exclusive names a group whose members may not run together.
	Exclusive string

	// Diagnostics enables verifier diagnostic counting in the report.
	Diagnostics bool

	// Plan builds the stage's commands. An error rejects the stage before
	// anything is spawned.
	Plan func(ctx context.Context) (*Plan, error)
}

// Graph is a small acyclic set of stages. Declaration order breaks ties in
// execution order.
type Graph struct {
	stages []*Stage
	index  map[string]int
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{index: make(map[string]int)}
}

// Add declares a stage. Duplicate or empty names are rejected.
func (g *Graph) Add(s *Stage) error {
	if s == nil || s.Name == "" {
		return graphErrorf(ErrInvalidGraph, "stage name is empty")
	}
	if _, dup := g.index[s.Name]; dup {
		return graphErrorf(ErrInvalidGraph, "duplicate stage %q", s.Name)
	}
	if s.Plan == nil {
		return graphErrorf(ErrInvalidGraph, "stage %q has no plan", s.Name)
	}
	g.index[s.Name] = len(g.stages)
	g.stages = append(g.stages, s)
	return nil
}

// MustAdd is Add for static declarations.
func (g *Graph) MustAdd(s *Stage) {
	if err := g.Add(s); err != nil {
		panic(err)
	}
}

// Stage returns the named stage.
func (g *Graph) Stage(name string) (*Stage, bool) {
	i, ok := g.index[name]
	if !ok {
		return nil, false
	}
	return g.stages[i], true
}

// Stages returns the stages in declaration order.
func (g *Graph) Stages() []*Stage {
	out := make([]*Stage, len(g.stages))
	copy(out, g.stages)
	return out
}

// Validate checks that every prerequisite exists and that there is no cycle.
func (g *Graph) Validate() error {
	for _, s := range g.stages {
		for _, need := range s.Needs {
			if _, ok := g.index[need]; !ok {
				return graphErrorf(ErrUnknownStage, "stage %q needs %q", s.Name, need)
			}
			if need == s.Name {
				return cycleError([]string{s.Name, s.Name})
			}
		}
	}
	if order := g.topoOrder(); len(order) != len(g.stages) {
		return cycleError(g.findCycle())
	}
	return nil
}

// Order returns every stage in deterministic topological order.
func (g *Graph) Order() ([]*Stage, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	order := g.topoOrder()
	out := make([]*Stage, len(order))
	for i, idx := range order {
		out[i] = g.stages[idx]
	}
	return out, nil
}

// Resolve returns the targets plus everything they need, in execution
// order. Two members of one exclusive group cannot be selected together.
func (g *Graph) Resolve(targets []string) ([]*Stage, error) {
	if err := g.Validate(); err != nil {
		logging.PipelineError("Stage graph invalid: %v", err)
		return nil, err
	}
	if len(targets) == 0 {
		return nil, graphErrorf(ErrUnknownStage, "no stage selected")
	}

	selected := make([]bool, len(g.stages))
	var visit func(i int)
	visit = func(i int) {
		if selected[i] {
			return
		}
		selected[i] = true
		for _, need := range g.stages[i].Needs {
			visit(g.index[need])
		}
	}
	for _, t := range targets {
		i, ok := g.index[t]
		if !ok {
			return nil, graphErrorf(ErrUnknownStage, "%q (known: %v)", t, g.names())
		}
		visit(i)
	}

	groups := make(map[string]string)
	var out []*Stage
	for _, idx := range g.topoOrder() {
		if !selected[idx] {
			continue
		}
		s := g.stages[idx]
		if s.Exclusive != "" {
			if other, taken := groups[s.Exclusive]; taken {
				logging.PipelineWarn("Rejected selection %v: %s and %s share group %s", targets, other, s.Name, s.Exclusive)
				return nil, graphErrorf(ErrConflict, "%q and %q are both %s stages; pick one", other, s.Name, s.Exclusive)
			}
			groups[s.Exclusive] = s.Name
		}
		out = append(out, s)
	}
	logging.PipelineDebug("Resolved %v to %v", targets, stageNames(out))
	return out, nil
}

func (g *Graph) names() []string {
	names := make([]string, len(g.stages))
	for i, s := range g.stages {
		names[i] = s.Name
	}
	sort.Strings(names)
	return names
}

// edges returns, per stage index, the indices of stages that need it.
func (g *Graph) edges() (outgoing [][]int, indeg []int) {
	outgoing = make([][]int, len(g.stages))
	indeg = make([]int, len(g.stages))
	for i, s := range g.stages {
		for _, need := range s.Needs {
			j, ok := g.index[need]
			if !ok {
				continue
			}
			outgoing[j] = append(outgoing[j], i)
			indeg[i]++
		}
	}
	for _, o := range outgoing {
		sort.Ints(o)
	}
	return outgoing, indeg
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder is Kahn's algorithm with a min-heap ready queue keyed by
// declaration index. It returns fewer indices than stages on a cycle.
func (g *Graph) topoOrder() []int {
	outgoing, indeg := g.edges()

	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle returns one stable cycle witness, first stage repeated last.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	outgoing, _ := g.edges()
	color := make([]int, len(g.stages))
	parent := make([]int, len(g.stages))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range g.stages {
		if color[i] == white && dfs(i) {
			break
		}
	}

	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, g.stages[cycle[i]].Name)
	}
	return out
}
