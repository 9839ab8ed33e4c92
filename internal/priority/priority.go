// Package priority implements the Priority Analyzer (§4.6): it takes a raw
// issue dependency graph, validates it, detects cycles, computes a
// topological order, priority scores, the critical path, and a
// parallel-safe level partition — then answers dependency and
// next-executable-issue queries as issues complete.
//
// The graph algorithms here are new relative to the teacher, which has no
// issue-dependency concept (its five-agent pipeline is a fixed sequence).
// The level-partitioning function's greedy-grouping shape is grounded on
// kanban/conflict.go's SuggestParallelGroups; the cycle-detection DFS
// reuses the white/gray/black coloring already built for
// internal/registry's agent dependency chains.
package priority

import (
	"sort"

	"github.com/kcenon/ad-sdlc/internal/errs"
	"github.com/kcenon/ad-sdlc/internal/model"
)

// Node is one issue in the raw dependency graph.
type Node struct {
	ID       string
	Priority model.Priority
	Effort   model.Effort
	Metadata map[string]string
}

// Edge is a "from depends on nothing, to depends on from" dependency arc:
// To cannot start until From completes.
type Edge struct {
	From string
	To   string
}

// Graph is the raw input to Analyze: nodes plus dependency edges.
type Graph struct {
	Nodes []Node
	Edges []Edge
}

// Weights configures priority scoring. Analyze substitutes DefaultWeights
// only when the whole struct is the zero value; a partly filled Weights is
// used as given, zero fields included.
type Weights struct {
	P0               float64
	P1               float64
	P2               float64
	P3               float64
	CriticalPathBonus float64
	QuickWinBonus     float64
}

// DefaultWeights are the weights named in §4.6.
func DefaultWeights() Weights {
	return Weights{P0: 100, P1: 75, P2: 50, P3: 25, CriticalPathBonus: 50, QuickWinBonus: 25}
}

func (w Weights) basePriority(p model.Priority) float64 {
	switch p {
	case model.PriorityP0:
		return w.P0
	case model.PriorityP1:
		return w.P1
	case model.PriorityP2:
		return w.P2
	case model.PriorityP3:
		return w.P3
	default:
		return 0
	}
}

func isQuickWin(e model.Effort) bool {
	return e == model.EffortXS || e == model.EffortS
}

// Analyzer holds one analyzed, immutable graph plus the mutable set of
// completed node ids — the Controller marks nodes completed as work
// finishes, and GetExecutableIssues/GetNextExecutableIssue reflect that
// state. Analyze() itself never mutates completion state.
type Analyzer struct {
	weights Weights
	nodes   map[string]Node
	order   []string // stable input order, for deterministic iteration
	succ    map[string][]string
	pred    map[string][]string

	topoOrder    []string
	scores       map[string]float64
	onCritical   map[string]bool
	criticalPath []string
	levels       map[string]int

	completed map[string]bool
}

// Analyze validates g, detects cycles, and computes the full derived view
// (topological order, scores, critical path, levels). weights may be the
// zero value, in which case DefaultWeights() is used.
func Analyze(g Graph, weights Weights) (*Analyzer, error) {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}

	a := &Analyzer{
		weights:   weights,
		nodes:     make(map[string]Node, len(g.Nodes)),
		succ:      make(map[string][]string),
		pred:      make(map[string][]string),
		completed: make(map[string]bool),
	}

	for _, n := range g.Nodes {
		if _, dup := a.nodes[n.ID]; dup {
			return nil, errs.New(errs.KindValidation, "duplicate node id: "+n.ID)
		}
		a.nodes[n.ID] = n
		a.order = append(a.order, n.ID)
		a.succ[n.ID] = nil
		a.pred[n.ID] = nil
	}

	seenEdge := make(map[Edge]bool)
	for _, e := range g.Edges {
		if e.From == e.To {
			return nil, errs.New(errs.KindValidation, "self-loop rejected: "+e.From)
		}
		if _, ok := a.nodes[e.From]; !ok {
			return nil, errs.New(errs.KindValidation, "unknown edge endpoint: "+e.From)
		}
		if _, ok := a.nodes[e.To]; !ok {
			return nil, errs.New(errs.KindValidation, "unknown edge endpoint: "+e.To)
		}
		if seenEdge[e] {
			continue
		}
		seenEdge[e] = true
		a.succ[e.From] = append(a.succ[e.From], e.To)
		a.pred[e.To] = append(a.pred[e.To], e.From)
	}

	if cycle, ok := a.detectCycle(); ok {
		return nil, errs.New(errs.KindCircularDependency, "cycle detected: "+joinIDs(cycle))
	}

	topo, err := a.kahnTopologicalOrder()
	if err != nil {
		return nil, err
	}
	a.topoOrder = topo

	a.levels = a.computeLevels()
	a.criticalPath, a.onCritical = a.computeCriticalPath()
	a.scores = a.computeScores()

	return a, nil
}

type color int

const (
	white color = iota
	gray
	black
)

// detectCycle runs a DFS with gray/black coloring over every node,
// returning the first cycle found (as a node-id path) or ok=false. The DFS
// is recursive (dfsVisit calls itself), not iterative, so its call depth
// grows with the longest dependency path.
func (a *Analyzer) detectCycle() ([]string, bool) {
	colors := make(map[string]color, len(a.order))
	for _, id := range a.order {
		colors[id] = white
	}

	for _, start := range a.order {
		if colors[start] != white {
			continue
		}
		if cycle, found := a.dfsVisit(start, colors, nil); found {
			return cycle, true
		}
	}
	return nil, false
}

func (a *Analyzer) dfsVisit(id string, colors map[string]color, stack []string) ([]string, bool) {
	colors[id] = gray
	stack = append(stack, id)

	for _, next := range a.succ[id] {
		switch colors[next] {
		case gray:
			return append(append([]string{}, stack...), next), true
		case white:
			if cycle, found := a.dfsVisit(next, colors, stack); found {
				return cycle, true
			}
		}
	}

	colors[id] = black
	return nil, false
}

// kahnTopologicalOrder computes the topological order by Kahn's algorithm;
// ties in the ready set break lexicographically by id for determinism.
func (a *Analyzer) kahnTopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(a.order))
	for _, id := range a.order {
		inDegree[id] = len(a.pred[id])
	}

	var ready []string
	for _, id := range a.order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var out []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)

		var newlyReady []string
		for _, next := range a.succ[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				newlyReady = append(newlyReady, next)
			}
		}
		sort.Strings(newlyReady)
		ready = append(ready, newlyReady...)
		sort.Strings(ready)
	}

	if len(out) != len(a.order) {
		return nil, errs.New(errs.KindCircularDependency, "topological sort could not order all nodes")
	}
	return out, nil
}

// computeLevels assigns level(v) = 1 + max(level(u) for u -> v), 1 for sources.
func (a *Analyzer) computeLevels() map[string]int {
	levels := make(map[string]int, len(a.order))
	for _, id := range a.topoOrder {
		max := 0
		for _, p := range a.pred[id] {
			if levels[p] > max {
				max = levels[p]
			}
		}
		levels[id] = max + 1
	}
	return levels
}

// computeCriticalPath finds the longest path through the DAG weighted by
// node effort, by relaxing edges in topological order, then reports which
// nodes lie on it.
func (a *Analyzer) computeCriticalPath() ([]string, map[string]bool) {
	dist := make(map[string]int, len(a.order))
	prev := make(map[string]string, len(a.order))

	for _, id := range a.topoOrder {
		dist[id] = model.EffortWeight[a.nodes[id].Effort]
	}

	for _, id := range a.topoOrder {
		for _, next := range a.succ[id] {
			candidate := dist[id] + model.EffortWeight[a.nodes[next].Effort]
			if candidate > dist[next] {
				dist[next] = candidate
				prev[next] = id
			}
		}
	}

	endNode, best := "", -1
	for _, id := range a.topoOrder {
		if dist[id] > best || (dist[id] == best && id < endNode) {
			best = dist[id]
			endNode = id
		}
	}

	var path []string
	for id := endNode; id != ""; id = prev[id] {
		path = append([]string{id}, path...)
		if _, ok := prev[id]; !ok {
			break
		}
	}

	onPath := make(map[string]bool, len(path))
	for _, id := range path {
		onPath[id] = true
	}
	return path, onPath
}

// computeScores applies §4.6's scoring formula to every node.
func (a *Analyzer) computeScores() map[string]float64 {
	scores := make(map[string]float64, len(a.order))
	for id, n := range a.nodes {
		score := a.weights.basePriority(n.Priority)
		if a.onCritical[id] {
			score += a.weights.CriticalPathBonus
		}
		if isQuickWin(n.Effort) {
			score += a.weights.QuickWinBonus
		}
		scores[id] = score
	}
	return scores
}

// HasCycles reports whether the graph handed to Analyze contained a cycle.
// Since Analyze returns an error in that case, a live Analyzer never has
// cycles; this method exists to satisfy §8's S3 property directly against
// an Analyzer that a caller already holds.
func (a *Analyzer) HasCycles() bool { return false }

// TopologicalOrder returns the full topological order computed at Analyze time.
func (a *Analyzer) TopologicalOrder() []string {
	out := make([]string, len(a.topoOrder))
	copy(out, a.topoOrder)
	return out
}

// CriticalPath returns the longest-path node sequence.
func (a *Analyzer) CriticalPath() []string {
	out := make([]string, len(a.criticalPath))
	copy(out, a.criticalPath)
	return out
}

// Score returns the computed priority score for id, or 0 if unknown.
func (a *Analyzer) Score(id string) float64 { return a.scores[id] }

// Level returns the parallel-group level for id (1-based), or 0 if unknown.
func (a *Analyzer) Level(id string) int { return a.levels[id] }

// ParallelGroups partitions every node into level-ordered groups; group i
// (0-based) holds every node at level i+1, sorted by the tie-break rule.
func (a *Analyzer) ParallelGroups() [][]string {
	maxLevel := 0
	for _, lv := range a.levels {
		if lv > maxLevel {
			maxLevel = lv
		}
	}
	groups := make([][]string, maxLevel)
	for _, id := range a.order {
		lv := a.levels[id]
		groups[lv-1] = append(groups[lv-1], id)
	}
	for _, g := range groups {
		a.sortByTieBreak(g)
	}
	return groups
}

// GetDependencies returns the direct predecessors of id.
func (a *Analyzer) GetDependencies(id string) []string {
	return append([]string{}, a.pred[id]...)
}

// GetDependents returns the direct successors of id.
func (a *Analyzer) GetDependents(id string) []string {
	return append([]string{}, a.succ[id]...)
}

// GetTransitiveDependencies returns every ancestor of id via BFS over pred edges.
func (a *Analyzer) GetTransitiveDependencies(id string) []string {
	seen := make(map[string]bool)
	queue := append([]string{}, a.pred[id]...)
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		queue = append(queue, a.pred[cur]...)
	}
	sort.Strings(out)
	return out
}

// MarkCompleted records id as completed, making its dependents executable
// once every one of their dependencies is also completed.
func (a *Analyzer) MarkCompleted(id string) {
	a.completed[id] = true
}

// IsCompleted reports whether id has been marked completed.
func (a *Analyzer) IsCompleted(id string) bool { return a.completed[id] }

// GetExecutableIssues returns every not-yet-completed node whose
// dependencies are all completed, ordered by the tie-break rule (higher
// score first, then lower id).
func (a *Analyzer) GetExecutableIssues() []string {
	var out []string
	for _, id := range a.order {
		if a.completed[id] {
			continue
		}
		ready := true
		for _, dep := range a.pred[id] {
			if !a.completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}
	a.sortByTieBreak(out)
	return out
}

// GetNextExecutableIssue returns the single highest-priority executable
// issue, or ("", false) if none is ready.
func (a *Analyzer) GetNextExecutableIssue() (string, bool) {
	ready := a.GetExecutableIssues()
	if len(ready) == 0 {
		return "", false
	}
	return ready[0], true
}

func (a *Analyzer) sortByTieBreak(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		si, sj := a.scores[ids[i]], a.scores[ids[j]]
		if si != sj {
			return si > sj
		}
		return ids[i] < ids[j]
	})
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += " -> "
		}
		out += id
	}
	return out
}
