package priority

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kcenon/ad-sdlc/internal/errs"
	"github.com/kcenon/ad-sdlc/internal/model"
)

func node(id string, p model.Priority, e model.Effort) Node {
	return Node{ID: id, Priority: p, Effort: e}
}

func TestAnalyzeRejectsUnknownEdgeEndpoint(t *testing.T) {
	_, err := Analyze(Graph{
		Nodes: []Node{node("a", model.PriorityP1, model.EffortM)},
		Edges: []Edge{{From: "a", To: "ghost"}},
	}, Weights{})
	require.Error(t, err)
	require.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestAnalyzeRejectsSelfLoop(t *testing.T) {
	_, err := Analyze(Graph{
		Nodes: []Node{node("a", model.PriorityP1, model.EffortM)},
		Edges: []Edge{{From: "a", To: "a"}},
	}, Weights{})
	require.Error(t, err)
}

func TestAnalyzeDedupsDuplicateEdges(t *testing.T) {
	a, err := Analyze(Graph{
		Nodes: []Node{
			node("a", model.PriorityP1, model.EffortM),
			node("b", model.PriorityP1, model.EffortM),
		},
		Edges: []Edge{{From: "a", To: "b"}, {From: "a", To: "b"}},
	}, Weights{})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, a.GetDependencies("b"))
}

func TestAnalyzeDetectsCycle(t *testing.T) {
	_, err := Analyze(Graph{
		Nodes: []Node{
			node("a", model.PriorityP1, model.EffortM),
			node("b", model.PriorityP1, model.EffortM),
		},
		Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}, Weights{})
	require.Error(t, err)
	require.Equal(t, errs.KindCircularDependency, errs.KindOf(err))
}

func TestTopologicalOrderRespectsDependencies(t *testing.T) {
	a, err := Analyze(Graph{
		Nodes: []Node{
			node("c", model.PriorityP1, model.EffortM),
			node("a", model.PriorityP1, model.EffortM),
			node("b", model.PriorityP1, model.EffortM),
		},
		Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	}, Weights{})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, a.TopologicalOrder())
}

func TestPriorityScoreAppliesWeightsAndBonuses(t *testing.T) {
	a, err := Analyze(Graph{
		Nodes: []Node{
			node("a", model.PriorityP0, model.EffortXS),
		},
	}, DefaultWeights())
	require.NoError(t, err)
	// P0 (100) + on critical path alone (50, single node is always the
	// critical path) + quick win (25, XS effort).
	require.Equal(t, 175.0, a.Score("a"))
}

func TestCriticalPathIsLongestEffortWeightedPath(t *testing.T) {
	a, err := Analyze(Graph{
		Nodes: []Node{
			node("a", model.PriorityP1, model.EffortXS),
			node("b", model.PriorityP1, model.EffortXL),
			node("c", model.PriorityP1, model.EffortXS),
		},
		Edges: []Edge{{From: "a", To: "b"}, {From: "a", To: "c"}},
	}, Weights{})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, a.CriticalPath())
}

func TestParallelGroupsPartitionByLevel(t *testing.T) {
	a, err := Analyze(Graph{
		Nodes: []Node{
			node("a", model.PriorityP1, model.EffortM),
			node("b", model.PriorityP1, model.EffortM),
			node("c", model.PriorityP1, model.EffortM),
		},
		Edges: []Edge{{From: "a", To: "c"}, {From: "b", To: "c"}},
	}, Weights{})
	require.NoError(t, err)
	groups := a.ParallelGroups()
	require.Len(t, groups, 2)
	require.ElementsMatch(t, []string{"a", "b"}, groups[0])
	require.Equal(t, []string{"c"}, groups[1])
}

func TestTieBreakOrdersByScoreThenID(t *testing.T) {
	a, err := Analyze(Graph{
		Nodes: []Node{
			node("z", model.PriorityP0, model.EffortM),
			node("y", model.PriorityP0, model.EffortM),
		},
	}, DefaultWeights())
	require.NoError(t, err)
	issues := a.GetExecutableIssues()
	require.Equal(t, []string{"y", "z"}, issues)
}

func TestGetExecutableIssuesUnlocksSuccessorsAsDependenciesComplete(t *testing.T) {
	a, err := Analyze(Graph{
		Nodes: []Node{
			node("a", model.PriorityP1, model.EffortM),
			node("b", model.PriorityP1, model.EffortM),
		},
		Edges: []Edge{{From: "a", To: "b"}},
	}, Weights{})
	require.NoError(t, err)

	require.Equal(t, []string{"a"}, a.GetExecutableIssues())

	a.MarkCompleted("a")
	require.Equal(t, []string{"b"}, a.GetExecutableIssues())
}

func TestGetNextExecutableIssueReturnsFalseWhenNoneReady(t *testing.T) {
	a, err := Analyze(Graph{
		Nodes: []Node{node("a", model.PriorityP1, model.EffortM)},
	}, Weights{})
	require.NoError(t, err)
	a.MarkCompleted("a")

	_, ok := a.GetNextExecutableIssue()
	require.False(t, ok)
}

func TestGetTransitiveDependenciesWalksAncestors(t *testing.T) {
	a, err := Analyze(Graph{
		Nodes: []Node{
			node("a", model.PriorityP1, model.EffortM),
			node("b", model.PriorityP1, model.EffortM),
			node("c", model.PriorityP1, model.EffortM),
		},
		Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	}, Weights{})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, a.GetTransitiveDependencies("c"))
}

func TestHasCyclesIsFalseOnSuccessfulAnalyze(t *testing.T) {
	a, err := Analyze(Graph{Nodes: []Node{node("a", model.PriorityP1, model.EffortM)}}, Weights{})
	require.NoError(t, err)
	require.False(t, a.HasCycles())
}
