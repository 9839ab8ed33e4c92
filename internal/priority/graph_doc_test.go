package priority

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kcenon/ad-sdlc/internal/model"
)

func TestDependencyGraphDocRoundTripsThroughGraph(t *testing.T) {
	g := Graph{
		Nodes: []Node{
			{ID: "A", Priority: model.PriorityP0, Effort: model.EffortS},
			{ID: "B", Priority: model.PriorityP1, Effort: model.EffortM},
		},
		Edges: []Edge{{From: "A", To: "B"}},
	}

	doc := NewDependencyGraphDoc(g)
	doc.SchemaVersion = "1.0"

	back := doc.Graph()
	require.ElementsMatch(t, g.Nodes, back.Nodes)
	require.ElementsMatch(t, g.Edges, back.Edges)
}
