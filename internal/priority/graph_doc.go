package priority

import "github.com/kcenon/ad-sdlc/internal/model"

// DependencyGraphDoc is the durable, versioned form of a Graph, written to
// issues/<projectId>/dependency_graph.json by the issue-breakdown stage and
// read back by the Controller to build an Analyzer (§4.6, §6). Graph itself
// carries no schemaVersion since it is only ever an in-memory Analyze()
// input; this is the on-disk envelope around it.
type DependencyGraphDoc struct {
	SchemaVersion string    `json:"schemaVersion" yaml:"schemaVersion"`
	Nodes         []DocNode `json:"nodes" yaml:"nodes"`
	Edges         []DocEdge `json:"edges" yaml:"edges"`
}

// DocNode is one Node in on-disk form.
type DocNode struct {
	ID       string            `json:"id" yaml:"id"`
	Priority model.Priority    `json:"priority" yaml:"priority"`
	Effort   model.Effort      `json:"effort" yaml:"effort"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// DocEdge is one Edge in on-disk form.
type DocEdge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

func (d *DependencyGraphDoc) GetSchemaVersion() string  { return d.SchemaVersion }
func (d *DependencyGraphDoc) SetSchemaVersion(v string) { d.SchemaVersion = v }

// Graph converts the durable document into the Graph shape Analyze expects.
func (d *DependencyGraphDoc) Graph() Graph {
	g := Graph{
		Nodes: make([]Node, 0, len(d.Nodes)),
		Edges: make([]Edge, 0, len(d.Edges)),
	}
	for _, n := range d.Nodes {
		g.Nodes = append(g.Nodes, Node{ID: n.ID, Priority: n.Priority, Effort: n.Effort, Metadata: n.Metadata})
	}
	for _, e := range d.Edges {
		g.Edges = append(g.Edges, Edge{From: e.From, To: e.To})
	}
	return g
}

// NewDependencyGraphDoc converts a Graph into its durable envelope, used
// when synthesizing a dependency_graph.json artifact (e.g. in tests or a
// manual import path).
func NewDependencyGraphDoc(g Graph) *DependencyGraphDoc {
	doc := &DependencyGraphDoc{
		Nodes: make([]DocNode, 0, len(g.Nodes)),
		Edges: make([]DocEdge, 0, len(g.Edges)),
	}
	for _, n := range g.Nodes {
		doc.Nodes = append(doc.Nodes, DocNode{ID: n.ID, Priority: n.Priority, Effort: n.Effort, Metadata: n.Metadata})
	}
	for _, e := range g.Edges {
		doc.Edges = append(doc.Edges, DocEdge{From: e.From, To: e.To})
	}
	return doc
}
