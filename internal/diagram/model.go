// Package diagram renders a workflow's step graph, optionally overlaid with
// the journal of one execution.
package diagram

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindCondition NodeKind = "condition"
	NodeKindAction    NodeKind = "action"
	NodeKindLLM       NodeKind = "llm"
	NodeKindLoop      NodeKind = "loop"
	NodeKindEnd       NodeKind = "end"
)

// Model is the intermediate representation used by the renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is a single step, or the virtual end node.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the journaled state of a step.
type StatusOverlay struct {
	Status      string // completed or failed
	Invocations int
	Attempts    int // of the latest invocation
	DurationMs  int64
	ErrorCode   string
}

// Edge is a port route between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
