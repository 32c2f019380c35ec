package diagram

import (
	"fmt"
	"maps"
	"slices"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// EndNodeID is the virtual node terminal ports route to.
const EndNodeID = "__end__"

// Build constructs a Model from a definition. journal, when given, marks
// every step it mentions with the outcome of its latest invocation.
func Build(def *schema.WorkflowDefinition, journal []store.JournalEntry) (*Model, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: definition is nil")
	}

	overlays := overlaysFrom(journal)
	model := &Model{Title: titleFromDef(def)}
	needsEnd := false

	for i := range def.Steps {
		step := &def.Steps[i]
		model.Nodes = append(model.Nodes, &Node{
			ID:     step.Slug,
			Label:  nodeLabel(step),
			Kind:   stepTypeToKind(step.Type),
			Status: overlays[step.Slug],
		})

		if len(step.NextSteps) == 0 {
			model.Edges = append(model.Edges, Edge{From: step.Slug, To: EndNodeID})
			needsEnd = true
			continue
		}
		for _, port := range slices.Sorted(maps.Keys(step.NextSteps)) {
			target := step.NextSteps[port]
			if target == "" {
				target = EndNodeID
				needsEnd = true
			}
			model.Edges = append(model.Edges, Edge{From: step.Slug, To: target, Label: port})
		}
	}

	if needsEnd {
		model.Nodes = append(model.Nodes, &Node{ID: EndNodeID, Label: "End", Kind: NodeKindEnd})
	}
	return model, nil
}

func overlaysFrom(journal []store.JournalEntry) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	for _, e := range journal {
		ov, ok := out[e.StepSlug]
		if !ok {
			ov = &StatusOverlay{}
			out[e.StepSlug] = ov
		}
		ov.Invocations++
		ov.Attempts = e.Attempts
		ov.DurationMs = e.DurationMs
		ov.ErrorCode = e.ErrorCode
		ov.Status = "completed"
		// An error routed to the error port still completed the step.
		if e.ErrorCode != "" && e.Port != schema.PortError {
			ov.Status = "failed"
		}
	}
	return out
}

func stepTypeToKind(st schema.StepType) NodeKind {
	switch st {
	case schema.StepTypeTrigger:
		return NodeKindTrigger
	case schema.StepTypeCondition:
		return NodeKindCondition
	case schema.StepTypeLLM:
		return NodeKindLLM
	case schema.StepTypeLoop:
		return NodeKindLoop
	default:
		return NodeKindAction
	}
}

// nodeLabel shows the step's name, or its slug, with the action type for
// action steps.
func nodeLabel(step *schema.StepDefinition) string {
	label := step.Slug
	if step.Name != "" {
		label = step.Name
	}
	if step.Type == schema.StepTypeAction {
		if cfg, err := step.DecodeConfig(); err == nil {
			if ac, ok := cfg.(schema.ActionConfig); ok && ac.Type != "" {
				return fmt.Sprintf("%s (%s)", label, ac.Type)
			}
		}
	}
	return label
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name == "" {
		return "Workflow"
	}
	if def.Version == "" {
		return def.Name
	}
	return def.Name + " v" + def.Version
}
