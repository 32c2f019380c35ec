package validation

import (
	"fmt"
	"maps"
	"slices"

	"github.com/rendis/stepflow/pkg/schema"
)

// stepPorts lists the output ports each step type can emit.
var stepPorts = map[schema.StepType][]string{
	schema.StepTypeTrigger:   {schema.PortSuccess, schema.PortError},
	schema.StepTypeCondition: {schema.PortTrue, schema.PortFalse, schema.PortError},
	schema.StepTypeAction:    {schema.PortSuccess, schema.PortError},
	schema.StepTypeLLM:       {schema.PortSuccess, schema.PortError},
	schema.StepTypeLoop:      {schema.PortLoop, schema.PortDone, schema.PortError},
}

// validateGraph checks the nextSteps graph: trigger count, slug uniqueness,
// edge targets, port names and reachability from the trigger. Cycles are
// legal (loop bodies jump back to their loop step); runaway walks are bounded
// at run time by MaxSteps.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	slugs := make(map[string]bool, len(def.Steps))
	var triggers []string
	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if slugs[s.Slug] {
			result.AddErrorf(path+".slug", schema.ErrCodeGraphIntegrity, "duplicate step slug %q", s.Slug)
		}
		slugs[s.Slug] = true
		if s.Type == schema.StepTypeTrigger {
			triggers = append(triggers, s.Slug)
		}
	}

	switch len(triggers) {
	case 0:
		result.AddError("steps", schema.ErrCodeGraphIntegrity, "workflow has no trigger step")
	case 1:
	default:
		result.AddErrorf("steps", schema.ErrCodeGraphIntegrity,
			"workflow must have exactly one trigger step, found %d: %v", len(triggers), triggers)
	}

	for _, s := range def.Steps {
		path := fmt.Sprintf("steps[%s].nextSteps", s.Slug)
		for _, port := range slices.Sorted(maps.Keys(s.NextSteps)) {
			target := s.NextSteps[port]
			if target != "" && !slugs[target] {
				result.AddErrorf(path+"."+port, schema.ErrCodeGraphIntegrity,
					"port %q references non-existent step %q", port, target)
			}
			if target == s.Slug && s.Type != schema.StepTypeLoop {
				result.AddWarning(path+"."+port, schema.ErrCodeGraphIntegrity,
					fmt.Sprintf("step %q routes port %q to itself", s.Slug, port))
			}
			if ports, known := stepPorts[s.Type]; known && !slices.Contains(ports, port) {
				result.AddWarning(path+"."+port, schema.ErrCodeGraphIntegrity,
					fmt.Sprintf("%s steps never emit port %q", s.Type, port))
			}
		}
		checkPortCoverage(s, path, result)
	}

	if len(triggers) == 1 {
		reachable := reachableFrom(def, triggers[0])
		for _, s := range def.Steps {
			if !reachable[s.Slug] {
				result.AddWarning(fmt.Sprintf("steps[%s]", s.Slug), schema.ErrCodeGraphIntegrity,
					fmt.Sprintf("step %q is unreachable from the trigger", s.Slug))
			}
		}
	}

	return result
}

// checkPortCoverage flags ports a step will emit but does not route. A step
// without nextSteps is terminal and only warned about. Once a step routes
// any port, a missing emitted port fails at run time and is an error here.
// Loop cannot iterate without a loop target.
func checkPortCoverage(s schema.StepDefinition, path string, result *schema.ValidationResult) {
	routed := len(s.NextSteps) > 0
	switch s.Type {
	case schema.StepTypeCondition:
		for _, port := range []string{schema.PortTrue, schema.PortFalse} {
			if _, ok := s.NextSteps[port]; ok {
				continue
			}
			msg := fmt.Sprintf("condition step %q has no %q port", s.Slug, port)
			if routed {
				result.AddError(path, schema.ErrCodeGraphIntegrity, msg)
			} else {
				result.AddWarning(path, schema.ErrCodeGraphIntegrity, msg)
			}
		}
	case schema.StepTypeAction, schema.StepTypeLLM:
		if _, ok := s.NextSteps[schema.PortSuccess]; routed && !ok {
			result.AddError(path, schema.ErrCodeGraphIntegrity,
				fmt.Sprintf("%s step %q has ports but no %q port", s.Type, s.Slug, schema.PortSuccess))
		}
	case schema.StepTypeLoop:
		if s.NextSteps[schema.PortLoop] == "" {
			result.AddError(path, schema.ErrCodeGraphIntegrity,
				fmt.Sprintf("loop step %q has no %q target; its body never runs", s.Slug, schema.PortLoop))
		}
	}
}

// reachableFrom runs a BFS over nextSteps edges starting at root.
func reachableFrom(def *schema.WorkflowDefinition, root string) map[string]bool {
	edges := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		for _, target := range s.NextSteps {
			if target != "" {
				edges[s.Slug] = append(edges[s.Slug], target)
			}
		}
	}

	reachable := map[string]bool{root: true}
	queue := []string{root}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range edges[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	return reachable
}
