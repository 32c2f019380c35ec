package engine

import (
	"maps"
	"strings"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Scope keys visible to expressions and ${{ }} references.
const (
	scopeTrigger  = "trigger"
	scopeSteps    = "steps"
	scopeVars     = "vars"
	scopeWorkflow = "workflow"
	scopeData     = "data"
)

var reservedScopeKeys = map[string]bool{
	scopeTrigger: true, scopeSteps: true, scopeVars: true, scopeWorkflow: true, scopeData: true,
	"secrets": true,
}

const redacted = "[REDACTED]"

// runState is the in-memory state of one execution. It is owned by the
// goroutine walking the graph and is never shared.
type runState struct {
	exec    *store.Execution
	def     *schema.WorkflowDefinition
	steps   map[string]any // slug -> sanitized output of its latest invocation
	vars    map[string]any
	secrets map[string]string
	// data is the sanitized output of the previous step.
	data  any
	loops []*loopFrame

	seq       int
	stepCount int
}

// loopFrame is one level of the loop iteration stack.
type loopFrame struct {
	slug  string
	items []any
	index int
}

func newRunState(exec *store.Execution, def *schema.WorkflowDefinition) *runState {
	vars := make(map[string]any, len(def.Config.Variables))
	maps.Copy(vars, def.Config.Variables)
	return &runState{
		exec:    exec,
		def:     def,
		steps:   map[string]any{},
		vars:    vars,
		secrets: map[string]string{},
	}
}

// SetVariable implements actions.VariableSetter.
func (s *runState) SetVariable(name string, value any) { s.vars[name] = value }

// DeleteVariable implements actions.VariableSetter.
func (s *runState) DeleteVariable(name string) { delete(s.vars, name) }

// scope builds the expression data for the current step: trigger, steps,
// vars, workflow, and data (the previous step's output). When data is an
// object its keys are also visible at the top level, so a condition right
// after the trigger can test `status == "open"`.
func (s *runState) scope() map[string]any {
	out := make(map[string]any, 8)
	if m, ok := s.data.(map[string]any); ok {
		for k, v := range m {
			if !reservedScopeKeys[k] {
				out[k] = v
			}
		}
	}
	trigger := s.exec.TriggerPayload
	if trigger == nil {
		trigger = map[string]any{}
	}
	out[scopeTrigger] = trigger
	out[scopeSteps] = s.steps
	out[scopeVars] = s.vars
	out[scopeData] = s.data
	out[scopeWorkflow] = map[string]any{
		"id":             s.def.ID,
		"name":           s.def.Name,
		"version":        s.def.Version,
		"organizationId": s.def.OrganizationID,
		"executionId":    s.exec.ID,
	}
	return out
}

// record stores a step's sanitized output as run state.
func (s *runState) record(slug string, output any) {
	s.steps[slug] = output
	s.data = output
}

func (s *runState) nextSequence() int {
	s.seq++
	return s.seq
}

// frame returns the loop frame for slug, dropping any frames nested above
// it. Nil when slug is not on the stack.
func (s *runState) frame(slug string) *loopFrame {
	for i := len(s.loops) - 1; i >= 0; i-- {
		if s.loops[i].slug == slug {
			s.loops = s.loops[:i+1]
			return s.loops[i]
		}
	}
	return nil
}

func (s *runState) push(f *loopFrame) { s.loops = append(s.loops, f) }

func (s *runState) pop() {
	if len(s.loops) > 0 {
		s.loops = s.loops[:len(s.loops)-1]
	}
}

// redact replaces every resolved secret value found in strings of v.
func (s *runState) redact(v any) any {
	if len(s.secrets) == 0 {
		return v
	}
	switch t := v.(type) {
	case string:
		for _, secret := range s.secrets {
			if secret != "" {
				t = strings.ReplaceAll(t, secret, redacted)
			}
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = s.redact(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = s.redact(child)
		}
		return out
	}
	return v
}
