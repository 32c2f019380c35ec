package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Registry is the concrete thread-safe ActionRegistry implementation.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Register adds an action to the registry. Returns error on duplicate name
// or when the action's contract is inconsistent.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}
	if err := checkContract(name, action.Schema()); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}

	r.actions[name] = action
	return nil
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", name).
			WithDetails(map[string]any{"available": r.sortedNamesLocked()})
	}
	return action, nil
}

// Has checks if an action is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNamesLocked()
}

func (r *Registry) sortedNamesLocked() []string {
	return slices.Sorted(maps.Keys(r.actions))
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		s := a.Schema()
		var ops []string
		if len(s.Operations) > 0 {
			ops = slices.Sorted(maps.Keys(s.Operations))
		}
		infos = append(infos, ActionInfo{
			Name:             a.Name(),
			Description:      s.Description,
			Operations:       ops,
			DefaultOperation: s.DefaultOperation,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// RegisterNamespace bulk-registers integration actions under a namespace.
// Each action name becomes "namespace.originalName" (e.g. "crm.create_contact").
// Registration stops at the first conflict.
func (r *Registry) RegisterNamespace(namespace string, acts []Action) (int, error) {
	if namespace == "" || strings.Contains(namespace, ".") {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid action namespace %q", namespace)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, a := range acts {
		if a == nil || a.Name() == "" {
			return registered, schema.NewErrorf(schema.ErrCodeValidation, "namespace %q: action without a name", namespace)
		}
		name := fmt.Sprintf("%s.%s", namespace, a.Name())
		if err := checkContract(name, a.Schema()); err != nil {
			return registered, err
		}
		if _, exists := r.actions[name]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
		}
		r.actions[name] = &namespacedAction{inner: a, name: name}
		registered++
	}
	return registered, nil
}

// checkContract rejects contracts that step validation could not apply:
// an input schema that is not JSON, a default operation that is not
// declared, or an operation without a name or with blank required params.
func checkContract(name string, s ActionSchema) error {
	if len(s.InputSchema) > 0 && !json.Valid(s.InputSchema) {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "action %q: input schema is not valid JSON", name)
	}
	if s.DefaultOperation != "" {
		if _, ok := s.Operations[s.DefaultOperation]; !ok {
			return schema.NewErrorf(schema.ErrCodeConfiguration,
				"action %q: default operation %q is not declared", name, s.DefaultOperation)
		}
	}
	for op, required := range s.Operations {
		if op == "" {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "action %q: operation without a name", name)
		}
		if slices.Contains(required, "") {
			return schema.NewErrorf(schema.ErrCodeConfiguration,
				"action %q: operation %q lists a blank required param", name, op)
		}
	}
	return nil
}

// namespacedAction wraps an integration action with its qualified name.
type namespacedAction struct {
	inner Action
	name  string
}

func (p *namespacedAction) Name() string                         { return p.name }
func (p *namespacedAction) Schema() ActionSchema                 { return p.inner.Schema() }
func (p *namespacedAction) Validate(params map[string]any) error { return p.inner.Validate(params) }

func (p *namespacedAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	return p.inner.Execute(ctx, input)
}

var _ ActionRegistry = (*Registry)(nil)
