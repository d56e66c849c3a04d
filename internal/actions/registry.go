package actions

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/drip/internal/validation"
	"github.com/rendis/drip/pkg/schema"
)

// Registry is the concrete thread-safe ActionRegistry implementation. It also
// serves as the engine's action performer.
type Registry struct {
	mu        sync.RWMutex
	actions   map[string]Action
	validator *validation.JSONSchemaValidator
}

// NewRegistry creates an empty Registry. validator may be nil to skip
// JSON Schema checks of action params.
func NewRegistry(validator *validation.JSONSchemaValidator) *Registry {
	return &Registry{
		actions:   make(map[string]Action),
		validator: validator,
	}
}

// Register adds an action to the registry. Returns error on duplicate name.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
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
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", name)
	}
	return action, nil
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		s := a.Schema()
		infos = append(infos, ActionInfo{
			Name:        a.Name(),
			Description: s.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Has checks if an action is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// ValidateParams checks params against the action's JSON Schema and its own
// Validate method. Used at activation time.
func (r *Registry) ValidateParams(name string, params map[string]any) error {
	action, err := r.Get(name)
	if err != nil {
		return err
	}
	if params == nil {
		params = map[string]any{}
	}
	if r.validator != nil {
		if err := r.validator.ValidateInput(params, action.Schema().InputSchema); err != nil {
			return err
		}
	}
	return action.Validate(params)
}

// Perform runs the named action. Params are validated first so a bad
// config surfaces as VALIDATION_ERROR rather than a collaborator failure.
func (r *Registry) Perform(ctx context.Context, name string, input ActionInput) (*ActionOutput, error) {
	action, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if input.Params == nil {
		input.Params = map[string]any{}
	}
	if err := action.Validate(input.Params); err != nil {
		return nil, err
	}
	return action.Execute(ctx, input)
}
