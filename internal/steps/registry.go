package steps

import (
	"errors"
	"fmt"
)

// ErrInvalidStep marks a step that failed validation.
var ErrInvalidStep = errors.New("invalid step")

// Handler validates and renders one step kind.
type Handler interface {
	// Kind returns the step kind this handler serves.
	Kind() Kind

	// Validate checks the step's parameters.
	Validate(step Step) error

	// Instruction renders the natural-language instruction the worker's
	// AI agent executes for this step.
	Instruction(step Step) string
}

// Registry maps step kinds to their handlers.
type Registry struct {
	handlers map[Kind]Handler
}

// NewRegistry creates a registry with a handler for every kind.
func NewRegistry() *Registry {
	r := &Registry{
		handlers: make(map[Kind]Handler),
	}
	r.Register(navigateHandler{})
	r.Register(clickHandler{})
	r.Register(inputHandler{})
	r.Register(waitHandler{})
	r.Register(assertHandler{})
	r.Register(queryHandler{})
	r.Register(scrollHandler{})
	r.Register(screenshotHandler{})
	r.Register(aiActionHandler{})
	return r
}

// Register adds or replaces the handler for h.Kind().
func (r *Registry) Register(h Handler) {
	r.handlers[h.Kind()] = h
}

// Get returns the handler for the given kind.
func (r *Registry) Get(k Kind) (Handler, error) {
	h, ok := r.handlers[k]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported action %q", ErrInvalidStep, k)
	}
	return h, nil
}

// Kinds returns all registered kinds in lexical order.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return Sorted(kinds)
}

// Missing reports canonical kinds with no registered handler.
func (r *Registry) Missing() []Kind {
	var missing []Kind
	for _, k := range allKinds {
		if _, ok := r.handlers[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// Validate checks every step and reports the first failure with its index.
func (r *Registry) Validate(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalidStep)
	}
	for i, s := range steps {
		h, err := r.Get(s.Action)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if err := h.Validate(s); err != nil {
			return fmt.Errorf("step %d (%s): %w: %w", i, s.Action, ErrInvalidStep, err)
		}
	}
	return nil
}

// Plan validates steps and renders them for dispatch.
func (r *Registry) Plan(steps []Step) ([]Planned, error) {
	if err := r.Validate(steps); err != nil {
		return nil, err
	}
	planned := make([]Planned, 0, len(steps))
	for i, s := range steps {
		h := r.handlers[s.Action]
		planned = append(planned, Planned{
			Index:       i,
			Action:      s.Action,
			Params:      s.Params,
			Description: s.Description,
			Instruction: h.Instruction(s),
			Skip:        s.Skip,
		})
	}
	return planned, nil
}
