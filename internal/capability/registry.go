package capability

import (
	"context"
	"fmt"

	"github.com/rahul/stepwise/internal/store"
)

// DefaultPriority is the order handlers are consulted in. The general
// handler is never consulted; it only catches what nobody claimed.
var DefaultPriority = []Kind{KindWeb, KindSchedule, KindResearch, KindCode, KindFile, KindShell}

// Registry selects one handler per step: the first in priority order whose
// CanHandle returns true, or the fallback.
type Registry struct {
	handlers [numKinds]Handler
	priority []Kind
	fallback Kind
}

// NewRegistry builds a registry consulting ordered in the given order.
// Later registrations of the same kind replace earlier ones.
func NewRegistry(fallback Handler, ordered ...Handler) *Registry {
	r := &Registry{fallback: fallback.Kind()}
	r.handlers[fallback.Kind()] = fallback
	for _, h := range ordered {
		if h.Kind() == r.fallback {
			continue
		}
		if r.handlers[h.Kind()] == nil {
			r.priority = append(r.priority, h.Kind())
		}
		r.handlers[h.Kind()] = h
	}
	return r
}

// NewDefaultRegistry wires the built-in matchers and decomposers to runner.
func NewDefaultRegistry(runner ActionRunner) *Registry {
	return NewRegistry(
		NewHandler(KindGeneral, Always{}, General, runner),
		NewHandler(KindWeb, WebMatcher, Web, runner),
		NewHandler(KindSchedule, ScheduleMatcher, Schedule, runner),
		NewHandler(KindResearch, ResearchMatcher, Research, runner),
		NewHandler(KindCode, CodeMatcher, Code, runner),
		NewHandler(KindFile, FileMatcher, File, runner),
		NewHandler(KindShell, ShellMatcher, Shell, runner),
	)
}

func (r *Registry) Select(step store.Step) Handler {
	for _, k := range r.priority {
		if h := r.handlers[k]; h.CanHandle(step) {
			return h
		}
	}
	return r.handlers[r.fallback]
}

func (r *Registry) Get(k Kind) (Handler, bool) {
	if k < 0 || k >= numKinds || r.handlers[k] == nil {
		return nil, false
	}
	return r.handlers[k], true
}

// Priority returns the consultation order, fallback excluded.
func (r *Registry) Priority() []Kind {
	return append([]Kind(nil), r.priority...)
}

// Dispatch selects a handler for step and executes it.
func (r *Registry) Dispatch(ctx context.Context, step store.Step) (Kind, *StepResult, error) {
	h := r.Select(step)
	res, err := h.ExecuteStep(ctx, step)
	if err != nil {
		return h.Kind(), res, fmt.Errorf("%s handler: %w", h.Kind(), err)
	}
	return h.Kind(), res, nil
}
