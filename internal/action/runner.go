package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/rahul/stepwise/internal/audit"
	"github.com/rahul/stepwise/internal/governance"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/store"
	"github.com/rahul/stepwise/internal/tools"
)

// ExecutionError reports that one action failed. Its siblings still run.
type ExecutionError struct {
	Index int
	Type  string
	Tool  tools.ToolID
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action %d (%s.%s) failed: %v", e.Index, e.Tool, e.Type, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// DependencyResolutionError reports that a Reference could not be satisfied
// from the referenced action's result.
type DependencyResolutionError struct {
	Index           int
	FromActionIndex int
	Property        string
	Reason          string
}

func (e *DependencyResolutionError) Error() string {
	target := fmt.Sprintf("action %d", e.FromActionIndex)
	if e.Property != "" {
		target += "." + e.Property
	}
	return fmt.Sprintf("action %d cannot resolve %s: %s", e.Index, target, e.Reason)
}

// Scope identifies the step an action list belongs to.
type Scope struct {
	TaskID string
	StepID string
	Agent  string
}

// Outcome is the result of one action. Err is nil on success.
type Outcome struct {
	Index  int
	Action Action
	Output tools.Output
	Err    error
}

func (o Outcome) OK() bool {
	return o.Err == nil
}

// Runner executes resolved action lists strictly in order.
type Runner struct {
	Tools  *tools.Registry
	Policy governance.PolicyEngine
	Audit  audit.Sink
	Events *observability.Logger
}

func NewRunner(registry *tools.Registry, policy governance.PolicyEngine, sink audit.Sink, events *observability.Logger) *Runner {
	if sink == nil {
		sink = audit.Discard{}
	}
	return &Runner{Tools: registry, Policy: policy, Audit: sink, Events: events}
}

// Run executes every action and returns one outcome per action, in order.
// A failing action is recorded and skipped; it never stops the actions after
// it. Tools acquired during the run are cleaned up before Run returns.
func (r *Runner) Run(ctx context.Context, scope Scope, actions []Action) []Outcome {
	session := r.Tools.NewSession()
	defer func() {
		if err := session.Close(context.WithoutCancel(ctx)); err != nil {
			log.Printf("[Runner] tool cleanup for step %s: %v", scope.StepID, err)
			r.Audit.Log(ctx, audit.Entry(store.LevelWarn, scope.TaskID, scope.StepID, scope.Agent, "tool cleanup failed", map[string]string{"error": err.Error()}))
		}
	}()

	outcomes := make([]Outcome, 0, len(actions))
	for i, a := range actions {
		output, err := r.runOne(ctx, session, scope, i, a, outcomes)
		if err != nil {
			var execErr *ExecutionError
			if !errors.As(err, &execErr) {
				err = &ExecutionError{Index: i, Type: a.Type, Tool: a.Tool, Err: err}
			}
			log.Printf("[Runner] %v", err)
			r.Audit.Log(ctx, audit.Entry(store.LevelWarn, scope.TaskID, scope.StepID, scope.Agent, err.Error(),
				map[string]any{"index": i, "type": a.Type, "tool": a.Tool.String()}))
			output = nil
		}
		outcomes = append(outcomes, Outcome{Index: i, Action: a, Output: output, Err: err})
	}
	return outcomes
}

func (r *Runner) runOne(ctx context.Context, session *tools.Session, scope Scope, index int, a Action, prior []Outcome) (tools.Output, error) {
	command, _ := json.Marshal(a)
	usageID, err := r.Audit.StartToolUsage(ctx, store.ToolUsage{
		TaskID:   scope.TaskID,
		StepID:   scope.StepID,
		ToolName: a.Tool.String(),
		Command:  string(command),
	})
	if err != nil {
		log.Printf("[Runner] failed to open tool usage for action %d: %v", index, err)
	}

	output, runErr := r.invoke(ctx, session, scope, index, a, prior)

	if usageID != "" {
		var outStr, errStr string
		if runErr != nil {
			errStr = runErr.Error()
		} else if data, err := json.Marshal(output); err == nil {
			outStr = string(data)
		}
		if err := r.Audit.EndToolUsage(ctx, usageID, runErr == nil, outStr, errStr); err != nil {
			log.Printf("[Runner] failed to close tool usage %s: %v", usageID, err)
		}
	}
	return output, runErr
}

func (r *Runner) invoke(ctx context.Context, session *tools.Session, scope Scope, index int, a Action, prior []Outcome) (out tools.Output, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s.%s panicked: %v", a.Tool, a.Type, p)
		}
	}()

	params, err := Substitute(index, a, prior)
	if err != nil {
		return nil, err
	}

	if r.Policy != nil {
		args, _ := json.Marshal(params)
		res, err := r.Policy.Evaluate(ctx, governance.Request{
			Tool:      a.Tool.String(),
			Operation: a.Type,
			Arguments: string(args),
			TaskID:    scope.TaskID,
		})
		if err != nil {
			return nil, fmt.Errorf("policy evaluation failed: %w", err)
		}
		r.Events.LogPolicyCheck(scope.TaskID, a.Tool.String(), string(res.Effect), res.Reason)
		if res.Effect == governance.EffectDeny {
			return nil, &tools.CapabilityError{Tool: a.Tool.String(), Operation: a.Type, Reason: res.Reason}
		}
	}

	tool, err := session.Acquire(ctx, a.Tool)
	if err != nil {
		return nil, err
	}
	return tool.Invoke(ctx, a.Type, params)
}

// Substitute produces the concrete parameters of the action at index,
// replacing each Reference with the live value from prior outcomes.
func Substitute(index int, a Action, prior []Outcome) (map[string]any, error) {
	params := make(map[string]any, len(a.Parameters))
	for name, v := range a.Parameters {
		switch val := v.(type) {
		case Literal:
			params[name] = val.Value
		case Placeholder:
			params[name] = val.Raw
		case Reference:
			resolved, err := lookup(index, val, prior)
			if err != nil {
				return nil, err
			}
			params[name] = resolved
		}
	}
	return params, nil
}

func lookup(index int, ref Reference, prior []Outcome) (any, error) {
	depErr := func(reason string) error {
		return &DependencyResolutionError{Index: index, FromActionIndex: ref.FromActionIndex, Property: ref.Property, Reason: reason}
	}
	if ref.FromActionIndex < 0 || ref.FromActionIndex >= index || ref.FromActionIndex >= len(prior) {
		return nil, depErr("reference must point to an earlier action")
	}
	src := prior[ref.FromActionIndex]
	if !src.OK() {
		return nil, depErr("referenced action failed")
	}
	if ref.Property == "" {
		return src.Output.Primary(), nil
	}
	v, ok := src.Output[ref.Property]
	if !ok {
		return nil, depErr("property not present in result")
	}
	return v, nil
}

// Succeeded filters outcomes down to the successful ones.
func Succeeded(outcomes []Outcome) []Outcome {
	var ok []Outcome
	for _, o := range outcomes {
		if o.OK() {
			ok = append(ok, o)
		}
	}
	return ok
}
