// Package capability selects a handler for each plan step and turns the
// step into actions for the runner.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rahul/stepwise/internal/action"
	"github.com/rahul/stepwise/internal/store"
)

// Kind identifies a capability handler.
type Kind int

const (
	KindWeb Kind = iota
	KindSchedule
	KindResearch
	KindCode
	KindFile
	KindShell
	KindGeneral
	numKinds
)

var kindNames = [numKinds]string{
	KindWeb:      "web",
	KindSchedule: "schedule",
	KindResearch: "research",
	KindCode:     "code",
	KindFile:     "file",
	KindShell:    "shell",
	KindGeneral:  "general",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Handler claims and executes steps of one kind.
type Handler interface {
	Kind() Kind
	CanHandle(step store.Step) bool
	ExecuteStep(ctx context.Context, step store.Step) (*StepResult, error)
}

// Matcher decides whether a step description belongs to a handler.
type Matcher interface {
	Match(description string) bool
}

// Decomposer turns a step description into an ordered, non-empty action list.
type Decomposer interface {
	Decompose(description string) []action.Action
}

// DecomposeFunc adapts a function to Decomposer.
type DecomposeFunc func(description string) []action.Action

func (f DecomposeFunc) Decompose(description string) []action.Action {
	return f(description)
}

// ActionRunner executes a resolved action list.
type ActionRunner interface {
	Run(ctx context.Context, scope action.Scope, actions []action.Action) []action.Outcome
}

// ActionResult summarises one executed action inside a step result.
type ActionResult struct {
	Index  int    `json:"index"`
	Type   string `json:"type"`
	Tool   string `json:"tool"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StepResult is the payload stored on a completed step.
type StepResult struct {
	Handler string         `json:"handler"`
	Actions []ActionResult `json:"actions"`
	Output  any            `json:"output"`
	Failed  int            `json:"failed,omitempty"`
}

func (r *StepResult) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"handler":%q,"error":"unencodable result"}`, r.Handler)
	}
	return string(data)
}

// StrategyHandler is a Handler assembled from a matcher and a decomposer.
type StrategyHandler struct {
	kind       Kind
	Matcher    Matcher
	Decomposer Decomposer
	Runner     ActionRunner
}

func NewHandler(kind Kind, matcher Matcher, decomposer Decomposer, runner ActionRunner) *StrategyHandler {
	return &StrategyHandler{kind: kind, Matcher: matcher, Decomposer: decomposer, Runner: runner}
}

func (h *StrategyHandler) Kind() Kind {
	return h.kind
}

func (h *StrategyHandler) CanHandle(step store.Step) bool {
	return h.Matcher.Match(strings.ToLower(step.Description))
}

// ExecuteStep decomposes, resolves and runs the step. Failed actions are
// recorded in the result and do not fail the step.
func (h *StrategyHandler) ExecuteStep(ctx context.Context, step store.Step) (*StepResult, error) {
	actions := h.Decomposer.Decompose(step.Description)
	if len(actions) == 0 {
		return nil, fmt.Errorf("%s handler produced no actions", h.kind)
	}
	resolved := action.Resolve(actions)

	outcomes := h.Runner.Run(ctx, action.Scope{TaskID: step.TaskID, StepID: step.ID, Agent: h.kind.String()}, resolved)
	return aggregate(h.kind, outcomes)
}

func aggregate(kind Kind, outcomes []action.Outcome) (*StepResult, error) {
	result := &StepResult{Handler: kind.String()}
	for _, o := range outcomes {
		ar := ActionResult{Index: o.Index, Type: o.Action.Type, Tool: o.Action.Tool.String()}
		if o.OK() {
			ar.Output = o.Output
			result.Output = o.Output.Primary()
		} else {
			ar.Error = o.Err.Error()
			result.Failed++
		}
		result.Actions = append(result.Actions, ar)
	}
	return result, nil
}
