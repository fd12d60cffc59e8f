// Package action holds the ephemeral units of work a capability handler
// derives from one step: their descriptors, the dependency resolver that
// turns placeholders into backward references, and the sequential runner.
package action

import (
	"encoding/json"
	"maps"

	"github.com/rahul/stepwise/internal/tools"
)

// Value is a parameter value: a Literal, a Reference to an earlier action's
// result, or a Placeholder that the resolver has not processed yet.
type Value interface {
	isValue()
}

type Literal struct {
	Value any
}

// Reference points at the result of the action at FromActionIndex. An empty
// Property means the whole result.
type Reference struct {
	FromActionIndex int
	Property        string
}

// Placeholder is the raw "${previous_result}" or "${previous_result.prop}"
// form a decomposer emits.
type Placeholder struct {
	Raw string
}

func (Literal) isValue()     {}
func (Reference) isValue()   {}
func (Placeholder) isValue() {}

const previousResult = "${previous_result}"

func Lit(v any) Value {
	return Literal{Value: v}
}

// Previous refers to the whole result of the immediately preceding action.
func Previous() Value {
	return Placeholder{Raw: previousResult}
}

// PreviousProperty refers to one property of the preceding action's result.
func PreviousProperty(name string) Value {
	return Placeholder{Raw: "${previous_result." + name + "}"}
}

// Action is one tool operation with its parameters.
type Action struct {
	Type       string
	Tool       tools.ToolID
	Parameters map[string]Value
}

func New(typ string, tool tools.ToolID) Action {
	return Action{Type: typ, Tool: tool, Parameters: map[string]Value{}}
}

// With returns a copy of a with the parameter set.
func (a Action) With(name string, v Value) Action {
	params := make(map[string]Value, len(a.Parameters)+1)
	maps.Copy(params, a.Parameters)
	params[name] = v
	a.Parameters = params
	return a
}

type refJSON struct {
	FromActionIndex int    `json:"from_action_index"`
	Property        string `json:"property,omitempty"`
}

func encodeValue(v Value) any {
	switch val := v.(type) {
	case Literal:
		return val.Value
	case Reference:
		return map[string]refJSON{"$ref": {FromActionIndex: val.FromActionIndex, Property: val.Property}}
	case Placeholder:
		return val.Raw
	default:
		return nil
	}
}

// MarshalJSON renders the descriptor shape {type, tool, parameters}.
func (a Action) MarshalJSON() ([]byte, error) {
	params := make(map[string]any, len(a.Parameters))
	for k, v := range a.Parameters {
		params[k] = encodeValue(v)
	}
	return json.Marshal(struct {
		Type       string         `json:"type"`
		Tool       tools.ToolID   `json:"tool"`
		Parameters map[string]any `json:"parameters"`
	}{a.Type, a.Tool, params})
}
