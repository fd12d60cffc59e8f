package action

import (
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`^\$\{previous_result(?:\.([A-Za-z_][A-Za-z0-9_]*))?\}$`)

// Resolve rewrites every placeholder in actions into a Reference to the
// action immediately before it, in one pass and without executing anything.
// A literal string written in placeholder syntax is treated the same way.
// Placeholders that are malformed, or that appear on the first action, are
// left as literal strings. The input slice is not modified.
func Resolve(actions []Action) []Action {
	out := make([]Action, len(actions))
	for i, a := range actions {
		params := make(map[string]Value, len(a.Parameters))
		for name, v := range a.Parameters {
			params[name] = resolveValue(i, v)
		}
		out[i] = Action{Type: a.Type, Tool: a.Tool, Parameters: params}
	}
	return out
}

func resolveValue(index int, v Value) Value {
	var raw string
	switch val := v.(type) {
	case Placeholder:
		raw = val.Raw
	case Literal:
		s, ok := val.Value.(string)
		if !ok {
			return v
		}
		raw = s
	default:
		return v
	}

	m := placeholderPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil || index == 0 {
		return Literal{Value: raw}
	}
	return Reference{FromActionIndex: index - 1, Property: m[1]}
}
