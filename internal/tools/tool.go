package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ToolID addresses a tool in the registry.
type ToolID int

const (
	ToolBrowser ToolID = iota
	ToolScraper
	ToolSearch
	ToolLLM
	ToolCode
	ToolFilesystem
	ToolShell
	ToolScheduler
	numTools
)

var toolNames = [numTools]string{
	ToolBrowser:    "browser",
	ToolScraper:    "scraper",
	ToolSearch:     "search",
	ToolLLM:        "llm",
	ToolCode:       "code",
	ToolFilesystem: "filesystem",
	ToolShell:      "shell",
	ToolScheduler:  "schedule_task",
}

func (id ToolID) String() string {
	if id < 0 || id >= numTools {
		return "tool(" + strconv.Itoa(int(id)) + ")"
	}
	return toolNames[id]
}

func (id ToolID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *ToolID) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, ok := ParseToolID(name)
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	*id = parsed
	return nil
}

// ParseToolID maps a tool name back to its ID.
func ParseToolID(name string) (ToolID, bool) {
	for i, n := range toolNames {
		if n == name {
			return ToolID(i), true
		}
	}
	return 0, false
}

// Output is the structured result of a tool operation. The "result" key, when
// present, holds the value a later action receives when it references this
// output as a whole.
type Output map[string]any

// Primary returns the value substituted for a whole-result reference.
func (o Output) Primary() any {
	if v, ok := o["result"]; ok {
		return v
	}
	return map[string]any(o)
}

// Tool defines the lifecycle and operations of an external capability.
// Initialize is called before the first operation of a session and Cleanup
// on every exit path of that session.
type Tool interface {
	ID() ToolID
	Description() string
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Invoke(ctx context.Context, op string, params map[string]any) (Output, error)
}

// CapabilityError is returned when a tool rejects an operation before running it.
type CapabilityError struct {
	Tool      string
	Operation string
	Reason    string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s: %s rejected: %s", e.Tool, e.Operation, e.Reason)
}

func unsupported(id ToolID, op string) error {
	return &CapabilityError{Tool: id.String(), Operation: op, Reason: "unsupported operation"}
}

func missingParam(id ToolID, op, name string) error {
	return &CapabilityError{Tool: id.String(), Operation: op, Reason: fmt.Sprintf("parameter %q is required", name)}
}

// Factory builds a fresh, uninitialized tool.
type Factory func() Tool

// Registry holds one factory per ToolID. Every Session builds its own
// instances, so concurrent sessions never share tool state.
type Registry struct {
	factories [numTools]Factory
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(id ToolID, f Factory) {
	r.factories[id] = f
}

// Registered reports the IDs that have a factory, in ID order.
func (r *Registry) Registered() []ToolID {
	var out []ToolID
	for id, f := range r.factories {
		if f != nil {
			out = append(out, ToolID(id))
		}
	}
	return out
}

func (r *Registry) build(id ToolID) (Tool, bool) {
	if id < 0 || id >= numTools || r.factories[id] == nil {
		return nil, false
	}
	return r.factories[id](), true
}

// Session scopes tool instances to one unit of work. Tools are built and
// initialized on first use and cleaned up, in reverse order, by Close.
type Session struct {
	registry *Registry
	open     []Tool
}

func (r *Registry) NewSession() *Session {
	return &Session{registry: r}
}

// Acquire returns the session's tool for id, building and initializing it on
// first use.
func (s *Session) Acquire(ctx context.Context, id ToolID) (Tool, error) {
	for _, t := range s.open {
		if t.ID() == id {
			return t, nil
		}
	}
	t, ok := s.registry.build(id)
	if !ok {
		return nil, &CapabilityError{Tool: id.String(), Operation: "initialize", Reason: "tool not registered"}
	}
	if err := t.Initialize(ctx); err != nil {
		// Initialize may have acquired partial resources.
		_ = t.Cleanup(ctx)
		return nil, fmt.Errorf("failed to initialize %s: %w", id, err)
	}
	s.open = append(s.open, t)
	return t, nil
}

// Close cleans up every tool acquired in the session.
func (s *Session) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.open) - 1; i >= 0; i-- {
		if err := s.open[i].Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s: %w", s.open[i].ID(), err))
		}
	}
	s.open = nil
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Parameter helpers
// ---------------------------------------------------------------------------

func stringParam(params map[string]any, name string) string {
	switch v := params[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

func intParam(params map[string]any, name string, def int) int {
	switch v := params[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// truncate keeps tool output within a size the store and LLM prompts can take.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return TruncateRunes(s, max) + "\n... (truncated)"
}

// TruncateRunes cuts s to at most max bytes without splitting a UTF-8 rune.
func TruncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

const maxOutput = 50000

// ---------------------------------------------------------------------------
// Origin
// ---------------------------------------------------------------------------

type originKey struct{}

// WithOrigin records the chat a piece of work was requested from.
func WithOrigin(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, originKey{}, chatID)
}

// OriginFrom returns the chat recorded by WithOrigin, if any.
func OriginFrom(ctx context.Context) string {
	chatID, _ := ctx.Value(originKey{}).(string)
	return chatID
}
