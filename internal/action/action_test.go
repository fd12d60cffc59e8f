package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rahul/stepwise/internal/governance"
	"github.com/rahul/stepwise/internal/store"
	"github.com/rahul/stepwise/internal/tools"
)

func TestResolveRewritesPlaceholders(t *testing.T) {
	in := []Action{
		New("generate_code", tools.ToolLLM).With("prompt", Lit("hello world")).With("seed", Previous()),
		New("execute_code", tools.ToolCode).With("code", Previous()).With("language", Lit("python")),
		New("write", tools.ToolFilesystem).With("content", PreviousProperty("stdout")).With("path", Lit("${previous_result}")),
		New("generate", tools.ToolLLM).With("input", Placeholder{Raw: "${previous_result.}"}).With("n", Lit(3)),
	}
	out := Resolve(in)

	if got := out[0].Parameters["seed"]; got != (Literal{Value: "${previous_result}"}) {
		t.Errorf("placeholder on first action = %#v, want literal", got)
	}
	if got := out[1].Parameters["code"]; got != (Reference{FromActionIndex: 0}) {
		t.Errorf("code = %#v", got)
	}
	if got := out[2].Parameters["content"]; got != (Reference{FromActionIndex: 1, Property: "stdout"}) {
		t.Errorf("content = %#v", got)
	}
	if got := out[2].Parameters["path"]; got != (Reference{FromActionIndex: 1}) {
		t.Errorf("literal placeholder syntax = %#v", got)
	}
	if got := out[3].Parameters["input"]; got != (Literal{Value: "${previous_result.}"}) {
		t.Errorf("malformed placeholder = %#v", got)
	}
	if got := out[3].Parameters["n"]; got != Lit(3) {
		t.Errorf("non-string literal = %#v", got)
	}

	if _, ok := in[1].Parameters["code"].(Placeholder); !ok {
		t.Error("Resolve modified its input")
	}
}

func TestReferencesPointBackward(t *testing.T) {
	in := make([]Action, 6)
	for i := range in {
		in[i] = New("generate", tools.ToolLLM).With("input", Previous()).With("x", PreviousProperty("text"))
	}
	for i, a := range Resolve(in) {
		for name, v := range a.Parameters {
			if ref, ok := v.(Reference); ok && ref.FromActionIndex >= i {
				t.Fatalf("action %d param %s references %d", i, name, ref.FromActionIndex)
			}
		}
	}
}

func TestActionJSON(t *testing.T) {
	a := Resolve([]Action{
		New("generate_code", tools.ToolLLM).With("prompt", Lit("p")),
		New("execute_code", tools.ToolCode).With("code", Previous()),
	})[1]
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"execute_code","tool":"code","parameters":{"code":{"$ref":{"from_action_index":0}}}}`
	if string(data) != want {
		t.Fatalf("json = %s\nwant  %s", data, want)
	}
}

// stubTool returns canned output and records the parameters it was given.
type stubTool struct {
	id      tools.ToolID
	invoke  func(op string, params map[string]any) (tools.Output, error)
	calls   []map[string]any
	inits   int
	cleanup int
}

func (s *stubTool) ID() tools.ToolID    { return s.id }
func (s *stubTool) Description() string { return "stub" }

func (s *stubTool) Initialize(context.Context) error {
	s.inits++
	return nil
}

func (s *stubTool) Cleanup(context.Context) error {
	s.cleanup++
	return nil
}

func (s *stubTool) Invoke(ctx context.Context, op string, params map[string]any) (tools.Output, error) {
	s.calls = append(s.calls, params)
	return s.invoke(op, params)
}

// register makes every session of reg use the same stub so tests can inspect it.
func register(reg *tools.Registry, s *stubTool) {
	reg.Register(s.id, func() tools.Tool { return s })
}

// memorySink keeps audit records in memory.
type memorySink struct {
	mu     sync.Mutex
	logs   []store.AgentLog
	usages map[string]*store.ToolUsage
	order  []string
}

func newMemorySink() *memorySink {
	return &memorySink{usages: map[string]*store.ToolUsage{}}
}

func (m *memorySink) Log(ctx context.Context, entry store.AgentLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
}

func (m *memorySink) StartToolUsage(ctx context.Context, u store.ToolUsage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("u%d", len(m.order))
	u.ID = id
	m.usages[id] = &u
	m.order = append(m.order, id)
	return id, nil
}

func (m *memorySink) EndToolUsage(ctx context.Context, id string, success bool, output, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usages[id]
	if !ok {
		return store.ErrNotFound
	}
	if u.EndedAt != nil {
		return store.ErrAlreadyClosed
	}
	now := time.Now()
	u.EndedAt = &now
	u.Success, u.Output, u.Error = success, output, errMsg
	return nil
}

func codeChainRegistry(code *stubTool) *tools.Registry {
	reg := tools.NewRegistry()
	llm := &stubTool{id: tools.ToolLLM, invoke: func(op string, params map[string]any) (tools.Output, error) {
		return tools.Output{"result": "print('hi')", "code": "print('hi')", "language": "python"}, nil
	}}
	register(reg, llm)
	register(reg, code)
	return reg
}

func TestRunSubstitutesGeneratedCode(t *testing.T) {
	code := &stubTool{id: tools.ToolCode, invoke: func(op string, params map[string]any) (tools.Output, error) {
		return tools.Output{"result": "hi\n", "stdout": "hi\n", "exit_code": 0}, nil
	}}
	sink := newMemorySink()
	r := NewRunner(codeChainRegistry(code), nil, sink, nil)

	actions := Resolve([]Action{
		New("generate_code", tools.ToolLLM).With("prompt", Lit("say hi")).With("language", Lit("python")),
		New("execute_code", tools.ToolCode).With("code", Previous()).With("language", Lit("python")),
	})
	outcomes := r.Run(context.Background(), Scope{TaskID: "t1", StepID: "s1", Agent: "code"}, actions)

	if len(outcomes) != 2 || !outcomes[0].OK() || !outcomes[1].OK() {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if got := code.calls[0]["code"]; got != "print('hi')" {
		t.Fatalf("execute_code received code %#v", got)
	}
	if code.inits != 1 || code.cleanup != 1 {
		t.Fatalf("code tool lifecycle init=%d cleanup=%d", code.inits, code.cleanup)
	}
	for _, id := range sink.order {
		u := sink.usages[id]
		if u.EndedAt == nil || !u.Success || u.Output == "" || u.TaskID != "t1" || u.StepID != "s1" {
			t.Errorf("usage %s = %+v", id, u)
		}
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	calls := 0
	reg := tools.NewRegistry()
	register(reg, &stubTool{id: tools.ToolShell, invoke: func(op string, params map[string]any) (tools.Output, error) {
		calls++
		switch params["command"] {
		case "fail":
			return nil, errors.New("exit status 1")
		case "panic":
			panic("tool bug")
		}
		return tools.Output{"result": params["command"]}, nil
	}})
	sink := newMemorySink()
	r := NewRunner(reg, nil, sink, nil)

	actions := Resolve([]Action{
		New("run", tools.ToolShell).With("command", Lit("fail")),
		New("run", tools.ToolShell).With("command", Lit("panic")),
		New("run", tools.ToolShell).With("command", Lit("echo ok")),
		New("run", tools.ToolShell).With("command", Previous()),
		New("run", tools.ToolSearch).With("query", Lit("not registered")),
	})
	outcomes := r.Run(context.Background(), Scope{TaskID: "t1", StepID: "s1"}, actions)

	if len(outcomes) != 5 {
		t.Fatalf("got %d outcomes", len(outcomes))
	}
	wantOK := []bool{false, false, true, true, false}
	for i, o := range outcomes {
		if o.OK() != wantOK[i] {
			t.Errorf("action %d ok=%v err=%v", i, o.OK(), o.Err)
		}
		if !o.OK() {
			var execErr *ExecutionError
			if !errors.As(o.Err, &execErr) || execErr.Index != i {
				t.Errorf("action %d error %v is not an ExecutionError", i, o.Err)
			}
		}
	}
	if outcomes[3].Output["result"] != "echo ok" {
		t.Errorf("reference to action 2 = %v", outcomes[3].Output)
	}
	var capErr *tools.CapabilityError
	if !errors.As(outcomes[4].Err, &capErr) {
		t.Errorf("unregistered tool error = %v", outcomes[4].Err)
	}
	if calls != 4 {
		t.Errorf("shell invoked %d times, want 4", calls)
	}
	if got := len(Succeeded(outcomes)); got != 2 {
		t.Errorf("succeeded = %d", got)
	}

	if len(sink.order) != 5 {
		t.Fatalf("opened %d tool usages, want 5", len(sink.order))
	}
	for i, id := range sink.order {
		u := sink.usages[id]
		if u.EndedAt == nil {
			t.Errorf("usage %d left open", i)
		}
		if u.Success != wantOK[i] {
			t.Errorf("usage %d success = %v", i, u.Success)
		}
		if !u.Success && u.Error == "" {
			t.Errorf("usage %d closed without error text", i)
		}
	}
	if len(sink.logs) != 3 {
		t.Errorf("logged %d failures, want 3", len(sink.logs))
	}
}

func TestRunDependencyErrors(t *testing.T) {
	reg := tools.NewRegistry()
	llm := &stubTool{id: tools.ToolLLM, invoke: func(op string, params map[string]any) (tools.Output, error) {
		if op == "broken" {
			return nil, errors.New("model unavailable")
		}
		return tools.Output{"result": "text", "text": "text"}, nil
	}}
	register(reg, llm)
	r := NewRunner(reg, nil, nil, nil)

	actions := Resolve([]Action{
		New("generate", tools.ToolLLM),
		New("generate", tools.ToolLLM).With("input", PreviousProperty("missing")),
		New("broken", tools.ToolLLM),
		New("generate", tools.ToolLLM).With("input", Previous()),
	})
	outcomes := r.Run(context.Background(), Scope{TaskID: "t1"}, actions)

	for _, i := range []int{1, 3} {
		var depErr *DependencyResolutionError
		if !errors.As(outcomes[i].Err, &depErr) {
			t.Fatalf("action %d err = %v, want DependencyResolutionError", i, outcomes[i].Err)
		}
		if depErr.FromActionIndex != i-1 {
			t.Errorf("action %d references %d", i, depErr.FromActionIndex)
		}
	}
	if !strings.Contains(outcomes[1].Err.Error(), "property not present") {
		t.Errorf("missing property error = %v", outcomes[1].Err)
	}
	if !strings.Contains(outcomes[3].Err.Error(), "referenced action failed") {
		t.Errorf("failed source error = %v", outcomes[3].Err)
	}
	if len(llm.calls) != 2 {
		t.Errorf("llm invoked %d times; dependent actions must not reach the tool", len(llm.calls))
	}
}

func TestRunPolicyDenial(t *testing.T) {
	shell := &stubTool{id: tools.ToolShell, invoke: func(op string, params map[string]any) (tools.Output, error) {
		return tools.Output{"result": "ran"}, nil
	}}
	reg := tools.NewRegistry()
	register(reg, shell)
	r := NewRunner(reg, governance.NewSafePolicyEngine(), nil, nil)

	outcomes := r.Run(context.Background(), Scope{TaskID: "t1"}, []Action{
		New("run", tools.ToolShell).With("command", Lit("rm -rf /")),
		New("run", tools.ToolShell).With("command", Lit("ls")),
	})

	var capErr *tools.CapabilityError
	if !errors.As(outcomes[0].Err, &capErr) {
		t.Fatalf("denied action err = %v", outcomes[0].Err)
	}
	if !outcomes[1].OK() {
		t.Fatalf("allowed action err = %v", outcomes[1].Err)
	}
	if len(shell.calls) != 1 || shell.calls[0]["command"] != "ls" {
		t.Fatalf("shell calls = %v", shell.calls)
	}
}

func TestSubstituteRejectsForwardReference(t *testing.T) {
	a := New("generate", tools.ToolLLM).With("input", Reference{FromActionIndex: 2})
	_, err := Substitute(1, a, []Outcome{{Index: 0, Output: tools.Output{"result": "x"}}})
	var depErr *DependencyResolutionError
	if !errors.As(err, &depErr) {
		t.Fatalf("err = %v", err)
	}
}
