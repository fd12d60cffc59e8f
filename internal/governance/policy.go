// Package governance decides whether a tool operation may run.
package governance

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request describes one tool operation about to be invoked. Arguments is the
// JSON encoding of its resolved parameters.
type Request struct {
	Tool      string
	Operation string
	Arguments string
	TaskID    string
}

type Result struct {
	Effect Effect
	Reason string
}

type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// rule denies a request when match returns true.
type rule struct {
	match  func(Request) bool
	reason func(Request) string
}

// DefaultPolicyEngine allows everything that no rule denies. Rules are
// checked in the order they were added.
type DefaultPolicyEngine struct {
	mu    sync.RWMutex
	rules []rule
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{}
}

// NewSafePolicyEngine returns an engine that already blocks destructive
// system commands in any argument.
func NewSafePolicyEngine() *DefaultPolicyEngine {
	e := NewDefaultPolicyEngine()
	for _, p := range []string{`rm\s+-rf`, `mkfs`, `shutdown`, `reboot`} {
		_ = e.DenyArguments(p)
	}
	return e
}

func (e *DefaultPolicyEngine) add(r rule) {
	e.mu.Lock()
	e.rules = append(e.rules, r)
	e.mu.Unlock()
}

// DenyTool blocks every operation of a tool.
func (e *DefaultPolicyEngine) DenyTool(tool string) {
	e.add(rule{
		match:  func(r Request) bool { return r.Tool == tool },
		reason: func(Request) string { return fmt.Sprintf("tool %s is disabled", tool) },
	})
}

func (e *DefaultPolicyEngine) DenyOperation(tool, op string) {
	e.add(rule{
		match:  func(r Request) bool { return r.Tool == tool && r.Operation == op },
		reason: func(Request) string { return fmt.Sprintf("%s.%s is disabled", tool, op) },
	})
}

// Deny parses a "tool" or "tool.operation" entry.
func (e *DefaultPolicyEngine) Deny(entry string) {
	if tool, op, ok := strings.Cut(entry, "."); ok {
		e.DenyOperation(tool, op)
		return
	}
	e.DenyTool(entry)
}

func (e *DefaultPolicyEngine) DenyArguments(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.add(rule{
		match:  func(r Request) bool { return re.MatchString(r.Arguments) },
		reason: func(Request) string { return fmt.Sprintf("arguments match blocked pattern %s", re) },
	})
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.match(req) {
			return Result{Effect: EffectDeny, Reason: r.reason(req)}, nil
		}
	}
	return Result{Effect: EffectAllow, Reason: "no rule matched"}, nil
}
