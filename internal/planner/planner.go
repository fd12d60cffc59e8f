// Package planner turns a task into an ordered list of step descriptions
// using a text generator, and falls back to a single-step plan whenever the
// generator cannot produce one.
package planner

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/rahul/stepwise/internal/llm"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/store"
)

// PlannedStep is one entry of a plan before it is persisted.
type PlannedStep struct {
	Number           int      `json:"number"`
	Description      string   `json:"description"`
	ToolHints        []string `json:"tool_hints,omitempty"`
	EstimatedSeconds int      `json:"estimated_seconds,omitempty"`
}

// PlanningError reports why the generator's output could not be used.
// It never escapes CreatePlan.
type PlanningError struct {
	TaskID string
	Reason string
	Err    error
}

func (e *PlanningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("planning task %s: %s: %v", e.TaskID, e.Reason, e.Err)
	}
	return fmt.Sprintf("planning task %s: %s", e.TaskID, e.Reason)
}

func (e *PlanningError) Unwrap() error {
	return e.Err
}

type Planner struct {
	Generator   llm.Generator
	Prompts     *PromptManager
	Events      *observability.Logger
	Temperature float64
	MaxTokens   int
}

func New(gen llm.Generator, prompts *PromptManager, events *observability.Logger) *Planner {
	return &Planner{
		Generator:   gen,
		Prompts:     prompts,
		Events:      events,
		Temperature: 0.2,
		MaxTokens:   1024,
	}
}

// CreatePlan always returns at least one step.
func (p *Planner) CreatePlan(ctx context.Context, task store.Task) []PlannedStep {
	steps, err := p.generate(ctx, task.ID, buildPrompt(task), p.Prompts.PlannerPrompt())
	if err != nil {
		log.Printf("[Planner] %v; using single-step plan", err)
		steps = Fallback(task)
	}
	p.Events.LogPlan(task.ID, Descriptions(steps))
	return steps
}

// UpdatePlan asks for the steps that remain after the completed ones
// (identified by step number) and numbers them after the highest completed
// step. When generation fails the uncompleted steps of current are kept.
func (p *Planner) UpdatePlan(ctx context.Context, task store.Task, current []PlannedStep, completed []int, results map[int]string) []PlannedStep {
	done := make(map[int]bool, len(completed))
	highest := 0
	for _, n := range completed {
		done[n] = true
		highest = max(highest, n)
	}

	steps, err := p.generate(ctx, task.ID, buildReplanPrompt(task, current, done, results), p.Prompts.ReplannerPrompt())
	if err != nil {
		log.Printf("[Planner] %v; keeping remaining steps", err)
		steps = nil
		for _, s := range current {
			if !done[s.Number] {
				steps = append(steps, s)
			}
		}
	}
	for i := range steps {
		steps[i].Number = highest + i + 1
	}
	p.Events.LogPlan(task.ID, Descriptions(steps))
	return steps
}

func (p *Planner) generate(ctx context.Context, taskID, prompt, system string) ([]PlannedStep, error) {
	if p.Generator == nil {
		return nil, &PlanningError{TaskID: taskID, Reason: "no text generator configured"}
	}
	text, err := p.Generator.Generate(observability.WithTaskID(ctx, taskID), prompt, llm.Options{
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		System:      system,
	})
	if err != nil {
		return nil, &PlanningError{TaskID: taskID, Reason: "generation failed", Err: err}
	}
	steps := ParsePlan(text)
	if len(steps) == 0 {
		return nil, &PlanningError{TaskID: taskID, Reason: "response contained no numbered steps"}
	}
	return steps, nil
}

// Fallback is the single-step plan used when generation fails.
func Fallback(task store.Task) []PlannedStep {
	desc := task.Title
	if task.Description != "" {
		desc += ": " + task.Description
	}
	return []PlannedStep{{Number: 1, Description: desc}}
}

func Descriptions(steps []PlannedStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Description
	}
	return out
}

func buildPrompt(task store.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Details: %s\n", task.Description)
	}
	b.WriteString("\nReply with the numbered steps.")
	return b.String()
}

func buildReplanPrompt(task store.Task, current []PlannedStep, done map[int]bool, results map[int]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Details: %s\n", task.Description)
	}
	b.WriteString("\nCurrent plan:\n")
	for _, s := range current {
		mark := " "
		if done[s.Number] {
			mark = "x"
		}
		fmt.Fprintf(&b, "[%s] %d. %s\n", mark, s.Number, s.Description)
	}

	if len(results) > 0 {
		b.WriteString("\nResults so far:\n")
		nums := make([]int, 0, len(results))
		for n := range results {
			nums = append(nums, n)
		}
		sort.Ints(nums)
		for _, n := range nums {
			fmt.Fprintf(&b, "Step %d: %s\n", n, results[n])
		}
	}
	b.WriteString("\nReply with the numbered steps that remain.")
	return b.String()
}
