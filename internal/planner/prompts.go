package planner

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const defaultPlannerPrompt = `You are a planning assistant. Break the user's task into a short, ordered list of concrete steps.

Rules:
- Reply with a numbered list only, one step per line: "1. <step>".
- Each step must be doable with a single capability: browser, scraper, search, llm, code, filesystem, shell or schedule.
- Mention the capability a step needs and, when you can, a time estimate such as "about 2 minutes".
- Use as few steps as the task allows. Never exceed 8 steps.`

const defaultReplannerPrompt = `You are revising a plan that is already partly executed.
You are given the task, the current plan, the steps already completed and their results.
Reply with a numbered list of the steps that still need to run, in order, one per line.
Do not repeat completed steps.`

// PromptManager loads the planner's system prompts from a directory. Missing
// files fall back to built-in defaults.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

// PlannerPrompt returns planner.md (or the default) followed by any
// supplementary prompt files found in the directory.
func (pm *PromptManager) PlannerPrompt() string {
	base := pm.load("planner.md", defaultPlannerPrompt)
	extra, err := pm.Supplements()
	if err != nil || extra == "" {
		return base
	}
	return base + "\n\n---\n\n" + extra
}

func (pm *PromptManager) ReplannerPrompt() string {
	return pm.load("replanner.md", defaultReplannerPrompt)
}

// Supplements concatenates the remaining .md files. identity.md,
// capabilities.md and user.md come first, then the rest by name.
func (pm *PromptManager) Supplements() (string, error) {
	if pm == nil || pm.Directory == "" {
		return "", nil
	}
	entries, err := os.ReadDir(pm.Directory)
	if err != nil {
		return "", fmt.Errorf("failed to read prompts directory: %w", err)
	}

	order := map[string]int{
		"identity.md":     1,
		"capabilities.md": 2,
		"user.md":         3,
	}
	sort.Slice(entries, func(i, j int) bool {
		oi, okI := order[entries[i].Name()]
		oj, okJ := order[entries[j].Name()]
		switch {
		case okI && okJ:
			return oi < oj
		case okI:
			return true
		case okJ:
			return false
		}
		return entries[i].Name() < entries[j].Name()
	})

	var contents []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") || name == "planner.md" || name == "replanner.md" {
			continue
		}
		path := filepath.Join(pm.Directory, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("Warning: Failed to read prompt file %s: %v", path, err)
			continue
		}
		contents = append(contents, strings.TrimSpace(string(data)))
	}
	return strings.Join(contents, "\n\n---\n\n"), nil
}

func (pm *PromptManager) load(name, fallback string) string {
	if pm == nil || pm.Directory == "" {
		return fallback
	}
	data, err := os.ReadFile(filepath.Join(pm.Directory, name))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Warning: Failed to read prompt file %s: %v", name, err)
		}
		return fallback
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return fallback
}
