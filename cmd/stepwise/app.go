package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rahul/stepwise/internal/action"
	"github.com/rahul/stepwise/internal/audit"
	"github.com/rahul/stepwise/internal/capability"
	"github.com/rahul/stepwise/internal/executor"
	"github.com/rahul/stepwise/internal/governance"
	"github.com/rahul/stepwise/internal/llm"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/planner"
	"github.com/rahul/stepwise/internal/store"
	"github.com/rahul/stepwise/internal/tools"
	"github.com/rahul/stepwise/pkg/config"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	events   *observability.Logger
	executor *executor.Executor
}

func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) && !rootCmd.PersistentFlags().Changed("config") {
		log.Printf("[Config] %s not found, using defaults", configPath)
		return config.Default(), nil
	}
	return config.LoadConfig(configPath)
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Memory.Type != "sqlite" {
		return nil, fmt.Errorf("memory type %q not supported", cfg.Memory.Type)
	}

	st, err := store.NewSQLiteStore(cfg.Memory.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	events := observability.NewLoggerTo(os.Stdout, cfg.App.LogDir)

	// A missing provider still plans (one fallback step) and runs non-LLM tools.
	var gen llm.Generator
	if name, p := cfg.GetDefaultProvider(); name != "" {
		model, err := llm.NewModel(name, p)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		gen = llm.NewLangChain(model, events)
	} else {
		log.Printf("[Config] no enabled provider, planning falls back to a single step")
	}

	timeout := time.Duration(cfg.Tools.ShellTimeoutSeconds) * time.Second
	headless, workspace := cfg.Tools.Headless(), cfg.App.Workspace
	registry := tools.NewRegistry()
	registry.Register(tools.ToolBrowser, func() tools.Tool { return tools.NewBrowserTool(headless) })
	registry.Register(tools.ToolScraper, func() tools.Tool { return tools.NewScraperTool() })
	registry.Register(tools.ToolSearch, func() tools.Tool { return tools.NewSearchTool(cfg.Tools.SearchResults) })
	registry.Register(tools.ToolLLM, func() tools.Tool { return tools.NewLLMTool(gen) })
	registry.Register(tools.ToolCode, func() tools.Tool { return tools.NewCodeTool(timeout) })
	registry.Register(tools.ToolFilesystem, func() tools.Tool { return tools.NewFilesystemTool(workspace) })
	registry.Register(tools.ToolShell, func() tools.Tool { return tools.NewShellTool(workspace, timeout) })
	registry.Register(tools.ToolScheduler, func() tools.Tool { return tools.NewCronTool(st) })

	policy, err := newPolicy(cfg.Tools)
	if err != nil {
		st.Close()
		return nil, err
	}

	sink := audit.NewStoreSink(st, events)
	runner := action.NewRunner(registry, policy, sink, events)
	dispatcher := capability.NewDefaultRegistry(runner)
	plan := planner.New(gen, planner.NewPromptManager(cfg.App.PromptsDir), events)

	return &app{
		cfg:      cfg,
		store:    st,
		events:   events,
		executor: executor.New(st, plan, dispatcher, sink, events),
	}, nil
}

func newPolicy(cfg config.ToolsConfig) (*governance.DefaultPolicyEngine, error) {
	policy := governance.NewSafePolicyEngine()
	for _, entry := range cfg.DeniedTools {
		policy.Deny(entry)
	}
	for _, p := range cfg.DeniedPatterns {
		if err := policy.DenyArguments(p); err != nil {
			return nil, fmt.Errorf("denied pattern %q: %w", p, err)
		}
	}
	return policy, nil
}

func (a *app) Close() {
	a.executor.Wait()
	if err := a.store.Close(); err != nil {
		log.Printf("[App] close store: %v", err)
	}
}
