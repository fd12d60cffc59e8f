package store

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskPlanning   TaskStatus = "PLANNING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskResolved   TaskStatus = "RESOLVED"
	TaskClosed     TaskStatus = "CLOSED"
	TaskFailed     TaskStatus = "FAILED"
)

// StepStatus is the lifecycle state of a single plan step.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
)

// Task is the top-level unit of work submitted by a caller.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Step represents a single numbered unit of a task's plan.
type Step struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	StepNumber  int        `json:"step_number"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      string     `json:"result,omitempty"` // JSON payload built by the handler
	Error       string     `json:"error,omitempty"`
}

// TaskResult is the aggregate outcome stored when a task resolves.
type TaskResult struct {
	TaskID    string    `json:"task_id"`
	Summary   string    `json:"summary"`
	Outputs   string    `json:"outputs"` // JSON array of per-step results
	CreatedAt time.Time `json:"created_at"`
}

// ToolUsage is the audit record of one attempted tool invocation.
type ToolUsage struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	StepID    string     `json:"step_id,omitempty"`
	ToolName  string     `json:"tool_name"`
	Command   string     `json:"command"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Success   bool       `json:"success"`
	Output    string     `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// LogLevel is the severity of an AgentLog entry.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// AgentLog is an append-only record of one orchestration event.
type AgentLog struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	StepID    string    `json:"step_id,omitempty"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Agent     string    `json:"agent"`
}

// Schedule is a recurring task submission. IntervalSeconds of zero runs once.
type Schedule struct {
	ID              int64      `json:"id"`
	ChatID          string     `json:"chat_id,omitempty"`
	Description     string     `json:"description"`
	IntervalSeconds int        `json:"interval_seconds"`
	LastRun         *time.Time `json:"last_run,omitempty"`
}

// Due reports whether the schedule should fire at now.
func (s Schedule) Due(now time.Time) bool {
	if s.LastRun == nil {
		return true
	}
	if s.IntervalSeconds <= 0 {
		return false
	}
	return !now.Before(s.LastRun.Add(time.Duration(s.IntervalSeconds) * time.Second))
}
