// Package audit records orchestration events and tool invocations. Records
// are append-only and never read back by the orchestration itself.
package audit

import (
	"context"
	"encoding/json"
	"log"

	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/store"
)

// Sink is the write-only audit trail.
type Sink interface {
	Log(ctx context.Context, entry store.AgentLog)
	StartToolUsage(ctx context.Context, usage store.ToolUsage) (string, error)
	EndToolUsage(ctx context.Context, id string, success bool, output, errMsg string) error
}

// Recorder is the persistence the store-backed sink writes to.
type Recorder interface {
	InsertLog(ctx context.Context, l store.AgentLog) error
	StartToolUsage(ctx context.Context, u store.ToolUsage) (string, error)
	EndToolUsage(ctx context.Context, id string, success bool, output, errMsg string) error
}

// StoreSink persists audit records and mirrors them to the event logger.
type StoreSink struct {
	Recorder Recorder
	Events   *observability.Logger
}

func NewStoreSink(rec Recorder, events *observability.Logger) *StoreSink {
	return &StoreSink{Recorder: rec, Events: events}
}

// Log never fails the caller; a write error is only reported to the process log.
func (s *StoreSink) Log(ctx context.Context, entry store.AgentLog) {
	if err := s.Recorder.InsertLog(ctx, entry); err != nil {
		log.Printf("[Audit] failed to write log for task %s: %v", entry.TaskID, err)
	}
	s.Events.LogAudit(entry.TaskID, entry.StepID, string(entry.Level), entry.Agent, entry.Message)
}

func (s *StoreSink) StartToolUsage(ctx context.Context, usage store.ToolUsage) (string, error) {
	s.Events.LogToolCall(usage.TaskID, usage.StepID, usage.ToolName, usage.Command)
	return s.Recorder.StartToolUsage(ctx, usage)
}

func (s *StoreSink) EndToolUsage(ctx context.Context, id string, success bool, output, errMsg string) error {
	msg := output
	if !success {
		msg = errMsg
	}
	s.Events.LogToolResult(observability.TaskIDFrom(ctx), id, success, msg)
	return s.Recorder.EndToolUsage(ctx, id, success, output, errMsg)
}

// Entry builds an AgentLog, encoding details as JSON when present.
func Entry(level store.LogLevel, taskID, stepID, agent, message string, details any) store.AgentLog {
	e := store.AgentLog{
		TaskID:  taskID,
		StepID:  stepID,
		Level:   level,
		Message: message,
		Agent:   agent,
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			e.Details = string(data)
		}
	}
	return e
}

// Discard drops every record. Useful where no audit trail is wanted.
type Discard struct{}

func (Discard) Log(context.Context, store.AgentLog) {}

func (Discard) StartToolUsage(context.Context, store.ToolUsage) (string, error) { return "", nil }

func (Discard) EndToolUsage(context.Context, string, bool, string, string) error { return nil }
