package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeTask        EventType = "task"
	EventTypePlan        EventType = "plan"
	EventTypeStep        EventType = "step"
	EventTypeToolCall    EventType = "tool_call"
	EventTypeToolResult  EventType = "tool_result"
	EventTypePolicyCheck EventType = "policy_check"
	EventTypeAudit       EventType = "audit"
	EventTypeHeartbeat   EventType = "heartbeat"
	EventTypeLLM         EventType = "llm"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging.
type Logger struct {
	out        io.Writer
	llmLogPath string
	maxSize    int64
	mu         sync.Mutex
}

func NewLogger() *Logger {
	return &Logger{
		out:        os.Stdout,
		llmLogPath: filepath.Join("logs", "llm.jsonl"),
		maxSize:    10 * 1024 * 1024, // 10MB
	}
}

// NewLoggerTo writes events to w and LLM transcripts under logDir.
func NewLoggerTo(w io.Writer, logDir string) *Logger {
	l := NewLogger()
	l.out = w
	l.llmLogPath = filepath.Join(logDir, "llm.jsonl")
	return l
}

// Log emits a structured JSON event.
func (l *Logger) Log(evt Event) {
	if l == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		fmt.Fprintf(l.out, "{\"error\": \"failed to marshal event: %v\"}\n", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, string(data))

	if evt.Type == EventTypeLLM {
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.llmLogPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	// Check size before writing
	info, err := os.Stat(l.llmLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.llmLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

func (l *Logger) rotateLogs() {
	// Simple rotation: keep one .old file
	oldPath := l.llmLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.llmLogPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogTask(taskID, status, message string) {
	l.Log(Event{
		Type:   EventTypeTask,
		TaskID: taskID,
		Data: map[string]string{
			"status":  status,
			"message": message,
		},
	})
}

func (l *Logger) LogPlan(taskID string, steps []string) {
	l.Log(Event{
		Type:   EventTypePlan,
		TaskID: taskID,
		Data:   map[string]any{"steps": steps},
	})
}

func (l *Logger) LogStep(taskID, stepID string, number int, status, handler string) {
	l.Log(Event{
		Type:   EventTypeStep,
		TaskID: taskID,
		StepID: stepID,
		Data: map[string]any{
			"number":  number,
			"status":  status,
			"handler": handler,
		},
	})
}

func (l *Logger) LogToolCall(taskID, stepID, tool, args string) {
	l.Log(Event{
		Type:   EventTypeToolCall,
		TaskID: taskID,
		StepID: stepID,
		Data: map[string]string{
			"tool": tool,
			"args": args,
		},
	})
}

func (l *Logger) LogToolResult(taskID, usageID string, success bool, output string) {
	l.Log(Event{
		Type:   EventTypeToolResult,
		TaskID: taskID,
		Data: map[string]any{
			"usage_id": usageID,
			"success":  success,
			"output":   output,
		},
	})
}

func (l *Logger) LogPolicyCheck(taskID, tool, effect, reason string) {
	l.Log(Event{
		Type:   EventTypePolicyCheck,
		TaskID: taskID,
		Data: map[string]string{
			"tool":   tool,
			"effect": effect,
			"reason": reason,
		},
	})
}

func (l *Logger) LogAudit(taskID, stepID, level, agent, message string) {
	l.Log(Event{
		Type:   EventTypeAudit,
		TaskID: taskID,
		StepID: stepID,
		Data: map[string]string{
			"level":   level,
			"agent":   agent,
			"message": message,
		},
	})
}

func (l *Logger) LogHeartbeat() {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]string{"status": "alive"},
	})
}

func (l *Logger) LogLLM(taskID string, prompt any, response string) {
	l.Log(Event{
		Type:   EventTypeLLM,
		TaskID: taskID,
		Data: map[string]any{
			"prompt":   prompt,
			"response": response,
		},
	})
}

type taskKey struct{}

// WithTaskID tags ctx so nested components can attribute their events.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskKey{}, taskID)
}

func TaskIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(taskKey{}).(string)
	return id
}
