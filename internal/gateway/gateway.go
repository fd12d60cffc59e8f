// Package gateway connects chat front-ends to the executor: incoming messages
// become tasks and finished tasks are reported back to the chat they came from.
package gateway

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/stepwise/internal/store"
	"github.com/rahul/stepwise/internal/tools"
)

// Messenger defines the interface for communication gateways (Telegram, etc.)
type Messenger interface {
	// Start begins the message listening loop
	Start(ctx context.Context) error
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}

// Tasks is what a gateway may do with tasks on a user's behalf.
type Tasks interface {
	Submit(ctx context.Context, title, description string) (*store.Task, error)
	Cancel(ctx context.Context, taskID string) error
}

// TaskReader looks up task state for status replies.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*store.Task, error)
	ListSteps(ctx context.Context, taskID string) ([]store.Step, error)
}

// Transcript keeps a per-chat record of the conversation.
type Transcript interface {
	AddMessage(ctx context.Context, chatID, role, content string) error
	History(ctx context.Context, chatID string, limit int) ([]llms.MessageContent, error)
}

const (
	titleLimit   = 80
	historyLimit = 10
)

// Commands turns chat text into replies. It is shared by every Messenger.
type Commands struct {
	Tasks      Tasks
	Reader     TaskReader
	Transcript Transcript
}

// Handle processes one message from chatID and returns the reply text. Both
// sides of the exchange are recorded when a transcript is configured.
func (c *Commands) Handle(ctx context.Context, chatID, text string) string {
	c.record(ctx, chatID, store.RoleHuman, text)
	reply := c.reply(ctx, chatID, text)
	c.record(ctx, chatID, store.RoleAI, reply)
	return reply
}

func (c *Commands) record(ctx context.Context, chatID, role, content string) {
	if c.Transcript == nil {
		return
	}
	if err := c.Transcript.AddMessage(ctx, chatID, role, content); err != nil {
		log.Printf("[Gateway] transcript %s: %v", chatID, err)
	}
}

func (c *Commands) reply(ctx context.Context, chatID, text string) string {
	text = strings.TrimSpace(text)
	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "":
		return "Send me something to do."
	case "/start", "/help":
		return "Describe a task and I will plan it and carry it out step by step.\n" +
			"/status <id> shows progress, /cancel <id> stops a running task, /history repeats our recent messages."
	case "/history":
		return c.history(ctx, chatID)
	case "/status":
		if arg == "" {
			return "Usage: /status <task id>"
		}
		return c.status(ctx, arg)
	case "/cancel":
		if arg == "" {
			return "Usage: /cancel <task id>"
		}
		if err := c.Tasks.Cancel(ctx, arg); err != nil {
			return fmt.Sprintf("Could not cancel %s: %v", arg, err)
		}
		return fmt.Sprintf("Task %s cancelled.", arg)
	}

	task, err := c.Tasks.Submit(tools.WithOrigin(ctx, chatID), Title(text), text)
	if err != nil {
		log.Printf("[Gateway] submit from %s: %v", chatID, err)
		return "I couldn't start that task right now."
	}
	return fmt.Sprintf("On it. Task %s accepted.", task.ID)
}

func (c *Commands) status(ctx context.Context, id string) string {
	if c.Reader == nil {
		return "Status is not available."
	}
	task, err := c.Reader.GetTask(ctx, id)
	if err != nil {
		return fmt.Sprintf("No task %s.", id)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", task.Title, task.Status)
	steps, err := c.Reader.ListSteps(ctx, id)
	if err == nil {
		for _, s := range steps {
			fmt.Fprintf(&b, "\n%d. [%s] %s", s.StepNumber, s.Status, s.Description)
		}
	}
	return b.String()
}

func (c *Commands) history(ctx context.Context, chatID string) string {
	if c.Transcript == nil {
		return "History is not available."
	}
	msgs, err := c.Transcript.History(ctx, chatID, historyLimit+1)
	if err != nil {
		return "Could not load history."
	}
	// The /history request itself is the newest entry.
	if len(msgs) > 0 {
		msgs = msgs[:len(msgs)-1]
	}
	if len(msgs) == 0 {
		return "Nothing yet."
	}
	var b strings.Builder
	for _, m := range msgs {
		who := "you"
		if m.Role == llms.ChatMessageTypeAI {
			who = "me"
		}
		for _, part := range m.Parts {
			if t, ok := part.(llms.TextContent); ok {
				fmt.Fprintf(&b, "%s: %s\n", who, t.Text)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Title derives a task title from the first line of a message.
func Title(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	line = strings.TrimSpace(line)
	if r := []rune(line); len(r) > titleLimit {
		return string(r[:titleLimit-3]) + "..."
	}
	return line
}

// Notifier reports finished tasks to the chat they originated from. Tasks
// without an origin are not reported.
type Notifier struct {
	Messenger  Messenger
	Transcript Transcript
}

func (n *Notifier) TaskFinished(ctx context.Context, task store.Task, summary string) {
	chatID := tools.OriginFrom(ctx)
	if chatID == "" || n.Messenger == nil {
		return
	}
	text := FormatResult(task, summary)
	if err := n.Messenger.Send(chatID, text); err != nil {
		log.Printf("[Gateway] notify %s about %s: %v", chatID, task.ID, err)
		return
	}
	if n.Transcript != nil {
		if err := n.Transcript.AddMessage(ctx, chatID, store.RoleAI, text); err != nil {
			log.Printf("[Gateway] transcript %s: %v", chatID, err)
		}
	}
}

// FormatResult renders a finished task for a chat message.
func FormatResult(task store.Task, summary string) string {
	icon := "✅"
	if task.Status == store.TaskFailed {
		icon = "❌"
	}
	text := fmt.Sprintf("%s %s (%s)", icon, task.Title, task.Status)
	if summary = strings.TrimSpace(summary); summary != "" {
		text += "\n\n" + summary
	}
	return text
}
