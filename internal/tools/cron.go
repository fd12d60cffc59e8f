package tools

import (
	"context"
	"fmt"
)

type CronStore interface {
	AddSchedule(ctx context.Context, chatID string, description string, intervalSeconds int) (int64, error)
	ClearSchedules(ctx context.Context, chatID string) (int64, error)
}

// CronTool stores recurring task submissions that the scheduler later turns
// into tasks.
type CronTool struct {
	Store CronStore
}

func NewCronTool(store CronStore) *CronTool {
	return &CronTool{Store: store}
}

func (c *CronTool) ID() ToolID {
	return ToolScheduler
}

func (c *CronTool) Description() string {
	return "Manage recurring tasks: 'schedule' a task description at an interval or 'clear' all current schedules."
}

func (c *CronTool) Initialize(ctx context.Context) error {
	if c.Store == nil {
		return fmt.Errorf("schedule store not configured")
	}
	return nil
}

func (c *CronTool) Cleanup(ctx context.Context) error {
	return nil
}

func (c *CronTool) Invoke(ctx context.Context, op string, params map[string]any) (Output, error) {
	chatID := OriginFrom(ctx)

	switch op {
	case "clear":
		n, err := c.Store.ClearSchedules(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("failed to clear schedules: %w", err)
		}
		return Output{"result": fmt.Sprintf("Cleared %d scheduled tasks.", n), "cleared": n}, nil

	case "schedule":
		desc := stringParam(params, "task_description")
		if desc == "" {
			return nil, missingParam(c.ID(), op, "task_description")
		}
		interval := intParam(params, "interval_seconds", 0)
		// Zero means run once; anything else must be at least a minute to prevent spamming.
		if interval < 0 || (interval > 0 && interval < 60) {
			return nil, &CapabilityError{Tool: c.ID().String(), Operation: op, Reason: "minimum interval is 60 seconds"}
		}
		id, err := c.Store.AddSchedule(ctx, chatID, desc, interval)
		if err != nil {
			return nil, fmt.Errorf("failed to schedule task: %w", err)
		}
		return Output{
			"result":           fmt.Sprintf("Scheduled task '%s' every %d seconds.", desc, interval),
			"schedule_id":      id,
			"interval_seconds": interval,
		}, nil

	default:
		return nil, unsupported(c.ID(), op)
	}
}
