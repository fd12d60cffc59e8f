package executor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rahul/stepwise/internal/store"
	"github.com/rahul/stepwise/internal/tools"
)

// ScheduleStore is the persistence behind recurring submissions.
type ScheduleStore interface {
	DueSchedules(ctx context.Context, now time.Time) ([]store.Schedule, error)
	MarkScheduleRun(ctx context.Context, id int64, at time.Time) error
	DeleteSchedule(ctx context.Context, id int64) error
}

type Submitter interface {
	Submit(ctx context.Context, title, description string) (*store.Task, error)
}

// Scheduler turns due schedules into submitted tasks.
type Scheduler struct {
	Store     ScheduleStore
	Submitter Submitter
	Interval  time.Duration
	Now       func() time.Time
}

func NewScheduler(st ScheduleStore, sub Submitter, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{Store: st, Submitter: sub, Interval: interval, Now: time.Now}
}

// Start polls until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	log.Println("Task scheduler started...")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll submits every due schedule once and returns how many were submitted.
// One-shot schedules are removed after submission.
func (s *Scheduler) Poll(ctx context.Context) int {
	now := s.Now().UTC()
	due, err := s.Store.DueSchedules(ctx, now)
	if err != nil {
		log.Printf("Error polling schedules: %v", err)
		return 0
	}

	submitted := 0
	for _, sc := range due {
		log.Printf("Submitting scheduled task %d for chat %s: %s", sc.ID, sc.ChatID, sc.Description)

		taskCtx := tools.WithOrigin(ctx, sc.ChatID)
		task, err := s.Submitter.Submit(taskCtx, sc.Description, fmt.Sprintf("Scheduled run of schedule #%d", sc.ID))
		if err != nil {
			log.Printf("Error submitting scheduled task %d: %v", sc.ID, err)
			continue
		}
		submitted++
		log.Printf("Scheduled task %d started as task %s", sc.ID, task.ID)

		if err := s.Store.MarkScheduleRun(ctx, sc.ID, now); err != nil {
			log.Printf("Error updating last run for schedule %d: %v", sc.ID, err)
		}
		if sc.IntervalSeconds == 0 {
			if err := s.Store.DeleteSchedule(ctx, sc.ID); err != nil {
				log.Printf("Error deleting one-time schedule %d: %v", sc.ID, err)
			}
		}
	}
	return submitted
}
