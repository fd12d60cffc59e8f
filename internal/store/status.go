package store

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyClosed     = errors.New("tool usage already closed")
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskPlanning},
	TaskPlanning:   {TaskInProgress, TaskFailed},
	TaskInProgress: {TaskResolved, TaskFailed},
	TaskResolved:   {TaskClosed},
}

var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:    {StepInProgress},
	StepInProgress: {StepCompleted, StepFailed},
}

// CanTransitionTask reports whether the task state machine allows from -> to.
func CanTransitionTask(from, to TaskStatus) bool {
	return slices.Contains(taskTransitions[from], to)
}

// CanTransitionStep reports whether the step state machine allows from -> to.
func CanTransitionStep(from, to StepStatus) bool {
	return slices.Contains(stepTransitions[from], to)
}

// Terminal reports whether no further transition leaves s.
func (s TaskStatus) Terminal() bool {
	return s == TaskClosed || s == TaskFailed
}

// Cancellable reports whether a forced cancellation may move s to FAILED.
func (s TaskStatus) Cancellable() bool {
	return s == TaskPlanning || s == TaskInProgress
}

// Terminal reports whether no further transition leaves s.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

func transitionError(kind string, from, to any) error {
	return fmt.Errorf("%w: %s %v -> %v", ErrInvalidTransition, kind, from, to)
}
