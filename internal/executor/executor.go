// Package executor owns the task state machine: it plans a task, persists
// the plan as steps, and runs the steps in order through the capability
// dispatcher.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/rahul/stepwise/internal/audit"
	"github.com/rahul/stepwise/internal/capability"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/planner"
	"github.com/rahul/stepwise/internal/store"
	"github.com/rahul/stepwise/internal/tools"
)

var (
	// ErrForbidden means the task exists but is not in a state that allows
	// the requested operation. Nothing was changed.
	ErrForbidden = errors.New("operation not allowed in current task state")

	// ErrCancelled is returned when execution stopped because the task was
	// cancelled from outside.
	ErrCancelled = errors.New("task cancelled")
)

const agentName = "executor"

// StepExecutionError reports the step that aborted a task.
type StepExecutionError struct {
	StepNumber int
	StepID     string
	Handler    string
	Err        error
}

func (e *StepExecutionError) Error() string {
	if e.Handler == "" {
		return fmt.Sprintf("step %d failed: %v", e.StepNumber, e.Err)
	}
	return fmt.Sprintf("step %d (%s) failed: %v", e.StepNumber, e.Handler, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// Store is the persistence the executor drives.
type Store interface {
	CreateTask(ctx context.Context, t *store.Task) error
	GetTask(ctx context.Context, id string) (*store.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, to store.TaskStatus) error
	CancelTask(ctx context.Context, id string, reason string) (int, error)
	ReplaceSteps(ctx context.Context, taskID string, descriptions []string) ([]store.Step, error)
	ListSteps(ctx context.Context, taskID string) ([]store.Step, error)
	StartStep(ctx context.Context, id string) error
	FinishStep(ctx context.Context, id string, to store.StepStatus, result, errMsg string) error
	SaveResult(ctx context.Context, r store.TaskResult) error
}

type Planner interface {
	CreatePlan(ctx context.Context, task store.Task) []planner.PlannedStep
}

// Dispatcher selects a handler for a step and executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, step store.Step) (capability.Kind, *capability.StepResult, error)
}

// Notifier is told about every execution that reached a final state.
type Notifier interface {
	TaskFinished(ctx context.Context, task store.Task, summary string)
}

type Executor struct {
	Store      Store
	Planner    Planner
	Dispatcher Dispatcher
	Audit      audit.Sink
	Events     *observability.Logger
	Notifier   Notifier

	wg sync.WaitGroup
}

func New(st Store, p Planner, d Dispatcher, sink audit.Sink, events *observability.Logger) *Executor {
	if sink == nil {
		sink = audit.Discard{}
	}
	return &Executor{Store: st, Planner: p, Dispatcher: d, Audit: sink, Events: events}
}

// ExecuteTask runs a PENDING task to completion and returns the reason it
// failed, if it did. A missing task yields store.ErrNotFound and a task in
// any other state yields ErrForbidden; neither changes anything.
func (e *Executor) ExecuteTask(ctx context.Context, taskID string) error {
	task, err := e.eligible(ctx, taskID)
	if err != nil {
		return err
	}
	ctx = observability.WithTaskID(ctx, task.ID)

	if err := e.Store.UpdateTaskStatus(ctx, task.ID, store.TaskPlanning); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
		return err
	}

	observability.TaskStarted()
	defer observability.TaskFinished()

	summary, runErr := e.run(ctx, task)
	if runErr != nil {
		e.fail(ctx, task.ID, runErr)
		summary = runErr.Error()
	}
	e.notify(ctx, task.ID, summary)
	return runErr
}

// Start checks eligibility, then executes the task in the background. The
// background run is detached from ctx cancellation but keeps its values.
func (e *Executor) Start(ctx context.Context, taskID string) error {
	if _, err := e.eligible(ctx, taskID); err != nil {
		return err
	}
	runCtx := context.WithoutCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				log.Printf("[Executor] task %s panicked: %v", taskID, p)
				e.abort(runCtx, taskID, fmt.Sprintf("panic: %v", p))
			}
		}()
		if err := e.ExecuteTask(runCtx, taskID); err != nil {
			log.Printf("[Executor] task %s: %v", taskID, err)
		}
	}()
	return nil
}

// Submit creates a task and starts it.
func (e *Executor) Submit(ctx context.Context, title, description string) (*store.Task, error) {
	task := &store.Task{Title: title, Description: description}
	if err := e.Store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	e.logTask(ctx, task.ID, store.LevelInfo, "task submitted", nil)
	if err := e.Start(ctx, task.ID); err != nil {
		return task, err
	}
	return task, nil
}

// Cancel forces a PLANNING or IN_PROGRESS task to FAILED. The running loop
// notices at its next step boundary.
func (e *Executor) Cancel(ctx context.Context, taskID string) error {
	n, err := e.Store.CancelTask(ctx, taskID, "cancelled by request")
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
		return err
	}
	log.Printf("[Executor] task %s cancelled (%d running steps failed)", taskID, n)
	e.Events.LogTask(taskID, string(store.TaskFailed), "cancelled")
	e.logTask(ctx, taskID, store.LevelWarn, "task cancelled", map[string]int{"steps_failed": n})
	return nil
}

// Close moves a RESOLVED task to CLOSED.
func (e *Executor) Close(ctx context.Context, taskID string) error {
	if err := e.Store.UpdateTaskStatus(ctx, taskID, store.TaskClosed); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
		return err
	}
	e.Events.LogTask(taskID, string(store.TaskClosed), "closed")
	e.logTask(ctx, taskID, store.LevelInfo, "task closed", nil)
	return nil
}

// Wait blocks until every execution started with Start has returned.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) eligible(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != store.TaskPending {
		return nil, fmt.Errorf("%w: task %s is %s", ErrForbidden, task.ID, task.Status)
	}
	return task, nil
}

type stepOutput struct {
	Number  int    `json:"step_number"`
	Handler string `json:"handler"`
	Output  any    `json:"output"`
}

// run carries a task already in PLANNING through to RESOLVED and returns
// the result summary.
func (e *Executor) run(ctx context.Context, task *store.Task) (string, error) {
	log.Printf("[Executor] task %s: %s", task.ID, task.Title)
	e.Events.LogTask(task.ID, string(store.TaskPlanning), "execution started")
	e.logTask(ctx, task.ID, store.LevelInfo, "task execution started", nil)
	observability.SetStatus(observability.RolePlanner, task.Title)

	plan := e.Planner.CreatePlan(ctx, *task)
	if _, err := e.Store.ReplaceSteps(ctx, task.ID, planner.Descriptions(plan)); err != nil {
		return "", fmt.Errorf("store plan: %w", err)
	}
	e.logTask(ctx, task.ID, store.LevelInfo, fmt.Sprintf("plan created with %d steps", len(plan)), plan)

	if err := e.Store.UpdateTaskStatus(ctx, task.ID, store.TaskInProgress); err != nil {
		return "", e.stopped(ctx, task.ID, err)
	}
	e.Events.LogTask(task.ID, string(store.TaskInProgress), "plan stored")
	observability.SetStatus(observability.RoleExecutor, task.Title)

	steps, err := e.Store.ListSteps(ctx, task.ID)
	if err != nil {
		return "", fmt.Errorf("load steps: %w", err)
	}

	var outputs []stepOutput
	for _, st := range steps {
		if err := e.checkpoint(ctx, task.ID); err != nil {
			return "", err
		}
		observability.SetProgress(st.StepNumber, len(steps))
		kind, res, err := e.executeStep(ctx, st)
		if err != nil {
			return "", err
		}
		outputs = append(outputs, stepOutput{Number: st.StepNumber, Handler: kind.String(), Output: res.Output})
	}

	if err := e.Store.UpdateTaskStatus(ctx, task.ID, store.TaskResolved); err != nil {
		return "", e.stopped(ctx, task.ID, err)
	}
	summary := summarize(outputs)
	encoded, _ := json.Marshal(outputs)
	if err := e.Store.SaveResult(ctx, store.TaskResult{TaskID: task.ID, Summary: summary, Outputs: string(encoded)}); err != nil {
		log.Printf("[Executor] task %s: failed to save result: %v", task.ID, err)
	}

	log.Printf("[Executor] task %s resolved after %d steps", task.ID, len(steps))
	e.Events.LogTask(task.ID, string(store.TaskResolved), summary)
	e.logTask(ctx, task.ID, store.LevelInfo, "task resolved", map[string]int{"steps": len(steps)})
	return summary, nil
}

// checkpoint is the step boundary check.
func (e *Executor) checkpoint(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("execution interrupted: %w", err)
	}
	current, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("reload task: %w", err)
	}
	if current.Status == store.TaskFailed {
		return ErrCancelled
	}
	return nil
}

// stopped turns a rejected transition caused by a concurrent cancel into
// ErrCancelled.
func (e *Executor) stopped(ctx context.Context, taskID string, err error) error {
	if errors.Is(err, store.ErrInvalidTransition) {
		if current, gerr := e.Store.GetTask(ctx, taskID); gerr == nil && current.Status == store.TaskFailed {
			return ErrCancelled
		}
	}
	return err
}

func (e *Executor) executeStep(ctx context.Context, st store.Step) (capability.Kind, *capability.StepResult, error) {
	if err := e.Store.StartStep(ctx, st.ID); err != nil {
		return capability.KindGeneral, nil, &StepExecutionError{StepNumber: st.StepNumber, StepID: st.ID, Err: err}
	}
	log.Printf("[Executor] step %d: %s", st.StepNumber, st.Description)
	e.Events.LogStep(st.TaskID, st.ID, st.StepNumber, string(store.StepInProgress), "")

	kind, res, err := e.dispatch(ctx, st)
	if err != nil {
		var payload string
		if res != nil {
			payload = res.JSON()
		}
		if ferr := e.Store.FinishStep(ctx, st.ID, store.StepFailed, payload, err.Error()); ferr != nil {
			log.Printf("[Executor] step %d: %v", st.StepNumber, ferr)
		}
		e.Events.LogStep(st.TaskID, st.ID, st.StepNumber, string(store.StepFailed), kind.String())
		e.logStep(ctx, st, store.LevelError, "step failed: "+err.Error(), kind)
		return kind, nil, &StepExecutionError{StepNumber: st.StepNumber, StepID: st.ID, Handler: kind.String(), Err: err}
	}

	if ferr := e.Store.FinishStep(ctx, st.ID, store.StepCompleted, res.JSON(), ""); ferr != nil {
		// A cancel already failed this step; the next checkpoint stops the loop.
		log.Printf("[Executor] step %d: %v", st.StepNumber, ferr)
	}
	e.Events.LogStep(st.TaskID, st.ID, st.StepNumber, string(store.StepCompleted), kind.String())
	e.logStep(ctx, st, store.LevelInfo, "step completed", kind)
	return kind, res, nil
}

func (e *Executor) dispatch(ctx context.Context, st store.Step) (kind capability.Kind, res *capability.StepResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	kind, res, err = e.Dispatcher.Dispatch(ctx, st)
	if err == nil && res == nil {
		err = errors.New("handler returned no result")
	}
	return kind, res, err
}

// fail records a whole-task failure. A cancelled task is already FAILED.
func (e *Executor) fail(ctx context.Context, taskID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if errors.Is(cause, ErrCancelled) {
		e.logTask(ctx, taskID, store.LevelWarn, "execution stopped: task was cancelled", nil)
		return
	}
	if err := e.Store.UpdateTaskStatus(ctx, taskID, store.TaskFailed); err != nil {
		if errors.Is(e.stopped(ctx, taskID, err), ErrCancelled) {
			// Cancelled while the failing step ran.
			e.logTask(ctx, taskID, store.LevelWarn, "execution stopped: task was cancelled",
				map[string]string{"cause": cause.Error()})
			return
		}
		log.Printf("[Executor] task %s: could not mark failed: %v", taskID, err)
	}
	log.Printf("[Executor] task %s failed: %v", taskID, cause)
	e.Events.LogTask(taskID, string(store.TaskFailed), cause.Error())
	e.logTask(ctx, taskID, store.LevelError, "task failed: "+cause.Error(), nil)
}

// abort is the last-resort path for a panicking execution. It forces the
// task to FAILED through the cancellation transition.
func (e *Executor) abort(ctx context.Context, taskID, reason string) {
	if _, err := e.Store.CancelTask(ctx, taskID, reason); err != nil {
		log.Printf("[Executor] task %s: could not abort: %v", taskID, err)
	}
	e.logTask(ctx, taskID, store.LevelError, "execution aborted: "+reason, nil)
	e.notify(ctx, taskID, reason)
}

func (e *Executor) notify(ctx context.Context, taskID, summary string) {
	if e.Notifier == nil {
		return
	}
	task, err := e.Store.GetTask(context.WithoutCancel(ctx), taskID)
	if err != nil {
		log.Printf("[Executor] task %s: notify: %v", taskID, err)
		return
	}
	e.Notifier.TaskFinished(ctx, *task, summary)
}

func (e *Executor) logTask(ctx context.Context, taskID string, level store.LogLevel, msg string, details any) {
	e.Audit.Log(ctx, audit.Entry(level, taskID, "", agentName, msg, details))
}

func (e *Executor) logStep(ctx context.Context, st store.Step, level store.LogLevel, msg string, kind capability.Kind) {
	e.Audit.Log(ctx, audit.Entry(level, st.TaskID, st.ID, agentName, msg,
		map[string]any{"step_number": st.StepNumber, "handler": kind.String()}))
}

func summarize(outputs []stepOutput) string {
	var b strings.Builder
	for _, o := range outputs {
		text := fmt.Sprint(o.Output)
		if o.Output == nil {
			text = "(no output)"
		}
		if len(text) > 500 {
			text = tools.TruncateRunes(text, 500) + "..."
		}
		fmt.Fprintf(&b, "Step %d [%s]: %s\n", o.Number, o.Handler, text)
	}
	return strings.TrimSpace(b.String())
}
