package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rahul/stepwise/internal/action"
	"github.com/rahul/stepwise/internal/audit"
	"github.com/rahul/stepwise/internal/capability"
	"github.com/rahul/stepwise/internal/planner"
	"github.com/rahul/stepwise/internal/store"
	"github.com/rahul/stepwise/internal/tools"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type fixedPlanner []string

func (p fixedPlanner) CreatePlan(ctx context.Context, task store.Task) []planner.PlannedStep {
	steps := make([]planner.PlannedStep, len(p))
	for i, d := range p {
		steps[i] = planner.PlannedStep{Number: i + 1, Description: d}
	}
	return steps
}

// scriptedDispatcher runs fn for each step number, succeeding by default.
type scriptedDispatcher struct {
	mu    sync.Mutex
	calls []int
	fn    map[int]func(ctx context.Context, step store.Step) error
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, step store.Step) (capability.Kind, *capability.StepResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, step.StepNumber)
	d.mu.Unlock()
	if f := d.fn[step.StepNumber]; f != nil {
		if err := f(ctx, step); err != nil {
			return capability.KindGeneral, nil, err
		}
	}
	return capability.KindGeneral, &capability.StepResult{Handler: "general", Output: "done " + step.Description}, nil
}

func createTask(t *testing.T, st *store.SQLiteStore, title string) *store.Task {
	t.Helper()
	task := &store.Task{Title: title}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func stepStatuses(t *testing.T, st *store.SQLiteStore, taskID string) []store.StepStatus {
	t.Helper()
	steps, err := st.ListSteps(context.Background(), taskID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	out := make([]store.StepStatus, len(steps))
	for i, s := range steps {
		out[i] = s.Status
	}
	return out
}

func taskStatus(t *testing.T, st *store.SQLiteStore, id string) store.TaskStatus {
	t.Helper()
	task, err := st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task.Status
}

func TestExecuteTaskResolves(t *testing.T) {
	st := newStore(t)
	task := createTask(t, st, "three things")
	d := &scriptedDispatcher{}
	e := New(st, fixedPlanner{"a", "b", "c"}, d, nil, nil)

	if err := e.ExecuteTask(context.Background(), task.ID); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if got := taskStatus(t, st, task.ID); got != store.TaskResolved {
		t.Fatalf("task status = %s", got)
	}

	steps, _ := st.ListSteps(context.Background(), task.ID)
	for i, s := range steps {
		if s.StepNumber != i+1 {
			t.Errorf("step %d has number %d", i, s.StepNumber)
		}
		if s.Status != store.StepCompleted || s.StartedAt == nil || s.CompletedAt == nil {
			t.Errorf("step %d = %+v", s.StepNumber, s)
		}
	}
	if fmt.Sprint(d.calls) != "[1 2 3]" {
		t.Errorf("dispatch order = %v", d.calls)
	}

	res, err := st.GetResult(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if !strings.Contains(res.Summary, "Step 3 [general]: done c") {
		t.Errorf("summary = %q", res.Summary)
	}
}

func TestReplanReplacesSteps(t *testing.T) {
	st := newStore(t)
	task := createTask(t, st, "replan")
	if _, err := st.ReplaceSteps(context.Background(), task.ID, []string{"old 1", "old 2", "old 3", "old 4"}); err != nil {
		t.Fatal(err)
	}

	e := New(st, fixedPlanner{"new 1", "new 2"}, &scriptedDispatcher{}, nil, nil)
	if err := e.ExecuteTask(context.Background(), task.ID); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	steps, _ := st.ListSteps(context.Background(), task.ID)
	if len(steps) != 2 || steps[0].Description != "new 1" || steps[1].StepNumber != 2 {
		t.Fatalf("steps = %+v", steps)
	}
}

func TestStepFailureIsFailFast(t *testing.T) {
	st := newStore(t)
	task := createTask(t, st, "fail in the middle")
	d := &scriptedDispatcher{fn: map[int]func(context.Context, store.Step) error{
		2: func(context.Context, store.Step) error { return errors.New("handler exploded") },
	}}
	e := New(st, fixedPlanner{"one", "two", "three"}, d, nil, nil)

	err := e.ExecuteTask(context.Background(), task.ID)
	var stepErr *StepExecutionError
	if !errors.As(err, &stepErr) || stepErr.StepNumber != 2 {
		t.Fatalf("err = %v, want StepExecutionError for step 2", err)
	}

	want := []store.StepStatus{store.StepCompleted, store.StepFailed, store.StepPending}
	if got := stepStatuses(t, st, task.ID); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
	if got := taskStatus(t, st, task.ID); got != store.TaskFailed {
		t.Fatalf("task status = %s", got)
	}

	steps, _ := st.ListSteps(context.Background(), task.ID)
	if steps[1].Error == "" || steps[1].CompletedAt == nil {
		t.Errorf("failed step = %+v", steps[1])
	}
}

func TestHandlerPanicFailsStep(t *testing.T) {
	st := newStore(t)
	task := createTask(t, st, "panic")
	d := &scriptedDispatcher{fn: map[int]func(context.Context, store.Step) error{
		1: func(context.Context, store.Step) error { panic("nil map") },
	}}
	e := New(st, fixedPlanner{"one", "two"}, d, nil, nil)

	if err := e.ExecuteTask(context.Background(), task.ID); err == nil {
		t.Fatal("expected error")
	}
	want := []store.StepStatus{store.StepFailed, store.StepPending}
	if got := stepStatuses(t, st, task.ID); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
}

func TestCancelStopsAtNextBoundary(t *testing.T) {
	for _, stepFails := range []bool{false, true} {
		t.Run(fmt.Sprintf("stepFails=%v", stepFails), func(t *testing.T) {
			st := newStore(t)
			task := createTask(t, st, "cancel me")
			var e *Executor
			d := &scriptedDispatcher{fn: map[int]func(context.Context, store.Step) error{
				2: func(ctx context.Context, step store.Step) error {
					if err := e.Cancel(ctx, step.TaskID); err != nil {
						t.Errorf("Cancel: %v", err)
					}
					if stepFails {
						return errors.New("interrupted")
					}
					return nil
				},
			}}
			e = New(st, fixedPlanner{"1", "2", "3", "4"}, d, nil, nil)

			err := e.ExecuteTask(context.Background(), task.ID)
			if err == nil {
				t.Fatal("expected an error from a cancelled task")
			}
			if !stepFails && !errors.Is(err, ErrCancelled) {
				t.Fatalf("err = %v, want ErrCancelled", err)
			}

			want := []store.StepStatus{store.StepCompleted, store.StepFailed, store.StepPending, store.StepPending}
			if got := stepStatuses(t, st, task.ID); fmt.Sprint(got) != fmt.Sprint(want) {
				t.Fatalf("steps = %v, want %v", got, want)
			}
			if got := taskStatus(t, st, task.ID); got != store.TaskFailed {
				t.Fatalf("task status = %s", got)
			}
			if fmt.Sprint(d.calls) != "[1 2]" {
				t.Fatalf("dispatched = %v", d.calls)
			}
		})
	}
}

func TestEligibility(t *testing.T) {
	st := newStore(t)
	e := New(st, fixedPlanner{"only"}, &scriptedDispatcher{}, nil, nil)
	ctx := context.Background()

	if err := e.ExecuteTask(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing task: err = %v", err)
	}
	if err := e.Start(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Start missing: err = %v", err)
	}

	task := createTask(t, st, "once")
	if err := e.ExecuteTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.ExecuteTask(ctx, task.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("second run: err = %v", err)
	}
	if err := e.Cancel(ctx, task.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cancel resolved: err = %v", err)
	}
	if got := taskStatus(t, st, task.ID); got != store.TaskResolved {
		t.Fatalf("forbidden operations changed the task: %s", got)
	}

	if err := e.Close(ctx, task.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(ctx, task.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("second Close: err = %v", err)
	}
	if err := e.ExecuteTask(ctx, task.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("closed task executed: err = %v", err)
	}

	pending := createTask(t, st, "not started")
	if err := e.Close(ctx, pending.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("close pending: err = %v", err)
	}
	if err := e.Cancel(ctx, pending.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cancel pending: err = %v", err)
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	tasks   []store.Task
	origins []string
}

func (n *recordingNotifier) TaskFinished(ctx context.Context, task store.Task, summary string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tasks = append(n.tasks, task)
	n.origins = append(n.origins, tools.OriginFrom(ctx))
}

func TestSubmitRunsInBackground(t *testing.T) {
	st := newStore(t)
	notifier := &recordingNotifier{}
	e := New(st, fixedPlanner{"a", "b"}, &scriptedDispatcher{}, audit.NewStoreSink(st, nil), nil)
	e.Notifier = notifier

	ctx, cancel := context.WithCancel(tools.WithOrigin(context.Background(), "chat-42"))
	task, err := e.Submit(ctx, "background", "")
	cancel()
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.Wait()

	if got := taskStatus(t, st, task.ID); got != store.TaskResolved {
		t.Fatalf("task status = %s", got)
	}
	if len(notifier.tasks) != 1 || notifier.tasks[0].Status != store.TaskResolved || notifier.origins[0] != "chat-42" {
		t.Fatalf("notifications = %+v origins = %v", notifier.tasks, notifier.origins)
	}

	logs, err := st.ListLogs(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	var messages []string
	for _, l := range logs {
		messages = append(messages, l.Message)
	}
	joined := strings.Join(messages, "|")
	for _, want := range []string{"task submitted", "task execution started", "step completed", "task resolved"} {
		if !strings.Contains(joined, want) {
			t.Errorf("audit log missing %q: %v", want, messages)
		}
	}
}

// browserStub stands in for the chromedp tool.
type browserStub struct {
	mu        sync.Mutex
	visited   []string
	initCount int
	cleaned   int
	err       error
}

func (b *browserStub) ID() tools.ToolID    { return tools.ToolBrowser }
func (b *browserStub) Description() string { return "stub browser" }

func (b *browserStub) Initialize(ctx context.Context) error {
	b.initCount++
	return nil
}

func (b *browserStub) Cleanup(ctx context.Context) error {
	b.cleaned++
	return nil
}

func (b *browserStub) Invoke(ctx context.Context, op string, params map[string]any) (tools.Output, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	url, _ := params["url"].(string)
	b.visited = append(b.visited, op+" "+url)
	if b.err != nil {
		return nil, b.err
	}
	return tools.Output{"result": url, "url": url, "title": "Example Domain"}, nil
}

func TestSummarizeURLEndToEnd(t *testing.T) {
	st := newStore(t)
	browser := &browserStub{}
	reg := tools.NewRegistry()
	reg.Register(tools.ToolBrowser, func() tools.Tool { return browser })

	sink := audit.NewStoreSink(st, nil)
	runner := action.NewRunner(reg, nil, sink, nil)
	e := New(st, planner.New(nil, nil, nil), capability.NewDefaultRegistry(runner), sink, nil)

	task := createTask(t, st, "Summarize URL https://example.com")
	if err := e.ExecuteTask(context.Background(), task.ID); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	if got := taskStatus(t, st, task.ID); got != store.TaskResolved {
		t.Fatalf("task status = %s", got)
	}
	if fmt.Sprint(browser.visited) != "[navigate https://example.com]" {
		t.Fatalf("browser calls = %v", browser.visited)
	}
	if browser.initCount != 1 || browser.cleaned != 1 {
		t.Fatalf("lifecycle init=%d cleanup=%d", browser.initCount, browser.cleaned)
	}

	steps, _ := st.ListSteps(context.Background(), task.ID)
	if len(steps) != 1 || steps[0].Status != store.StepCompleted || !strings.Contains(steps[0].Result, `"handler":"web"`) {
		t.Fatalf("steps = %+v", steps)
	}

	usages, err := st.ListToolUsages(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(usages) != 1 || usages[0].EndedAt == nil || !usages[0].Success || usages[0].ToolName != "browser" {
		t.Fatalf("tool usages = %+v", usages)
	}
}

type fakeSchedules struct {
	due     []store.Schedule
	marked  []int64
	deleted []int64
}

func (f *fakeSchedules) DueSchedules(ctx context.Context, now time.Time) ([]store.Schedule, error) {
	return f.due, nil
}

func (f *fakeSchedules) MarkScheduleRun(ctx context.Context, id int64, at time.Time) error {
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeSchedules) DeleteSchedule(ctx context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeSubmitter struct {
	titles  []string
	origins []string
	fail    string
}

func (f *fakeSubmitter) Submit(ctx context.Context, title, description string) (*store.Task, error) {
	if title == f.fail {
		return nil, errors.New("store unavailable")
	}
	f.titles = append(f.titles, title)
	f.origins = append(f.origins, tools.OriginFrom(ctx))
	return &store.Task{ID: "task-" + title, Title: title}, nil
}

func TestSchedulerPoll(t *testing.T) {
	schedules := &fakeSchedules{due: []store.Schedule{
		{ID: 1, ChatID: "100", Description: "daily digest", IntervalSeconds: 86400},
		{ID: 2, ChatID: "200", Description: "one reminder", IntervalSeconds: 0},
		{ID: 3, ChatID: "300", Description: "broken", IntervalSeconds: 60},
	}}
	sub := &fakeSubmitter{fail: "broken"}
	s := NewScheduler(schedules, sub, time.Minute)

	if n := s.Poll(context.Background()); n != 2 {
		t.Fatalf("submitted %d, want 2", n)
	}
	if fmt.Sprint(sub.origins) != "[100 200]" {
		t.Errorf("origins = %v", sub.origins)
	}
	if fmt.Sprint(schedules.marked) != "[1 2]" {
		t.Errorf("marked = %v", schedules.marked)
	}
	if fmt.Sprint(schedules.deleted) != "[2]" {
		t.Errorf("deleted = %v", schedules.deleted)
	}
}

func TestSchedulerWithStore(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	if _, err := st.AddSchedule(ctx, "100", "check the news", 300); err != nil {
		t.Fatal(err)
	}

	e := New(st, fixedPlanner{"read news"}, &scriptedDispatcher{}, nil, nil)
	s := NewScheduler(st, e, time.Minute)
	now := time.Now()
	s.Now = func() time.Time { return now }

	if n := s.Poll(ctx); n != 1 {
		t.Fatalf("first poll submitted %d", n)
	}
	if n := s.Poll(ctx); n != 0 {
		t.Fatalf("second poll submitted %d, schedule should not be due yet", n)
	}
	s.Now = func() time.Time { return now.Add(6 * time.Minute) }
	if n := s.Poll(ctx); n != 1 {
		t.Fatalf("poll after interval submitted %d", n)
	}
	e.Wait()

	tasks, err := st.ListTasks(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != store.TaskResolved {
			t.Errorf("task %s is %s", task.ID, task.Status)
		}
	}
}

func TestFailedActionCompletesStep(t *testing.T) {
	st := newStore(t)
	browser := &browserStub{err: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	reg := tools.NewRegistry()
	reg.Register(tools.ToolBrowser, func() tools.Tool { return browser })

	sink := audit.NewStoreSink(st, nil)
	runner := action.NewRunner(reg, nil, sink, nil)
	e := New(st, planner.New(nil, nil, nil), capability.NewDefaultRegistry(runner), sink, nil)

	task := createTask(t, st, "Summarize URL https://nowhere.invalid")
	if err := e.ExecuteTask(context.Background(), task.ID); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if got := taskStatus(t, st, task.ID); got != store.TaskResolved {
		t.Fatalf("task status = %s", got)
	}
	steps, _ := st.ListSteps(context.Background(), task.ID)
	if len(steps) != 1 || steps[0].Status != store.StepCompleted || !strings.Contains(steps[0].Result, `"failed":1`) {
		t.Fatalf("steps = %+v", steps)
	}
	usages, _ := st.ListToolUsages(context.Background(), task.ID)
	if len(usages) != 1 || usages[0].Success || usages[0].EndedAt == nil {
		t.Fatalf("tool usages = %+v", usages)
	}
}

func TestStepFailureAfterCancelIsNotAFailure(t *testing.T) {
	st := newStore(t)
	task := createTask(t, st, "cancel then fail")
	var e *Executor
	d := &scriptedDispatcher{fn: map[int]func(context.Context, store.Step) error{
		1: func(ctx context.Context, step store.Step) error {
			if err := e.Cancel(ctx, step.TaskID); err != nil {
				t.Errorf("Cancel: %v", err)
			}
			return errors.New("interrupted")
		},
	}}
	e = New(st, fixedPlanner{"1", "2"}, d, audit.NewStoreSink(st, nil), nil)

	if err := e.ExecuteTask(context.Background(), task.ID); err == nil {
		t.Fatal("expected an error")
	}
	logs, err := st.ListLogs(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	var failed, stopped int
	for _, l := range logs {
		switch {
		case strings.HasPrefix(l.Message, "task failed"):
			failed++
		case l.Message == "execution stopped: task was cancelled":
			stopped++
		}
	}
	if failed != 0 || stopped != 1 {
		t.Fatalf("task failed entries = %d, stopped entries = %d", failed, stopped)
	}
}

func TestSummarizeKeepsRunesWhole(t *testing.T) {
	got := summarize([]stepOutput{{Number: 1, Handler: "general", Output: strings.Repeat("é", 300)}})
	if !utf8.ValidString(got) || !strings.HasSuffix(got, "...") {
		t.Fatalf("summary = %q", got)
	}
}
