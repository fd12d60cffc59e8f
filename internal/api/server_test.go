package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rahul/stepwise/internal/audit"
	"github.com/rahul/stepwise/internal/capability"
	"github.com/rahul/stepwise/internal/executor"
	"github.com/rahul/stepwise/internal/planner"
	"github.com/rahul/stepwise/internal/store"
)

type twoStepPlanner struct{}

func (twoStepPlanner) CreatePlan(ctx context.Context, task store.Task) []planner.PlannedStep {
	return []planner.PlannedStep{
		{Number: 1, Description: "look around"},
		{Number: 2, Description: "report back"},
	}
}

type echoDispatcher struct{}

func (echoDispatcher) Dispatch(ctx context.Context, step store.Step) (capability.Kind, *capability.StepResult, error) {
	return capability.KindGeneral, &capability.StepResult{Handler: "general", Output: "did " + step.Description}, nil
}

type testServer struct {
	*httptest.Server
	store *store.SQLiteStore
	exec  *executor.Executor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	exec := executor.New(st, twoStepPlanner{}, echoDispatcher{}, audit.NewStoreSink(st, nil), nil)
	srv := httptest.NewServer(NewRouter(&Handlers{Store: st, Executor: exec}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: st, exec: exec}
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestCreateAndExecuteTask(t *testing.T) {
	s := newTestServer(t)

	var task store.Task
	if code := s.do(t, "POST", "/api/v1/tasks", map[string]string{"title": "inspect", "description": "look and report"}, &task); code != http.StatusCreated {
		t.Fatalf("create status = %d", code)
	}
	if task.ID == "" || task.Status != store.TaskPending {
		t.Fatalf("task = %+v", task)
	}

	if code := s.do(t, "POST", "/api/v1/tasks/"+task.ID+"/execute", nil, nil); code != http.StatusAccepted {
		t.Fatalf("execute status = %d", code)
	}
	s.exec.Wait()

	var detail struct {
		store.Task
		Steps  []store.Step      `json:"steps"`
		Result *store.TaskResult `json:"result"`
	}
	if code := s.do(t, "GET", "/api/v1/tasks/"+task.ID, nil, &detail); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if detail.Status != store.TaskResolved || len(detail.Steps) != 2 || detail.Result == nil {
		t.Fatalf("detail = %+v", detail)
	}
	for _, st := range detail.Steps {
		if st.Status != store.StepCompleted {
			t.Errorf("step %d = %s", st.StepNumber, st.Status)
		}
	}

	// A second execution of the same task is refused.
	if code := s.do(t, "POST", "/api/v1/tasks/"+task.ID+"/execute", nil, nil); code != http.StatusConflict {
		t.Fatalf("re-execute status = %d, want 409", code)
	}

	var closed store.Task
	if code := s.do(t, "POST", "/api/v1/tasks/"+task.ID+"/close", nil, &closed); code != http.StatusOK || closed.Status != store.TaskClosed {
		t.Fatalf("close = %d %s", code, closed.Status)
	}

	var logs []store.AgentLog
	if code := s.do(t, "GET", "/api/v1/tasks/"+task.ID+"/logs", nil, &logs); code != http.StatusOK || len(logs) == 0 {
		t.Fatalf("logs = %d, %d entries", code, len(logs))
	}
}

func TestCreateWithExecute(t *testing.T) {
	s := newTestServer(t)
	var task store.Task
	if code := s.do(t, "POST", "/api/v1/tasks", map[string]any{"title": "go now", "execute": true}, &task); code != http.StatusAccepted {
		t.Fatalf("status = %d", code)
	}
	s.exec.Wait()
	got, err := s.store.GetTask(context.Background(), task.ID)
	if err != nil || got.Status != store.TaskResolved {
		t.Fatalf("task = %+v, %v", got, err)
	}

	var tasks []store.Task
	if code := s.do(t, "GET", "/api/v1/tasks?limit=5", nil, &tasks); code != http.StatusOK || len(tasks) != 1 {
		t.Fatalf("list = %d, %d tasks", code, len(tasks))
	}
}

func TestTaskErrors(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		method, path string
		body         any
		want         int
	}{
		{"POST", "/api/v1/tasks", map[string]string{"title": "  "}, http.StatusBadRequest},
		{"GET", "/api/v1/tasks/missing", nil, http.StatusNotFound},
		{"POST", "/api/v1/tasks/missing/execute", nil, http.StatusNotFound},
		{"GET", "/api/v1/tasks/missing/tool-usages", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		var errResp errorResponse
		if code := s.do(t, tc.method, tc.path, tc.body, &errResp); code != tc.want || errResp.Error == "" {
			t.Errorf("%s %s = %d %q, want %d", tc.method, tc.path, code, errResp.Error, tc.want)
		}
	}

	task := &store.Task{Title: "idle"}
	if err := s.store.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if code := s.do(t, "POST", "/api/v1/tasks/"+task.ID+"/cancel", nil, nil); code != http.StatusConflict {
		t.Errorf("cancel pending = %d, want 409", code)
	}
	if code := s.do(t, "POST", "/api/v1/tasks/"+task.ID+"/close", nil, nil); code != http.StatusConflict {
		t.Errorf("close pending = %d, want 409", code)
	}
}

func TestMalformedBody(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Post(s.URL+"/api/v1/tasks", "application/json", bytes.NewBufferString("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
