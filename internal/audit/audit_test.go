package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/store"
)

func TestStoreSinkPersistsAndMirrors(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()

	task := &store.Task{Title: "audit me"}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	sink := NewStoreSink(st, observability.NewLoggerTo(&buf, t.TempDir()))

	sink.Log(ctx, Entry(store.LevelInfo, task.ID, "", "executor", "started", map[string]int{"steps": 2}))
	id, err := sink.StartToolUsage(ctx, store.ToolUsage{TaskID: task.ID, ToolName: "shell", Command: `{"type":"run"}`})
	if err != nil {
		t.Fatalf("StartToolUsage: %v", err)
	}
	if err := sink.EndToolUsage(observability.WithTaskID(ctx, task.ID), id, true, "ok", ""); err != nil {
		t.Fatalf("EndToolUsage: %v", err)
	}

	logs, err := st.ListLogs(ctx, task.ID)
	if err != nil || len(logs) != 1 {
		t.Fatalf("logs = %+v, %v", logs, err)
	}
	if logs[0].Details != `{"steps":2}` || logs[0].Agent != "executor" {
		t.Errorf("log = %+v", logs[0])
	}

	usages, err := st.ListToolUsages(ctx, task.ID)
	if err != nil || len(usages) != 1 {
		t.Fatalf("usages = %+v, %v", usages, err)
	}
	if !usages[0].Success || usages[0].EndedAt == nil {
		t.Errorf("usage = %+v", usages[0])
	}

	var types []string
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var evt struct {
			Type   string `json:"type"`
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(sc.Bytes(), &evt); err != nil {
			t.Fatalf("bad event %q: %v", sc.Text(), err)
		}
		if evt.TaskID != task.ID {
			t.Errorf("event %s has task %q", evt.Type, evt.TaskID)
		}
		types = append(types, evt.Type)
	}
	want := []string{"audit", "tool_call", "tool_result"}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestEntryWithoutDetails(t *testing.T) {
	e := Entry(store.LevelError, "t1", "s1", "web", "boom", nil)
	if e.Details != "" || e.Level != store.LevelError || e.StepID != "s1" {
		t.Errorf("entry = %+v", e)
	}
}
