// Package api exposes task submission and inspection over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/rahul/stepwise/internal/store"
)

// TaskStore is the read side the handlers need.
type TaskStore interface {
	CreateTask(ctx context.Context, t *store.Task) error
	GetTask(ctx context.Context, id string) (*store.Task, error)
	ListTasks(ctx context.Context, limit int) ([]store.Task, error)
	ListSteps(ctx context.Context, taskID string) ([]store.Step, error)
	GetResult(ctx context.Context, taskID string) (*store.TaskResult, error)
	ListLogs(ctx context.Context, taskID string) ([]store.AgentLog, error)
	ListToolUsages(ctx context.Context, taskID string) ([]store.ToolUsage, error)
}

// Orchestrator drives task execution.
type Orchestrator interface {
	Submit(ctx context.Context, title, description string) (*store.Task, error)
	Start(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
	Close(ctx context.Context, taskID string) error
}

type Handlers struct {
	Store    TaskStore
	Executor Orchestrator
}

// NewRouter mounts the API with the standard middleware stack.
func NewRouter(h *Handlers) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	MountRoutes(r, h)
	return r
}

// MountRoutes registers the task routes on r.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1/tasks", func(r chi.Router) {
		r.Get("/", h.ListTasks)
		r.Post("/", h.CreateTask)
		r.Get("/{id}", h.GetTask)
		r.Post("/{id}/execute", h.ExecuteTask)
		r.Post("/{id}/cancel", h.CancelTask)
		r.Post("/{id}/close", h.CloseTask)
		r.Get("/{id}/logs", h.ListLogs)
		r.Get("/{id}/tool-usages", h.ListToolUsages)
	})
}

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Execute     bool   `json:"execute"`
}

// TaskDetail is a task with its plan and, once resolved, its result.
type TaskDetail struct {
	*store.Task
	Steps  []store.Step      `json:"steps"`
	Result *store.TaskResult `json:"result,omitempty"`
}

// CreateTask handles POST /api/v1/tasks. With "execute": true the task starts
// immediately and the response is 202.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createTaskRequest](w, r)
	if !ok {
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	if req.Execute {
		task, err := h.Executor.Submit(r.Context(), req.Title, req.Description)
		if err != nil {
			writeTaskError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, task)
		return
	}

	task := &store.Task{Title: req.Title, Description: req.Description}
	if err := h.Store.CreateTask(r.Context(), task); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// ListTasks handles GET /api/v1/tasks?limit=N
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Store.ListTasks(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeTaskError(w, err)
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	task, err := h.Store.GetTask(r.Context(), id)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	steps, err := h.Store.ListSteps(r.Context(), id)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	if steps == nil {
		steps = []store.Step{}
	}
	detail := TaskDetail{Task: task, Steps: steps}
	if res, err := h.Store.GetResult(r.Context(), id); err == nil {
		detail.Result = res
	} else if !errors.Is(err, store.ErrNotFound) {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// ExecuteTask handles POST /api/v1/tasks/{id}/execute
func (h *Handlers) ExecuteTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Executor.Start(r.Context(), id); err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "accepted"})
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Executor.Cancel)
}

// CloseTask handles POST /api/v1/tasks/{id}/close
func (h *Handlers) CloseTask(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Executor.Close)
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	id := urlParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		writeTaskError(w, err)
		return
	}
	task, err := h.Store.GetTask(r.Context(), id)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListLogs handles GET /api/v1/tasks/{id}/logs
func (h *Handlers) ListLogs(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if _, err := h.Store.GetTask(r.Context(), id); err != nil {
		writeTaskError(w, err)
		return
	}
	logs, err := h.Store.ListLogs(r.Context(), id)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	if logs == nil {
		logs = []store.AgentLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// ListToolUsages handles GET /api/v1/tasks/{id}/tool-usages
func (h *Handlers) ListToolUsages(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if _, err := h.Store.GetTask(r.Context(), id); err != nil {
		writeTaskError(w, err)
		return
	}
	usages, err := h.Store.ListToolUsages(r.Context(), id)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	if usages == nil {
		usages = []store.ToolUsage{}
	}
	writeJSON(w, http.StatusOK, usages)
}
