package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"fluxreve-server/internal/domain"
	"fluxreve-server/internal/middleware"
	"fluxreve-server/internal/task"
)

type createTaskRequest struct {
	TaskType  string         `json:"task_type"`
	Model     string         `json:"model"`
	Params    map[string]any `json:"params"`
	IsPrivate bool           `json:"is_private"`
}

type taskPayload struct {
	ID          string              `json:"id"`
	ShareID     string              `json:"share_id"`
	TaskType    domain.TaskType     `json:"task_type"`
	Model       string              `json:"model"`
	Provider    string              `json:"provider"`
	Status      domain.TaskStatus   `json:"status"`
	Progress    int                 `json:"progress"`
	Parameters  json.RawMessage     `json:"parameters,omitempty"`
	Results     []domain.TaskResult `json:"results"`
	Error       string              `json:"error,omitempty"`
	IsPrivate   bool                `json:"is_private"`
	IsNSFW      *bool               `json:"is_nsfw,omitempty"`
	ViewCount   int                 `json:"view_count"`
	CreatedAt   time.Time           `json:"created_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	DeletedAt   *time.Time          `json:"deleted_at,omitempty"`
}

func toTaskPayload(t *domain.Task) taskPayload {
	results := t.Results
	if results == nil {
		results = []domain.TaskResult{}
	}
	return taskPayload{
		ID:          t.ID,
		ShareID:     t.ShareID,
		TaskType:    t.Type,
		Model:       t.Model,
		Provider:    t.Provider,
		Status:      t.Status,
		Progress:    t.Progress,
		Parameters:  t.Parameters,
		Results:     results,
		Error:       t.ErrorMessage,
		IsPrivate:   t.IsPrivate,
		IsNSFW:      t.IsNSFW,
		ViewCount:   t.ViewCount,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
		DeletedAt:   t.DeletedAt,
	}
}

func (a *App) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	t, err := a.Tasks.Submit(r.Context(), userID, task.SubmitRequest{
		Type:      domain.TaskType(req.TaskType),
		Model:     req.Model,
		Params:    req.Params,
		IsPrivate: req.IsPrivate,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusCreated, toTaskPayload(t))
}

func (a *App) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	t, err := a.Tasks.Get(r.Context(), taskID, middleware.UserIDFromContext(r.Context()), middleware.PlanFromContext(r.Context()))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, toTaskPayload(t))
}

func (a *App) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	filter := domain.TaskFilter{
		Limit:  queryInt(r, "limit", 20),
		Offset: queryInt(r, "offset", 0),
	}
	for _, s := range splitQueryCSV(r, "status") {
		filter.Statuses = append(filter.Statuses, domain.TaskStatus(s))
	}
	for _, tt := range splitQueryCSV(r, "task_type") {
		filter.TaskTypes = append(filter.TaskTypes, domain.TaskType(tt))
	}
	filter.Models = splitQueryCSV(r, "model")

	page, err := a.Tasks.ListMine(r.Context(), userID, middleware.PlanFromContext(r.Context()), filter)
	if err != nil {
		a.fail(w, err)
		return
	}
	items := make([]taskPayload, len(page.Tasks))
	for i := range page.Tasks {
		items[i] = toTaskPayload(&page.Tasks[i])
	}
	a.json(w, http.StatusOK, map[string]any{"items": items, "total": page.Total})
}

func (a *App) DeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	userID := middleware.UserIDFromContext(r.Context())
	if err := a.Tasks.SoftDelete(r.Context(), taskID, userID); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordTaskView counts one public view. Repeat views from the same address
// are acknowledged without incrementing the counter.
func (a *App) RecordTaskView(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	view := domain.TaskView{
		IPAddress: middleware.ClientIP(r),
		UserID:    middleware.UserIDFromContext(r.Context()),
		UserAgent: r.UserAgent(),
		Country:   middleware.CountryFromContext(r.Context()),
	}
	duplicate, err := a.Tasks.RecordView(r.Context(), taskID, view)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"counted": !duplicate})
}

func splitQueryCSV(r *http.Request, key string) []string {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
