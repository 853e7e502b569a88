package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"outreach/internal/models"
	"outreach/internal/repository"
	"outreach/internal/service"
)

// maxStatusIDs bounds a single batch status query
const maxStatusIDs = 100

// TaskService is the task surface the handler depends on
type TaskService interface {
	Create(ctx context.Context, req *service.CreateTaskRequest) (*models.MessageTask, error)
	Get(ctx context.Context, id int64) (*models.MessageTask, error)
	List(ctx context.Context, filters repository.TaskFilters) ([]*models.MessageTask, *service.PaginationInfo, error)
	Start(ctx context.Context, id int64) (*models.MessageTask, error)
	Stop(ctx context.Context, id int64) (*models.MessageTask, error)
	Status(ctx context.Context, ids []int64) ([]models.TaskStatusSnapshot, error)
	Delete(ctx context.Context, id int64) error
	Users(ctx context.Context, id int64) ([]models.TaskUser, error)
	Preview(ctx context.Context, taskID, userID int64) (*service.PreviewResult, error)
}

// TaskHandler handles HTTP requests for message task operations
type TaskHandler struct {
	tasks TaskService
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(tasks TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

// ListTasksResponse is the body of GET /message-tasks
type ListTasksResponse struct {
	Tasks      []*models.MessageTask   `json:"tasks"`
	Pagination *service.PaginationInfo `json:"pagination"`
}

// StatusResponse is the body of GET /message-tasks/status
type StatusResponse struct {
	Tasks []models.TaskStatusSnapshot `json:"tasks"`
}

// UsersResponse is the body of GET /message-tasks/{id}/users
type UsersResponse struct {
	TaskID int64             `json:"task_id"`
	Users  []models.TaskUser `json:"users"`
}

// PreviewRequest represents the request body for message preview
type PreviewRequest struct {
	UserID int64 `json:"user_id"`
}

// Register mounts the task routes on r
func (h *TaskHandler) Register(r *mux.Router) {
	r.HandleFunc("/message-tasks", h.List).Methods(http.MethodGet)
	r.HandleFunc("/message-tasks", h.Create).Methods(http.MethodPost)
	r.HandleFunc("/message-tasks/status", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/message-tasks/{id:[0-9]+}", h.GetByID).Methods(http.MethodGet)
	r.HandleFunc("/message-tasks/{id:[0-9]+}", h.Delete).Methods(http.MethodDelete)
	r.HandleFunc("/message-tasks/{id:[0-9]+}/start", h.Start).Methods(http.MethodPost)
	r.HandleFunc("/message-tasks/{id:[0-9]+}/stop", h.Stop).Methods(http.MethodPost)
	r.HandleFunc("/message-tasks/{id:[0-9]+}/users", h.Users).Methods(http.MethodGet)
	r.HandleFunc("/message-tasks/{id:[0-9]+}/preview", h.Preview).Methods(http.MethodPost)
}

// Create handles POST /message-tasks
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	task, err := h.tasks.Create(r.Context(), &req)
	if err != nil {
		HandleServiceError(w, r, err)
		return
	}

	WriteCreated(w, task)
}

// List handles GET /message-tasks
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filters := repository.TaskFilters{
		Page:     positiveInt(query.Get("page"), 1),
		PageSize: positiveInt(query.Get("page_size"), 20),
		Keyword:  strings.TrimSpace(query.Get("keyword")),
	}
	if filters.PageSize > 100 {
		filters.PageSize = 100
	}

	tasks, pagination, err := h.tasks.List(r.Context(), filters)
	if err != nil {
		HandleServiceError(w, r, err)
		return
	}

	WriteOK(w, ListTasksResponse{Tasks: tasks, Pagination: pagination})
}

// Status handles GET /message-tasks/status?ids=1,2,3
func (h *TaskHandler) Status(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("ids"))
	if raw == "" {
		WriteValidationError(w, "ids query parameter is required")
		return
	}

	parts := strings.Split(raw, ",")
	if len(parts) > maxStatusIDs {
		WriteValidationError(w, "too many ids, at most 100 per request")
		return
	}

	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || id <= 0 {
			WriteValidationError(w, "invalid task ID: "+p)
			return
		}
		ids = append(ids, id)
	}

	snapshots, err := h.tasks.Status(r.Context(), ids)
	if err != nil {
		HandleServiceError(w, r, err)
		return
	}

	WriteOK(w, StatusResponse{Tasks: snapshots})
}

// GetByID handles GET /message-tasks/{id}
func (h *TaskHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := requireID(w, r)
	if !ok {
		return
	}

	task, err := h.tasks.Get(r.Context(), id)
	if err != nil {
		HandleServiceError(w, r, err)
		return
	}

	WriteOK(w, task)
}

// Start handles POST /message-tasks/{id}/start
func (h *TaskHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := requireID(w, r)
	if !ok {
		return
	}

	task, err := h.tasks.Start(r.Context(), id)
	if err != nil {
		HandleServiceError(w, r, err)
		return
	}

	WriteOK(w, task)
}

// Stop handles POST /message-tasks/{id}/stop
func (h *TaskHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, ok := requireID(w, r)
	if !ok {
		return
	}

	task, err := h.tasks.Stop(r.Context(), id)
	if err != nil {
		HandleServiceError(w, r, err)
		return
	}

	WriteOK(w, task)
}

// Delete handles DELETE /message-tasks/{id}
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := requireID(w, r)
	if !ok {
		return
	}

	if err := h.tasks.Delete(r.Context(), id); err != nil {
		HandleServiceError(w, r, err)
		return
	}

	WriteNoContent(w)
}

// Users handles GET /message-tasks/{id}/users
func (h *TaskHandler) Users(w http.ResponseWriter, r *http.Request) {
	id, ok := requireID(w, r)
	if !ok {
		return
	}

	users, err := h.tasks.Users(r.Context(), id)
	if err != nil {
		HandleServiceError(w, r, err)
		return
	}

	WriteOK(w, UsersResponse{TaskID: id, Users: users})
}

// Preview handles POST /message-tasks/{id}/preview
func (h *TaskHandler) Preview(w http.ResponseWriter, r *http.Request) {
	id, ok := requireID(w, r)
	if !ok {
		return
	}

	var req PreviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.UserID <= 0 {
		WriteValidationError(w, "user_id is required and must be positive")
		return
	}

	result, err := h.tasks.Preview(r.Context(), id, req.UserID)
	if err != nil {
		HandleServiceError(w, r, err)
		return
	}

	WriteOK(w, result)
}

func requireID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := pathID(r)
	if !ok {
		WriteValidationError(w, "task ID must be a positive integer")
	}
	return id, ok
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			WriteError(w, http.StatusBadRequest, "INVALID_JSON", "Request body is empty")
			return false
		}
		WriteError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return false
	}
	return true
}

func positiveInt(s string, fallback int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return fallback
}
