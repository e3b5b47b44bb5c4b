package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskflow-api/internal/middleware"
	"github.com/BuzzLyutic/taskflow-api/internal/model"
	"github.com/BuzzLyutic/taskflow-api/internal/repo"
	"github.com/BuzzLyutic/taskflow-api/internal/service"
	"github.com/BuzzLyutic/taskflow-api/pkg/respond"
)

// TaskService is the owner-scoped operation set the handler needs. The
// unscoped status path is deliberately absent.
type TaskService interface {
	Create(ctx context.Context, userID string, in model.CreateTask) (model.Task, error)
	Get(ctx context.Context, id uuid.UUID, userID string) (model.Task, error)
	List(ctx context.Context, userID string, q model.ListQuery) (model.Page[model.Task], error)
	Update(ctx context.Context, id uuid.UUID, userID string, patch model.TaskPatch) (model.Task, error)
	Remove(ctx context.Context, id uuid.UUID, userID string) error
	Batch(ctx context.Context, userID string, ids []uuid.UUID, action model.BatchAction) (model.BatchResult, error)
	GetStats(ctx context.Context, userID string) (model.Stats, error)
}

const maxBodyBytes = 1 << 20

type TaskHandler struct {
	service TaskService
	logger  *zap.Logger
}

func NewTaskHandler(srv TaskService, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		service: srv,
		logger:  logger,
	}
}

// Routes mounts the task endpoints. The caller is expected to have put the
// identity middleware in front.
func (h *TaskHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/stats", h.Stats)
	r.Post("/batch", h.Batch)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	return r
}

func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if r.ContentLength == 0 {
		respond.Error(w, r, http.StatusBadRequest, "empty request body")
		return
	}

	var req createTaskRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validate.Struct(req); err != nil {
		respond.ErrorWithDetails(w, r, http.StatusBadRequest, "validation error", describe(err))
		return
	}

	task, err := h.service.Create(r.Context(), userID, req.toModel())
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/tasks/%s", task.ID))
	respond.JSON(w, r, http.StatusCreated, task)
}

func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	task, err := h.service.Get(r.Context(), id, userID)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, task)
}

func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	q, err := parseListQuery(r.URL.Query())
	if err != nil {
		respond.ErrorWithDetails(w, r, http.StatusBadRequest, "validation error", err.Error())
		return
	}

	page, err := h.service.List(r.Context(), userID, q)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, page)
}

func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	var req updateTaskRequest
	if !h.decode(w, r, &req) {
		return
	}

	task, err := h.service.Update(r.Context(), id, userID, req.toModel())
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, task)
}

func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	if err := h.service.Remove(r.Context(), id, userID); err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.NoContent(w)
}

func (h *TaskHandler) Batch(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	raw, present, err := req.taskIDs()
	if err != nil {
		respond.ErrorWithDetails(w, r, http.StatusBadRequest, "validation error", err.Error())
		return
	}
	if !present {
		respond.JSON(w, r, http.StatusOK, model.BatchResult{})
		return
	}

	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		ids = append(ids, uuid.MustParse(s)) // validated by taskIDs
	}

	res, err := h.service.Batch(r.Context(), userID, ids, req.Action)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, res)
}

func (h *TaskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	stats, err := h.service.GetStats(r.Context(), userID)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, stats)
}

func (h *TaskHandler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.UserID(r.Context())
	if !ok {
		respond.Error(w, r, http.StatusUnauthorized, "unauthorized")
	}
	return id, ok
}

func (h *TaskHandler) taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, r, http.StatusBadRequest, "invalid task id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *TaskHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Debug("failed to decode json", zap.Error(err))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respond.Error(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		respond.Error(w, r, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return false
	}
	return true
}

func (h *TaskHandler) handleErrors(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		respond.Error(w, r, http.StatusNotFound, "task not found")
	case errors.Is(err, repo.ErrConflict):
		respond.Error(w, r, http.StatusConflict, "conflict")
	case errors.Is(err, service.ErrValidation), errors.Is(err, repo.ErrInvalidValue):
		respond.ErrorWithDetails(w, r, http.StatusBadRequest, "validation error", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respond.Error(w, r, http.StatusGatewayTimeout, "timeout")
	default:
		h.logger.Error("internal error", zap.Error(err))
		respond.Error(w, r, http.StatusInternalServerError, "internal error")
	}
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag())
	}
	return msg
}
