package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/phrazzld/genqueue/internal/api/shared"
	"github.com/phrazzld/genqueue/internal/platform/logger"
	"github.com/phrazzld/genqueue/internal/task"
)

// StatsSource exposes worker counters. *task.Processor satisfies it.
type StatsSource interface {
	Stats() task.Stats
}

// TaskHandler handles task-related HTTP requests
type TaskHandler struct {
	store task.TaskStore
	stats StatsSource
}

// NewTaskHandler creates a new TaskHandler. stats may be nil when no
// worker pool runs in this process.
func NewTaskHandler(store task.TaskStore, stats StatsSource) *TaskHandler {
	return &TaskHandler{
		store: store,
		stats: stats,
	}
}

// EnqueueTask handles POST /tasks requests
func (h *TaskHandler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req EnqueueTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if err := ValidatePayload(req.Type, req.Payload); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	t := task.New(req.Type, req.Payload)
	if err := h.store.Enqueue(r.Context(), t); err != nil {
		HandleAPIError(w, r, err, "Failed to enqueue task")
		return
	}

	logger.FromContext(r.Context()).Info("task enqueued",
		slog.String("task_id", t.ID.String()),
		slog.String("task_type", t.Type))

	// Processing happens asynchronously
	shared.RespondWithJSON(w, r, http.StatusAccepted, taskToResponse(t))
}

// GetTask handles GET /tasks/{id} requests
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	t, err := h.store.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// ResumePaused handles POST /tasks/resume requests
func (h *TaskHandler) ResumePaused(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.ResumePaused(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to resume tasks")
		return
	}
	if n > 0 {
		logger.FromContext(r.Context()).Info("resumed paused tasks", slog.Int("count", n))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ResumeResponse{Resumed: n})
}

// GetStats handles GET /stats requests
func (h *TaskHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.Counts(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load stats")
		return
	}

	resp := StatsResponse{Tasks: counts}
	if h.stats != nil {
		s := h.stats.Stats()
		resp.Worker = &s
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// ValidatePayload checks a task payload against the schema of its type.
func ValidatePayload(taskType string, raw json.RawMessage) error {
	switch taskType {
	case task.TypeGeneration:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()

		var p task.GenerationPayload
		if err := dec.Decode(&p); err != nil {
			return fmt.Errorf("%w: %v", task.ErrInvalidPayload, err)
		}
		if err := shared.ValidateRequest(p); err != nil {
			return fmt.Errorf("%w: %w", task.ErrInvalidPayload, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", task.ErrUnsupportedTaskType, taskType)
	}
}
