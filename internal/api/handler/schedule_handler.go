package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutorhub/notification-engine/internal/domain"
	"github.com/tutorhub/notification-engine/internal/engine"
	"github.com/tutorhub/notification-engine/internal/repository"
	"github.com/tutorhub/notification-engine/internal/scheduler"
)

// ScheduleHandler serves deferred and recurring scheduling endpoints.
type ScheduleHandler struct {
	engine *engine.Engine
	sched  *scheduler.Scheduler
	repo   repository.NotificationRepository
	logger *zap.Logger
}

func NewScheduleHandler(eng *engine.Engine, sched *scheduler.Scheduler, repo repository.NotificationRepository, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{engine: eng, sched: sched, repo: repo, logger: logger}
}

type scheduleRequest struct {
	Notification domain.SendRequest `json:"notification"`
	SendAt       time.Time          `json:"send_at"`
}

// Schedule handles POST /api/v1/schedule
//
// @Summary     Schedule a notification for future delivery
// @Tags        schedule
// @Accept      json
// @Produce     json
// @Param       body  body      scheduleRequest  true  "Notification and due time"
// @Success     201   {object}  engine.DeliveryResult
// @Failure     422   {object}  map[string]string
// @Router      /api/v1/schedule [post]
func (h *ScheduleHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SendAt.IsZero() {
		respondError(w, http.StatusUnprocessableEntity, "send_at is required")
		return
	}

	// A due time already in the past delivers immediately rather than
	// erroring; clock skew between caller and server is routine.
	req.Notification.SendAt = &req.SendAt
	res, err := h.engine.Send(r.Context(), &req.Notification)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

type recurringRequest struct {
	Notification    domain.SendRequest `json:"notification"`
	StartAt         time.Time          `json:"start_at"`
	IntervalSeconds int                `json:"interval_seconds"`
	EndAt           *time.Time         `json:"end_at,omitempty"`
	MaxOccurrences  int                `json:"max_occurrences,omitempty"`
}

// ScheduleRecurring handles POST /api/v1/schedule/recurring
//
// @Summary     Schedule a recurring notification series
// @Tags        schedule
// @Accept      json
// @Produce     json
// @Param       body  body      recurringRequest  true  "Series definition"
// @Success     201   {object}  map[string]any
// @Failure     422   {object}  map[string]string
// @Router      /api/v1/schedule/recurring [post]
func (h *ScheduleHandler) ScheduleRecurring(w http.ResponseWriter, r *http.Request) {
	var req recurringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Notification.Validate(); err != nil {
		mapError(w, err)
		return
	}
	if req.StartAt.IsZero() || req.IntervalSeconds <= 0 {
		respondError(w, http.StatusUnprocessableEntity, "start_at and a positive interval_seconds are required")
		return
	}

	payload := scheduler.TaskPayload{Request: &req.Notification}
	taskIDs, err := h.sched.ScheduleRecurring(
		r.Context(),
		payload,
		req.StartAt,
		time.Duration(req.IntervalSeconds)*time.Second,
		req.EndAt,
		req.MaxOccurrences,
	)
	if err != nil {
		h.logger.Warn("recurring schedule failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to schedule series")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"task_ids":    taskIDs,
		"occurrences": len(taskIDs),
	})
}

// Cancel handles DELETE /api/v1/schedule/{taskID}
//
// @Summary  Cancel a scheduled task before it fires
// @Tags     schedule
// @Param    taskID  path  string  true  "Task ID"
// @Success  204
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/schedule/{taskID} [delete]
func (h *ScheduleHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	removed, err := h.sched.Cancel(r.Context(), taskID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}
	if !removed {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}

	// Deferred sends use the notification id as the task id; mark the row
	// cancelled so a concurrent sweep that already picked the task up skips
	// it. Recurring task ids are not notification ids.
	if _, err := uuid.Parse(taskID); err == nil {
		if err := h.repo.Cancel(r.Context(), taskID); err != nil {
			h.logger.Warn("task removed but notification not cancelled",
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /api/v1/schedule
//
// @Summary  List scheduled tasks in a time window
// @Tags     schedule
// @Produce  json
// @Param    from  query     string  false  "Window start (RFC3339, default now)"
// @Param    to    query     string  false  "Window end (RFC3339, default now+24h)"
// @Success  200   {object}  map[string]any
// @Router   /api/v1/schedule [get]
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := time.Now()
	to := from.Add(24 * time.Hour)
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		from = t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		to = t
	}

	tasks, err := h.sched.Range(r.Context(), from, to)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"data":  tasks,
		"total": len(tasks),
		"from":  from,
		"to":    to,
	})
}

// Stats handles GET /api/v1/schedule/stats
//
// @Summary  Scheduler store depth
// @Tags     schedule
// @Produce  json
// @Success  200  {object}  map[string]int64
// @Router   /api/v1/schedule/stats [get]
func (h *ScheduleHandler) Stats(w http.ResponseWriter, r *http.Request) {
	total, overdue, err := h.sched.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read scheduler stats")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{
		"total":   total,
		"overdue": overdue,
	})
}
