package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/tutorhub/notification-engine/internal/api/middleware"
	"github.com/tutorhub/notification-engine/internal/domain"
	"github.com/tutorhub/notification-engine/internal/engine"
	"github.com/tutorhub/notification-engine/internal/repository"
)

// NotificationHandler serves the synchronous send path and per-notification
// inspection endpoints.
type NotificationHandler struct {
	engine *engine.Engine
	repo   repository.NotificationRepository
	logger *zap.Logger
}

func NewNotificationHandler(eng *engine.Engine, repo repository.NotificationRepository, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{engine: eng, repo: repo, logger: logger}
}

// Send handles POST /api/v1/notifications
//
// @Summary     Send a notification now (or at send_at when given)
// @Tags        notifications
// @Accept      json
// @Produce     json
// @Param       X-Idempotency-Key  header    string              false  "Idempotency key"
// @Param       body               body      domain.SendRequest  true   "Notification payload"
// @Success     201                {object}  engine.DeliveryResult
// @Success     200                {object}  engine.DeliveryResult  "Duplicate: existing notification returned"
// @Failure     422                {object}  map[string]string
// @Router      /api/v1/notifications [post]
func (h *NotificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req domain.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var (
		res     *engine.DeliveryResult
		created = true
		err     error
	)
	if key := r.Header.Get("X-Idempotency-Key"); key != "" {
		res, created, err = h.engine.SendIdempotent(r.Context(), &req, key)
	} else {
		res, err = h.engine.Send(r.Context(), &req)
	}
	if err != nil {
		h.logger.Warn("send notification failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	respondJSON(w, status, res)
}

// GetByID handles GET /api/v1/notifications/{id}
//
// @Summary  Get a notification by ID
// @Tags     notifications
// @Produce  json
// @Param    id   path      string  true  "Notification UUID"
// @Success  200  {object}  domain.Notification
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/notifications/{id} [get]
func (h *NotificationHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

// Retry handles POST /api/v1/notifications/{id}/retry
//
// @Summary  Re-run delivery for a failed notification
// @Tags     notifications
// @Produce  json
// @Param    id   path      string  true  "Notification UUID"
// @Success  200  {object}  engine.DeliveryResult
// @Failure  404  {object}  map[string]string
// @Failure  409  {object}  map[string]string
// @Router   /api/v1/notifications/{id}/retry [post]
func (h *NotificationHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.engine.Retry(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// List handles GET /api/v1/users/{userID}/notifications
//
// @Summary  List a user's notifications with filtering and pagination
// @Tags     notifications
// @Produce  json
// @Param    userID  path      int     true   "User ID"
// @Param    status  query     string  false  "Filter by status"
// @Param    type    query     string  false  "Filter by notification type"
// @Param    limit   query     int     false  "Items per page (default 20, max 100)"
// @Param    offset  query     int     false  "Items to skip"
// @Success  200     {object}  map[string]any
// @Router   /api/v1/users/{userID}/notifications [get]
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	filter := parseListFilter(r)
	filter.UserID = userID

	notifications, total, err := h.repo.ListForUser(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"data":   notifications,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// Stats handles GET /api/v1/users/{userID}/notifications/stats
//
// @Summary  Per-status notification counts for one user
// @Tags     notifications
// @Produce  json
// @Param    userID  path      int  true  "User ID"
// @Success  200     {object}  map[string]int
// @Router   /api/v1/users/{userID}/notifications/stats [get]
func (h *NotificationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	counts, err := h.repo.CountByStatus(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to count notifications")
		return
	}
	respondJSON(w, http.StatusOK, counts)
}

func parseListFilter(r *http.Request) domain.ListFilter {
	q := r.URL.Query()
	filter := domain.ListFilter{Limit: 20}

	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l <= 100 {
		filter.Limit = l
	}
	if o, err := strconv.Atoi(q.Get("offset")); err == nil && o > 0 {
		filter.Offset = o
	}
	if s := q.Get("status"); s != "" {
		st := domain.Status(s)
		filter.Status = &st
	}
	if t := q.Get("type"); t != "" {
		tp := domain.Type(t)
		filter.Type = &tp
	}
	return filter
}
