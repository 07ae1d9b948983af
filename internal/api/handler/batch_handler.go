package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	apimw "github.com/tutorhub/notification-engine/internal/api/middleware"
	"github.com/tutorhub/notification-engine/internal/domain"
	"github.com/tutorhub/notification-engine/internal/engine"
)

// BatchHandler serves the multi-notification send endpoint.
type BatchHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

func NewBatchHandler(eng *engine.Engine, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{engine: eng, logger: logger}
}

// SendBatch handles POST /api/v1/notifications/batch
//
// @Summary     Send up to 100 notifications under one correlation id
// @Tags        notifications
// @Accept      json
// @Produce     json
// @Param       body  body      domain.BatchRequest  true  "Batch payload"
// @Success     200   {object}  engine.BatchSummary
// @Failure     422   {object}  map[string]string
// @Router      /api/v1/notifications/batch [post]
func (h *BatchHandler) SendBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = apimw.GetCorrelationID(r.Context())
	}

	summary, err := h.engine.SendBatch(r.Context(), &req)
	if err != nil {
		h.logger.Warn("batch send failed",
			zap.String("correlation_id", req.CorrelationID),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}
