package handler

import (
	"encoding/json"
	"net/http"

	"github.com/tutorhub/notification-engine/internal/render"
)

// TemplateHandler serves the template preview endpoint used by the admin UI
// to check content before saving a template.
type TemplateHandler struct {
	renderer *render.Renderer
}

func NewTemplateHandler(renderer *render.Renderer) *TemplateHandler {
	return &TemplateHandler{renderer: renderer}
}

type previewRequest struct {
	Template string         `json:"template"`
	Context  map[string]any `json:"context"`
}

// Preview handles POST /api/v1/templates/preview
//
// @Summary     Render a template against a sample context
// @Tags        templates
// @Accept      json
// @Produce     json
// @Param       body  body      previewRequest  true  "Template text and context"
// @Success     200   {object}  map[string]any
// @Failure     422   {object}  map[string]string
// @Router      /api/v1/templates/preview [post]
func (h *TemplateHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Template == "" {
		respondError(w, http.StatusUnprocessableEntity, "template is required")
		return
	}

	rendered, err := h.renderer.Render(req.Template, req.Context)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	variables, err := h.renderer.Variables(req.Template)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"rendered":  rendered,
		"variables": variables,
	})
}
