package handler

import (
	"log/slog"
	"net/http"

	"github.com/deskplane/deskplane/internal/api/http/dto"
	"github.com/deskplane/deskplane/internal/templates"
	"github.com/gin-gonic/gin"
)

type TemplatesHandler struct {
	templates *templates.Service
}

func NewTemplatesHandler(templateService *templates.Service) *TemplatesHandler {
	return &TemplatesHandler{templates: templateService}
}

// ListTemplates returns the session template catalog.
// GET /templates
func (h *TemplatesHandler) ListTemplates(c *gin.Context) {
	list, err := h.templates.List(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list templates", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list templates"})
		return
	}

	responses := make([]dto.TemplateResponse, len(list))
	for i, t := range list {
		responses[i] = dto.TemplateResponse{
			ID:          t.ID,
			Name:        t.Name,
			DisplayName: t.DisplayName,
			Spec:        t.Spec,
		}
	}
	c.JSON(http.StatusOK, dto.ListTemplatesResponse{Templates: responses})
}
