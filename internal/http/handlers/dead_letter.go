package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/http/response"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/pkg/dbctx"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/services"
)

type DeadLetterHandler struct {
	svc services.GenerationService
}

func NewDeadLetterHandler(svc services.GenerationService) *DeadLetterHandler {
	return &DeadLetterHandler{svc: svc}
}

// GET /api/dead-letters?limit=n
func (h *DeadLetterHandler) List(c *gin.Context) {
	rows, err := h.svc.ListDeadLetters(dbctx.Context{Ctx: c.Request.Context()}, queryLimit(c, 100))
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "internal_error", err)
		return
	}
	response.RespondOK(c, gin.H{"dead_letters": rows})
}
