package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub003/internal/data/repos/requests"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/http/response"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/pkg/dbctx"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/realtime"
	"github.com/rich1edwards/vividly-mvp-sub003/internal/services"
)

// URLResolver turns a stored artifact ref into a URL a client can fetch.
type URLResolver interface {
	PublicURL(ref string) string
}

type GenerationHandler struct {
	log        *logger.Logger
	svc        services.GenerationService
	hub        *realtime.Hub
	urls       URLResolver
	statusPoll time.Duration
}

type GenerationHandlerOption func(*GenerationHandler)

// WithStatusPoll sets how often an open event stream re-reads the request
// status. Completion is pushed; failures and cancels are only seen by polling.
func WithStatusPoll(d time.Duration) GenerationHandlerOption {
	return func(h *GenerationHandler) {
		if d > 0 {
			h.statusPoll = d
		}
	}
}

func NewGenerationHandler(log *logger.Logger, svc services.GenerationService, hub *realtime.Hub, urls URLResolver, opts ...GenerationHandlerOption) *GenerationHandler {
	if log == nil {
		log = logger.Nop()
	}
	h := &GenerationHandler{
		log:        log.With("handler", "GenerationHandler"),
		svc:        svc,
		hub:        hub,
		urls:       urls,
		statusPoll: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type createGenerationRequest struct {
	LearnerQuery string   `json:"learner_query"`
	GradeLevel   int      `json:"grade_level"`
	Interests    []string `json:"interests"`
}

type clarifyGenerationRequest struct {
	LearnerQuery string   `json:"learner_query"`
	Interests    []string `json:"interests"`
}

type acceptedResponse struct {
	ID     uuid.UUID         `json:"id"`
	Status generation.Status `json:"status"`
}

type generationResponse struct {
	generation.StatusView
	AudioURL string `json:"audio_url,omitempty"`
	VideoURL string `json:"video_url,omitempty"`
}

// POST /api/generations
func (h *GenerationHandler) Create(c *gin.Context) {
	var body createGenerationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	req, err := h.svc.Enqueue(dbctx.Context{Ctx: c.Request.Context()}, services.EnqueueInput{
		LearnerQuery: body.LearnerQuery,
		GradeLevel:   body.GradeLevel,
		Interests:    body.Interests,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Header("Location", "/api/generations/"+req.ID.String())
	response.RespondAccepted(c, acceptedResponse{ID: req.ID, Status: req.Status})
}

// GET /api/generations/:id
func (h *GenerationHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	view, err := h.svc.View(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"generation": h.present(view)})
}

// GET /api/generations?status=a,b&limit=n
func (h *GenerationHandler) List(c *gin.Context) {
	filter := requests.ListFilter{Limit: queryLimit(c, 50)}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := generation.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				response.RespondError(c, http.StatusBadRequest, "invalid_status", err)
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	rows, err := h.svc.List(dbctx.Context{Ctx: c.Request.Context()}, filter)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	out := make([]generationResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, h.present(r.View()))
	}
	response.RespondOK(c, gin.H{"generations": out})
}

// POST /api/generations/:id/clarification
func (h *GenerationHandler) Clarify(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var body clarifyGenerationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	view, err := h.svc.Resubmit(dbctx.Context{Ctx: c.Request.Context()}, id, body.LearnerQuery, body.Interests)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	response.RespondAccepted(c, acceptedResponse{ID: view.ID, Status: view.Status})
}

// POST /api/generations/:id/cancel
func (h *GenerationHandler) Cancel(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	view, err := h.svc.Cancel(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	response.RespondAccepted(c, acceptedResponse{ID: view.ID, Status: view.Status})
}

// GET /api/generations/:id/events streams status events over SSE and ends
// after the request reaches completed, failed or cancelled.
func (h *GenerationHandler) Events(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if h.hub == nil {
		response.RespondError(c, http.StatusServiceUnavailable, "realtime_disabled", errors.New("event streaming is not enabled"))
		return
	}

	client := h.hub.NewClient()
	h.hub.Subscribe(client, id.String())
	defer h.hub.Close(client)

	// Subscribe before reading so a completion between the two is not lost.
	view, err := h.svc.View(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.hub.Send(client, realtime.StatusMessage(id, string(view.Status), view.UpdatedAt))
	if !view.Status.Absorbing() {
		go h.pollStatus(c.Request.Context(), client, id, view.Status)
	}

	h.log.Debug("Event stream open", "generation_id", id, "client_id", client.ID)
	h.hub.Serve(c.Writer, c.Request, client, realtime.Message.Final)
}

// pollStatus pushes status changes the worker does not publish itself.
func (h *GenerationHandler) pollStatus(ctx context.Context, client *realtime.Client, id uuid.UUID, last generation.Status) {
	ticker := time.NewTicker(h.statusPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			view, err := h.svc.View(dbctx.Context{Ctx: ctx}, id)
			if err != nil {
				if ctx.Err() == nil {
					h.log.Warn("Event stream status poll failed", "generation_id", id, "error", err)
				}
				continue
			}
			if view.Status == last {
				continue
			}
			last = view.Status
			if !h.hub.Send(client, realtime.StatusMessage(id, string(view.Status), view.UpdatedAt)) {
				return
			}
			if view.Status.Absorbing() {
				return
			}
		}
	}
}

func (h *GenerationHandler) present(v generation.StatusView) generationResponse {
	out := generationResponse{StatusView: v}
	if h.urls == nil || v.Artifacts == nil {
		return out
	}
	if v.Artifacts.AudioRef != "" {
		out.AudioURL = h.urls.PublicURL(v.Artifacts.AudioRef)
	}
	if v.Artifacts.Video != "" {
		out.VideoURL = h.urls.PublicURL(v.Artifacts.Video)
	}
	return out
}

func (h *GenerationHandler) respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		response.RespondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, services.ErrInvalidInput):
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
	case errors.Is(err, services.ErrConflict):
		response.RespondError(c, http.StatusConflict, "state_conflict", err)
	default:
		h.log.Error("Generation request failed", "path", c.FullPath(), "error", err)
		response.RespondError(c, http.StatusInternalServerError, "internal_error", err)
	}
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(c *gin.Context, def int) int {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > 500 {
		return 500
	}
	return n
}
