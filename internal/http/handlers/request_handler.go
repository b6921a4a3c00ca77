// README: Service request handlers: intake, status, accept/decline, advance and cancel.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"roadside/internal/logger"
	"roadside/internal/modules/request"
	"roadside/internal/modules/tracking"
	"roadside/internal/types"
)

type RequestHandler struct {
	requests *request.Service
	tracking *tracking.Service
	log      *logger.Logger
}

func NewRequestHandler(requests *request.Service, tracking *tracking.Service, log *logger.Logger) *RequestHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &RequestHandler{requests: requests, tracking: tracking, log: log}
}

type acceptReq struct {
	ProviderID types.ID `json:"provider_id"`
}

type advanceReq struct {
	Event request.Event `json:"event" binding:"required"`
}

// Submit creates a request owned by the caller.
func (h *RequestHandler) Submit(c *gin.Context) {
	var cmd request.SubmitCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	cmd.RequesterID = caller(c)
	r, err := h.requests.Submit(c.Request.Context(), cmd)
	if err != nil {
		writeRequestError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusCreated, h.tracking.Render(c.Request.Context(), r, caller(c)))
}

func (h *RequestHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	v, err := h.tracking.GetStatus(c.Request.Context(), id, caller(c))
	if err != nil {
		writeRequestError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

// Accept answers {granted:true} to the single winner and 409 {granted:false}
// to providers that lost the race. Other illegal accepts are 400.
func (h *RequestHandler) Accept(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body acceptReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	actor := caller(c)
	if body.ProviderID != "" && body.ProviderID != actor {
		writeError(c, http.StatusForbidden, request.ErrActorMismatch.Error())
		return
	}

	granted, err := h.requests.TryAssign(c.Request.Context(), id, actor)
	switch {
	case err == nil && granted:
		writeJSON(c, http.StatusOK, gin.H{"granted": true})
	case err == nil:
		writeJSON(c, http.StatusConflict, gin.H{"granted": false})
	case errors.Is(err, request.ErrInvalidTransition):
		writeJSON(c, http.StatusBadRequest, gin.H{"granted": false, "error": err.Error()})
	case errors.Is(err, request.ErrConflict):
		// still pending; the caller may try again
		writeJSON(c, http.StatusConflict, gin.H{"granted": false, "retryable": true, "error": err.Error()})
	default:
		writeRequestError(c, h.log, err)
	}
}

func (h *RequestHandler) Decline(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	r, err := h.requests.Decline(c.Request.Context(), request.DeclineCommand{RequestID: id, ProviderID: caller(c)})
	if err != nil {
		writeRequestError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, h.tracking.Render(c.Request.Context(), r, caller(c)))
}

func (h *RequestHandler) Advance(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body advanceReq
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "event is required")
		return
	}
	r, err := h.requests.Advance(c.Request.Context(), request.AdvanceCommand{
		RequestID: id,
		ActorID:   caller(c),
		Event:     body.Event,
	})
	if err != nil {
		writeRequestError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, h.tracking.Render(c.Request.Context(), r, caller(c)))
}

func (h *RequestHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	res, err := h.tracking.Cancel(c.Request.Context(), id, caller(c))
	if err != nil {
		if errors.Is(err, request.ErrInvalidTransition) {
			writeJSON(c, http.StatusConflict, res)
			return
		}
		writeRequestError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}
