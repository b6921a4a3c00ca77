// README: Provider self-service handlers for profile, location and availability.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"roadside/internal/logger"
	"roadside/internal/modules/provider"
	"roadside/internal/modules/request"
	"roadside/internal/types"
)

type ProviderHandler struct {
	providers *provider.Service
	log       *logger.Logger
}

func NewProviderHandler(providers *provider.Service, log *logger.Logger) *ProviderHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &ProviderHandler{providers: providers, log: log}
}

type profileReq struct {
	Categories      []types.Category `json:"categories"`
	Location        *types.Point     `json:"location"`
	IsAvailable     bool             `json:"is_available"`
	Rating          float64          `json:"rating"`
	ExperienceYears int              `json:"experience_years"`
	DeviceToken     string           `json:"device_token"`
}

type availabilityReq struct {
	Available *bool `json:"available" binding:"required"`
}

// self resolves the path id and makes sure providers only touch their own record.
func (h *ProviderHandler) self(c *gin.Context) (types.ID, bool) {
	id, ok := pathID(c)
	if !ok {
		return "", false
	}
	if id != caller(c) {
		writeError(c, http.StatusForbidden, request.ErrActorMismatch.Error())
		return "", false
	}
	return id, true
}

func (h *ProviderHandler) Upsert(c *gin.Context) {
	id, ok := h.self(c)
	if !ok {
		return
	}
	var req profileReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	p, err := h.providers.UpsertProfile(c.Request.Context(), provider.ProfileCommand{
		ProviderID:      id,
		Categories:      req.Categories,
		Location:        req.Location,
		IsAvailable:     req.IsAvailable,
		Rating:          req.Rating,
		ExperienceYears: req.ExperienceYears,
		DeviceToken:     req.DeviceToken,
	})
	if err != nil {
		writeRequestError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

func (h *ProviderHandler) UpdateLocation(c *gin.Context) {
	id, ok := h.self(c)
	if !ok {
		return
	}
	var pos types.Point
	if err := c.ShouldBindJSON(&pos); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.providers.UpdateLocation(c.Request.Context(), provider.LocationUpdate{ProviderID: id, Position: pos}); err != nil {
		writeRequestError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ProviderHandler) SetAvailability(c *gin.Context) {
	id, ok := h.self(c)
	if !ok {
		return
	}
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "available is required")
		return
	}
	if err := h.providers.SetAvailability(c.Request.Context(), id, *req.Available); err != nil {
		writeRequestError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"id": id, "available": *req.Available})
}
