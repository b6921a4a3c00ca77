// README: Base handler utilities (JSON helpers, caller identity, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"roadside/internal/http/middleware"
	"roadside/internal/logger"
	"roadside/internal/modules/location"
	"roadside/internal/modules/provider"
	"roadside/internal/modules/request"
	"roadside/internal/types"
)

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// isValidID accepts uuid-like identifiers: letters, digits, '-' and '_', at most 64 chars.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func pathID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid id")
		return "", false
	}
	return types.ID(id), true
}

func caller(c *gin.Context) types.ID {
	return types.ID(middleware.CallerUID(c))
}

// writeRequestError maps domain errors to HTTP status codes.
func writeRequestError(c *gin.Context, log *logger.Logger, err error) {
	var intake *request.IntakeError
	switch {
	case errors.As(err, &intake):
		writeJSON(c, http.StatusBadRequest, errorResponse{Error: request.ErrInvalidIntake.Error(), Fields: intake.Fields})
	case errors.Is(err, request.ErrInvalidIntake),
		errors.Is(err, location.ErrInvalidCoordinate),
		errors.Is(err, provider.ErrInvalidProfile):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, request.ErrNotFound), errors.Is(err, provider.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, request.ErrActorMismatch):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, request.ErrInvalidTransition),
		errors.Is(err, request.ErrConflict),
		errors.Is(err, request.ErrActiveRequest):
		writeError(c, http.StatusConflict, err.Error())
	default:
		log.Error(c.Request.Context(), "request.failed", err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
