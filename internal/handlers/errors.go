package handlers

import (
	"errors"
	"net/http"

	"device_provisioner/internal/service"

	"github.com/gin-gonic/gin"
)

// Centralized error logging and response.
func (h *Handler) logAndJSONError(c *gin.Context, httpCode int, userMsg, logKey string, err error, kv ...interface{}) {
	if h.log != nil && err != nil {
		fields := append([]interface{}{"err", err}, kv...)
		h.log.Errorw(logKey, fields...)
	}
	c.JSON(httpCode, gin.H{"error": userMsg})
}

// engineErrorStatus maps engine errors to HTTP codes. Rejected preconditions
// are client errors and are not logged as failures.
func engineErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidDeviceID), errors.Is(err, service.ErrInvalidPhase):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrPrecondition):
		return http.StatusConflict
	case errors.Is(err, service.ErrNoPortsFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondEngineError writes err with the mapped status; only server errors
// are logged at error level.
func (h *Handler) respondEngineError(c *gin.Context, logKey string, err error, kv ...interface{}) {
	code := engineErrorStatus(err)
	if code == http.StatusInternalServerError {
		h.logAndJSONError(c, code, "internal error", logKey, err, kv...)
		return
	}
	if h.log != nil {
		h.log.Infow(logKey, append([]interface{}{"err", err}, kv...)...)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
