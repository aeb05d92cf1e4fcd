package handlers

import (
	"net/http"
	"strings"

	"device_provisioner/internal/models"

	"github.com/gin-gonic/gin"
)

const operatorKey = "operator"

// operatorMiddleware authenticates the bearer token and stores the operator
// it names in the request context.
func (h *Handler) operatorMiddleware(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if header == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "missing Authorization header",
		})
		return
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "invalid Authorization header format",
		})
		return
	}

	op, err := h.services.ParseToken(parts[1])
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "invalid or expired token",
		})
		return
	}

	c.Set(operatorKey, op)
	c.Next()
}

// operatorFrom returns the operator set by operatorMiddleware, or the zero
// value on routes outside it.
func operatorFrom(c *gin.Context) models.Operator {
	if v, ok := c.Get(operatorKey); ok {
		if op, ok := v.(models.Operator); ok {
			return op
		}
	}
	return models.Operator{}
}
