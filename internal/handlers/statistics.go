package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	defaultRecent = 20
	maxRecent     = 1000
	errOutcomes   = "failed to load outcomes"
)

// StatisticsResponse is the payload of GET /statistics.
type StatisticsResponse struct {
	Devices      any                `json:"devices"`
	QueueLength  int                `json:"queue_length"`
	Processor    string             `json:"processor"`
	SuccessRate  float64            `json:"success_rate"`
	AverageTimes map[string]float64 `json:"average_times"`
}

func (h *Handler) statistics() StatisticsResponse {
	p := h.services.Provisioning
	return StatisticsResponse{
		Devices:      p.GetStatistics(),
		QueueLength:  p.QueueLength(),
		Processor:    string(p.ProcessorState()),
		SuccessRate:  h.services.History.SuccessRate(),
		AverageTimes: h.services.History.AverageTimes(),
	}
}

// @Summary      Device and queue statistics
// @Tags         statistics
// @Produce      json
// @Success      200  {object}  StatisticsResponse
// @Router       /api/v1/statistics [get]
// @Security     BearerAuth
func (h *Handler) getStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, h.statistics())
}

// @Summary      Performance summary
// @Tags         statistics
// @Produce      json
// @Success      200  {object}  service.PerformanceSummary
// @Router       /api/v1/statistics/performance [get]
// @Security     BearerAuth
func (h *Handler) getPerformance(c *gin.Context) {
	c.JSON(http.StatusOK, h.services.History.PerformanceSummary())
}

// @Summary      Recent completions
// @Tags         statistics
// @Produce      json
// @Param        n    query     int  false  "Number of entries (default 20, max 1000)"
// @Success      200  {object}  map[string]interface{}  "count, completions"
// @Failure      400  {object}  map[string]string
// @Router       /api/v1/statistics/recent [get]
// @Security     BearerAuth
func (h *Handler) getRecent(c *gin.Context) {
	n, ok := h.queryLimit(c, "n", defaultRecent, maxRecent)
	if !ok {
		return
	}
	entries := h.services.History.RecentCompletions(n)
	c.JSON(http.StatusOK, gin.H{
		"count":       len(entries),
		"completions": entries,
	})
}

// @Summary      Clear in-memory history
// @Tags         statistics
// @Success      204
// @Router       /api/v1/statistics/history [delete]
// @Security     BearerAuth
func (h *Handler) clearHistory(c *gin.Context) {
	h.services.History.Clear()
	c.Status(http.StatusNoContent)
}

// @Summary      Persisted outcomes
// @Tags         statistics
// @Produce      json
// @Param        device_id  query     string  false  "Filter by device"
// @Param        limit      query     int     false  "Max entries (default 100, max 1000)"
// @Success      200        {object}  map[string]interface{}  "count, outcomes"
// @Failure      400        {object}  map[string]string
// @Failure      500        {object}  map[string]string
// @Router       /api/v1/outcomes [get]
// @Security     BearerAuth
func (h *Handler) listOutcomes(c *gin.Context) {
	limit, ok := h.queryLimit(c, "limit", 0, maxRecent)
	if !ok {
		return
	}
	deviceID := strings.TrimSpace(c.Query("device_id"))
	outcomes, err := h.services.Outcomes.ListOutcomes(c.Request.Context(), deviceID, limit)
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errOutcomes, "outcomes_list_failed", err, "device_id", deviceID)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":    len(outcomes),
		"outcomes": outcomes,
	})
}

// queryLimit parses a positive integer query parameter capped at upper.
func (h *Handler) queryLimit(c *gin.Context, key string, def, upper int) (int, bool) {
	s := c.Query(key)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid '" + key + "'; use a positive integer"})
		return 0, false
	}
	return min(n, upper), true
}
