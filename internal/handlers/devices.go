package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"device_provisioner/internal/device"
	"device_provisioner/internal/service"

	"github.com/gin-gonic/gin"
)

// Common response/status constants to avoid magic strings and typos.
const (
	statusOK      = "ok"
	statusQueued  = "queued"
	statusStopped = "stopped"
	statusReset   = "reset"
	statusRemoved = "removed"

	errInvalidBodyPref = "invalid body: "
	errDeviceNotFound  = "device not found"

	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 10 * time.Minute
)

// AddDeviceRequest registers a device. DeviceID is derived from Port when
// empty.
type AddDeviceRequest struct {
	DeviceID string         `json:"device_id" example:"device_dev_ttyUSB0"`
	Port     string         `json:"port" example:"/dev/ttyUSB0"`
	Config   *device.Config `json:"config,omitempty"`
}

// RetryRequest selects a recovery action for a failed device. Phase is the
// phase to retry from for retry_from, and the phase to resume at for
// skip_continue, as listed by retry-options. Without a phase skip_continue
// skips the failed phase.
type RetryRequest struct {
	Action device.RetryAction `json:"action" binding:"required" example:"retry_from"`
	Phase  string             `json:"phase,omitempty" example:"config_update"`
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": statusOK,
	})
}

// @Summary      List devices
// @Tags         devices
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, devices"
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/devices [get]
// @Security     BearerAuth
func (h *Handler) listDevices(c *gin.Context) {
	devices := h.services.Provisioning.ListDevices()
	c.JSON(http.StatusOK, gin.H{
		"count":   len(devices),
		"devices": devices,
	})
}

// @Summary      Get device
// @Tags         devices
// @Produce      json
// @Param        id   path      string  true  "Device id"
// @Success      200  {object}  device.Snapshot
// @Failure      404  {object}  map[string]string
// @Router       /api/v1/devices/{id} [get]
// @Security     BearerAuth
func (h *Handler) getDevice(c *gin.Context) {
	snap, err := h.services.Provisioning.DeviceSnapshot(c.Param("id"))
	if err != nil {
		h.respondEngineError(c, "device_get_failed", err, "device_id", c.Param("id"))
		return
	}
	c.JSON(http.StatusOK, snap)
}

// @Summary      Add device
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        body  body      AddDeviceRequest  true  "Device"
// @Success      201   {object}  device.Snapshot
// @Failure      400   {object}  map[string]string
// @Router       /api/v1/devices [post]
// @Security     BearerAuth
func (h *Handler) addDevice(c *gin.Context) {
	var req AddDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	id := strings.TrimSpace(req.DeviceID)
	port := strings.TrimSpace(req.Port)
	if id == "" && port != "" {
		id = service.DeviceIDForPort(port)
	}

	d, err := h.services.Provisioning.AddDevice(id, port)
	if err != nil {
		h.respondEngineError(c, "device_add_failed", err, "device_id", id)
		return
	}
	if req.Config != nil {
		if err := h.services.Provisioning.SetDeviceConfig(d.ID(), *req.Config); err != nil {
			h.respondEngineError(c, "device_config_failed", err, "device_id", id)
			return
		}
	}
	c.JSON(http.StatusCreated, d.Snapshot())
}

// @Summary      Remove device
// @Description  An in-flight device is cancelled; its current phase finishes in the background.
// @Tags         devices
// @Produce      json
// @Param        id   path      string  true  "Device id"
// @Success      200  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /api/v1/devices/{id} [delete]
// @Security     BearerAuth
func (h *Handler) removeDevice(c *gin.Context) {
	id := c.Param("id")
	if !h.services.Provisioning.RemoveDevice(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": errDeviceNotFound})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusRemoved, "device_id": id})
}

// @Summary      Set device registration config
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        id    path      string         true  "Device id"
// @Param        body  body      device.Config  true  "Config"
// @Success      200   {object}  device.Snapshot
// @Failure      404   {object}  map[string]string
// @Failure      409   {object}  map[string]string
// @Router       /api/v1/devices/{id}/config [put]
// @Security     BearerAuth
func (h *Handler) setDeviceConfig(c *gin.Context) {
	var cfg device.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	id := c.Param("id")
	if err := h.services.Provisioning.SetDeviceConfig(id, cfg); err != nil {
		h.respondEngineError(c, "device_config_failed", err, "device_id", id)
		return
	}
	h.respondWithDevice(c, id)
}

// @Summary      Detect devices
// @Description  Registers a device for every detected serial port not yet in use.
// @Tags         devices
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, devices"
// @Failure      404  {object}  map[string]string
// @Router       /api/v1/devices/detect [post]
// @Security     BearerAuth
func (h *Handler) detectDevices(c *gin.Context) {
	added, err := h.services.Provisioning.DetectAndRegister(c.Request.Context())
	if err != nil {
		h.respondEngineError(c, "device_detect_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(added),
		"devices": added,
	})
}

// @Summary      Start device
// @Tags         devices
// @Produce      json
// @Param        id   path      string  true  "Device id"
// @Success      202  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /api/v1/devices/{id}/start [post]
// @Security     BearerAuth
func (h *Handler) startDevice(c *gin.Context) {
	id := c.Param("id")
	h.attributeRun(c, id)
	if err := h.services.Provisioning.StartDeviceProcessing(id); err != nil {
		h.respondEngineError(c, "device_start_failed", err, "device_id", id)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":       statusQueued,
		"device_id":    id,
		"queue_length": h.services.Provisioning.QueueLength(),
	})
}

// @Summary      Stop device
// @Description  Queued devices are dequeued; an in-flight device is cancelled after its current phase.
// @Tags         devices
// @Produce      json
// @Param        id   path      string  true  "Device id"
// @Success      200  {object}  device.Snapshot
// @Failure      404  {object}  map[string]string
// @Router       /api/v1/devices/{id}/stop [post]
// @Security     BearerAuth
func (h *Handler) stopDevice(c *gin.Context) {
	id := c.Param("id")
	if err := h.services.Provisioning.StopDeviceProcessing(id); err != nil {
		h.respondEngineError(c, "device_stop_failed", err, "device_id", id)
		return
	}
	h.respondWithDevice(c, id)
}

// @Summary      Reset device
// @Tags         devices
// @Produce      json
// @Param        id   path      string  true  "Device id"
// @Success      200  {object}  device.Snapshot
// @Failure      404  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /api/v1/devices/{id}/reset [post]
// @Security     BearerAuth
func (h *Handler) resetDevice(c *gin.Context) {
	id := c.Param("id")
	if err := h.services.Provisioning.ResetDevice(id); err != nil {
		h.respondEngineError(c, "device_reset_failed", err, "device_id", id)
		return
	}
	h.respondWithDevice(c, id)
}

// @Summary      Start all devices
// @Tags         devices
// @Produce      json
// @Success      202  {object}  map[string]int  "queued"
// @Router       /api/v1/devices/start-all [post]
// @Security     BearerAuth
func (h *Handler) startAll(c *gin.Context) {
	for _, s := range h.services.Provisioning.ListDevices() {
		if (s.Status == device.StatusIdle || s.Status == device.StatusFailed) && s.Port != "" {
			h.attributeRun(c, s.DeviceID)
		}
	}
	n := h.services.Provisioning.StartAllDevicesProcessing()
	c.JSON(http.StatusAccepted, gin.H{"status": statusQueued, "queued": n})
}

// @Summary      Stop all processing
// @Description  Waits for the in-flight phase up to the configured stop timeout.
// @Tags         devices
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/devices/stop-all [post]
// @Security     BearerAuth
func (h *Handler) stopAll(c *gin.Context) {
	n := h.services.Provisioning.StopAllProcessing()
	c.JSON(http.StatusOK, gin.H{
		"status":    statusStopped,
		"dequeued":  n,
		"processor": h.services.Provisioning.ProcessorState(),
	})
}

// @Summary      Wait for completion
// @Tags         devices
// @Produce      json
// @Param        timeout  query     string  false  "Max wait, Go duration (default 30s, max 10m)"
// @Success      200      {object}  map[string]interface{}  "completed, statistics"
// @Failure      400      {object}  map[string]string
// @Router       /api/v1/devices/wait [post]
// @Security     BearerAuth
func (h *Handler) waitForCompletion(c *gin.Context) {
	timeout := defaultWaitTimeout
	if s := c.Query("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 || d > maxWaitTimeout {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'timeout'; use a duration up to 10m"})
			return
		}
		timeout = d
	}
	done := h.services.Provisioning.WaitForCompletion(timeout)
	c.JSON(http.StatusOK, gin.H{
		"completed":  done,
		"statistics": h.services.Provisioning.GetStatistics(),
	})
}

// @Summary      Retry a failed device
// @Tags         recovery
// @Accept       json
// @Produce      json
// @Param        id    path      string        true  "Device id"
// @Param        body  body      RetryRequest  true  "Recovery action"
// @Success      202   {object}  device.Snapshot
// @Failure      400   {object}  map[string]string
// @Failure      404   {object}  map[string]string
// @Failure      409   {object}  map[string]string
// @Router       /api/v1/devices/{id}/retry [post]
// @Security     BearerAuth
func (h *Handler) retryDevice(c *gin.Context) {
	var req RetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	phase, err := device.ParsePhase(req.Phase)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	p := h.services.Provisioning
	if req.Action != device.ActionReset {
		h.attributeRun(c, id)
	}
	switch req.Action {
	case device.ActionRetryCurrent:
		err = p.RetryDeviceCurrentPhase(id)
	case device.ActionRetryFull:
		err = p.RetryDeviceFull(id)
	case device.ActionRetryFrom:
		if phase == device.PhaseNone {
			c.JSON(http.StatusBadRequest, gin.H{"error": "'phase' is required for retry_from"})
			return
		}
		err = p.RetryDeviceFromPhase(id, phase)
	case device.ActionSkipContinue:
		skipped, ok := phase.Prev()
		if phase == device.PhaseNone {
			snap, lookupErr := p.DeviceSnapshot(id)
			if lookupErr != nil {
				h.respondEngineError(c, "device_retry_failed", lookupErr, "device_id", id)
				return
			}
			skipped, ok = snap.FailedPhase, true
		}
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot resume at " + phase.String() + ": no phase before it"})
			return
		}
		err = p.SkipPhaseAndContinue(id, skipped)
	case device.ActionReset:
		err = p.ResetDevice(id)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action " + strconv.Quote(string(req.Action))})
		return
	}
	if err != nil {
		h.respondEngineError(c, "device_retry_failed", err, "device_id", id, "action", req.Action, "phase", phase)
		return
	}

	snap, err := p.DeviceSnapshot(id)
	if err != nil {
		h.respondEngineError(c, "device_get_failed", err, "device_id", id)
		return
	}
	c.JSON(http.StatusAccepted, snap)
}

// @Summary      Retry options
// @Tags         recovery
// @Produce      json
// @Param        id   path      string  true  "Device id"
// @Success      200  {array}   device.RetryOption
// @Failure      404  {object}  map[string]string
// @Router       /api/v1/devices/{id}/retry-options [get]
// @Security     BearerAuth
func (h *Handler) getRetryOptions(c *gin.Context) {
	opts, err := h.services.Provisioning.GetRetryOptions(c.Param("id"))
	if err != nil {
		h.respondEngineError(c, "device_retry_options_failed", err, "device_id", c.Param("id"))
		return
	}
	c.JSON(http.StatusOK, opts)
}

// @Summary      Device error details
// @Tags         recovery
// @Produce      json
// @Param        id   path      string  true  "Device id"
// @Success      200  {object}  service.ErrorReport
// @Failure      404  {object}  map[string]string
// @Router       /api/v1/devices/{id}/error [get]
// @Security     BearerAuth
func (h *Handler) getDeviceError(c *gin.Context) {
	report, err := h.services.Provisioning.GetDeviceErrorDetails(c.Param("id"))
	if err != nil {
		h.respondEngineError(c, "device_error_details_failed", err, "device_id", c.Param("id"))
		return
	}
	c.JSON(http.StatusOK, report)
}

// respondWithDevice writes the current snapshot of id.
func (h *Handler) respondWithDevice(c *gin.Context, id string) {
	snap, err := h.services.Provisioning.DeviceSnapshot(id)
	if err != nil {
		h.respondEngineError(c, "device_get_failed", err, "device_id", id)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// attributeRun records the authenticated operator as the owner of the next
// run of id. Devices that are queued or running keep their operator; the
// start or retry call that follows reports why.
func (h *Handler) attributeRun(c *gin.Context, id string) {
	op := operatorFrom(c)
	if op.Username == "" {
		return
	}
	if err := h.services.Provisioning.SetDeviceOperator(id, op.Username); err != nil && h.log != nil {
		h.log.Debugw("run not attributed", "device_id", id, "operator", op.Username, "err", err)
	}
}
