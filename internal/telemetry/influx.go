package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"device_provisioner/internal/config"
	"device_provisioner/internal/device"
	"device_provisioner/internal/logger"
	"device_provisioner/internal/models"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	influxPingTimeout = 5 * time.Second
	outcomeMeasure    = "provisioning_outcome"
)

var ErrInfluxUnavailable = errors.New("influxdb unavailable")

// pointWriter is the non-blocking write API of the influx client.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// TimingWriter records one point per terminal outcome with the total and
// per-phase durations in seconds.
type TimingWriter struct {
	writer pointWriter
	log    *logger.Logger
	close  func()
}

// ConnectInflux pings the server from cfg and returns a writer bound to its
// org and bucket. Async write errors are logged.
func ConnectInflux(cfg config.InfluxDBConfig, log *logger.Logger) (*TimingWriter, error) {
	if log == nil {
		log = logger.Nop()
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), influxPingTimeout)
	defer cancel()
	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrInfluxUnavailable, err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrInfluxUnavailable)
	}

	api := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range api.Errors() {
			log.Warnw("influx write failed", "error", err)
		}
	}()

	w := NewTimingWriter(api, log)
	w.close = client.Close
	log.Infow("influxdb connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return w, nil
}

func NewTimingWriter(w pointWriter, log *logger.Logger) *TimingWriter {
	if log == nil {
		log = logger.Nop()
	}
	return &TimingWriter{writer: w, log: log}
}

func (t *TimingWriter) OnOutcome(o models.Outcome) {
	t.writer.WritePoint(outcomePoint(o))
}

func outcomePoint(o models.Outcome) *write.Point {
	tags := map[string]string{
		"device_id": o.DeviceID,
		"status":    string(o.Status),
	}
	if o.Port != "" {
		tags["port"] = o.Port
	}
	if o.Operator != "" {
		tags["operator"] = o.Operator
	}
	fields := map[string]interface{}{
		"success": o.Success,
	}
	if o.Timing.TotalDuration != nil {
		fields["total_seconds"] = *o.Timing.TotalDuration
	}
	for _, p := range device.Phases() {
		if secs, ok := o.Timing.PhaseSeconds(p); ok {
			fields[p.String()+"_seconds"] = secs
		}
	}
	return write.NewPoint(outcomeMeasure, tags, fields, o.CompletedAt)
}

// Close flushes pending points and closes the client.
func (t *TimingWriter) Close() {
	t.writer.Flush()
	if t.close != nil {
		t.close()
	}
}
