package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"device_provisioner/internal/config"
	"device_provisioner/internal/device"
	"device_provisioner/internal/logger"
	"device_provisioner/internal/models"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap/zapcore"
)

const (
	mqttConnectTimeout   = 10 * time.Second
	mqttPublishTimeout   = 5 * time.Second
	mqttDisconnectQuiesce = 250 // ms
	mqttQueueSize        = 256
)

var ErrMQTTConnect = errors.New("mqtt connect failed")

// mqttClient is the subset of the paho client used for publishing.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

type mqttMessage struct {
	topic    string
	retained bool
	payload  []byte
}

// MQTTPublisher mirrors device state to a broker. Topics under prefix:
//
//	<prefix>/devices/<id>/status   retained DeviceState
//	<prefix>/devices/<id>/log      info and above
//	<prefix>/devices/<id>/outcome  terminal outcomes
//	<prefix>/status                online/offline
type MQTTPublisher struct {
	client mqttClient
	prefix string
	qos    byte
	log    *logger.Logger
	clock  func() time.Time

	queue   chan mqttMessage
	done    chan struct{}
	once    sync.Once
	dropped uint64
	mu      sync.Mutex
}

// ConnectMQTT dials the broker from cfg and starts the publish loop.
func ConnectMQTT(cfg config.MQTTConfig, log *logger.Logger) (*MQTTPublisher, error) {
	if log == nil {
		log = logger.Nop()
	}
	qos := byte(cfg.QoS)
	availability := cfg.TopicPrefix + "/status"

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetWill(availability, "offline", qos, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		log.Infow("mqtt connected", "broker", cfg.Broker)
		c.Publish(availability, qos, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warnw("mqtt connection lost", "error", err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrMQTTConnect, mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMQTTConnect, err)
	}
	return NewMQTTPublisher(client, cfg.TopicPrefix, qos, log), nil
}

// NewMQTTPublisher wraps an already connected client and starts the
// publish loop.
func NewMQTTPublisher(client mqttClient, prefix string, qos byte, log *logger.Logger) *MQTTPublisher {
	if log == nil {
		log = logger.Nop()
	}
	p := &MQTTPublisher{
		client: client,
		prefix: prefix,
		qos:    qos,
		log:    log,
		clock:  time.Now,
		queue:  make(chan mqttMessage, mqttQueueSize),
		done:   make(chan struct{}),
	}
	go p.run(p.queue)
	return p
}

func (p *MQTTPublisher) deviceTopic(id, leaf string) string {
	return fmt.Sprintf("%s/devices/%s/%s", p.prefix, id, leaf)
}

func (p *MQTTPublisher) run(queue <-chan mqttMessage) {
	defer close(p.done)
	for m := range queue {
		token := p.client.Publish(m.topic, p.qos, m.retained, m.payload)
		if !token.WaitTimeout(mqttPublishTimeout) {
			p.log.Warnw("mqtt publish timed out", "topic", m.topic)
			continue
		}
		if err := token.Error(); err != nil {
			p.log.Warnw("mqtt publish failed", "topic", m.topic, "error", err)
		}
	}
}

func (p *MQTTPublisher) enqueue(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.log.Errorw("mqtt payload encode failed", "topic", topic, "error", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue == nil {
		return
	}
	select {
	case p.queue <- mqttMessage{topic: topic, retained: retained, payload: payload}:
	default:
		p.dropped++
	}
}

func (p *MQTTPublisher) OnDeviceStatusChanged(d device.Snapshot, _, _ device.Status) {
	p.enqueue(p.deviceTopic(d.DeviceID, "status"), true, newDeviceState(d, p.clock()))
}

func (p *MQTTPublisher) OnDeviceProgress(d device.Snapshot, _ int, _ string) {
	p.enqueue(p.deviceTopic(d.DeviceID, "status"), true, newDeviceState(d, p.clock()))
}

func (p *MQTTPublisher) OnDeviceLog(d device.Snapshot, message string, level zapcore.Level) {
	if level < zapcore.InfoLevel {
		return
	}
	p.enqueue(p.deviceTopic(d.DeviceID, "log"), false, LogEvent{
		DeviceID: d.DeviceID, Level: level.CapitalString(), Message: message, Timestamp: p.clock(),
	})
}

func (p *MQTTPublisher) OnOutcome(o models.Outcome) {
	p.enqueue(p.deviceTopic(o.DeviceID, "outcome"), false, o)
}

// Dropped is the number of messages discarded because the queue was full.
func (p *MQTTPublisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close flushes queued messages, marks the service offline and disconnects.
func (p *MQTTPublisher) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		close(p.queue)
		p.queue = nil
		p.mu.Unlock()
		<-p.done

		token := p.client.Publish(p.prefix+"/status", p.qos, true, "offline")
		token.WaitTimeout(mqttPublishTimeout)
		p.client.Disconnect(mqttDisconnectQuiesce)
	})
}
