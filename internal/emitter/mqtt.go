package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/framereel/internal/config"
	"github.com/e7canasta/framereel/internal/eventbus"
)

// MQTTEmitter publishes playback events to an MQTT broker
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// Payload is the JSON body of one published event
type Payload struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	Progress  float64 `json:"progress"`
	Index     int     `json:"index"`
	ElapsedMS int64   `json:"elapsed_ms"`
	Timestamp string  `json:"timestamp"`
	Error     string  `json:"error,omitempty"`
}

// NewPayload converts ev to its wire form
func NewPayload(ev eventbus.Event) Payload {
	p := Payload{
		Type:      string(ev.Type),
		SessionID: ev.Session,
		Progress:  ev.Progress,
		Index:     ev.Index,
		ElapsedMS: ev.Elapsed.Milliseconds(),
		Timestamp: ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}
	return p
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg config.MQTTConfig, logger *slog.Logger) *MQTTEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTEmitter{
		cfg:       cfg,
		logger:    logger.With("component", "mqtt"),
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to the MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker)
	}

	e.client = mqtt.NewClient(opts)
	e.logger.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	timeout := time.NewTimer(5 * time.Second)
	defer timeout.Stop()
	select {
	case <-token.Done():
	case <-timeout.C:
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Client returns the underlying MQTT client, nil before Connect
func (e *MQTTEmitter) Client() mqtt.Client { return e.client }

// Topic returns the topic an event type is published on
func (e *MQTTEmitter) Topic(t eventbus.Type) string {
	return fmt.Sprintf("%s/%s", e.cfg.Topic, t)
}

// Publish sends one event. Terminal events are retained so that a late
// subscriber still sees how the last session ended. Failures are counted
// and returned, never fatal
func (e *MQTTEmitter) Publish(ev eventbus.Event) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	topic := e.Topic(ev.Type)
	payload, err := json.Marshal(NewPayload(ev))
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	retain := ev.Terminal()
	token := e.client.Publish(topic, e.cfg.QoS, retain, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.logger.Debug("event published", "topic", topic, "qos", e.cfg.QoS, "retained", retain, "size", len(payload))
	return nil
}

// Forward publishes every event read from events until the channel closes
// or ctx ends
func (e *MQTTEmitter) Forward(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := e.Publish(ev); err != nil {
				e.logger.Debug("event not published", "type", string(ev.Type), "error", err)
			}
		}
	}
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
