package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/framereel/internal/config"
)

// Command represents a remote playback command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// PlayRequest carries the parameters of a play command. Empty fields keep
// the configured values.
type PlayRequest struct {
	Source  string
	Mode    string
	Preload *int
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnPlay      func(PlayRequest) error
	OnStop      func() error
	OnGetStatus func() map[string]interface{}
	OnShutdown  func() error
}

// Handler handles remote playback commands
type Handler struct {
	cfg       config.MQTTConfig
	client    mqtt.Client
	commands  chan Command
	callbacks CommandCallbacks
	logger    *slog.Logger
	now       func() time.Time
}

// NewHandler creates a new control handler. client may be nil, in which
// case responses are only logged.
func NewHandler(cfg config.MQTTConfig, client mqtt.Client, callbacks CommandCallbacks, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
		logger:    logger.With("component", "control"),
		now:       time.Now,
	}
}

// Start subscribes to the control topic and processes commands until ctx
// ends
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.ControlTopic
	h.logger.Info("subscribing to control topic", "topic", topic, "qos", h.cfg.QoS)

	token := h.client.Subscribe(topic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control subscription failed: %w", err)
	}

	go h.processCommands(ctx)
	return nil
}

// Stop unsubscribes from the control topic
func (h *Handler) Stop() {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.ControlTopic)
		token.WaitTimeout(2 * time.Second)
	}
	h.logger.Info("control handler stopped")
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	h.Enqueue(msg.Payload())
}

// Enqueue parses a raw command and queues it. Malformed commands are
// answered right away; a full queue drops the command.
func (h *Handler) Enqueue(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.logger.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	h.logger.Info("control command received", "command", cmd.Command)
	select {
	case h.commands <- cmd:
	default:
		h.logger.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			resp := h.Handle(cmd)
			h.sendResponse(resp)
			if cmd.Command == "shutdown" && resp.Status == "success" {
				go func() {
					// Leave time for the response to go out.
					time.Sleep(500 * time.Millisecond)
					if err := h.callbacks.OnShutdown(); err != nil {
						h.logger.Error("shutdown callback failed", "error", err)
					}
				}()
			}
		}
	}
}

// Handle executes one command and returns its response. A shutdown is
// only acknowledged here; the callback runs after the response is sent.
func (h *Handler) Handle(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	fail := func(err error) Response {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}

	switch cmd.Command {
	case "play":
		if h.callbacks.OnPlay == nil {
			return fail(fmt.Errorf("play not implemented"))
		}
		req, err := parsePlay(cmd.Params)
		if err != nil {
			return fail(err)
		}
		if err := h.callbacks.OnPlay(req); err != nil {
			return fail(err)
		}
		resp.Status = "playing"
		resp.Data = map[string]interface{}{"source": req.Source}

	case "stop":
		if h.callbacks.OnStop == nil {
			return fail(fmt.Errorf("stop not implemented"))
		}
		if err := h.callbacks.OnStop(); err != nil {
			return fail(err)
		}
		resp.Status = "stopped"

	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return fail(fmt.Errorf("get_status not implemented"))
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			return fail(fmt.Errorf("shutdown not implemented"))
		}
		resp.Status = "success"

	default:
		return fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}
	return resp
}

func parsePlay(params map[string]interface{}) (PlayRequest, error) {
	var req PlayRequest
	source, ok := params["source"].(string)
	if !ok || source == "" {
		return req, fmt.Errorf("play requires params.source")
	}
	req.Source = source

	if v, ok := params["mode"]; ok {
		mode, ok := v.(string)
		if !ok {
			return req, fmt.Errorf("params.mode must be a string")
		}
		req.Mode = mode
	}
	if v, ok := params["preload"]; ok {
		// JSON numbers decode as float64
		f, ok := v.(float64)
		if !ok || f < 0 || f != float64(int(f)) {
			return req, fmt.Errorf("params.preload must be a non-negative integer")
		}
		n := int(f)
		req.Preload = &n
	}
	return req, nil
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = h.now().UTC().Format(time.RFC3339)

	if h.client == nil {
		h.logger.Debug("response not sent, no client", "command_ack", resp.CommandAck, "status", resp.Status)
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.ControlTopic + "/response"
	token := h.client.Publish(topic, h.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		h.logger.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		h.logger.Error("failed to publish response", "error", err)
		return
	}

	h.logger.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
