// Package control implements the MQTT control plane: status queries and
// source switching at runtime.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"

	"github.com/e7canasta/orion-puppeteer/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Command represents a control plane command
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

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus func() map[string]interface{}
	// OnSetSource switches the video source; the detector is replaced once
	// the new source is ready
	OnSetSource func(uri string) error
	OnShutdown  func() error
}

// Stats counts handled commands.
type Stats struct {
	Received uint64
	Dropped  uint64
	Invalid  uint64
	Failed   uint64
}

// Handler handles control plane commands
type Handler struct {
	cfg       config.MQTTConfig
	client    mqtt.Client
	commands  chan Command
	callbacks CommandCallbacks
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	stats    Stats
	stopOnce sync.Once
}

// NewHandler creates a new control plane handler
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
// is done or Stop is called.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.Topics.Control
	qos := h.cfg.QoS["control"]

	h.logger.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	h.logger.Info("control plane handler started")
	return nil
}

// Stop unsubscribes and ends command processing.
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		if h.client != nil && h.client.IsConnected() {
			token := h.client.Unsubscribe(h.cfg.Topics.Control)
			token.WaitTimeout(2 * time.Second)
		}
		close(h.commands)
		h.logger.Info("control plane handler stopped")
	})
	return nil
}

// messageHandler is called by the MQTT client for each control message
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		h.count(func(s *Stats) { s.Invalid++ })
		h.logger.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	h.count(func(s *Stats) { s.Received++ })
	h.logger.Info("control command received", "command", cmd.Command)

	defer func() {
		// Stop closed the queue under us.
		if recover() != nil {
			h.count(func(s *Stats) { s.Dropped++ })
		}
	}()
	select {
	case h.commands <- cmd:
	default:
		h.count(func(s *Stats) { s.Dropped++ })
		h.logger.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			resp := h.handleCommand(cmd)
			if resp.Status == "error" {
				h.count(func(s *Stats) { s.Failed++ })
			}
			h.sendResponse(resp)
		}
	}
}

func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	fail := func(msg string) Response {
		resp.Status = "error"
		resp.Error = msg
		return resp
	}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return fail("get_status not implemented")
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "set_source":
		if h.callbacks.OnSetSource == nil {
			return fail("set_source not implemented")
		}
		uri, ok := cmd.Params["uri"].(string)
		if !ok || uri == "" {
			return fail("missing or invalid 'uri' parameter (expected string)")
		}
		if err := h.callbacks.OnSetSource(uri); err != nil {
			return fail(err.Error())
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"uri":     uri,
			"message": "source switching, detector will be replaced when ready",
		}

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			return fail("shutdown not implemented")
		}
		if err := h.callbacks.OnShutdown(); err != nil {
			return fail(err.Error())
		}
		resp.Status = "success"

	default:
		return fail(fmt.Sprintf("unknown command: %s", cmd.Command))
	}
	return resp
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = h.now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.Topics.Responses, h.cfg.QoS["control"], false, payload)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		h.logger.Warn("failed to send control response", "command", resp.CommandAck, "error", token.Error())
	}
}

func (h *Handler) count(fn func(*Stats)) {
	h.mu.Lock()
	fn(&h.stats)
	h.mu.Unlock()
}

// Stats returns a snapshot of command counters.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
