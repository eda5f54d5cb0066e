// Package control accepts operator commands over MQTT: a status query and a
// graceful stop of the running graph.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Supported commands.
const (
	CommandGetStatus = "get_status"
	CommandStop      = "stop"
)

const (
	subscribeTimeout = 5 * time.Second
	responseTimeout  = 2 * time.Second
	queueSize        = 10
)

// Command is one control message.
type Command struct {
	Command string `json:"command"`
}

// Response acknowledges a command on <topic>/response.
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Callbacks connects commands to the run. A nil callback makes its command
// answer with an error.
type Callbacks struct {
	OnGetStatus func() map[string]any
	OnStop      func()
}

// Handler serves control commands received on one topic.
type Handler struct {
	client mqtt.Client
	topic  string
	qos    byte
	cb     Callbacks

	commands chan Command
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewHandler creates a handler for topic on an already connected client.
func NewHandler(client mqtt.Client, topic string, cb Callbacks) *Handler {
	return &Handler{
		client:   client,
		topic:    topic,
		qos:      1,
		cb:       cb,
		commands: make(chan Command, queueSize),
	}
}

// ResponseTopic returns the topic responses are published on.
func (h *Handler) ResponseTopic() string {
	return h.topic + "/response"
}

// Start subscribes to the control topic and processes commands until Stop.
func (h *Handler) Start(ctx context.Context) error {
	slog.Info("control: subscribing", "topic", h.topic, "qos", h.qos)

	token := h.client.Subscribe(h.topic, h.qos, h.messageHandler)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("control: subscription timeout on %s", h.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed on %s: %w", h.topic, err)
	}

	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.processCommands(ctx)
	}()
	return nil
}

// Stop unsubscribes and waits for the command loop to exit.
func (h *Handler) Stop() {
	if h.client.IsConnected() {
		token := h.client.Unsubscribe(h.topic)
		token.WaitTimeout(subscribeTimeout)
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	slog.Info("control: handler stopped", "topic", h.topic)
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Warn("control: unparsable command", "topic", msg.Topic(), "error", err)
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)
	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.handleCommand(cmd)
		}
	}
}

func (h *Handler) handleCommand(cmd Command) {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case CommandGetStatus:
		if h.cb.OnGetStatus == nil {
			resp.Status, resp.Error = "error", "get_status not available"
			break
		}
		resp.Status = "success"
		resp.Data = h.cb.OnGetStatus()

	case CommandStop:
		if h.cb.OnStop == nil {
			resp.Status, resp.Error = "error", "stop not available"
			break
		}
		slog.Warn("control: stop requested over mqtt")
		resp.Status = "success"
		resp.Data = map[string]any{"stop_initiated": true}
		// Acknowledge before the graph starts draining.
		h.sendResponse(resp)
		h.cb.OnStop()
		return

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.ResponseTopic(), h.qos, false, payload)
	if !token.WaitTimeout(responseTimeout) {
		slog.Error("control: response publish timeout", "command_ack", resp.CommandAck)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: response publish failed", "command_ack", resp.CommandAck, "error", err)
		return
	}
	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
