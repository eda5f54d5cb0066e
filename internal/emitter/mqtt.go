// Package emitter publishes lifecycle notifications to an MQTT broker as
// msgpack payloads, one topic per notification kind.
package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/ipcam-mixer/internal/notify"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Options configures an MQTTEmitter
type Options struct {
	Broker   string // tcp://host:port
	ClientID string
	Topic    string // notifications go to <Topic>/<kind>
	QoS      byte
}

// MQTTEmitter publishes notifications to an MQTT broker
type MQTTEmitter struct {
	opts   Options
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates an emitter. Call Connect before publishing.
func NewMQTTEmitter(opts Options) *MQTTEmitter {
	return &MQTTEmitter{
		opts:      opts,
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection. Reconnection after a lost
// connection is left to the paho client.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.opts.Broker)
	opts.SetClientID(e.opts.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.opts.Broker,
			"client_id", e.opts.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.opts.Broker,
		)
	}

	e.client = mqtt.NewClient(opts)
	slog.Info("emitter: connecting to mqtt broker", "broker", e.opts.Broker)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("emitter: mqtt connection timeout")
	case <-ctx.Done():
		return fmt.Errorf("emitter: mqtt connect: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Publish encodes n and publishes it to <Topic>/<kind>.
func (e *MQTTEmitter) Publish(n notify.Notification) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("emitter: mqtt not connected")
	}

	topic := fmt.Sprintf("%s/%s", e.opts.Topic, n.Kind)
	payload, err := Encode(n)
	if err != nil {
		e.countError()
		return err
	}

	token := e.client.Publish(topic, e.opts.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("emitter: publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed on %s: %w", topic, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("emitter: notification published",
		"topic", topic,
		"size", len(payload),
	)
	return nil
}

// Run publishes every notification received on ch until ch is closed or ctx
// ends. Publish failures are logged and counted, never returned.
func (e *MQTTEmitter) Run(ctx context.Context, ch <-chan notify.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if err := e.Publish(n); err != nil {
				slog.Warn("emitter: dropping notification", "kind", n.Kind, "error", err)
			}
		}
	}
}

// Client returns the underlying client so other handlers can share the
// connection. It is nil before Connect.
func (e *MQTTEmitter) Client() mqtt.Client {
	return e.client
}

// Disconnect closes the broker connection
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		slog.Info("emitter: mqtt disconnected")
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
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// Encode serializes a notification as msgpack.
func Encode(n notify.Notification) ([]byte, error) {
	b, err := msgpack.Marshal(&n)
	if err != nil {
		return nil, fmt.Errorf("emitter: encode %s: %w", n.Kind, err)
	}
	return b, nil
}

// Decode parses a msgpack notification payload.
func Decode(b []byte) (notify.Notification, error) {
	var n notify.Notification
	if err := msgpack.Unmarshal(b, &n); err != nil {
		return notify.Notification{}, fmt.Errorf("emitter: decode: %w", err)
	}
	return n, nil
}
