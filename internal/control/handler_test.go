package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.payload }

type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	handler      mqtt.MessageHandler
	subscribeErr error
	unsubscribed []string
	responses    []Response
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr == nil {
		c.handler = cb
	}
	return &fakeToken{err: c.subscribeErr}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return &fakeToken{}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var resp Response
	if err := json.Unmarshal(payload.([]byte), &resp); err != nil {
		return &fakeToken{err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, resp)
	return &fakeToken{}
}

func (c *fakeClient) send(payload string) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(c, &fakeMessage{topic: "ipcam/control/test", payload: []byte(payload)})
}

func (c *fakeClient) Responses() []Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Response(nil), c.responses...)
}

func started(t *testing.T, client *fakeClient, cb Callbacks) *Handler {
	t.Helper()
	h := NewHandler(client, "ipcam/control/test", cb)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(h.Stop)
	return h
}

func TestGetStatus(t *testing.T) {
	client := &fakeClient{}
	started(t, client, Callbacks{
		OnGetStatus: func() map[string]any { return map[string]any{"ready": true} },
	})

	client.send(`{"command":"get_status"}`)

	require.Eventually(t, func() bool { return len(client.Responses()) == 1 }, time.Second, 2*time.Millisecond)
	resp := client.Responses()[0]
	assert.Equal(t, CommandGetStatus, resp.CommandAck)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, true, resp.Data["ready"])
	assert.NotEmpty(t, resp.Timestamp)
}

func TestStop_AcknowledgesThenStops(t *testing.T) {
	client := &fakeClient{}
	var stops atomic.Int32
	var ackedFirst atomic.Bool
	started(t, client, Callbacks{
		OnStop: func() {
			ackedFirst.Store(len(client.Responses()) == 1)
			stops.Add(1)
		},
	})

	client.send(`{"command":"stop"}`)

	require.Eventually(t, func() bool { return stops.Load() == 1 }, time.Second, 2*time.Millisecond)
	assert.True(t, ackedFirst.Load())
	assert.Equal(t, "success", client.Responses()[0].Status)
}

func TestUnavailableAndUnknownCommands(t *testing.T) {
	client := &fakeClient{}
	started(t, client, Callbacks{})

	client.send(`{"command":"stop"}`)
	client.send(`{"command":"reboot"}`)
	client.send(`not json`)

	require.Eventually(t, func() bool { return len(client.Responses()) == 3 }, time.Second, 2*time.Millisecond)
	byAck := make(map[string]Response)
	for _, r := range client.Responses() {
		byAck[r.CommandAck] = r
	}
	assert.Equal(t, "stop not available", byAck["stop"].Error)
	assert.Equal(t, "unknown command: reboot", byAck["reboot"].Error)
	assert.Equal(t, "invalid JSON", byAck["unknown"].Error)
}

func TestStart_SubscribeFailure(t *testing.T) {
	client := &fakeClient{subscribeErr: errors.New("not authorized")}
	h := NewHandler(client, "ipcam/control/test", Callbacks{})

	err := h.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
	h.Stop()
}

func TestStop_Unsubscribes(t *testing.T) {
	client := &fakeClient{}
	h := NewHandler(client, "ipcam/control/test", Callbacks{})
	require.NoError(t, h.Start(context.Background()))

	h.Stop()

	assert.Equal(t, []string{"ipcam/control/test"}, client.unsubscribed)
	assert.Equal(t, "ipcam/control/test/response", h.ResponseTopic())
}
