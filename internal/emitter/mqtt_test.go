package emitter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/ipcam-mixer/internal/notify"
)

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic   string
	payload []byte
}

// fakeClient records publishes. Methods the emitter never calls are left to
// the embedded nil interface.
type fakeClient struct {
	mqtt.Client

	mu         sync.Mutex
	messages   []message
	publishErr error
}

func (c *fakeClient) IsConnected() bool { return true }
func (c *fakeClient) Disconnect(uint)   {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr == nil {
		c.messages = append(c.messages, message{topic: topic, payload: payload.([]byte)})
	}
	return &fakeToken{err: c.publishErr}
}

func (c *fakeClient) Messages() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.messages...)
}

func connected(client mqtt.Client) *MQTTEmitter {
	e := NewMQTTEmitter(Options{Broker: "tcp://broker:1883", ClientID: "test", Topic: "ipcam/status/test"})
	e.client = client
	e.connected = true
	return e
}

func TestPublish_TopicPerKind(t *testing.T) {
	client := &fakeClient{}
	e := connected(client)

	n := notify.Notification{
		Kind:    notify.KindPortLinked,
		RunID:   "run-1",
		Time:    time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
		Subject: "source->depay",
		Attrs:   map[string]string{"port": "recv_rtp_src_0_96"},
	}
	require.NoError(t, e.Publish(n))

	msgs := client.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ipcam/status/test/port_linked", msgs[0].topic)

	got, err := Decode(msgs[0].payload)
	require.NoError(t, err)
	assert.Equal(t, n.Subject, got.Subject)
	assert.Equal(t, n.Attrs, got.Attrs)
	assert.True(t, n.Time.Equal(got.Time))

	assert.Equal(t, uint64(1), e.Stats().Published["ipcam/status/test/port_linked"])
}

func TestPublish_NotConnected(t *testing.T) {
	e := NewMQTTEmitter(Options{Topic: "t"})

	err := e.Publish(notify.Notification{Kind: notify.KindTeardown})
	assert.ErrorContains(t, err, "not connected")
	assert.Equal(t, uint64(1), e.Stats().Errors)
}

func TestPublish_BrokerError(t *testing.T) {
	client := &fakeClient{publishErr: errors.New("not authorized")}
	e := connected(client)

	err := e.Publish(notify.Notification{Kind: notify.KindRuntimeError})
	assert.ErrorContains(t, err, "not authorized")
	assert.Equal(t, uint64(1), e.Stats().Errors)
	assert.Empty(t, client.Messages())
}

func TestRun_DrainsUntilClosed(t *testing.T) {
	client := &fakeClient{}
	e := connected(client)

	bus := notify.New("run-7")
	ch := make(chan notify.Notification, 8)
	require.NoError(t, bus.Subscribe("mqtt", ch))

	done := make(chan struct{})
	go func() {
		e.Run(context.Background(), ch)
		close(done)
	}()

	bus.Publish(notify.Notification{Kind: notify.KindGraphState, Subject: "ipcam_pipeline"})
	bus.Publish(notify.Notification{Kind: notify.KindEndOfStream, Subject: "ipcam_pipeline"})

	require.Eventually(t, func() bool { return len(client.Messages()) == 2 }, time.Second, 5*time.Millisecond)
	close(ch)
	<-done

	msgs := client.Messages()
	assert.Equal(t, "ipcam/status/test/graph_state", msgs[0].topic)
	assert.Equal(t, "ipcam/status/test/end_of_stream", msgs[1].topic)

	first, err := Decode(msgs[0].payload)
	require.NoError(t, err)
	assert.Equal(t, "run-7", first.RunID)
	require.NoError(t, bus.Close())
}

func TestRun_StopsOnContext(t *testing.T) {
	e := connected(&fakeClient{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.Run(ctx, make(chan notify.Notification))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte{0xc1})
	assert.Error(t, err)
}
