package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bemfabridge/internal/config"
)

// fakeToken completes immediately with an optional error
type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakePaho records calls instead of talking to a broker
type fakePaho struct {
	mu          sync.Mutex
	connected   bool
	published   []published
	handlers    map[string]pahomqtt.MessageHandler
	unsubbed    []string
	subErr      error
	pubErr      error
	pubTimeout  bool
	disconnects int
}

func newFakePaho() *fakePaho {
	return &fakePaho{connected: true, handlers: make(map[string]pahomqtt.MessageHandler)}
}

func (f *fakePaho) IsConnected() bool      { f.mu.Lock(); defer f.mu.Unlock(); return f.connected }
func (f *fakePaho) IsConnectionOpen() bool { return f.IsConnected() }
func (f *fakePaho) Connect() pahomqtt.Token {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return &fakeToken{}
}
func (f *fakePaho) Disconnect(uint) {
	f.mu.Lock()
	f.connected = false
	f.disconnects++
	f.mu.Unlock()
}
func (f *fakePaho) Publish(topic string, qos byte, _ bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil || f.pubTimeout {
		return &fakeToken{err: f.pubErr, timeout: f.pubTimeout}
	}
	f.published = append(f.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{}
}
func (f *fakePaho) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return &fakeToken{err: f.subErr}
	}
	f.handlers[topic] = cb
	return &fakeToken{}
}
func (f *fakePaho) SubscribeMultiple(map[string]byte, pahomqtt.MessageHandler) pahomqtt.Token {
	return &fakeToken{}
}
func (f *fakePaho) Unsubscribe(topics ...string) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, topic := range topics {
		delete(f.handlers, topic)
		f.unsubbed = append(f.unsubbed, topic)
	}
	return &fakeToken{}
}
func (f *fakePaho) AddRoute(string, pahomqtt.MessageHandler) {}
func (f *fakePaho) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

// deliver simulates the broker pushing a message
func (f *fakePaho) deliver(topic string, payload []byte) {
	f.mu.Lock()
	cb := f.handlers[topic]
	f.mu.Unlock()
	if cb != nil {
		cb(f, &fakeMessage{topic: topic, payload: payload})
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func testConfig() config.BemfaConfig {
	return config.Default().Bemfa
}

func connectedClient(t *testing.T) (*Client, *fakePaho) {
	t.Helper()
	c, err := newClient(testConfig(), zap.NewNop())
	require.NoError(t, err)
	fake := newFakePaho()
	c.client = fake
	c.handleConnect()
	return c, fake
}

func TestNewClient_InvalidQoS(t *testing.T) {
	cfg := testConfig()
	cfg.QoS = 3
	_, err := newClient(cfg, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidQoS)
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://bemfa.com:9501", brokerURL(config.BrokerConfig{Host: "bemfa.com", Port: 9501}))
	assert.Equal(t, "ssl://bemfa.com:9503", brokerURL(config.BrokerConfig{Host: "bemfa.com", Port: 9503, TLS: true}))
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.UID = "abcdef"
	opts := buildClientOptions(cfg)

	assert.Equal(t, "abcdef", opts.ClientID)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp://bemfa.com:9501", opts.Servers[0].String())
	assert.True(t, opts.AutoReconnect)
	assert.True(t, opts.CleanSession)
	assert.False(t, opts.Order)
	assert.Nil(t, opts.TLSConfig)
}

func TestPublish(t *testing.T) {
	c, fake := connectedClient(t)

	err := c.Publish("hassabc006/set", []byte("on"))
	require.NoError(t, err)
	require.Len(t, fake.published, 1)
	assert.Equal(t, "hassabc006/set", fake.published[0].topic)
	assert.Equal(t, byte(1), fake.published[0].qos)
	assert.Equal(t, []byte("on"), fake.published[0].payload)

	t.Run("empty topic", func(t *testing.T) {
		assert.ErrorIs(t, c.Publish("", []byte("on")), ErrInvalidTopic)
	})

	t.Run("broker error", func(t *testing.T) {
		fake.pubErr = errors.New("boom")
		defer func() { fake.pubErr = nil }()
		assert.ErrorIs(t, c.Publish("t", []byte("on")), ErrPublishFailed)
	})

	t.Run("timeout", func(t *testing.T) {
		fake.pubTimeout = true
		defer func() { fake.pubTimeout = false }()
		err := c.Publish("t", []byte("on"))
		assert.ErrorIs(t, err, ErrPublishFailed)
		assert.Contains(t, err.Error(), "timeout")
	})

	t.Run("disconnected", func(t *testing.T) {
		c.handleDisconnect(errors.New("network down"))
		assert.ErrorIs(t, c.Publish("t", []byte("on")), ErrNotConnected)
	})
}

func TestSubscribe(t *testing.T) {
	c, fake := connectedClient(t)

	received := make(chan string, 1)
	err := c.Subscribe("hassabc006", func(topic string, payload []byte) error {
		received <- topic + "=" + string(payload)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, c.SubscriptionCount())

	fake.deliver("hassabc006", []byte("off"))
	assert.Equal(t, "hassabc006=off", <-received)

	t.Run("nil handler", func(t *testing.T) {
		assert.ErrorIs(t, c.Subscribe("x", nil), ErrSubscribeFailed)
	})

	t.Run("broker error is not tracked", func(t *testing.T) {
		fake.subErr = errors.New("denied")
		defer func() { fake.subErr = nil }()
		err := c.Subscribe("other", func(string, []byte) error { return nil })
		assert.ErrorIs(t, err, ErrSubscribeFailed)
		assert.Equal(t, 1, c.SubscriptionCount())
	})
}

func TestSubscriptionsRestoredOnReconnect(t *testing.T) {
	c, fake := connectedClient(t)

	var calls int
	require.NoError(t, c.Subscribe("hassabc002", func(string, []byte) error {
		calls++
		return nil
	}))

	// A fresh paho session has no handlers until we restore them
	reconnected := newFakePaho()
	c.client = reconnected
	onConnect := 0
	c.SetOnConnect(func() { onConnect++ })
	c.handleConnect()

	reconnected.deliver("hassabc002", []byte("on#50"))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, onConnect)

	fake.deliver("hassabc002", []byte("on"))
	assert.Equal(t, 2, calls)
}

func TestUnsubscribe(t *testing.T) {
	c, fake := connectedClient(t)
	noop := func(string, []byte) error { return nil }
	require.NoError(t, c.Subscribe("a", noop))
	require.NoError(t, c.Subscribe("b", noop))

	require.NoError(t, c.Unsubscribe("a", "b"))
	assert.Equal(t, 0, c.SubscriptionCount())
	assert.Equal(t, []string{"a", "b"}, fake.unsubbed)

	assert.NoError(t, c.Unsubscribe())
	assert.ErrorIs(t, c.Unsubscribe(""), ErrInvalidTopic)
}

func TestWrapHandler_RecoversPanics(t *testing.T) {
	c, fake := connectedClient(t)

	require.NoError(t, c.Subscribe("boom", func(string, []byte) error {
		panic("handler exploded")
	}))
	require.NoError(t, c.Subscribe("err", func(string, []byte) error {
		return errors.New("bad payload")
	}))

	assert.NotPanics(t, func() { fake.deliver("boom", []byte("on")) })
	assert.NotPanics(t, func() { fake.deliver("err", []byte("on")) })
}

func TestClose(t *testing.T) {
	c, fake := connectedClient(t)
	require.NoError(t, c.Close())
	assert.False(t, c.IsConnected())
	assert.Equal(t, 1, fake.disconnects)

	empty := &Client{}
	assert.NoError(t, empty.Close())
	assert.False(t, empty.IsConnected())
}
