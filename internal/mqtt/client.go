// Package mqtt connects the bridge to the bemfa MQTT broker.
//
// The wrapper tracks subscriptions so they are restored after paho
// reconnects, recovers panics in message handlers and reports the
// connection state to the metrics package.
package mqtt

import (
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"bemfabridge/internal/config"
	"bemfabridge/internal/metrics"
)

// MessageHandler is the callback signature for received messages.
// Handlers run on paho's goroutines and should not block for long.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	topic   string
	handler MessageHandler
}

// Client wraps paho.mqtt.golang for the bemfa broker
type Client struct {
	client pahomqtt.Client
	qos    byte
	logger *zap.Logger

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected bool
	connMu    sync.RWMutex

	onConnect  func()
	callbackMu sync.RWMutex
}

func newClient(cfg config.BemfaConfig, logger *zap.Logger) (*Client, error) {
	if cfg.QoS < 0 || cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	return &Client{
		qos:           byte(cfg.QoS),
		logger:        logger,
		subscriptions: make(map[string]subscription),
	}, nil
}

// Connect establishes a connection to the bemfa broker using the uid as client id
func Connect(cfg config.BemfaConfig, logger *zap.Logger) (*Client, error) {
	c, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := buildClientOptions(cfg)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		logger.Info("Reconnecting to bemfa broker")
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// OnConnect runs asynchronously and may not have fired yet
	c.setConnected(true)
	logger.Info("Connected to bemfa broker", zap.String("broker", brokerURL(cfg.Broker)))

	return c, nil
}

func (c *Client) setConnected(connected bool) {
	c.connMu.Lock()
	c.connected = connected
	c.connMu.Unlock()

	if connected {
		metrics.MQTTConnectionStatus.Set(1)
	} else {
		metrics.MQTTConnectionStatus.Set(0)
	}
}

func (c *Client) handleConnect() {
	c.setConnected(true)
	c.restoreSubscriptions()

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.setConnected(false)
	c.logger.Warn("Lost connection to bemfa broker", zap.Error(err))
}

// restoreSubscriptions re-subscribes to all tracked topics after reconnect
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, c.qos, c.wrapHandler(sub.handler))
	}
}

// SetOnConnect sets a callback invoked on every (re)connect
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// IsConnected returns the current connection state
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// Close disconnects from the broker, letting pending operations finish
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	c.client.Disconnect(defaultDisconnectQuiesce)
	c.setConnected(false)
	return nil
}

// Publish sends a payload to a topic at the configured QoS, not retained
func (c *Client) Publish(topic string, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, c.qos, false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

// Subscribe registers a handler for a topic. The subscription is restored on reconnect.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{topic: topic, handler: handler}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, c.qos, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.forget(topic)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.forget(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	return nil
}

// Unsubscribe stops receiving messages for the given topics
func (c *Client) Unsubscribe(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	for _, topic := range topics {
		if topic == "" {
			return ErrInvalidTopic
		}
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.forget(topics...)

	token := c.client.Unsubscribe(topics...)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrUnsubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}

	return nil
}

func (c *Client) forget(topics ...string) {
	c.subMu.Lock()
	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	c.subMu.Unlock()
}

// SubscriptionCount returns the number of tracked subscriptions
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// wrapHandler adds panic recovery and error logging to a MessageHandler
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("MQTT handler panic recovered",
					zap.String("topic", msg.Topic()),
					zap.Any("panic", r))
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn("MQTT handler returned error",
				zap.String("topic", msg.Topic()),
				zap.Error(err))
		}
	}
}
