package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"bemfabridge/internal/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is returned for requests made while the websocket is down
var ErrNotConnected = errors.New("ha: not connected")

// HAClient defines the interface for Home Assistant WebSocket client
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	GetState(entityID string) (*State, error)
	GetAllStates() ([]*State, error)
	CallService(domain, service string, data map[string]interface{}) error
	CallEntityService(domain, service, entityID string, data map[string]interface{}) error
	SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error)
	SetOnConnect(callback func())
}

const (
	defaultRequestTimeout = 10 * time.Second
	defaultMinBackoff     = time.Second
	defaultMaxBackoff     = 30 * time.Second
	userAgent             = "bemfa-bridge"
)

// Option configures a Client
type Option func(*Client)

// WithRequestTimeout sets how long a request waits for its result message
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithReconnectBackoff sets the initial and maximum delay between reconnect attempts
func WithReconnectBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		if initial > 0 {
			c.minBackoff = initial
		}
		if max >= c.minBackoff {
			c.maxBackoff = max
		}
	}
}

// Client implements HAClient interface
type Client struct {
	url         string
	token       string
	logger      *zap.Logger
	conn        *websocket.Conn
	connected   bool
	connMu      sync.RWMutex
	msgID       int
	msgIDMu     sync.Mutex
	pending     map[int]chan Message
	pendingMu   sync.Mutex
	subscribers map[string][]subscriberEntry
	subsMu      sync.RWMutex
	nextSubID   int
	nextSubIDMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	reconnect   bool
	writeMu     sync.Mutex // Protects websocket writes

	onConnect   func()
	onConnectMu sync.RWMutex

	requestTimeout time.Duration
	minBackoff     time.Duration
	maxBackoff     time.Duration
}

func (c *Client) resetContextLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
}

// NewClient creates a new Home Assistant WebSocket client
func NewClient(url, token string, logger *zap.Logger, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:            url,
		token:          token,
		logger:         logger,
		pending:        make(map[int]chan Message),
		subscribers:    make(map[string][]subscriberEntry),
		ctx:            ctx,
		cancel:         cancel,
		reconnect:      true,
		requestTimeout: defaultRequestTimeout,
		minBackoff:     defaultMinBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetOnConnect sets a callback invoked after every successful (re)connect.
// Subscriptions survive a reconnect, but any state cached by the caller may be stale.
func (c *Client) SetOnConnect(callback func()) {
	c.onConnectMu.Lock()
	c.onConnect = callback
	c.onConnectMu.Unlock()
}

// Connect establishes WebSocket connection and authenticates
func (c *Client) Connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, http.Header{
		"User-Agent": []string{userAgent},
	})
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	version, err := c.authenticate(conn)
	if err != nil {
		conn.Close()
		c.connMu.Unlock()
		return err
	}
	c.conn = conn

	c.resetContextLocked()
	c.connected = true
	c.reconnect = true
	metrics.HAConnectionStatus.Set(1)
	c.logger.Info("Connected to Home Assistant", zap.String("version", version))

	go c.receiveMessages()

	// Release lock before subscribing, sendMessage takes it again
	c.connMu.Unlock()

	if err := c.subscribeToStateChanges(); err != nil {
		c.logger.Warn("Failed to subscribe to state changes", zap.Error(err))
	}

	c.onConnectMu.RLock()
	callback := c.onConnect
	c.onConnectMu.RUnlock()
	if callback != nil {
		callback()
	}

	return nil
}

// authenticate runs the auth_required / auth / auth_ok handshake and returns the HA version
func (c *Client) authenticate(conn *websocket.Conn) (string, error) {
	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return "", fmt.Errorf("failed to read auth_required: %w", err)
	}
	if authRequired.Type != "auth_required" {
		return "", fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token})
	c.writeMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return "", fmt.Errorf("failed to read auth response: %w", err)
	}

	switch authResponse.Type {
	case "auth_ok":
		return authResponse.HAVersion, nil
	case "auth_invalid":
		return "", fmt.Errorf("authentication failed: invalid token")
	default:
		return "", fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}
}

// Disconnect closes the WebSocket connection
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		c.reconnect = false
		c.cancel()
		return nil
	}

	c.reconnect = false
	c.cancel()
	c.connected = false
	metrics.HAConnectionStatus.Set(0)

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	c.subsMu.Lock()
	c.subscribers = make(map[string][]subscriberEntry)
	c.subsMu.Unlock()

	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected returns true if client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// sendMessage sends a request and waits for its result
func (c *Client) sendMessage(msgID int, msg interface{}) (*Message, error) {
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	ctx := c.ctx
	c.connMu.RUnlock()

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("HA error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for response")
	case <-ctx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

// receiveMessages handles incoming messages in the background
func (c *Client) receiveMessages() {
	c.connMu.RLock()
	conn := c.conn
	ctx := c.ctx
	c.connMu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect()
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

// handleEvent dispatches state_changed events to entity subscribers
func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil || msg.Event.EventType != "state_changed" {
		return
	}

	var eventData StateChangedEvent
	if err := json.Unmarshal(msg.Event.Data, &eventData); err != nil {
		c.logger.Error("Failed to unmarshal state_changed event", zap.Error(err))
		return
	}

	c.subsMu.RLock()
	entries := append([]subscriberEntry(nil), c.subscribers[eventData.EntityID]...)
	c.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(eventData.EntityID, eventData.OldState, eventData.NewState)
	}
}

// handleDisconnect handles connection loss
func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	reconnect := c.reconnect
	c.connMu.Unlock()

	metrics.HAConnectionStatus.Set(0)
	c.logger.Warn("Connection lost")

	if !reconnect {
		return
	}

	go c.attemptReconnect()
}

// attemptReconnect tries to reconnect with exponential backoff
func (c *Client) attemptReconnect() {
	backoff := c.minBackoff

	for {
		time.Sleep(backoff)

		c.connMu.RLock()
		reconnect := c.reconnect
		c.connMu.RUnlock()
		if !reconnect {
			return
		}

		metrics.HAReconnectTotal.Inc()
		c.logger.Info("Attempting to reconnect...", zap.Duration("backoff", backoff))

		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}

func (c *Client) subscribeToStateChanges() error {
	msgID := c.nextMsgID()
	req := &SubscribeEventsRequest{
		ID:        msgID,
		Type:      "subscribe_events",
		EventType: "state_changed",
	}

	_, err := c.sendMessage(msgID, req)
	return err
}

// GetState retrieves the state of an entity
func (c *Client) GetState(entityID string) (*State, error) {
	states, err := c.GetAllStates()
	if err != nil {
		return nil, err
	}

	for _, state := range states {
		if state.EntityID == entityID {
			return state, nil
		}
	}

	return nil, fmt.Errorf("entity %s not found", entityID)
}

// GetAllStates retrieves all entity states
func (c *Client) GetAllStates() ([]*State, error) {
	msgID := c.nextMsgID()
	req := &GetStatesRequest{
		ID:   msgID,
		Type: "get_states",
	}

	resp, err := c.sendMessage(msgID, req)
	if err != nil {
		return nil, err
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}

	return states, nil
}

// CallService calls a Home Assistant service
func (c *Client) CallService(domain, service string, data map[string]interface{}) error {
	msgID := c.nextMsgID()
	req := &CallServiceRequest{
		ID:          msgID,
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	}

	_, err := c.sendMessage(msgID, req)
	return err
}

// CallEntityService calls a service targeted at a single entity
func (c *Client) CallEntityService(domain, service, entityID string, data map[string]interface{}) error {
	msgID := c.nextMsgID()
	req := &CallServiceRequest{
		ID:          msgID,
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
		Target:      &ServiceTarget{EntityID: []string{entityID}},
	}

	_, err := c.sendMessage(msgID, req)
	return err
}

// SubscribeStateChanges subscribes to state changes for a specific entity
func (c *Client) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	c.nextSubIDMu.Lock()
	subID := c.nextSubID
	c.nextSubID++
	c.nextSubIDMu.Unlock()

	c.subsMu.Lock()
	c.subscribers[entityID] = append(c.subscribers[entityID], subscriberEntry{
		subID:   subID,
		handler: handler,
	})
	c.subsMu.Unlock()

	return &subscription{
		entityID: entityID,
		subID:    subID,
		client:   c,
	}, nil
}

// unsubscribe removes a specific subscription by entity ID and subscription ID
func (c *Client) unsubscribe(entityID string, subID int) error {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	subscribers, ok := c.subscribers[entityID]
	if !ok {
		return nil
	}

	for i, entry := range subscribers {
		if entry.subID == subID {
			c.subscribers[entityID] = append(subscribers[:i], subscribers[i+1:]...)
			if len(c.subscribers[entityID]) == 0 {
				delete(c.subscribers, entityID)
			}
			break
		}
	}

	return nil
}
