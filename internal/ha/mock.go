package ha

import (
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing
type MockClient struct {
	states       map[string]*State
	statesMu     sync.RWMutex
	subscribers  map[string][]subscriberEntry
	subsMu       sync.RWMutex
	nextSubID    int
	nextSubIDMu  sync.Mutex
	connected    bool
	connMu       sync.RWMutex
	serviceCalls []ServiceCall
	callsMu      sync.Mutex
	callErr      error
	onConnect    func()
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain   string
	Service  string
	EntityID string
	Data     map[string]interface{}
	Time     time.Time
}

// mockSubscription implements Subscription interface for MockClient
type mockSubscription struct {
	entityID string
	subID    int
	mock     *MockClient
}

func (s *mockSubscription) Unsubscribe() error {
	return s.mock.unsubscribe(s.entityID, s.subID)
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:       make(map[string]*State),
		subscribers:  make(map[string][]subscriberEntry),
		serviceCalls: make([]ServiceCall, 0),
	}
}

// SetOnConnect stores a callback that Connect invokes
func (m *MockClient) SetOnConnect(callback func()) {
	m.connMu.Lock()
	m.onConnect = callback
	m.connMu.Unlock()
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	if m.connected {
		m.connMu.Unlock()
		return fmt.Errorf("already connected")
	}
	m.connected = true
	callback := m.onConnect
	m.connMu.Unlock()

	if callback != nil {
		callback()
	}
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	m.connected = false
	m.connMu.Unlock()

	m.subsMu.Lock()
	m.subscribers = make(map[string][]subscriberEntry)
	m.subsMu.Unlock()
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState retrieves a mock state
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}

	return state, nil
}

// GetAllStates retrieves all mock states
func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}

	return states, nil
}

// FailServiceCalls makes every following service call return err; nil restores success
func (m *MockClient) FailServiceCalls(err error) {
	m.callsMu.Lock()
	m.callErr = err
	m.callsMu.Unlock()
}

// CallService records a service call
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	entityID, _ := data["entity_id"].(string)
	return m.record(domain, service, entityID, data)
}

// CallEntityService records a service call targeted at one entity
func (m *MockClient) CallEntityService(domain, service, entityID string, data map[string]interface{}) error {
	return m.record(domain, service, entityID, data)
}

func (m *MockClient) record(domain, service, entityID string, data map[string]interface{}) error {
	m.callsMu.Lock()
	if m.callErr != nil {
		err := m.callErr
		m.callsMu.Unlock()
		return err
	}
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:   domain,
		Service:  service,
		EntityID: entityID,
		Data:     data,
		Time:     time.Now(),
	})
	m.callsMu.Unlock()

	if entityID != "" {
		m.updateStateFromServiceCall(entityID, service, data)
	}

	return nil
}

// SubscribeStateChanges subscribes to state changes
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	m.nextSubIDMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.nextSubIDMu.Unlock()

	m.subsMu.Lock()
	m.subscribers[entityID] = append(m.subscribers[entityID], subscriberEntry{
		subID:   subID,
		handler: handler,
	})
	m.subsMu.Unlock()

	return &mockSubscription{
		entityID: entityID,
		subID:    subID,
		mock:     m,
	}, nil
}

// SubscriberCount returns the number of live subscriptions for an entity
func (m *MockClient) SubscriberCount(entityID string) int {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	return len(m.subscribers[entityID])
}

// unsubscribe removes a specific subscription by entity ID and subscription ID
func (m *MockClient) unsubscribe(entityID string, subID int) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	subscribers, ok := m.subscribers[entityID]
	if !ok {
		return nil // Already unsubscribed
	}

	for i, entry := range subscribers {
		if entry.subID == subID {
			m.subscribers[entityID] = append(subscribers[:i], subscribers[i+1:]...)
			if len(m.subscribers[entityID]) == 0 {
				delete(m.subscribers, entityID)
			}
			break
		}
	}

	return nil
}

// SetState sets a mock state (for testing) and notifies subscribers
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	if attributes == nil {
		attributes = make(map[string]interface{})
	}

	now := time.Now()
	newState := &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	m.statesMu.Lock()
	oldState := m.states[entityID]
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifySubscribers(entityID, oldState, newState)
}

// SimulateStateChange changes only the state value, keeping attributes
func (m *MockClient) SimulateStateChange(entityID string, newStateValue string) {
	m.statesMu.RLock()
	oldState := m.states[entityID]
	m.statesMu.RUnlock()

	attributes := make(map[string]interface{})
	if oldState != nil {
		attributes = copyAttributes(oldState.Attributes)
	}
	m.SetState(entityID, newStateValue, attributes)
}

// RemoveState simulates an entity being removed (new_state is null)
func (m *MockClient) RemoveState(entityID string) {
	m.statesMu.Lock()
	oldState := m.states[entityID]
	delete(m.states, entityID)
	m.statesMu.Unlock()

	m.notifySubscribers(entityID, oldState, nil)
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
}

// updateStateFromServiceCall applies a rough approximation of what HA would do
// for the services the bridge issues, so echo round trips can be tested.
func (m *MockClient) updateStateFromServiceCall(entityID, service string, data map[string]interface{}) {
	m.statesMu.RLock()
	oldState := m.states[entityID]
	m.statesMu.RUnlock()

	value := ""
	attributes := make(map[string]interface{})
	if oldState != nil {
		value = oldState.State
		attributes = copyAttributes(oldState.Attributes)
	}

	switch service {
	case "turn_on":
		value = "on"
		if pct, ok := toFloat(data["brightness_pct"]); ok {
			attributes["brightness"] = pct * 255 / 100
		}
		if kelvin, ok := toFloat(data["color_temp_kelvin"]); ok {
			attributes["color_temp_kelvin"] = kelvin
			attributes["color_mode"] = "color_temp"
		}
		if rgb, ok := data["rgb_color"].([]int); ok {
			attributes["rgb_color"] = rgb
			attributes["color_mode"] = "rgb"
		}
	case "turn_off":
		value = "off"
	case "open_cover":
		value = "open"
	case "close_cover":
		value = "closed"
	case "set_cover_position":
		if pos, ok := toFloat(data["position"]); ok {
			attributes["current_position"] = pos
			if pos > 0 {
				value = "open"
			} else {
				value = "closed"
			}
		}
	case "set_percentage":
		if pct, ok := toFloat(data["percentage"]); ok {
			attributes["percentage"] = pct
			if pct > 0 {
				value = "on"
			} else {
				value = "off"
			}
		}
	case "oscillate":
		if osc, ok := data["oscillating"].(bool); ok {
			attributes["oscillating"] = osc
		}
	case "set_hvac_mode":
		if mode, ok := data["hvac_mode"].(string); ok {
			value = mode
		}
	case "set_preset_mode":
		if preset, ok := data["preset_mode"].(string); ok {
			attributes["preset_mode"] = preset
		}
	case "set_temperature":
		if temp, ok := toFloat(data["temperature"]); ok {
			attributes["temperature"] = temp
		}
	case "start":
		value = "cleaning"
	case "pause":
		value = "paused"
	case "return_to_base":
		value = "returning"
	default:
		return
	}

	m.SetState(entityID, value, attributes)
}

// notifySubscribers notifies all subscribers of a state change
func (m *MockClient) notifySubscribers(entityID string, oldState, newState *State) {
	m.subsMu.RLock()
	entries := append([]subscriberEntry(nil), m.subscribers[entityID]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, oldState, newState)
	}
}

func copyAttributes(attrs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
