// Package testutil provides a mock Home Assistant websocket server and an
// in-memory broker for end-to-end tests of the bemfa bridge.
package testutil

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MockHAVersion is reported in auth_ok
const MockHAVersion = "2024.6.0"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) writeJSON(v interface{}) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteJSON(v); err != nil {
		log.Printf("Mock HA write failed: %v", err)
	}
}

// MockHAServer simulates the parts of the Home Assistant websocket API the bridge uses
type MockHAServer struct {
	server       *httptest.Server
	token        string
	states       map[string]*EntityState
	statesMu     sync.RWMutex
	connections  []*connWrapper
	connsMu      sync.Mutex
	serviceCalls []ServiceCall
	callsMu      sync.Mutex
	failService  string // "domain.service" answered with success=false
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Message represents a WebSocket message
type Message struct {
	ID        int             `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   *bool           `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Event     *Event          `json:"event,omitempty"`
	Error     *ErrorDetail    `json:"error,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`
}

// ErrorDetail is the error body of a failed result
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event represents a Home Assistant event
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent represents a state_changed event
type StateChangedEvent struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

type request struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data"`
	Target      *struct {
		EntityID []string `json:"entity_id"`
	} `json:"target"`
}

// NewMockHAServer creates and starts a mock HA server on a free local port
func NewMockHAServer(token string) *MockHAServer {
	s := &MockHAServer{
		token:  token,
		states: make(map[string]*EntityState),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = httptest.NewServer(mux)
	return s
}

// URL returns the websocket URL clients should dial
func (s *MockHAServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Stop closes every connection and the listener
func (s *MockHAServer) Stop() {
	s.DropConnections()
	s.server.Close()
}

// DropConnections closes every client connection, forcing clients to reconnect
func (s *MockHAServer) DropConnections() {
	s.connsMu.Lock()
	conns := s.connections
	s.connections = nil
	s.connsMu.Unlock()

	for _, w := range conns {
		w.conn.Close()
	}
}

// ConnectionCount returns the number of authenticated connections
func (s *MockHAServer) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.connections)
}

// FailService makes every call to domain.service fail. Empty clears it.
func (s *MockHAServer) FailService(service string) {
	s.callsMu.Lock()
	s.failService = service
	s.callsMu.Unlock()
}

// SetState sets a state and broadcasts a state_changed event
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.setState(entityID, state, attributes, true)
}

// SetStateQuietly changes a state without broadcasting, as if the event was missed
func (s *MockHAServer) SetStateQuietly(entityID, state string, attributes map[string]interface{}) {
	s.setState(entityID, state, attributes, false)
}

func (s *MockHAServer) setState(entityID, state string, attributes map[string]interface{}, broadcast bool) {
	if attributes == nil {
		attributes = make(map[string]interface{})
	}

	now := time.Now()
	newState := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	s.statesMu.Lock()
	oldState := s.states[entityID]
	s.states[entityID] = newState
	s.statesMu.Unlock()

	if broadcast {
		s.broadcastStateChange(entityID, oldState, newState)
	}
}

// GetState retrieves a state
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	wrapper := &connWrapper{conn: conn}
	defer func() {
		s.connsMu.Lock()
		for i, c := range s.connections {
			if c == wrapper {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.writeJSON(Message{Type: "auth_required", HAVersion: MockHAVersion})

	var auth authMessage
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != s.token {
		wrapper.writeJSON(Message{Type: "auth_invalid"})
		return
	}
	wrapper.writeJSON(Message{Type: "auth_ok", HAVersion: MockHAVersion})

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		switch req.Type {
		case "subscribe_events", "unsubscribe_events":
			s.reply(wrapper, req.ID, nil)
		case "get_states":
			s.handleGetStates(wrapper, req)
		case "call_service":
			s.handleCallService(wrapper, req)
		default:
			s.replyError(wrapper, req.ID, "unknown_command", "Unknown command.")
		}
	}
}

func (s *MockHAServer) reply(w *connWrapper, id int, result json.RawMessage) {
	success := true
	w.writeJSON(Message{ID: id, Type: "result", Success: &success, Result: result})
}

func (s *MockHAServer) replyError(w *connWrapper, id int, code, message string) {
	success := false
	w.writeJSON(Message{ID: id, Type: "result", Success: &success, Error: &ErrorDetail{Code: code, Message: message}})
}

func (s *MockHAServer) handleGetStates(w *connWrapper, req request) {
	s.statesMu.RLock()
	states := make([]*EntityState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	s.statesMu.RUnlock()

	result, _ := json.Marshal(states)
	s.reply(w, req.ID, result)
}

func (s *MockHAServer) handleCallService(w *connWrapper, req request) {
	entityID, _ := req.ServiceData["entity_id"].(string)
	if req.Target != nil && len(req.Target.EntityID) > 0 {
		entityID = req.Target.EntityID[0]
	}

	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		EntityID:    entityID,
		ServiceData: req.ServiceData,
	})
	fail := s.failService == req.Domain+"."+req.Service
	s.callsMu.Unlock()

	if fail {
		s.replyError(w, req.ID, "service_validation_error", "Service call rejected by mock")
		return
	}

	// Reply before the state change, like Home Assistant does
	s.reply(w, req.ID, nil)

	if entityID != "" {
		s.applyService(entityID, req.Service, req.ServiceData)
	}
}

// applyService updates an entity the way the real integration would
func (s *MockHAServer) applyService(entityID, service string, data map[string]interface{}) {
	s.statesMu.RLock()
	old := s.states[entityID]
	s.statesMu.RUnlock()
	if old == nil {
		return
	}

	value := old.State
	attrs := make(map[string]interface{}, len(old.Attributes))
	for k, v := range old.Attributes {
		attrs[k] = v
	}

	switch service {
	case "turn_on":
		value = "on"
		if pct, ok := data["brightness_pct"].(float64); ok {
			attrs["brightness"] = pct * 255 / 100
		}
		if kelvin, ok := data["color_temp_kelvin"].(float64); ok {
			attrs["color_temp_kelvin"] = kelvin
			attrs["color_mode"] = "color_temp"
		}
		if rgb, ok := data["rgb_color"].([]interface{}); ok {
			attrs["rgb_color"] = rgb
			attrs["color_mode"] = "rgb"
		}
	case "turn_off":
		value = "off"
	case "open_cover":
		value = "open"
		attrs["current_position"] = 100.0
	case "close_cover":
		value = "closed"
		attrs["current_position"] = 0.0
	case "stop_cover":
	case "set_cover_position":
		pos, _ := data["position"].(float64)
		attrs["current_position"] = pos
		value = "closed"
		if pos > 0 {
			value = "open"
		}
	case "set_percentage":
		pct, _ := data["percentage"].(float64)
		attrs["percentage"] = pct
		value = "off"
		if pct > 0 {
			value = "on"
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

	s.SetState(entityID, value, attrs)
}

func (s *MockHAServer) broadcastStateChange(entityID string, oldState, newState *EntityState) {
	data, _ := json.Marshal(StateChangedEvent{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	})

	msg := Message{
		Type: "event",
		Event: &Event{
			EventType: "state_changed",
			Data:      data,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	conns := make([]*connWrapper, len(s.connections))
	copy(conns, s.connections)
	s.connsMu.Unlock()

	for _, w := range conns {
		w.writeJSON(msg)
	}
}

// GetServiceCalls returns all service calls since last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls resets the service call log
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}
