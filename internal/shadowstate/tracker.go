package shadowstate

import (
	"sort"
	"sync"
	"time"
)

// Tracker keeps the shadow state of every synced entity
type Tracker struct {
	mu       sync.RWMutex
	entities map[string]*EntityShadowState
	now      func() time.Time
}

// NewTracker creates a new shadow state tracker
func NewTracker() *Tracker {
	return &Tracker{
		entities: make(map[string]*EntityShadowState),
		now:      time.Now,
	}
}

// Register starts tracking an entity, keeping any earlier trace
func (t *Tracker) Register(entityID, domain, topic, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.entities[entityID]
	if !ok {
		s = &EntityShadowState{EntityID: entityID}
		t.entities[entityID] = s
	}
	s.Domain = domain
	s.Topic = topic
	s.Name = name
	s.Metadata = StateMetadata{EntityID: entityID, LastUpdated: t.now()}
}

// Remove stops tracking an entity
func (t *Tracker) Remove(entityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entities, entityID)
}

// update runs fn on a tracked entity; untracked entities are ignored
func (t *Tracker) update(entityID string, fn func(s *EntityShadowState, now time.Time)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.entities[entityID]
	if !ok {
		return
	}
	now := t.now()
	fn(s, now)
	s.Metadata.LastUpdated = now
}

// UpdateLocal records the latest Home Assistant state
func (t *Tracker) UpdateLocal(entityID, state string, attrs map[string]interface{}) {
	t.update(entityID, func(s *EntityShadowState, now time.Time) {
		s.Local = &LocalState{State: state, Attributes: copyMap(attrs), Updated: now}
	})
}

// RecordPublish records a message sent to the broker
func (t *Tracker) RecordPublish(entityID, message string) {
	t.update(entityID, func(s *EntityShadowState, now time.Time) {
		s.Publish = &PublishRecord{Message: message, Timestamp: now}
	})
}

// RecordInbound records a message received from the broker and its outcome
func (t *Tracker) RecordInbound(entityID string, record InboundRecord) {
	t.update(entityID, func(s *EntityShadowState, now time.Time) {
		record.Data = copyMap(record.Data)
		record.Timestamp = now
		s.Inbound = &record
	})
}

// Get returns a copy of one entity's shadow state
func (t *Tracker) Get(entityID string) (*EntityShadowState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.entities[entityID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// GetAll returns copies of every tracked entity, sorted by entity id
func (t *Tracker) GetAll() []*EntityShadowState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	states := make([]*EntityShadowState, 0, len(t.entities))
	for _, s := range t.entities {
		states = append(states, s.clone())
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].EntityID < states[j].EntityID
	})
	return states
}
