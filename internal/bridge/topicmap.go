package bridge

import (
	"sort"
	"sync"
)

// TopicEntry pairs a bemfa topic with the entity it mirrors
type TopicEntry struct {
	Topic    string `json:"topic"`
	EntityID string `json:"entity_id"`
}

// TopicMap is the two-way topic <-> entity index owned by one Bridge.
// It is safe for concurrent use.
type TopicMap struct {
	mu       sync.RWMutex
	byTopic  map[string]string
	byEntity map[string]string
}

// NewTopicMap creates an empty topic map
func NewTopicMap() *TopicMap {
	return &TopicMap{
		byTopic:  make(map[string]string),
		byEntity: make(map[string]string),
	}
}

// Add registers a topic for an entity, replacing any earlier topic of that entity
func (m *TopicMap) Add(topic, entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.byEntity[entityID]; ok {
		delete(m.byTopic, old)
	}
	m.byTopic[topic] = entityID
	m.byEntity[entityID] = topic
}

// Remove drops an entity and returns its topic
func (m *TopicMap) Remove(entityID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	topic, ok := m.byEntity[entityID]
	if !ok {
		return "", false
	}
	delete(m.byEntity, entityID)
	delete(m.byTopic, topic)
	return topic, true
}

// Entity returns the entity mirrored by a topic
func (m *TopicMap) Entity(topic string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTopic[topic]
	return id, ok
}

// Topic returns the topic of an entity
func (m *TopicMap) Topic(entityID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	topic, ok := m.byEntity[entityID]
	return topic, ok
}

// Len returns the number of mapped entities
func (m *TopicMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byEntity)
}

// Entries returns every mapping sorted by entity id
func (m *TopicMap) Entries() []TopicEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]TopicEntry, 0, len(m.byEntity))
	for id, topic := range m.byEntity {
		entries = append(entries, TopicEntry{Topic: topic, EntityID: id})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EntityID < entries[j].EntityID
	})
	return entries
}
