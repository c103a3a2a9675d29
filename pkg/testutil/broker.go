package testutil

import (
	"fmt"
	"sync"

	"bemfabridge/internal/mqtt"
)

// Publication is one message published to the MemoryBroker
type Publication struct {
	Topic   string
	Payload string
}

// MemoryBroker is an in-process stand-in for the bemfa MQTT broker.
// It satisfies bridge.Broker.
type MemoryBroker struct {
	mu        sync.Mutex
	published []Publication
	handlers  map[string]mqtt.MessageHandler
}

// NewMemoryBroker creates an empty broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		handlers: make(map[string]mqtt.MessageHandler),
	}
}

// Publish records a message
func (b *MemoryBroker) Publish(topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, Publication{Topic: topic, Payload: string(payload)})
	return nil
}

// Subscribe registers the handler for a topic
func (b *MemoryBroker) Subscribe(topic string, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

// Unsubscribe drops the handlers of the given topics
func (b *MemoryBroker) Unsubscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		delete(b.handlers, topic)
	}
	return nil
}

// Deliver hands a message to the subscriber of topic, as a bemfa device would
func (b *MemoryBroker) Deliver(topic, payload string) error {
	b.mu.Lock()
	handler, ok := b.handlers[topic]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no subscriber for topic %s", topic)
	}
	return handler(topic, []byte(payload))
}

// Subscribed reports whether a topic has a subscriber
func (b *MemoryBroker) Subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[topic]
	return ok
}

// Messages returns every payload published to topic, in order
func (b *MemoryBroker) Messages(topic string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, p := range b.published {
		if p.Topic == topic {
			out = append(out, p.Payload)
		}
	}
	return out
}

// Last returns the last payload published to topic
func (b *MemoryBroker) Last(topic string) (string, bool) {
	msgs := b.Messages(topic)
	if len(msgs) == 0 {
		return "", false
	}
	return msgs[len(msgs)-1], true
}
