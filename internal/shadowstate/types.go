package shadowstate

import "time"

// Outcome of an inbound message
const (
	OutcomeExecuted   = "executed"
	OutcomeSuppressed = "suppressed" // matched local state, treated as an echo
	OutcomeNoop       = "noop"       // leading token not recognised
	OutcomeMalformed  = "malformed"
	OutcomeFailed     = "failed" // service call returned an error
)

// StateMetadata contains metadata about the shadow state
type StateMetadata struct {
	LastUpdated time.Time `json:"lastUpdated"`
	EntityID    string    `json:"entityId"`
}

// LocalState is the Home Assistant side of an entity
type LocalState struct {
	State      string                 `json:"state"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Updated    time.Time              `json:"updated"`
}

// PublishRecord is the last message sent to the broker
type PublishRecord struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// InboundRecord is the last message received from the broker and what came of it
type InboundRecord struct {
	Message   string                 `json:"message"`
	Expected  string                 `json:"expected,omitempty"`
	Outcome   string                 `json:"outcome"`
	Service   string                 `json:"service,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EntityShadowState is the decision trace for one synced entity
type EntityShadowState struct {
	EntityID string         `json:"entityId"`
	Domain   string         `json:"domain"`
	Topic    string         `json:"topic"`
	Name     string         `json:"name"`
	Local    *LocalState    `json:"local,omitempty"`
	Publish  *PublishRecord `json:"lastPublish,omitempty"`
	Inbound  *InboundRecord `json:"lastInbound,omitempty"`
	Metadata StateMetadata  `json:"metadata"`
}

// clone returns a deep enough copy for callers to read without locking
func (s *EntityShadowState) clone() *EntityShadowState {
	c := *s
	if s.Local != nil {
		local := *s.Local
		local.Attributes = copyMap(s.Local.Attributes)
		c.Local = &local
	}
	if s.Publish != nil {
		publish := *s.Publish
		c.Publish = &publish
	}
	if s.Inbound != nil {
		inbound := *s.Inbound
		inbound.Data = copyMap(s.Inbound.Data)
		c.Inbound = &inbound
	}
	return &c
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
