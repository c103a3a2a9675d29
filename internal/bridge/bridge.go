// Package bridge mirrors Home Assistant entities to bemfa cloud topics.
//
// Outbound, every state_changed event is encoded with the bemfa codec and
// published when the message differs from the last one sent for the topic.
// Inbound, every broker message is decoded, compared with the message the
// current local state would produce, and at most one service call is made.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"bemfabridge/internal/bemfa"
	"bemfabridge/internal/config"
	"bemfabridge/internal/ha"
	"bemfabridge/internal/metrics"
	"bemfabridge/internal/mqtt"
	"bemfabridge/internal/shadowstate"
)

const reconcileTimeout = 30 * time.Second

// Broker is the MQTT side of the bridge
type Broker interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// entity is the bridge's view of one synced entity
type entity struct {
	id       string
	domain   string
	topic    string
	name     string
	readOnly bool

	sub           ha.Subscription
	state         *ha.State
	lastPublished string
}

// Bridge connects one Home Assistant instance to one bemfa account
type Bridge struct {
	ha         ha.HAClient
	broker     Broker
	topics     *TopicMap
	tracker    *shadowstate.Tracker
	reconciler *Reconciler
	logger     *zap.Logger
	suffix     string

	// applyMu serialises Start, Resync and Refresh
	applyMu sync.Mutex

	mu        sync.Mutex
	selection config.SyncConfig
	entities  map[string]*entity
}

// New creates a bridge. topics and tracker are owned by the caller so they can
// be shared with the API server.
func New(client ha.HAClient, broker Broker, topics *TopicMap, tracker *shadowstate.Tracker, cfg *config.Config, logger *zap.Logger) *Bridge {
	return &Bridge{
		ha:        client,
		broker:    broker,
		topics:    topics,
		tracker:   tracker,
		logger:    logger,
		suffix:    cfg.Bemfa.PublishSuffix,
		selection: cfg.Sync,
		entities:  make(map[string]*entity),
	}
}

// SetReconciler enables cloud topic management; nil disables it
func (b *Bridge) SetReconciler(r *Reconciler) {
	b.reconciler = r
}

// Start selects entities, subscribes both sides and publishes the initial messages
func (b *Bridge) Start(ctx context.Context) error {
	b.logger.Info("Starting bemfa bridge")
	return b.refresh(ctx)
}

// Resync applies a new sync selection, adding and removing entities as needed
func (b *Bridge) Resync(ctx context.Context, cfg *config.Config) error {
	b.mu.Lock()
	b.selection = cfg.Sync
	b.mu.Unlock()

	b.logger.Info("Resyncing entity selection")
	return b.refresh(ctx)
}

// Refresh re-reads every state from Home Assistant, e.g. after a reconnect
func (b *Bridge) Refresh(ctx context.Context) error {
	return b.refresh(ctx)
}

func (b *Bridge) refresh(ctx context.Context) error {
	b.applyMu.Lock()
	defer b.applyMu.Unlock()

	states, err := b.ha.GetAllStates()
	if err != nil {
		return fmt.Errorf("failed to fetch states: %w", err)
	}
	return b.apply(ctx, states)
}

// apply diffs the selected entities against the current set
func (b *Bridge) apply(ctx context.Context, states []*ha.State) error {
	b.mu.Lock()
	selected := b.selectEntities(states)

	var added, removed, refreshed []*entity
	var current []string
	for id, e := range b.entities {
		if _, ok := selected[id]; !ok {
			removed = append(removed, e)
			delete(b.entities, id)
		}
	}
	for id, e := range selected {
		if existing, ok := b.entities[id]; ok {
			existing.state = e.state
			existing.name = e.name
			refreshed = append(refreshed, e)
		} else {
			b.entities[id] = e
			added = append(added, e)
		}
		current = append(current, id)
	}
	desired := make(map[string]string, len(b.entities))
	for _, e := range b.entities {
		desired[e.topic] = e.name
	}
	b.mu.Unlock()

	var errs []error
	for _, e := range removed {
		if err := b.unregister(e); err != nil {
			errs = append(errs, err)
		}
	}

	if b.reconciler != nil {
		rctx, cancel := context.WithTimeout(ctx, reconcileTimeout)
		if _, err := b.reconciler.Reconcile(rctx, desired); err != nil {
			b.logger.Error("Failed to reconcile cloud topics", zap.Error(err))
			errs = append(errs, err)
		}
		cancel()
	}

	failed := make(map[string]bool)
	for _, e := range added {
		if err := b.register(e); err != nil {
			failed[e.id] = true
			errs = append(errs, err)
		}
	}
	for _, e := range refreshed {
		b.tracker.Register(e.id, e.domain, e.topic, e.name)
		b.tracker.UpdateLocal(e.id, e.state.State, e.state.Attributes)
	}

	synced := current[:0]
	for _, id := range current {
		if !failed[id] {
			synced = append(synced, id)
		}
	}
	sort.Strings(synced)
	for _, id := range synced {
		b.publishState(id)
	}

	metrics.SyncedEntities.Set(float64(b.topics.Len()))
	b.logger.Info("Entity selection applied",
		zap.Int("synced", len(synced)),
		zap.Int("added", len(added)),
		zap.Int("removed", len(removed)))

	return errors.Join(errs...)
}

// selectEntities keeps states chosen by the sync config that the codec can encode.
// Caller holds b.mu.
func (b *Bridge) selectEntities(states []*ha.State) map[string]*entity {
	selected := make(map[string]*entity)
	for _, s := range states {
		domain := s.Domain()
		if !b.selection.Selects(s.EntityID, domain) {
			continue
		}

		d, err := bemfa.Lookup(domain)
		if err != nil {
			b.logger.Warn("Skipping entity with unsupported domain", zap.String("entity_id", s.EntityID))
			continue
		}
		if !d.Accepts(s.Attributes) {
			b.logger.Debug("Skipping entity rejected by domain filter", zap.String("entity_id", s.EntityID))
			continue
		}

		topic, err := bemfa.Topic(domain, s.EntityID)
		if err != nil {
			continue
		}

		selected[s.EntityID] = &entity{
			id:       s.EntityID,
			domain:   domain,
			topic:    topic,
			name:     s.FriendlyName(),
			readOnly: d.ReadOnly(),
			state:    s,
		}
	}
	return selected
}

func (b *Bridge) register(e *entity) error {
	b.topics.Add(e.topic, e.id)
	b.tracker.Register(e.id, e.domain, e.topic, e.name)
	if e.state != nil {
		b.tracker.UpdateLocal(e.id, e.state.State, e.state.Attributes)
	}

	sub, err := b.ha.SubscribeStateChanges(e.id, b.handleStateChange)
	if err != nil {
		b.rollback(e)
		return fmt.Errorf("failed to subscribe to %s: %w", e.id, err)
	}
	b.mu.Lock()
	e.sub = sub
	b.mu.Unlock()

	// Read-only entities never act on inbound messages
	if !e.readOnly {
		if err := b.broker.Subscribe(e.topic, b.handleMessage); err != nil {
			b.rollback(e)
			return fmt.Errorf("failed to subscribe to topic %s: %w", e.topic, err)
		}
	}

	b.logger.Debug("Registered entity",
		zap.String("entity_id", e.id),
		zap.String("topic", e.topic))
	return nil
}

// rollback forgets a half-registered entity so the next refresh adds it again
func (b *Bridge) rollback(e *entity) {
	b.mu.Lock()
	if b.entities[e.id] == e {
		delete(b.entities, e.id)
	}
	sub := e.sub
	e.sub = nil
	b.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	b.topics.Remove(e.id)
	b.tracker.Remove(e.id)
	b.logger.Warn("Entity registration rolled back", zap.String("entity_id", e.id))
}

func (b *Bridge) unregister(e *entity) error {
	b.mu.Lock()
	sub := e.sub
	e.sub = nil
	b.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	b.topics.Remove(e.id)
	b.tracker.Remove(e.id)

	b.logger.Debug("Unregistered entity",
		zap.String("entity_id", e.id),
		zap.String("topic", e.topic))

	if e.readOnly {
		return nil
	}
	if err := b.broker.Unsubscribe(e.topic); err != nil {
		return fmt.Errorf("failed to unsubscribe from topic %s: %w", e.topic, err)
	}
	return nil
}

// Stop unsubscribes everything. The bridge can be started again afterwards.
func (b *Bridge) Stop() error {
	b.applyMu.Lock()
	defer b.applyMu.Unlock()

	b.mu.Lock()
	entities := make([]*entity, 0, len(b.entities))
	for _, e := range b.entities {
		entities = append(entities, e)
	}
	b.entities = make(map[string]*entity)
	b.mu.Unlock()

	var topics []string
	for _, e := range entities {
		if e.sub != nil {
			e.sub.Unsubscribe()
		}
		b.topics.Remove(e.id)
		b.tracker.Remove(e.id)
		if !e.readOnly {
			topics = append(topics, e.topic)
		}
	}
	metrics.SyncedEntities.Set(0)

	b.logger.Info("Stopped bemfa bridge", zap.Int("entities", len(entities)))
	if len(topics) == 0 {
		return nil
	}
	sort.Strings(topics)
	return b.broker.Unsubscribe(topics...)
}

// handleStateChange is the Home Assistant subscription callback
func (b *Bridge) handleStateChange(entityID string, oldState, newState *ha.State) {
	b.mu.Lock()
	e, ok := b.entities[entityID]
	if ok {
		e.state = newState
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	// A removed entity reads as off until it comes back or the next refresh drops it
	if newState == nil {
		b.logger.Info("Entity removed from Home Assistant", zap.String("entity_id", entityID))
		b.tracker.UpdateLocal(entityID, ha.StateUnavailable, nil)
	} else {
		b.tracker.UpdateLocal(entityID, newState.State, newState.Attributes)
	}
	b.publishState(entityID)
}

// publishState sends the entity's current message unless it equals the last one sent.
// An entity without state publishes off.
func (b *Bridge) publishState(entityID string) {
	b.mu.Lock()
	e, ok := b.entities[entityID]
	if !ok {
		b.mu.Unlock()
		return
	}

	msg := bemfa.MsgOff
	if e.state != nil {
		var err error
		msg, err = bemfa.Generate(e.domain, e.state.State, e.state.Attributes)
		if err != nil {
			b.mu.Unlock()
			b.logger.Error("Failed to encode state", zap.String("entity_id", entityID), zap.Error(err))
			return
		}
	}
	if msg == e.lastPublished {
		b.mu.Unlock()
		metrics.DuplicatesSkipped.Inc()
		return
	}
	e.lastPublished = msg
	topic := e.topic + b.suffix
	domain := e.domain
	b.mu.Unlock()

	if err := b.broker.Publish(topic, []byte(msg)); err != nil {
		metrics.PublishFailures.Inc()
		b.logger.Error("Failed to publish state",
			zap.String("entity_id", entityID),
			zap.String("topic", topic),
			zap.Error(err))

		// Forget the message so the next change retries it
		b.mu.Lock()
		if e.lastPublished == msg {
			e.lastPublished = ""
		}
		b.mu.Unlock()
		return
	}

	metrics.MessagesPublished.WithLabelValues(domain).Inc()
	b.tracker.RecordPublish(entityID, msg)
	b.logger.Debug("Published state",
		zap.String("entity_id", entityID),
		zap.String("topic", topic),
		zap.String("message", msg))
}

// handleMessage is the broker subscription callback
func (b *Bridge) handleMessage(topic string, payload []byte) error {
	topic = strings.TrimSuffix(topic, b.suffix)
	msg := string(payload)

	entityID, ok := b.topics.Entity(topic)
	var e *entity
	if ok {
		b.mu.Lock()
		e = b.entities[entityID]
		b.mu.Unlock()
	}
	if e == nil {
		metrics.MessagesIgnored.WithLabelValues(metrics.ReasonUnknownTopic).Inc()
		b.logger.Debug("Message for unknown topic", zap.String("topic", topic))
		return nil
	}

	b.mu.Lock()
	state := e.state
	b.mu.Unlock()

	metrics.MessagesReceived.WithLabelValues(e.domain).Inc()
	if state == nil {
		metrics.MessagesIgnored.WithLabelValues(metrics.ReasonNoState).Inc()
		return nil
	}

	fields, actions, err := bemfa.Resolve(e.domain, msg, state.Attributes)
	if err != nil {
		metrics.MessagesIgnored.WithLabelValues(metrics.ReasonMalformed).Inc()
		b.tracker.RecordInbound(entityID, shadowstate.InboundRecord{
			Message: msg,
			Outcome: shadowstate.OutcomeMalformed,
			Error:   err.Error(),
		})
		b.logger.Warn("Malformed bemfa message",
			zap.String("entity_id", entityID),
			zap.String("message", msg),
			zap.Error(err))
		return nil
	}
	if fields == nil {
		metrics.MessagesIgnored.WithLabelValues(metrics.ReasonNoop).Inc()
		b.tracker.RecordInbound(entityID, shadowstate.InboundRecord{
			Message: msg,
			Outcome: shadowstate.OutcomeNoop,
		})
		b.logger.Debug("Ignoring unrecognised message",
			zap.String("entity_id", entityID),
			zap.String("message", msg))
		return nil
	}

	expected, err := bemfa.GenerateFields(e.domain, state.State, state.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode local state of %s: %w", entityID, err)
	}

	record := shadowstate.InboundRecord{
		Message:  msg,
		Expected: bemfa.Join(expected),
	}

	action, ok := bemfa.SelectAction(fields, expected, actions)
	if !ok {
		metrics.EchoesSuppressed.Inc()
		record.Outcome = shadowstate.OutcomeSuppressed
		b.tracker.RecordInbound(entityID, record)
		b.logger.Debug("Message matches local state",
			zap.String("entity_id", entityID),
			zap.String("message", msg))
		return nil
	}

	record.Service = action.Service
	record.Data = action.Data

	if err := b.ha.CallEntityService(e.domain, action.Service, entityID, action.Data); err != nil {
		metrics.ServiceCallFailures.Inc()
		record.Outcome = shadowstate.OutcomeFailed
		record.Error = err.Error()
		b.tracker.RecordInbound(entityID, record)
		b.logger.Error("Service call failed",
			zap.String("entity_id", entityID),
			zap.String("service", e.domain+"."+action.Service),
			zap.Error(err))
		return nil
	}

	metrics.ActionsExecuted.WithLabelValues(e.domain, action.Service).Inc()
	record.Outcome = shadowstate.OutcomeExecuted
	b.tracker.RecordInbound(entityID, record)
	b.logger.Info("Executed bemfa command",
		zap.String("entity_id", entityID),
		zap.String("message", msg),
		zap.String("service", e.domain+"."+action.Service),
		zap.Any("data", action.Data))
	return nil
}
