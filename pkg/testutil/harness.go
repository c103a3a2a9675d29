package testutil

import (
	"context"
	"fmt"
	"time"

	"bemfabridge/internal/bemfa"
	"bemfabridge/internal/bridge"
	"bemfabridge/internal/config"
	"bemfabridge/internal/ha"
	"bemfabridge/internal/shadowstate"

	"go.uber.org/zap"
)

// TestEnv wires a real Home Assistant client and bridge to a MockHAServer
// and a MemoryBroker.
type TestEnv struct {
	Server   *MockHAServer
	Broker   *MemoryBroker
	HAClient *ha.Client
	Bridge   *bridge.Bridge
	Topics   *bridge.TopicMap
	Tracker  *shadowstate.Tracker
	Config   *config.Config
	Logger   *zap.Logger
}

// NewTestEnv starts a mock server and connects a client to it. Seed states on
// env.Server, then call Start.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv("test_token", config.SyncConfig{Domains: []string{"switch"}})
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
func NewTestEnv(token string, sync config.SyncConfig) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	server := NewMockHAServer(token)

	client := ha.NewClient(server.URL(), token, logger,
		ha.WithRequestTimeout(2*time.Second),
		ha.WithReconnectBackoff(20*time.Millisecond, 200*time.Millisecond))
	if err := client.Connect(); err != nil {
		server.Stop()
		return nil, fmt.Errorf("failed to connect client: %w", err)
	}

	cfg := config.Default()
	cfg.HomeAssistant = config.HomeAssistantConfig{URL: server.URL(), Token: token}
	cfg.Bemfa.UID = "test_uid"
	cfg.Sync = sync

	broker := NewMemoryBroker()
	topics := bridge.NewTopicMap()
	tracker := shadowstate.NewTracker()

	return &TestEnv{
		Server:   server,
		Broker:   broker,
		HAClient: client,
		Bridge:   bridge.New(client, broker, topics, tracker, cfg, logger),
		Topics:   topics,
		Tracker:  tracker,
		Config:   cfg,
		Logger:   logger,
	}, nil
}

// Start starts the bridge and refreshes it whenever the client reconnects
func (e *TestEnv) Start() error {
	e.HAClient.SetOnConnect(func() {
		go func() {
			if err := e.Bridge.Refresh(context.Background()); err != nil {
				e.Logger.Error("Refresh after reconnect failed", zap.Error(err))
			}
		}()
	})
	return e.Bridge.Start(context.Background())
}

// Topic returns the bemfa topic of an entity
func (e *TestEnv) Topic(entityID string) string {
	topic, _ := bemfa.Topic(ha.Domain(entityID), entityID)
	return topic
}

// PublishTopic returns the topic the bridge publishes an entity's state to
func (e *TestEnv) PublishTopic(entityID string) string {
	return e.Topic(entityID) + e.Config.Bemfa.PublishSuffix
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	if e.Bridge != nil {
		e.Bridge.Stop()
	}
	if e.HAClient != nil {
		e.HAClient.Disconnect()
	}
	if e.Server != nil {
		e.Server.Stop()
	}
}

// GetServiceCalls returns all service calls made to the mock server
func (e *TestEnv) GetServiceCalls() []ServiceCall {
	return e.Server.GetServiceCalls()
}

// ClearServiceCalls clears the recorded service calls.
func (e *TestEnv) ClearServiceCalls() {
	e.Server.ClearServiceCalls()
}
