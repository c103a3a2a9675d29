package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Outbound (Home Assistant -> bemfa)
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bemfa_bridge_messages_published_total",
		Help: "Messages published to the bemfa broker, by domain",
	}, []string{"domain"})

	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bemfa_bridge_publish_failures_total",
		Help: "Publishes to the bemfa broker that failed",
	})

	DuplicatesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bemfa_bridge_duplicates_skipped_total",
		Help: "State changes that produced the same message as the last one published",
	})

	// Inbound (bemfa -> Home Assistant)
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bemfa_bridge_messages_received_total",
		Help: "Messages received from the bemfa broker, by domain",
	}, []string{"domain"})

	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bemfa_bridge_actions_executed_total",
		Help: "Home Assistant services called for inbound messages",
	}, []string{"domain", "service"})

	EchoesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bemfa_bridge_echoes_suppressed_total",
		Help: "Inbound messages that matched the current local state",
	})

	MessagesIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bemfa_bridge_messages_ignored_total",
		Help: "Inbound messages not acted on, by reason",
	}, []string{"reason"})

	ServiceCallFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bemfa_bridge_service_call_failures_total",
		Help: "Home Assistant service calls that returned an error",
	})

	SyncedEntities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bemfa_bridge_synced_entities",
		Help: "Number of entities currently mirrored to bemfa topics",
	})

	// Connections
	HAConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bemfa_bridge_ha_connection_status",
		Help: "Status of the Home Assistant connection (1=connected, 0=disconnected)",
	})

	HAReconnectTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bemfa_bridge_ha_reconnect_total",
		Help: "Total number of reconnection attempts to Home Assistant",
	})

	MQTTConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bemfa_bridge_mqtt_connection_status",
		Help: "Status of the bemfa MQTT connection (1=connected, 0=disconnected)",
	})

	// Cloud API
	CloudRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bemfa_bridge_cloud_requests_total",
		Help: "Requests to the bemfa topic API by operation and status",
	}, []string{"operation", "status"})

	CloudRetryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bemfa_bridge_cloud_retry_attempts_total",
		Help: "Total number of retry attempts for bemfa topic API requests",
	})
)

// Ignore reasons
const (
	ReasonUnknownTopic = "unknown_topic"
	ReasonMalformed    = "malformed"
	ReasonNoop         = "noop"
	ReasonNoState      = "no_state"
)
