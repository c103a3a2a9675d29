// Package integration runs the bridge against a mock Home Assistant websocket
// server and an in-memory broker.
package integration

import (
	"context"
	"testing"
	"time"

	"bemfabridge/internal/config"
	"bemfabridge/internal/shadowstate"
	"bemfabridge/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken = "test_token_12345"
	waitFor   = 2 * time.Second
	tick      = 10 * time.Millisecond
)

func setupTest(t *testing.T) *testutil.TestEnv {
	t.Helper()

	env, err := testutil.NewTestEnv(testToken, config.SyncConfig{
		Domains: []string{"switch", "light", "cover", "sensor", "binary_sensor", "vacuum"},
		Exclude: []string{"switch.ignored"},
	})
	require.NoError(t, err)
	t.Cleanup(env.Cleanup)

	env.Server.SetState("switch.heater", "off", map[string]interface{}{"friendly_name": "Heater"})
	env.Server.SetState("switch.ignored", "on", nil)
	env.Server.SetState("light.kitchen", "on", map[string]interface{}{
		"friendly_name":     "Kitchen",
		"brightness":        255,
		"color_mode":        "color_temp",
		"color_temp_kelvin": 4000,
	})
	env.Server.SetState("cover.blinds", "open", map[string]interface{}{"current_position": 80})
	env.Server.SetState("sensor.outdoor_temperature", "21.5", map[string]interface{}{"device_class": "temperature"})
	env.Server.SetState("sensor.energy", "3.2", map[string]interface{}{"device_class": "energy"})
	env.Server.SetState("binary_sensor.door", "on", nil)
	env.Server.SetState("vacuum.robot", "docked", nil)

	require.NoError(t, env.Start())
	return env
}

// waitForMessage waits until the last message published for entityID equals want
func waitForMessage(t *testing.T, env *testutil.TestEnv, entityID, want string) {
	t.Helper()
	topic := env.PublishTopic(entityID)
	assert.Eventually(t, func() bool {
		got, ok := env.Broker.Last(topic)
		return ok && got == want
	}, waitFor, tick, "last message on %s should be %q (got %v)", entityID, want, env.Broker.Messages(topic))
}

func TestInitialSync(t *testing.T) {
	env := setupTest(t)

	expected := map[string]string{
		"switch.heater":              "off",
		"light.kitchen":              "on#100#4000",
		"cover.blinds":               "on#80",
		"sensor.outdoor_temperature": "on#21.5",
		"binary_sensor.door":         "on",
		"vacuum.robot":               "off",
	}
	for entityID, msg := range expected {
		assert.Equal(t, []string{msg}, env.Broker.Messages(env.PublishTopic(entityID)), entityID)
	}
	assert.Equal(t, len(expected), env.Topics.Len())

	t.Run("excluded and filtered entities", func(t *testing.T) {
		assert.Empty(t, env.Broker.Messages(env.PublishTopic("switch.ignored")))
		assert.Empty(t, env.Broker.Messages(env.PublishTopic("sensor.energy")))
	})

	t.Run("read-only entities are not subscribed", func(t *testing.T) {
		assert.True(t, env.Broker.Subscribed(env.Topic("switch.heater")))
		assert.True(t, env.Broker.Subscribed(env.Topic("vacuum.robot")))
		assert.False(t, env.Broker.Subscribed(env.Topic("sensor.outdoor_temperature")))
		assert.False(t, env.Broker.Subscribed(env.Topic("binary_sensor.door")))
	})
}

func TestStateChangesArePublished(t *testing.T) {
	env := setupTest(t)

	env.Server.SetState("switch.heater", "on", map[string]interface{}{"friendly_name": "Heater"})
	waitForMessage(t, env, "switch.heater", "on")

	env.Server.SetState("sensor.outdoor_temperature", "19", map[string]interface{}{"device_class": "temperature"})
	waitForMessage(t, env, "sensor.outdoor_temperature", "on#19")

	// Attribute-only changes that do not alter the message are not republished
	env.Server.SetState("switch.heater", "on", map[string]interface{}{"friendly_name": "Heater", "icon": "mdi:fire"})
	env.Server.SetState("binary_sensor.door", "off", nil)
	waitForMessage(t, env, "binary_sensor.door", "off")
	assert.Equal(t, []string{"off", "on"}, env.Broker.Messages(env.PublishTopic("switch.heater")))
}

func TestCommandsFromBemfa(t *testing.T) {
	env := setupTest(t)

	t.Run("light brightness", func(t *testing.T) {
		env.ClearServiceCalls()
		require.NoError(t, env.Broker.Deliver(env.Topic("light.kitchen"), "on#40"))

		calls := env.GetServiceCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, "light", calls[0].Domain)
		assert.Equal(t, "turn_on", calls[0].Service)
		assert.Equal(t, "light.kitchen", calls[0].EntityID)
		assert.Equal(t, 40.0, calls[0].ServiceData["brightness_pct"])

		waitForMessage(t, env, "light.kitchen", "on#40#4000")
	})

	t.Run("echo of the published message is ignored", func(t *testing.T) {
		env.ClearServiceCalls()
		require.NoError(t, env.Broker.Deliver(env.Topic("light.kitchen"), "on#40#4000"))
		assert.Empty(t, env.GetServiceCalls())

		state, ok := env.Tracker.Get("light.kitchen")
		require.True(t, ok)
		assert.Equal(t, shadowstate.OutcomeSuppressed, state.Inbound.Outcome)
	})

	t.Run("cover position then close", func(t *testing.T) {
		env.ClearServiceCalls()
		require.NoError(t, env.Broker.Deliver(env.Topic("cover.blinds"), "on#30"))
		call := testutil.FindServiceCallWithEntityID(env.GetServiceCalls(), "cover", "set_cover_position", "cover.blinds")
		require.NotNil(t, call)
		assert.Equal(t, 30.0, call.ServiceData["position"])
		waitForMessage(t, env, "cover.blinds", "on#30")

		require.NoError(t, env.Broker.Deliver(env.Topic("cover.blinds"), "off"))
		assert.NotNil(t, testutil.FindServiceCallWithEntityID(env.GetServiceCalls(), "cover", "close_cover", "cover.blinds"))
		waitForMessage(t, env, "cover.blinds", "off")
	})

	t.Run("cover pause", func(t *testing.T) {
		env.ClearServiceCalls()
		require.NoError(t, env.Broker.Deliver(env.Topic("cover.blinds"), "pause"))
		assert.Len(t, testutil.FilterServiceCalls(env.GetServiceCalls(), "cover", "stop_cover"), 1)
	})

	t.Run("vacuum start", func(t *testing.T) {
		env.ClearServiceCalls()
		require.NoError(t, env.Broker.Deliver(env.Topic("vacuum.robot"), "on"))
		assert.NotNil(t, testutil.FindServiceCallWithEntityID(env.GetServiceCalls(), "vacuum", "start", "vacuum.robot"))
		waitForMessage(t, env, "vacuum.robot", "on")
	})

	t.Run("malformed message", func(t *testing.T) {
		env.ClearServiceCalls()
		require.NoError(t, env.Broker.Deliver(env.Topic("switch.heater"), "on#x"))
		assert.Empty(t, env.GetServiceCalls())

		state, _ := env.Tracker.Get("switch.heater")
		assert.Equal(t, shadowstate.OutcomeMalformed, state.Inbound.Outcome)
	})

	t.Run("rejected service call", func(t *testing.T) {
		env.Server.FailService("switch.turn_on")
		defer env.Server.FailService("")

		require.NoError(t, env.Broker.Deliver(env.Topic("switch.heater"), "on"))
		state, _ := env.Tracker.Get("switch.heater")
		assert.Equal(t, shadowstate.OutcomeFailed, state.Inbound.Outcome)
		assert.Contains(t, state.Inbound.Error, "service_validation_error")
	})
}

func TestRefreshAfterReconnect(t *testing.T) {
	env := setupTest(t)

	// A change Home Assistant never told us about
	env.Server.SetStateQuietly("switch.heater", "on", map[string]interface{}{"friendly_name": "Heater"})
	env.Server.DropConnections()

	assert.Eventually(t, env.HAClient.IsConnected, waitFor, tick)
	waitForMessage(t, env, "switch.heater", "on")

	// Subscriptions survive the reconnect
	env.Server.SetState("switch.heater", "off", map[string]interface{}{"friendly_name": "Heater"})
	waitForMessage(t, env, "switch.heater", "off")
}

func TestResyncWithNewSelection(t *testing.T) {
	env := setupTest(t)

	cfg := config.Default()
	cfg.Sync = config.SyncConfig{Entities: []string{"switch.heater", "switch.ignored"}}
	require.NoError(t, env.Bridge.Resync(context.Background(), cfg))

	assert.Equal(t, 2, env.Topics.Len())
	assert.Equal(t, []string{"on"}, env.Broker.Messages(env.PublishTopic("switch.ignored")))
	assert.False(t, env.Broker.Subscribed(env.Topic("light.kitchen")))

	// Dropped entities are no longer published
	env.Server.SetState("light.kitchen", "off", nil)
	env.Server.SetState("switch.ignored", "off", nil)
	waitForMessage(t, env, "switch.ignored", "off")
	assert.Equal(t, []string{"on#100#4000"}, env.Broker.Messages(env.PublishTopic("light.kitchen")))
}
