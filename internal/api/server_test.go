package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bemfabridge/internal/bemfa"
	"bemfabridge/internal/bridge"
	"bemfabridge/internal/ha"
	"bemfabridge/internal/shadowstate"
)

type testServer struct {
	server  *Server
	topics  *bridge.TopicMap
	tracker *shadowstate.Tracker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	topics := bridge.NewTopicMap()
	tracker := shadowstate.NewTracker()

	for _, id := range []string{"switch.heater", "sensor.outdoor_temperature"} {
		domain := ha.Domain(id)
		topic, err := bemfa.Topic(domain, id)
		require.NoError(t, err)
		topics.Add(topic, id)
		tracker.Register(id, domain, topic, id)
	}
	tracker.RecordPublish("switch.heater", "on")

	return &testServer{
		server:  NewServer(topics, tracker, "/set", zap.NewNop(), 8090),
		topics:  topics,
		tracker: tracker,
	}
}

func (ts *testServer) get(t *testing.T, path string, accept string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)

	t.Run("no checks", func(t *testing.T) {
		w := ts.get(t, "/health", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var resp HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "ok", resp.Status)
	})

	t.Run("failing check", func(t *testing.T) {
		ts.server.AddHealthCheck("home_assistant", func() bool { return true })
		ts.server.AddHealthCheck("mqtt", func() bool { return false })

		w := ts.get(t, "/health", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		var resp HealthResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, map[string]bool{"home_assistant": true, "mqtt": false}, resp.Checks)
	})
}

func TestHandleTopics(t *testing.T) {
	ts := newTestServer(t)

	w := ts.get(t, "/api/topics", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp TopicsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Topics, 2)
	assert.Equal(t, "sensor.outdoor_temperature", resp.Topics[0].EntityID)
	assert.Equal(t, "switch.heater", resp.Topics[1].EntityID)
}

func TestHandleShadow(t *testing.T) {
	ts := newTestServer(t)

	t.Run("all", func(t *testing.T) {
		w := ts.get(t, "/api/shadow", "")
		require.Equal(t, http.StatusOK, w.Code)

		var states []shadowstate.EntityShadowState
		require.NoError(t, json.NewDecoder(w.Body).Decode(&states))
		assert.Len(t, states, 2)
	})

	t.Run("filtered by domain", func(t *testing.T) {
		w := ts.get(t, "/api/shadow?domain=switch", "")
		require.Equal(t, http.StatusOK, w.Code)

		var states []shadowstate.EntityShadowState
		require.NoError(t, json.NewDecoder(w.Body).Decode(&states))
		require.Len(t, states, 1)
		assert.Equal(t, "switch.heater", states[0].EntityID)
	})

	t.Run("one entity", func(t *testing.T) {
		w := ts.get(t, "/api/shadow/switch.heater", "")
		require.Equal(t, http.StatusOK, w.Code)

		var state shadowstate.EntityShadowState
		require.NoError(t, json.NewDecoder(w.Body).Decode(&state))
		assert.Equal(t, "switch", state.Domain)
		require.NotNil(t, state.Publish)
		assert.Equal(t, "on", state.Publish.Message)
	})

	t.Run("unknown entity", func(t *testing.T) {
		w := ts.get(t, "/api/shadow/light.nowhere", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandleCodec(t *testing.T) {
	ts := newTestServer(t)

	t.Run("synced entity", func(t *testing.T) {
		w := ts.get(t, "/api/codec/switch/switch.heater", "")
		require.Equal(t, http.StatusOK, w.Code)

		var preview CodecPreview
		require.NoError(t, json.NewDecoder(w.Body).Decode(&preview))
		topic, _ := bemfa.Topic("switch", "switch.heater")
		assert.Equal(t, topic, preview.Topic)
		assert.Equal(t, topic+"/set", preview.PublishTopic)
		assert.True(t, preview.Synced)
		assert.False(t, preview.ReadOnly)
	})

	t.Run("read-only domain", func(t *testing.T) {
		w := ts.get(t, "/api/codec/binary_sensor/binary_sensor.door", "")
		require.Equal(t, http.StatusOK, w.Code)

		var preview CodecPreview
		require.NoError(t, json.NewDecoder(w.Body).Decode(&preview))
		assert.True(t, preview.ReadOnly)
		assert.False(t, preview.Synced)
	})

	t.Run("unknown domain", func(t *testing.T) {
		w := ts.get(t, "/api/codec/media_player/media_player.tv", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("entity outside domain", func(t *testing.T) {
		w := ts.get(t, "/api/codec/light/switch.heater", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleSitemap(t *testing.T) {
	ts := newTestServer(t)

	t.Run("plain text", func(t *testing.T) {
		w := ts.get(t, "/", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
		for _, ep := range endpoints {
			assert.Contains(t, w.Body.String(), ep.Path)
		}
	})

	t.Run("html", func(t *testing.T) {
		w := ts.get(t, "/", "text/html,application/xhtml+xml")
		assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Body.String(), "<!DOCTYPE html>")
	})
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.get(t, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/topics", nil)
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
