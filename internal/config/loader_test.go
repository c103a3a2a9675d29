package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleConfig = `home_assistant:
  url: ws://homeassistant.local:8123/api/websocket
  token: test_token
bemfa:
  uid: 0123456789abcdef
  qos: 0
  manage_topics: true
sync:
  entities:
    - light.kitchen
  domains:
    - switch
    - cover
  exclude:
    - switch.secret
api:
  port: 9000
log:
  level: debug
`

func setupTestConfigDir(t *testing.T, content string) string {
	tmpDir := t.TempDir()
	err := os.WriteFile(filepath.Join(tmpDir, FileName), []byte(content), 0644)
	require.NoError(t, err)
	return tmpDir
}

func TestLoader_LoadAll(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	configDir := setupTestConfigDir(t, sampleConfig)

	loader := NewLoader(configDir, logger)
	err := loader.LoadAll()
	require.NoError(t, err)

	cfg := loader.GetConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, "ws://homeassistant.local:8123/api/websocket", cfg.HomeAssistant.URL)
	assert.Equal(t, "0123456789abcdef", cfg.Bemfa.UID)
	assert.Equal(t, 0, cfg.Bemfa.QoS)
	assert.True(t, cfg.Bemfa.ManageTopics)
	assert.Equal(t, []string{"switch", "cover"}, cfg.Sync.Domains)
	assert.Equal(t, 9000, cfg.API.Port)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Defaults survive for fields the file leaves out
	assert.Equal(t, "bemfa.com", cfg.Bemfa.Broker.Host)
	assert.Equal(t, 9501, cfg.Bemfa.Broker.Port)
	assert.Equal(t, "/set", cfg.Bemfa.PublishSuffix)
	assert.Equal(t, "https://apis.bemfa.com/va", cfg.Bemfa.APIURL)
}

func TestLoader_MissingFile(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	configDir := t.TempDir()

	loader := NewLoader(configDir, logger)
	err := loader.LoadAll()
	assert.Error(t, err)
	assert.Nil(t, loader.GetConfig())
}

func TestParse_Validation(t *testing.T) {
	testCases := []struct {
		name    string
		yaml    string
		message string
	}{
		{
			name:    "missing url",
			yaml:    "home_assistant: {token: t}\nbemfa: {uid: u}\n",
			message: "home_assistant.url",
		},
		{
			name:    "missing token",
			yaml:    "home_assistant: {url: ws://x}\nbemfa: {uid: u}\n",
			message: "home_assistant.token",
		},
		{
			name:    "missing uid",
			yaml:    "home_assistant: {url: ws://x, token: t}\n",
			message: "bemfa.uid",
		},
		{
			name:    "bad qos",
			yaml:    "home_assistant: {url: ws://x, token: t}\nbemfa: {uid: u, qos: 3}\n",
			message: "bemfa.qos",
		},
		{
			name:    "unsupported domain",
			yaml:    "home_assistant: {url: ws://x, token: t}\nbemfa: {uid: u}\nsync: {domains: [media_player]}\n",
			message: "media_player",
		},
		{
			name:    "bad log level",
			yaml:    "home_assistant: {url: ws://x, token: t}\nbemfa: {uid: u}\nlog: {level: loud}\n",
			message: "log.level",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			assert.Contains(t, err.Error(), tc.message)
		})
	}

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := Parse([]byte("home_assistant: [unterminated"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse")
	})
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("HA_URL", "ws://override:8123/api/websocket")
	t.Setenv("HA_TOKEN", "env_token")
	t.Setenv("BEMFA_UID", "env_uid")
	t.Setenv("API_PORT", "7000")

	cfg, err := Parse([]byte("sync: {domains: [light]}\n"))
	require.NoError(t, err)
	assert.Equal(t, "ws://override:8123/api/websocket", cfg.HomeAssistant.URL)
	assert.Equal(t, "env_token", cfg.HomeAssistant.Token)
	assert.Equal(t, "env_uid", cfg.Bemfa.UID)
	assert.Equal(t, 7000, cfg.API.Port)

	t.Run("non numeric port", func(t *testing.T) {
		t.Setenv("API_PORT", "eighty")
		_, err := Parse([]byte(""))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestSyncConfig_Selects(t *testing.T) {
	s := SyncConfig{
		Entities: []string{"light.kitchen"},
		Domains:  []string{"switch"},
		Exclude:  []string{"switch.secret", "light.kitchen_strip"},
	}

	assert.True(t, s.Selects("light.kitchen", "light"))
	assert.False(t, s.Selects("light.hallway", "light"))
	assert.True(t, s.Selects("switch.heater", "switch"))
	assert.False(t, s.Selects("switch.secret", "switch"))
	assert.False(t, SyncConfig{}.Selects("switch.heater", "switch"))
}

func TestLoader_AutoReload(t *testing.T) {
	logger := zap.NewNop()
	configDir := setupTestConfigDir(t, sampleConfig)

	loader := NewLoader(configDir, logger)
	require.NoError(t, loader.LoadAll())

	reloaded := make(chan *Config, 1)
	loader.StartAutoReload(10*time.Millisecond, func(cfg *Config) {
		reloaded <- cfg
	})
	defer loader.Stop()

	updated := sampleConfig + "\n# touched\n"
	path := filepath.Join(configDir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0644))
	// Make sure the mtime moves even on filesystems with coarse timestamps
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "0123456789abcdef", cfg.Bemfa.UID)
	case <-time.After(2 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestLoader_AutoReloadKeepsConfigOnError(t *testing.T) {
	logger := zap.NewNop()
	configDir := setupTestConfigDir(t, sampleConfig)

	loader := NewLoader(configDir, logger)
	require.NoError(t, loader.LoadAll())
	before := loader.GetConfig()

	called := make(chan struct{}, 1)
	loader.StartAutoReload(10*time.Millisecond, func(*Config) { called <- struct{}{} })
	defer loader.Stop()

	path := filepath.Join(configDir, FileName)
	require.NoError(t, os.WriteFile(path, []byte("bemfa: {uid: \"\"}\n"), 0644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case <-called:
		t.Fatal("onChange called for an invalid config")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Same(t, before, loader.GetConfig())
}

func TestLoader_StopTwice(t *testing.T) {
	loader := NewLoader(t.TempDir(), zap.NewNop())
	loader.StartAutoReload(time.Hour, nil)
	loader.Stop()
	assert.NotPanics(t, loader.Stop)
}
