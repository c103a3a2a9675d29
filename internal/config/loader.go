package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"bemfabridge/internal/bemfa"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// FileName is the bridge configuration file inside the config directory
const FileName = "bridge.yaml"

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("config: invalid configuration")

// HomeAssistantConfig holds the websocket endpoint and long-lived token
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// BrokerConfig is the bemfa MQTT broker address
type BrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls"`
}

// BemfaConfig holds the bemfa account, broker and topic API settings
type BemfaConfig struct {
	UID           string       `yaml:"uid"`
	Broker        BrokerConfig `yaml:"broker"`
	QoS           int          `yaml:"qos"`
	PublishSuffix string       `yaml:"publish_suffix"`
	APIURL        string       `yaml:"api_url"`
	ManageTopics  bool         `yaml:"manage_topics"`
}

// SyncConfig selects the entities mirrored to bemfa
type SyncConfig struct {
	Entities []string `yaml:"entities"`
	Domains  []string `yaml:"domains"`
	Exclude  []string `yaml:"exclude"`
}

// APIConfig configures the introspection HTTP server
type APIConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config represents the bridge.yaml structure
type Config struct {
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	Bemfa         BemfaConfig         `yaml:"bemfa"`
	Sync          SyncConfig          `yaml:"sync"`
	API           APIConfig           `yaml:"api"`
	Log           LogConfig           `yaml:"log"`
}

// Default returns a configuration with every optional field filled in
func Default() *Config {
	return &Config{
		Bemfa: BemfaConfig{
			Broker: BrokerConfig{
				Host: "bemfa.com",
				Port: 9501,
			},
			QoS:           1,
			PublishSuffix: "/set",
			APIURL:        "https://apis.bemfa.com/va",
		},
		API: APIConfig{Port: 8090},
		Log: LogConfig{Level: "info"},
	}
}

// Parse decodes YAML on top of the defaults, applies environment overrides and validates
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse bridge config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("HA_URL"); v != "" {
		c.HomeAssistant.URL = v
	}
	if v := os.Getenv("HA_TOKEN"); v != "" {
		c.HomeAssistant.Token = v
	}
	if v := os.Getenv("BEMFA_UID"); v != "" {
		c.Bemfa.UID = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: API_PORT %q is not a number", ErrInvalidConfig, v)
		}
		c.API.Port = port
	}
	return nil
}

// Validate checks required fields and that every synced domain has a codec entry
func (c *Config) Validate() error {
	if c.HomeAssistant.URL == "" {
		return fmt.Errorf("%w: home_assistant.url is required", ErrInvalidConfig)
	}
	if c.HomeAssistant.Token == "" {
		return fmt.Errorf("%w: home_assistant.token is required", ErrInvalidConfig)
	}
	if c.Bemfa.UID == "" {
		return fmt.Errorf("%w: bemfa.uid is required", ErrInvalidConfig)
	}
	if c.Bemfa.QoS < 0 || c.Bemfa.QoS > 2 {
		return fmt.Errorf("%w: bemfa.qos must be 0, 1 or 2", ErrInvalidConfig)
	}
	if c.Bemfa.Broker.Port <= 0 {
		return fmt.Errorf("%w: bemfa.broker.port must be positive", ErrInvalidConfig)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.Log.Level)
	}
	for _, domain := range c.Sync.Domains {
		if !bemfa.Supported(domain) {
			return fmt.Errorf("%w: sync domain %q is not supported", ErrInvalidConfig, domain)
		}
	}
	return nil
}

// Selects reports whether an entity is chosen by the sync section.
// Exclusions win; an empty selection selects nothing.
func (s SyncConfig) Selects(entityID, domain string) bool {
	for _, id := range s.Exclude {
		if id == entityID {
			return false
		}
	}
	for _, id := range s.Entities {
		if id == entityID {
			return true
		}
	}
	for _, d := range s.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// Loader manages configuration file loading and reloading
type Loader struct {
	configDir string
	logger    *zap.Logger

	mu      sync.RWMutex
	config  *Config
	modTime time.Time

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewLoader creates a new configuration loader
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Path returns the full path of the bridge config file
func (l *Loader) Path() string {
	return filepath.Join(l.configDir, FileName)
}

// LoadAll loads bridge.yaml
func (l *Loader) LoadAll() error {
	path := l.Path()
	l.logger.Info("Loading configuration", zap.String("path", path))

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to read bridge config: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read bridge config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.config = cfg
	l.modTime = info.ModTime()
	l.mu.Unlock()

	l.logger.Info("Configuration loaded successfully",
		zap.Int("entities", len(cfg.Sync.Entities)),
		zap.Strings("domains", cfg.Sync.Domains))
	return nil
}

// GetConfig returns the loaded configuration
func (l *Loader) GetConfig() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// changed reports whether the file's mtime moved since the last successful load
func (l *Loader) changed() (bool, error) {
	info, err := os.Stat(l.Path())
	if err != nil {
		return false, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return !info.ModTime().Equal(l.modTime), nil
}

// StartAutoReload polls the config file and calls onChange after every successful reload.
// A file that fails to parse keeps the previous configuration.
func (l *Loader) StartAutoReload(interval time.Duration, onChange func(*Config)) {
	l.logger.Info("Starting config auto-reload", zap.Duration("interval", interval))

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				changed, err := l.changed()
				if err != nil {
					l.logger.Warn("Failed to stat config file", zap.Error(err))
					continue
				}
				if !changed {
					continue
				}

				l.logger.Info("Config file changed, reloading")
				if err := l.LoadAll(); err != nil {
					l.logger.Error("Failed to reload config", zap.Error(err))
					continue
				}
				if onChange != nil {
					onChange(l.GetConfig())
				}

			case <-l.stopChan:
				l.logger.Info("Stopping config auto-reload")
				return
			}
		}
	}()
}

// Stop stops the auto-reload loop
func (l *Loader) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
}
