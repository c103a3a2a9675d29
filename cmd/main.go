package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bemfabridge/internal/api"
	"bemfabridge/internal/bridge"
	"bemfabridge/internal/cloud"
	"bemfabridge/internal/config"
	"bemfabridge/internal/ha"
	"bemfabridge/internal/mqtt"
	"bemfabridge/internal/shadowstate"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	configReloadInterval = 30 * time.Second
	refreshTimeout       = time.Minute
)

func main() {
	// Bootstrap logger until the configured one is available
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "./configs"
	}

	loader := config.NewLoader(configDir, logger)
	if err := loader.LoadAll(); err != nil {
		logger.Fatal("Failed to load configuration", zap.String("path", loader.Path()), zap.Error(err))
	}
	cfg := loader.GetConfig()

	logger, err = newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting bemfa bridge",
		zap.String("home_assistant", cfg.HomeAssistant.URL),
		zap.String("broker", fmt.Sprintf("%s:%d", cfg.Bemfa.Broker.Host, cfg.Bemfa.Broker.Port)),
		zap.Bool("manage_topics", cfg.Bemfa.ManageTopics))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create HA client
	haClient := ha.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	if err := haClient.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer haClient.Disconnect()
	logger.Info("Connected to Home Assistant")

	broker, err := mqtt.Connect(cfg.Bemfa, logger)
	if err != nil {
		logger.Fatal("Failed to connect to bemfa broker", zap.Error(err))
	}
	defer broker.Close()
	broker.SetOnConnect(func() {
		logger.Info("Reconnected to bemfa broker")
	})

	topics := bridge.NewTopicMap()
	tracker := shadowstate.NewTracker()
	b := bridge.New(haClient, broker, topics, tracker, cfg, logger)

	if cfg.Bemfa.ManageTopics {
		cloudClient := cloud.NewClient(cfg.Bemfa.APIURL, cfg.Bemfa.UID, logger)
		b.SetReconciler(bridge.NewReconciler(cloudClient, logger))
	}

	if err := b.Start(ctx); err != nil {
		// Partial failures leave the rest of the bridge running
		logger.Error("Bridge started with errors", zap.Error(err))
	}

	// States may have changed while the websocket was down
	haClient.SetOnConnect(func() {
		go func() {
			rctx, rcancel := context.WithTimeout(ctx, refreshTimeout)
			defer rcancel()
			if err := b.Refresh(rctx); err != nil {
				logger.Error("Failed to refresh after reconnect", zap.Error(err))
			}
		}()
	})

	loader.StartAutoReload(configReloadInterval, func(newCfg *config.Config) {
		if err := b.Resync(ctx, newCfg); err != nil {
			logger.Error("Failed to apply reloaded configuration", zap.Error(err))
		}
	})
	defer loader.Stop()

	server := api.NewServer(topics, tracker, cfg.Bemfa.PublishSuffix, logger, cfg.API.Port)
	server.AddHealthCheck("home_assistant", haClient.IsConnected)
	server.AddHealthCheck("mqtt", broker.IsConnected)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Bridge running. Press Ctrl+C to exit.", zap.Int("entities", topics.Len()))

	// Wait for shutdown signal
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()

	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
	if err := b.Stop(); err != nil {
		logger.Error("Failed to stop bridge", zap.Error(err))
	}
}

// newLogger builds the zap logger described by the log config
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}
