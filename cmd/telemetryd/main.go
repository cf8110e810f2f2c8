// Command telemetryd ingests sensor readings from the MQTT bridge into
// SQLite and serves the device and telemetry read API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hvasee/sensorlink/internal/config"
	"github.com/hvasee/sensorlink/internal/httpapi"
	"github.com/hvasee/sensorlink/internal/logging"
	"github.com/hvasee/sensorlink/internal/registry"
	"github.com/hvasee/sensorlink/internal/telemetry"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/sensorlink/config.yaml)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.LogLevel), version, "telemetryd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("telemetryd failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultConfigPath()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("config loaded",
		"dbPath", cfg.DB.Path,
		"mqttBroker", cfg.MQTT.Broker,
		"mqttPort", cfg.MQTT.Port,
		"mqttTopic", cfg.MQTT.Topic,
		"httpAddr", cfg.HTTP.Addr,
	)

	db, err := registry.Open(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("db close", "error", err)
		}
	}()
	if err := telemetry.Migrate(db); err != nil {
		return err
	}

	reg := registry.New(db, logger)
	repo := telemetry.NewRepository(db, logger)
	svc := telemetry.NewService(repo, logger)

	// Handler must be set before Connect: the broker may deliver queued
	// messages right after CONNACK.
	subscriber := telemetry.NewSubscriber(telemetry.SubscriberConfig{
		Broker:   cfg.MQTT.Broker,
		Port:     cfg.MQTT.Port,
		ClientID: cfg.MQTT.ClientID,
		Topic:    cfg.MQTT.Topic,
	}, logger)
	subscriber.SetMessageHandler(func(sample telemetry.Sample) error {
		return repo.InsertReading(context.Background(), sample.PeripheralID, sample.Timestamp, sample.Amp, sample.GasPpm, sample.FlashSequence)
	})

	// Short timeout so startup doesn't block when the broker is down; the
	// client keeps retrying in the background.
	connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
	err = subscriber.Connect(connectCtx)
	connectCancel()
	if err != nil {
		logger.Warn("mqtt connection failed (continuing without mqtt)", "error", err)
	}

	mux := httpapi.NewMux(db, reg, repo, svc, logger)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("mqtt disconnecting")
	subscriber.Disconnect()

	logger.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	err = <-errCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
