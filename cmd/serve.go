package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/axelterrier/filament-tracker-backend/internal/api"
	"github.com/axelterrier/filament-tracker-backend/internal/broker"
	"github.com/axelterrier/filament-tracker-backend/internal/infrastructure"
	"github.com/axelterrier/filament-tracker-backend/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the filament API and the printer broker bridge",
	Long: `Launches the HTTP server for the filament inventory and, when broker
settings were saved earlier, reconnects to the printer to keep the AMS trays in sync.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing spoolsync...")

	m := metrics.New()

	// --- Service Layer Setup ---
	st, err := buildStack(m)
	if err != nil {
		return err
	}
	defer st.Close()

	// --- Broker Setup ---
	opts := []broker.Option{
		broker.WithLogger(logger),
		broker.WithMetrics(m),
		broker.WithSessionConfig(broker.SessionConfig{
			Username:       cfg.MQTT.Username,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ForwardTimeout: cfg.MQTT.ForwardTimeout,
			QueueSize:      cfg.MQTT.QueueSize,
		}),
	}
	if path := cfg.Storage.DeadLetterPath; path != "" {
		wal, err := infrastructure.NewWAL(path)
		if err != nil {
			logger.WithError(err).Warn("Dead letter journal unavailable, failed reports will be lost")
		} else {
			defer wal.Close()
			opts = append(opts, broker.WithDeadLetter(wal))
		}
	}

	manager := broker.NewManager(st.services.Ingest, opts...)
	defer manager.Stop()

	store := broker.NewFileSettingsStore(cfg.MQTT.SettingsPath)
	if cfg.MQTT.AutoStart {
		autoStartBroker(manager, store)
	}

	// --- API Layer Setup ---
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handlers := api.NewAPIHandlers(st.services, manager, store, logger)
	api.SetupRoutes(router, handlers, api.RouteConfig{
		APIToken:    cfg.Server.APIToken,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, m, logger)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("spoolsync API listening on %s", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-shutdownChan:
		logger.Warn("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	// Stop ingesting before the store goes away
	manager.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	logger.Info("spoolsync shutdown complete")
	return nil
}

func autoStartBroker(manager *broker.Manager, store *broker.FileSettingsStore) {
	settings, err := store.Load()
	if err != nil {
		logger.WithError(err).Warn("Failed to load saved broker settings")
		return
	}
	if settings == nil {
		logger.WithField("path", store.Path()).Info("No broker settings saved yet, bridge idle")
		return
	}
	if err := manager.Start(context.Background(), *settings); err != nil {
		logger.WithError(err).Warn("Saved broker settings are invalid, bridge idle")
	}
}
