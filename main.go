// main.go
// Relay server entry point: loads configuration, initializes logging and runs the server until signalled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/erilali/relay/internal/api"
	"github.com/erilali/relay/internal/config"
	"github.com/erilali/relay/internal/logger"
)

func main() {
	cfg, err := config.Load(os.Getenv("RELAY_CONFIG"))
	if err != nil {
		fmt.Printf("Error loading config: %v, using defaults\n", err)
	}

	logger.InitLogger(cfg.Logger)
	serverLogger := logger.NewLogger("server")
	serverLogger.WithFields(map[string]interface{}{
		"addr":            cfg.Addr,
		"allowed_origins": cfg.AllowedOrigins,
		"nats_enabled":    cfg.NatsURL != "",
		"metrics":         cfg.MetricsEnabled,
		"level":           cfg.Logger.Level,
		"log_to_file":     cfg.Logger.LogToFile,
	}).Info("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := api.StartServer(ctx, cfg, serverLogger); err != nil {
		serverLogger.WithError(err).Fatal("Server exited")
	}
}
