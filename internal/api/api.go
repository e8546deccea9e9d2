// internal/api/api.go
// Wires the coordinator, NATS activity tap and metrics behind the HTTP server.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/erilali/relay/internal/config"
	"github.com/erilali/relay/internal/hub"
	"github.com/erilali/relay/internal/logger"
	"github.com/erilali/relay/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	natsConnectTimeout = 2 * time.Second
	natsDrainTimeout   = 2 * time.Second
	readHeaderTimeout  = 10 * time.Second
)

// connectNats dials the activity tap. A failure is logged and the relay runs without it.
func connectNats(cfg config.Config, serverLogger *logger.Logger) *nats.Conn {
	if cfg.NatsURL == "" {
		serverLogger.Info("NATS URL not set, activity tap disabled")
		return nil
	}

	serverLogger.Infof("Connecting to NATS at %s", cfg.NatsURL)
	nc, err := nats.Connect(cfg.NatsURL,
		nats.Name("relay"),
		nats.Timeout(natsConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				serverLogger.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			serverLogger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		serverLogger.Errorf("Error connecting to NATS: %v", err)
		serverLogger.Warn("Running without NATS connection. Activity tap will be disabled.")
		return nil
	}
	serverLogger.Info("Successfully connected to NATS")
	return nc
}

// hubOptions translates the configuration into coordinator options.
func hubOptions(cfg config.Config, nc *nats.Conn, m *metrics.Relay) []hub.Option {
	opts := []hub.Option{
		hub.WithLogger(logger.NewLogger("hub")),
		hub.WithSendBuffer(cfg.SendBuffer),
		hub.WithMaxMessageSize(cfg.MaxMessageSize),
		hub.WithAllowedOrigins(cfg.AllowedOrigins),
	}
	if m != nil {
		opts = append(opts, hub.WithMetrics(m))
	}
	if nc != nil {
		opts = append(opts, hub.WithTap(nc, cfg.NatsSubjectPrefix))
	}
	return opts
}

// StartServer runs the relay until ctx is cancelled, then shuts the HTTP
// server down, stops the coordinator and drains NATS.
func StartServer(ctx context.Context, cfg config.Config, serverLogger *logger.Logger) error {
	gin.SetMode(gin.ReleaseMode)

	nc := connectNats(cfg, serverLogger)

	deps := Deps{Logger: logger.NewLogger("http")}
	var relayMetrics *metrics.Relay
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := metrics.NewRelay(reg)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		relayMetrics = m
		deps.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if nc != nil {
		deps.Nats = nc
	}

	h := hub.New(hubOptions(cfg, nc, relayMetrics)...)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go h.Run(hubCtx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(h, deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		serverLogger.Infof("Server started at %s", cfg.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("listen and serve: %w", err)
		}
	case <-ctx.Done():
		serverLogger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			serverLogger.WithError(err).Warn("HTTP shutdown did not complete cleanly")
		}
		cancel()
	}

	// Hijacked websocket transports are not covered by srv.Shutdown; the hub closes them.
	stopHub()
	<-h.Done()

	if nc != nil {
		drainNats(nc, serverLogger)
	}
	serverLogger.Info("Server stopped")
	return runErr
}

func drainNats(nc *nats.Conn, serverLogger *logger.Logger) {
	closed := make(chan struct{})
	nc.SetClosedHandler(func(*nats.Conn) { close(closed) })
	if err := nc.Drain(); err != nil {
		serverLogger.WithError(err).Warn("NATS drain failed")
		nc.Close()
		return
	}
	select {
	case <-closed:
	case <-time.After(natsDrainTimeout):
		nc.Close()
	}
}
