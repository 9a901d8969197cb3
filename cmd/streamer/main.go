package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rickgao/kalshi-stream/internal/auth"
	"github.com/rickgao/kalshi-stream/internal/config"
	"github.com/rickgao/kalshi-stream/internal/connection"
	"github.com/rickgao/kalshi-stream/internal/dispatch"
	"github.com/rickgao/kalshi-stream/internal/handler"
	"github.com/rickgao/kalshi-stream/internal/store"
	"github.com/rickgao/kalshi-stream/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/streamer.yaml", "path to config file")
	flag.Parse()

	// .env is optional; real deployments export the variables directly.
	godotenv.Load()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"environment", cfg.Venue.Environment,
		"ws_url", cfg.Venue.WSURL,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Load signing credentials. Absent credentials are allowed for
	// public channels only; validation has already rejected configs that
	// subscribe to private channels without them.
	var creds *auth.Credentials
	if cfg.Credentials.KeyID != "" {
		creds, err = auth.LoadCredentials(cfg.Credentials.KeyID, cfg.Credentials.PrivateKeyPath)
		if err != nil {
			logger.Error("failed to load credentials", "error", err)
			os.Exit(1)
		}
		logger.Info("credentials loaded", "key_id", cfg.Credentials.KeyID)
	} else {
		logger.Info("no credentials configured, public channels only")
	}

	// Store: Postgres when a database is configured, in-memory otherwise.
	storeCfg := store.Config{
		BatchSize:     cfg.Store.BatchSize,
		FlushInterval: cfg.Store.FlushInterval,
		QueueSize:     cfg.Store.QueueSize,
		MaxRetries:    cfg.Store.MaxRetries,
		RetryDelay:    cfg.Store.RetryDelay,
		RecentLimit:   cfg.Store.RecentLimit,
	}

	var st store.Store
	if cfg.Database.Host != "" {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		st = store.NewPostgres(pool, storeCfg, logger)
		logger.Info("database connected")
	} else {
		st = store.NewMemory(storeCfg, logger)
		logger.Warn("no database configured, using in-memory store")
	}

	if err := st.Start(ctx); err != nil {
		logger.Error("failed to start store", "error", err)
		os.Exit(1)
	}

	// Session manager
	mgrCfg := connection.ManagerConfig{
		Client: connection.ClientConfig{
			URL:              cfg.Venue.WSURL,
			Credentials:      creds,
			AuthInHandshake:  cfg.Connection.AuthInHandshake,
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     cfg.Connection.PingInterval,
			ReadTimeout:      cfg.Connection.ReadTimeout,
			WriteTimeout:     cfg.Connection.WriteTimeout,
			BufferSize:       cfg.Connection.BufferSize,
		},
		ReconnectBaseDelay:   cfg.Connection.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Connection.ReconnectMaxDelay,
		SubscribeTimeout:     cfg.Connection.SubscribeTimeout,
		ReuseSubscriptionIDs: cfg.Connection.ReuseSubscriptionIDs,
		MalformedThreshold:   cfg.Connection.MalformedThreshold,
		MalformedWindow:      cfg.Connection.MalformedWindow,
		ResyncPerMinute:      cfg.Connection.ResyncPerMinute,
		FrameBufferSize:      cfg.Connection.BufferSize,
	}
	mgr := connection.NewManager(mgrCfg, logger)

	// Dispatcher + handlers
	disp := dispatch.New(dispatch.Config{
		Workers:   cfg.Dispatch.Workers,
		QueueSize: cfg.Dispatch.QueueSize,
	}, mgr, logger)

	handlers := handler.New(handler.Config{
		RecentTrades: cfg.Store.RecentLimit,
		RecentFills:  cfg.Store.RecentLimit,
	}, st, mgr, logger)
	handlers.RegisterAll(disp)

	if err := disp.Start(ctx); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}

	// Log state transitions for operators.
	go func() {
		for change := range mgr.StateChanges() {
			if change.Err != nil {
				logger.Warn("connection state changed",
					"from", change.From.String(),
					"to", change.To.String(),
					"error", change.Err,
				)
				continue
			}
			logger.Info("connection state changed",
				"from", change.From.String(),
				"to", change.To.String(),
			)
		}
	}()

	// Hold the configured subscriptions before starting: they flush as
	// soon as the session reaches Ready.
	for _, sub := range cfg.Subscriptions {
		id, err := mgr.Subscribe(sub.Channel, sub.Markets)
		if err != nil {
			logger.Error("invalid subscription",
				"channel", sub.Channel,
				"error", err,
			)
			os.Exit(1)
		}
		logger.Info("subscription held",
			"id", id,
			"channel", sub.Channel,
			"markets", len(sub.Markets),
		)
	}

	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start session manager", "error", err)
		os.Exit(1)
	}

	// Health server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(cfg.Health.Path, mgr, disp, st, handlers),
	}

	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("streamer running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d%s", cfg.Health.Port, cfg.Health.Path),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	healthServer.Shutdown(shutdownCtx)
	mgr.Stop(shutdownCtx)
	disp.Stop(shutdownCtx)
	st.Stop(shutdownCtx)

	logger.Info("streamer stopped")
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(
	path string,
	mgr connection.Manager,
	disp dispatch.Dispatcher,
	st store.Store,
	handlers *handler.Handlers,
) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		mgrStats := mgr.Stats()

		status := "healthy"
		switch mgrStats.State {
		case connection.StateReady:
		case connection.StateFailed, connection.StateClosed:
			status = "unhealthy"
		default:
			status = "degraded"
		}

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status: status,
			Components: map[string]interface{}{
				"connection": map[string]interface{}{
					"state":         mgrStats.State.String(),
					"subscriptions": mgrStats.HeldSubscriptions,
					"reconnects":    mgrStats.Reconnects,
					"malformed":     mgrStats.MalformedFrames,
				},
				"dispatcher": disp.Stats(),
				"store":      st.Stats(),
				"handlers": map[string]interface{}{
					"seq_gaps":     handlers.SeqGaps(),
					"venue_errors": handlers.VenueErrors(),
				},
			},
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
