// bridge keeps a session open to Home Assistant, mirrors entity state and
// records the conversation ledger.
// Usage: go run ./cmd/bridge --config configs/bridge.local.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/voice-bridge/internal/api"
	"github.com/rickgao/voice-bridge/internal/auth"
	"github.com/rickgao/voice-bridge/internal/config"
	"github.com/rickgao/voice-bridge/internal/connection"
	"github.com/rickgao/voice-bridge/internal/database"
	"github.com/rickgao/voice-bridge/internal/entity"
	"github.com/rickgao/voice-bridge/internal/ledger"
	"github.com/rickgao/voice-bridge/internal/metrics"
	"github.com/rickgao/voice-bridge/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/bridge.local.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("bridge failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load configuration
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up structured logging
	level, _ := config.ParseLevel(cfg.Logging.Level)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting bridge",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
	)
	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"api_url", cfg.HomeAssistant.APIURL(),
		"ws_url", cfg.HomeAssistant.WebSocketURL(),
		"ledger", cfg.Ledger.Backend,
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	creds, err := auth.LoadCredentials(cfg.HomeAssistant.AccessToken, cfg.HomeAssistant.AccessTokenFile)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	logger.Info("using access token", "token", creds.Identifier())

	// Open the transcript store
	store, err := openStore(ctx, cfg.Ledger, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	sessionID := cfg.Ledger.SessionID
	if sessionID == "" {
		sessionID = ledger.NewSessionID()
	}
	sessions, _ := store.(sessionStore)
	if sessions != nil {
		if _, err := sessions.CreateSession(ctx, sessionID); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	}

	var recorder *ledger.Recorder
	var appender ledger.Appender
	if store != nil {
		recorder = ledger.NewRecorder(ledger.RecorderConfig{
			BufferSize:    cfg.Ledger.BufferSize,
			BatchSize:     cfg.Ledger.BatchSize,
			FlushInterval: cfg.Ledger.FlushInterval,
		}, store, m, logger)
		recorder.Start(ctx)
		appender = recorder
	}
	logger.Info("session ready", "session_id", sessionID)

	// REST check is informational; the WebSocket session is authoritative.
	tlsCfg, err := cfg.HomeAssistant.TLSConfig()
	if err != nil {
		return fmt.Errorf("tls config: %w", err)
	}
	rest := api.NewClient(
		cfg.HomeAssistant.APIURL(),
		creds.Token(),
		api.WithLogger(logger),
		api.WithTimeout(cfg.HomeAssistant.RequestTimeout),
		api.WithRetries(cfg.HomeAssistant.MaxRetries, time.Second),
		api.WithTLSConfig(tlsCfg),
	)
	checkCtx, checkCancel := context.WithTimeout(ctx, cfg.HomeAssistant.ConnectionTimeout)
	if status, err := rest.CheckAPI(checkCtx); err != nil {
		logger.Warn("rest api check failed", "error", err)
	} else {
		logger.Info("rest api reachable", "message", status.Message)
	}
	checkCancel()

	// Create the client
	mgrCfg, err := connection.ManagerConfigFrom(cfg, sessionID)
	if err != nil {
		return fmt.Errorf("manager config: %w", err)
	}
	mgr := connection.NewManager(mgrCfg, creds, appender, m, logger)

	logger.Info("connecting to home assistant")
	if err := mgr.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	logger.Info("connected", "ha_version", mgr.Stats().HAVersion)

	// Mirror entity state
	cache := entity.NewCache(m, logger)
	if _, err := mgr.SubscribeStateChanges(ctx, cache); err != nil {
		return fmt.Errorf("subscribe state changes: %w", err)
	}
	reconciler := entity.NewReconciler(entity.Config{
		Interval: cfg.Entities.ReconcileInterval,
		Timeout:  cfg.Entities.ReconcileTimeout,
	}, mgr, cache, m, logger)
	if err := reconciler.Start(ctx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}

	srvCfg := serverConfig{
		Gatherer:    reg,
		MetricsPath: cfg.Metrics.Path,
		Client:      mgr,
		Cache:       cache,
		Sessions:    sessions,
		SessionID:   sessionID,
	}
	if recorder != nil {
		srvCfg.Recorder = recorder
	}
	srv := newServer(srvCfg, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", "port", cfg.Metrics.Port)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := mgr.Listen(gctx)
		if gctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("connection loop ended")
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info("bridge running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("bridge stopping on error", "error", runErr)
	}

	logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	reconciler.Stop(shutdownCtx)
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("client shutdown", "error", err)
	}
	if recorder != nil {
		recorder.Stop(shutdownCtx)
	}
	if sessions != nil {
		reason, details := ledger.EndUserEnded, ""
		if runErr != nil {
			reason, details = ledger.EndNetworkError, runErr.Error()
		}
		if _, err := sessions.EndSession(shutdownCtx, sessionID, reason, details); err != nil {
			logger.Warn("end session", "error", err)
		}
	}

	logger.Info("bridge stopped")
	return runErr
}

// openStore builds the configured transcript store. The none backend
// returns a nil store.
func openStore(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger) (ledger.Store, error) {
	switch cfg.Backend {
	case config.LedgerFile:
		return ledger.NewFileStore(cfg.Dir, logger)

	case config.LedgerPostgres:
		logger.Info("connecting to database",
			"host", cfg.Postgres.Host,
			"port", cfg.Postgres.Port,
			"database", cfg.Postgres.Name,
		)
		pool, err := database.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		store := ledger.NewPostgresStore(pool, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		logger.Info("database connected")
		return store, nil

	case config.LedgerRedis:
		return ledger.NewRedisStore(cfg.Redis, logger)

	case config.LedgerNone:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
}
