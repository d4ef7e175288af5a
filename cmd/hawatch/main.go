// hawatch connects to Home Assistant and prints events to the console.
// Usage: go run ./cmd/hawatch --config configs/bridge.local.yaml --event state_changed
//
// The access token is read from the config file, which may reference an
// environment variable:
//
//	access_token: ${HA_TOKEN}
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/voice-bridge/internal/auth"
	"github.com/rickgao/voice-bridge/internal/config"
	"github.com/rickgao/voice-bridge/internal/connection"
	"github.com/rickgao/voice-bridge/internal/model"
	"github.com/rickgao/voice-bridge/internal/subscription"
)

func main() {
	configPath := flag.String("config", "configs/bridge.example.yaml", "path to config file")
	eventType := flag.String("event", "", "event type to watch (default all)")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	creds, err := auth.LoadCredentials(cfg.HomeAssistant.AccessToken, cfg.HomeAssistant.AccessTokenFile)
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		logger.Info("Set home_assistant.access_token or home_assistant.access_token_file")
		os.Exit(1)
	}
	logger.Info("using access token", "token", creds.Identifier())

	mgrCfg, err := connection.ManagerConfigFrom(cfg, "")
	if err != nil {
		logger.Error("invalid connection config", "error", err)
		os.Exit(1)
	}
	connMgr := connection.NewManager(mgrCfg, creds, nil, nil, logger)

	logger.Info("connecting", "url", mgrCfg.Transport.URL)
	if err := connMgr.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	p := &printer{out: os.Stdout, verbose: *verbose}

	subID, err := connMgr.SubscribeEvents(ctx, *eventType, subscription.HandlerFunc[model.Event](p.event))
	if err != nil {
		logger.Error("failed to subscribe", "event", *eventType, "error", err)
		os.Exit(1)
	}
	if watchesStateChanges(*eventType) {
		connMgr.OnStateChange(subscription.HandlerFunc[model.StateChange](p.stateChange))
	}
	logger.Info("subscribed", "id", subID, "event", displayType(*eventType))

	// Stats printer
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := connMgr.Stats()
				logger.Info("stats",
					"state", stats.State,
					"subscriptions", stats.Subscriptions,
					"delivered", stats.Dispatch.Deliveries,
					"dropped", stats.Dispatch.Dropped,
					"recoveries", stats.Reconnect.Recoveries,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")
	if err := connMgr.Listen(ctx); err != nil && ctx.Err() == nil {
		logger.Error("listen failed", "error", err)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	connMgr.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func watchesStateChanges(eventType string) bool {
	return eventType == "" || eventType == subscription.Wildcard || eventType == model.EventStateChanged
}

func displayType(eventType string) string {
	if eventType == "" {
		return subscription.Wildcard
	}
	return eventType
}

// printer writes one line per event and per derived state change.
type printer struct {
	out     io.Writer
	verbose bool
}

func (p *printer) event(_ context.Context, e model.Event) error {
	if p.verbose {
		data, _ := json.MarshalIndent(e, "", "  ")
		fmt.Fprintf(p.out, "[EVENT] %s\n", data)
		return nil
	}
	fmt.Fprintf(p.out, "[EVENT] type=%s origin=%s %s\n", e.EventType, e.Origin, summarize(e.Data))
	return nil
}

func (p *printer) stateChange(_ context.Context, c model.StateChange) error {
	if p.verbose {
		data, _ := json.MarshalIndent(c, "", "  ")
		fmt.Fprintf(p.out, "[STATE] %s\n", data)
		return nil
	}
	fmt.Fprintf(p.out, "[STATE] entity=%s %s -> %s\n", c.EntityID, stateOf(c.OldState), stateOf(c.NewState))
	return nil
}

func stateOf(e *model.Entity) string {
	if e == nil {
		return "<none>"
	}
	return e.State
}

// summarize renders the scalar fields of an event payload as key=value pairs.
func summarize(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k, v := range data {
		switch v.(type) {
		case string, float64, bool, int, int64:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, " ")
}
