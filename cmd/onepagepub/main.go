// onepagepub is a small federated social server speaking ActivityPub:
// client-to-server publishing over bearer tokens, server-to-server
// federation over HTTP signatures, WebFinger discovery. It runs as a
// single binary with SQLite by default, requiring no external database
// for self-hosted deployments.
//
// Usage:
//
//	export HOST=https://yourdomain.com
//	export PORT=8000
//	./onepagepub
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/onepagepub/onepagepub/internal/ap"
	"github.com/onepagepub/onepagepub/internal/config"
	"github.com/onepagepub/onepagepub/internal/db"
	"github.com/onepagepub/onepagepub/internal/server"
)

func main() {
	// Structured JSON logging by default — easy to parse with any log aggregator.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting onepagepub", "version", "1.0.0")

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg := config.Load()
	base := strings.TrimRight(cfg.Host, "/")
	slog.Info("config loaded",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.DatabaseURL,
		"page_size", cfg.PageSize,
	)

	// ─── Database ─────────────────────────────────────────────────────────────
	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── Protocol core ────────────────────────────────────────────────────────
	resolver := &ap.Resolver{Store: store, Base: base, Fetch: ap.FetchObject}
	engine := &ap.Engine{Store: store, Base: base, Resolver: resolver}
	authz := &ap.Authorizer{Store: store, Base: base, Resolver: resolver}
	registry := &ap.Registry{Store: store, Base: base}

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Delivery queue ───────────────────────────────────────────────────────
	queue := &ap.DeliveryQueue{
		Store:       store,
		Base:        base,
		Workers:     cfg.DeliveryWorkers,
		MaxAttempts: cfg.DeliveryMaxAttempts,
	}
	go queue.Run(ctx)

	// ─── HTTP server ──────────────────────────────────────────────────────────
	srv := server.New(cfg, store, registry, engine, authz)
	srv.Start(ctx) // blocks until ctx is cancelled

	slog.Info("onepagepub stopped")
}
