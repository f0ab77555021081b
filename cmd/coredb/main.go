package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/zmyer/scylla-sub000/internal/config"
	"github.com/zmyer/scylla-sub000/internal/engine"
	"github.com/zmyer/scylla-sub000/internal/http"
	"github.com/zmyer/scylla-sub000/pkg/metrics"
	"github.com/zmyer/scylla-sub000/pkg/schema"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	path := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.Logger)

	// single built-in table until a DDL surface exists
	sc := schema.New(1, []schema.ColumnDef{
		{ID: 1, Name: "value", Kind: schema.Regular},
	})

	mc := metrics.NewRegistry()
	table := engine.New(cfg.Storage, sc, mc, slog.Default())
	table.Start(ctx)

	server := http.NewServer(table, mc, strconv.Itoa(cfg.Server.Port))
	if err := server.Start(); err != nil {
		slog.Error("failed to start HTTP server", "error", err)
		os.Exit(1)
	}

	slog.Info("coredb is running", "addr", server.URL)
	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	if err := table.Close(); err != nil {
		slog.Error("error closing table", "error", err)
	}
	slog.Info("coredb stopped")
}
