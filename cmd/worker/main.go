// Package main はパイプラインワーカーのエントリーポイントです。
// API サーバーとは別プロセスで、共有キューからジョブを取り出して実行します。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yourusername/asset-forge/internal/app"
	"github.com/yourusername/asset-forge/internal/config"
	"github.com/yourusername/asset-forge/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.QueueBackend == "memory" {
		fmt.Fprintln(os.Stderr, "QUEUE_BACKEND=memory cannot be shared with a separate worker process")
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, app.Options{Workers: true})
	if err != nil {
		log.Fatal("failed to initialize worker", "error", err)
	}
	defer a.Close()

	log.Info("starting pipeline worker", "queue", cfg.QueueBackend, "concurrency", cfg.WorkerConcurrency)
	if err := a.RunWorkers(ctx); err != nil {
		log.Error("worker stopped with error", "error", err)
	}
}
