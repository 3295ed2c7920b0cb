// Package main はAPIサーバーのエントリーポイントです。
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
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, app.Options{Workers: cfg.InlineWorkers})
	if err != nil {
		log.Fatal("failed to initialize application", "error", err)
	}
	defer a.Close()

	if err := a.Serve(ctx); err != nil {
		log.Error("api server stopped with error", "error", err)
	}
}
