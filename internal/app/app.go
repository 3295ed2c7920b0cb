// Package app は設定に応じて各バックエンドを組み立て、API サーバーとワーカーを起動します。
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yourusername/asset-forge/internal/audit"
	"github.com/yourusername/asset-forge/internal/config"
	"github.com/yourusername/asset-forge/internal/database"
	"github.com/yourusername/asset-forge/internal/jobs"
	"github.com/yourusername/asset-forge/internal/logger"
	"github.com/yourusername/asset-forge/internal/observability"
	"github.com/yourusername/asset-forge/internal/pipeline"
	"github.com/yourusername/asset-forge/internal/queue"
	"github.com/yourusername/asset-forge/internal/storage"
)

// Options は起動するプロセスの役割です。
type Options struct {
	// Workers が true の場合はキューからジョブを取り出して実行します。
	Workers bool
}

// App は組み立て済みのアプリケーションです。
type App struct {
	Cfg      *config.Config
	Log      *logger.Logger
	Store    jobs.Store
	Service  *pipeline.Service
	Executor *pipeline.Executor
	Storage  storage.Storage

	enqueuer queue.Enqueuer
	depths   queue.DepthReporter
	worker   *pipeline.Worker
	asynq    *queue.AsynqDispatcher
	workers  bool
	audit    *audit.Async
	rdb      *redis.Client
	db       *gorm.DB
	// localRoot はローカルストレージ使用時に /assets で配信するディレクトリです。
	localRoot string

	shutdownTracing func(context.Context) error
}

// New は設定からアプリケーションを組み立てます。
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (*App, error) {
	a := &App{Cfg: cfg, Log: log, workers: opts.Workers}
	a.shutdownTracing = observability.Init(ctx, log, observability.Options{
		Enabled:     cfg.OTelEnabled,
		ServiceName: cfg.ServiceName,
		Environment: cfg.GinMode,
		Version:     cfg.Version,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		SampleRatio: cfg.OTelSampleRatio,
	})

	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	var err error
	if a.Store, err = a.wireStore(ctx); err != nil {
		return fmt.Errorf("init job store: %w", err)
	}
	if a.Storage, err = a.wireStorage(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	collab, err := a.wireGeneration()
	if err != nil {
		return fmt.Errorf("init generation provider: %w", err)
	}
	a.Executor = pipeline.NewExecutor(a.Store, collab, a.Cfg.StageTimeout, a.Log)

	if err := a.wireQueue(opts.Workers); err != nil {
		return fmt.Errorf("init queue: %w", err)
	}
	sink, err := a.wireAudit(ctx)
	if err != nil {
		return fmt.Errorf("init audit sink: %w", err)
	}

	a.Service = pipeline.NewService(a.Store, a.enqueuer, sink, a.Log, pipeline.ServiceOptions{
		AllowAnonymous: a.Cfg.AllowAnonymous,
		StreamInterval: a.Cfg.StreamInterval,
		Policy:         pipeline.ThresholdPolicy(a.Cfg.HighPriorityMinimumTier),
	})
	return nil
}

// RunWorkers は ctx がキャンセルされるまでワーカーを動かします。
// ワーカーを持たない構成では ctx の終了を待つだけです。
func (a *App) RunWorkers(ctx context.Context) error {
	switch {
	case a.worker != nil:
		return a.worker.Run(ctx)
	case a.asynq != nil:
		if err := a.asynq.Start(); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	default:
		<-ctx.Done()
		return nil
	}
}

// Serve は HTTP サーバーを起動し、ワーカーを持つ構成ではワーカーも同時に動かします。
// ctx の終了で両方を停止します。
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + a.Cfg.Port,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Log.Info("starting api server", "addr", srv.Addr, "mode", a.Cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	if a.workers {
		g.Go(func() error {
			return a.RunWorkers(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// SSE 接続は Shutdown では切れないため、応答が無い接続は Close で閉じる
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.Log.Warn("graceful shutdown timed out", "error", err)
			return srv.Close()
		}
		return nil
	})
	return g.Wait()
}

// Close は保持している接続を閉じます。
func (a *App) Close() {
	if a.asynq != nil {
		a.asynq.Shutdown()
	}
	if a.audit != nil {
		a.audit.Wait()
	}
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.shutdownTracing(ctx); err != nil {
			a.Log.Warn("failed to flush traces", "error", err)
		}
		cancel()
	}
	if a.db != nil {
		if err := database.Close(a.db); err != nil {
			a.Log.Warn("failed to close database", "error", err)
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	a.Log.Sync()
}

// Health は /health の応答内容を返します。
func (a *App) Health(ctx context.Context) gin.H {
	body := gin.H{
		"status":  "ok",
		"service": a.Cfg.ServiceName,
		"version": a.Cfg.Version,
	}
	if a.depths == nil {
		return body
	}
	depths, err := a.depths.Depths(ctx)
	if err != nil {
		a.Log.Warn("failed to read queue depths", "error", err)
		body["status"] = "degraded"
		return body
	}
	body["queue"] = depths
	return body
}
