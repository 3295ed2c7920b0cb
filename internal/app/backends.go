package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yourusername/asset-forge/internal/audit"
	"github.com/yourusername/asset-forge/internal/database"
	"github.com/yourusername/asset-forge/internal/generation"
	"github.com/yourusername/asset-forge/internal/jobs"
	"github.com/yourusername/asset-forge/internal/pipeline"
	"github.com/yourusername/asset-forge/internal/queue"
	"github.com/yourusername/asset-forge/internal/storage"
)

const (
	auditTimeout        = 5 * time.Second
	providerHTTPTimeout = 5 * time.Minute
)

func (a *App) redisClient() (*redis.Client, error) {
	if a.rdb != nil {
		return a.rdb, nil
	}
	opt, err := redis.ParseURL(a.Cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	a.rdb = redis.NewClient(opt)
	return a.rdb, nil
}

// gormDB はジョブストアと監査ログで共有する RDB 接続を返します。
// ジョブストアが RDB でない場合、DATABASE_URL があれば postgres、なければ sqlite を使います。
func (a *App) gormDB() (*gorm.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	backend := a.Cfg.JobStoreBackend
	if backend != "postgres" && backend != "sqlite" {
		backend = "sqlite"
		if a.Cfg.DatabaseURL != "" {
			backend = "postgres"
		}
	}
	db, err := database.Open(backend, a.Cfg.DatabaseURL, a.Cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *App) wireStore(ctx context.Context) (jobs.Store, error) {
	switch a.Cfg.JobStoreBackend {
	case "redis":
		rdb, err := a.redisClient()
		if err != nil {
			return nil, err
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		ttl := time.Duration(a.Cfg.JobExpireMinutes) * time.Minute
		return jobs.NewRedisStore(rdb, ttl, a.Log), nil
	case "postgres", "sqlite":
		db, err := a.gormDB()
		if err != nil {
			return nil, err
		}
		store := jobs.NewGormStore(db)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate job store: %w", err)
		}
		return store, nil
	case "memory":
		a.Log.Warn("using in-memory job store; jobs are lost on restart")
		return jobs.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported job store backend: %s", a.Cfg.JobStoreBackend)
	}
}

// wireQueue はキューを組み立てます。workers が true の場合はジョブを実行する側も用意します。
func (a *App) wireQueue(workers bool) error {
	workerOpts := pipeline.WorkerOptions{
		Concurrency:     a.Cfg.WorkerConcurrency,
		PollInterval:    a.Cfg.PollInterval,
		PollMaxInterval: a.Cfg.PollMaxInterval,
	}

	switch a.Cfg.QueueBackend {
	case "redis":
		rdb, err := a.redisClient()
		if err != nil {
			return err
		}
		q := queue.NewRedisQueue(rdb)
		a.enqueuer, a.depths = q, q
		if workers {
			a.worker = pipeline.NewWorker(q, a.Executor, workerOpts, a.Log)
		}
	case "asynq":
		var handler queue.Handler
		if workers {
			handler = a.Executor.Execute
		}
		d, err := queue.NewAsynqDispatcher(queue.AsynqOptions{
			RedisURL:    a.Cfg.RedisURL,
			Concurrency: a.Cfg.WorkerConcurrency,
		}, handler, a.Log)
		if err != nil {
			return err
		}
		a.asynq = d
		a.enqueuer, a.depths = d, d
	case "memory":
		q := queue.NewMemoryQueue()
		a.enqueuer, a.depths = q, q
		if workers {
			a.worker = pipeline.NewWorker(q, a.Executor, workerOpts, a.Log)
		}
	default:
		return fmt.Errorf("unsupported queue backend: %s", a.Cfg.QueueBackend)
	}
	return nil
}

func (a *App) wireStorage(ctx context.Context) (storage.Storage, error) {
	switch a.Cfg.StorageBackend {
	case "local":
		local, err := storage.NewLocal(a.Cfg.StorageLocalDir, a.Cfg.StoragePublicBaseURL)
		if err != nil {
			return nil, err
		}
		a.localRoot = local.Root()
		return local, nil
	case "minio":
		m, err := storage.NewMinIO(storage.MinIOOptions{
			Endpoint:      a.Cfg.MinioEndpoint,
			AccessKey:     a.Cfg.MinioAccessKey,
			SecretKey:     a.Cfg.MinioSecretKey,
			Bucket:        a.Cfg.MinioBucket,
			UseSSL:        a.Cfg.MinioUseSSL,
			Region:        a.Cfg.MinioRegion,
			PublicBaseURL: a.Cfg.StoragePublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx, a.Cfg.MinioRegion); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", a.Cfg.StorageBackend)
	}
}

func (a *App) wireGeneration() (pipeline.Collaborators, error) {
	switch a.Cfg.GenerationProvider {
	case "stub":
		stub := generation.NewStub(0)
		return pipeline.Collaborators{
			ConceptArt:    stub,
			Model:         stub.Models(),
			PostProcessor: generation.NewStoragePostProcessor(stub, a.Storage),
		}, nil
	case "http":
		client := generation.NewProviderClient(a.Cfg.GenerationAPIURL, a.Cfg.GenerationAPIKey, &http.Client{
			Timeout: providerHTTPTimeout,
		})
		return pipeline.Collaborators{
			ConceptArt:    client,
			Model:         client.Models(),
			PostProcessor: generation.NewStoragePostProcessor(client, a.Storage),
		}, nil
	default:
		return pipeline.Collaborators{}, fmt.Errorf("unsupported generation provider: %s", a.Cfg.GenerationProvider)
	}
}

func (a *App) wireAudit(ctx context.Context) (audit.Sink, error) {
	var sink audit.Sink
	switch a.Cfg.AuditBackend {
	case "log":
		sink = audit.NewLogSink(a.Log)
	case "gorm":
		db, err := a.gormDB()
		if err != nil {
			return nil, err
		}
		g := audit.NewGormSink(db)
		if err := g.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate audit events: %w", err)
		}
		sink = g
	default:
		return nil, fmt.Errorf("unsupported audit backend: %s", a.Cfg.AuditBackend)
	}
	a.audit = audit.NewAsync(sink, a.Log, auditTimeout)
	return a.audit, nil
}
