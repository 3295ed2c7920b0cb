package pipeline

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yourusername/asset-forge/internal/logger"
	"github.com/yourusername/asset-forge/internal/queue"
)

// Dequeuer はワーカーがジョブを取り出すキューです。
type Dequeuer interface {
	Dequeue(ctx context.Context) (queue.Entry, error)
}

// Runner は1件のジョブを実行します。
type Runner interface {
	Execute(ctx context.Context, pipelineID string) error
}

// WorkerOptions はワーカープールの設定です。
type WorkerOptions struct {
	Concurrency     int
	PollInterval    time.Duration
	PollMaxInterval time.Duration
}

// Worker はキューをポーリングしてジョブを実行するワーカープールです。
type Worker struct {
	queue        Dequeuer
	runner       Runner
	concurrency  int
	pollInterval time.Duration
	maxInterval  time.Duration
	log          *logger.Logger
}

// NewWorker は Worker を作成します。
func NewWorker(q Dequeuer, runner Runner, opts WorkerOptions, log *logger.Logger) *Worker {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	maxPoll := opts.PollMaxInterval
	if maxPoll < poll {
		maxPoll = poll
	}
	return &Worker{
		queue:        q,
		runner:       runner,
		concurrency:  concurrency,
		pollInterval: poll,
		maxInterval:  maxPoll,
		log:          log.With("component", "worker"),
	}
}

// Run は ctx がキャンセルされるまでワーカーを動かします。
// 実行中のジョブが終わるのを待ってから戻ります。
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("starting pipeline worker pool", "concurrency", w.concurrency)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			w.loop(ctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	w.log.Info("pipeline worker pool stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, workerID int) {
	wait := w.pollInterval
	for {
		if ctx.Err() != nil {
			return
		}

		entry, err := w.queue.Dequeue(ctx)
		switch {
		case err == nil:
			wait = w.pollInterval
			w.execute(ctx, workerID, entry)
			continue
		case ctx.Err() != nil:
			return
		case errors.Is(err, queue.ErrEmpty):
		default:
			w.log.Warn("dequeue failed", "worker_id", workerID, "error", err)
		}

		if !sleep(ctx, wait) {
			return
		}
		wait *= 2
		if wait > w.maxInterval {
			wait = w.maxInterval
		}
	}
}

func (w *Worker) execute(ctx context.Context, workerID int, entry queue.Entry) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("pipeline execution panic",
				"worker_id", workerID,
				"pipeline_id", entry.JobID,
				"panic", r,
			)
		}
	}()

	w.log.Debug("dequeued pipeline",
		"worker_id", workerID,
		"pipeline_id", entry.JobID,
		"lane", entry.Lane,
		"waited", time.Since(entry.EnqueuedAt),
	)
	if err := w.runner.Execute(ctx, entry.JobID); err != nil {
		w.log.Error("pipeline execution failed",
			"worker_id", workerID,
			"pipeline_id", entry.JobID,
			"error", err,
		)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
