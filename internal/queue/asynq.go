package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/yourusername/asset-forge/internal/logger"
)

const (
	taskTypeExecute = "pipeline:execute"
)

// Handler はジョブIDを受け取って実行します。
type Handler func(ctx context.Context, jobID string) error

// TaskPayload はパイプライン実行タスクのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
	Lane  Lane   `json:"lane"`
}

// AsynqDispatcher は asynq を使ってジョブをワーカーへ配送します。
// レーンは asynq のキュー名に対応し、StrictPriority により高優先度から処理されます。
type AsynqDispatcher struct {
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	mux       *asynq.ServeMux
	lanes     []Lane
	handler   Handler
	log       *logger.Logger
}

// AsynqOptions は AsynqDispatcher の設定です。
type AsynqOptions struct {
	RedisURL    string
	Concurrency int
	Lanes       []Lane
}

// NewAsynqDispatcher は AsynqDispatcher を初期化します。handler が nil の場合は投入専用になります。
func NewAsynqDispatcher(opts AsynqOptions, handler Handler, log *logger.Logger) (*AsynqDispatcher, error) {
	if log == nil {
		return nil, errors.New("logger is nil")
	}
	redisOpt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	lanes := opts.Lanes
	if len(lanes) == 0 {
		lanes = DefaultLanes
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	// StrictPriority では重みの大小のみが意味を持つ
	queues := make(map[string]int, len(lanes))
	for i, lane := range lanes {
		queues[string(lane)] = len(lanes) - i
	}

	d := &AsynqDispatcher{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		lanes:     append([]Lane(nil), lanes...),
		handler:   handler,
		log:       log.With("component", "AsynqDispatcher"),
	}
	if handler != nil {
		d.server = asynq.NewServer(redisOpt, asynq.Config{
			Concurrency:    concurrency,
			Queues:         queues,
			StrictPriority: true,
		})
		d.mux = asynq.NewServeMux()
		d.mux.HandleFunc(taskTypeExecute, d.handleExecuteTask)
	}
	return d, nil
}

// Enqueue はジョブを lane に対応する asynq キューへ投入します。
// 同じジョブIDの重複投入は asynq の TaskID で弾かれます。
func (d *AsynqDispatcher) Enqueue(ctx context.Context, lane Lane, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	if err := validateLane(d.lanes, lane); err != nil {
		return err
	}
	body, err := json.Marshal(&TaskPayload{JobID: jobID, Lane: lane})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeExecute, body)
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(string(lane)),
		asynq.TaskID(jobID),
		asynq.MaxRetry(0),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue %s to %s: %w", jobID, lane, err)
	}
	return nil
}

// Depths は各レーンの待ち件数を返します。
func (d *AsynqDispatcher) Depths(_ context.Context) (map[Lane]int64, error) {
	out := make(map[Lane]int64, len(d.lanes))
	for _, lane := range d.lanes {
		info, err := d.inspector.GetQueueInfo(string(lane))
		if err != nil {
			if errors.Is(err, asynq.ErrQueueNotFound) {
				out[lane] = 0
				continue
			}
			return nil, err
		}
		out[lane] = int64(info.Pending)
	}
	return out, nil
}

// Start は asynq サーバーをバックグラウンドで起動します。
func (d *AsynqDispatcher) Start() error {
	if d.server == nil {
		return errors.New("dispatcher has no handler")
	}
	if err := d.server.Start(d.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	d.log.Info("asynq server started", "lanes", d.lanes)
	return nil
}

// Shutdown はサーバーとクライアントを閉じます。
func (d *AsynqDispatcher) Shutdown() {
	if d.server != nil {
		d.server.Shutdown()
	}
	_ = d.inspector.Close()
	_ = d.client.Close()
}

func (d *AsynqDispatcher) handleExecuteTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}
	if err := d.handler(ctx, payload.JobID); err != nil {
		d.log.Error("pipeline task failed", "pipeline_id", payload.JobID, "lane", payload.Lane, "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}
