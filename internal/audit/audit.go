// Package audit は生成開始などの監査イベントを記録します。
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/yourusername/asset-forge/internal/logger"
)

// EventGenerationStarted は生成受付の監査イベント種別です。
const EventGenerationStarted = "generation.started"

// Sink は監査イベントの記録先です。
type Sink interface {
	RecordGenerationStarted(ctx context.Context, ownerID, pipelineID, summary string) error
}

// LogSink は監査イベントをロガーへ出力します。
type LogSink struct {
	log *logger.Logger
}

// NewLogSink は LogSink を作成します。
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log.With("component", "audit")}
}

func (s *LogSink) RecordGenerationStarted(_ context.Context, ownerID, pipelineID, summary string) error {
	s.log.Info("audit event",
		"event", EventGenerationStarted,
		"owner_id", ownerID,
		"pipeline_id", pipelineID,
		"summary", summary,
	)
	return nil
}

// Async は Sink への書き込みをバックグラウンドで行います。
// 失敗はログに残すだけで呼び出し元には返しません。
type Async struct {
	sink    Sink
	log     *logger.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsync は Async を作成します。timeout が0以下の場合は5秒です。
func NewAsync(sink Sink, log *logger.Logger, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{sink: sink, log: log.With("component", "audit"), timeout: timeout}
}

// RecordGenerationStarted は記録をキューに入れて即座に nil を返します。
// リクエストのキャンセルに引きずられないよう、独立したコンテキストで書き込みます。
func (a *Async) RecordGenerationStarted(_ context.Context, ownerID, pipelineID, summary string) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.log.Error("audit sink panicked", "pipeline_id", pipelineID, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.sink.RecordGenerationStarted(ctx, ownerID, pipelineID, summary); err != nil {
			a.log.Warn("failed to record audit event", "pipeline_id", pipelineID, "error", err)
		}
	}()
	return nil
}

// Wait は実行中の書き込みがすべて終わるまで待ちます。
func (a *Async) Wait() {
	a.wg.Wait()
}
