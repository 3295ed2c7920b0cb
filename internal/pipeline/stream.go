package pipeline

import (
	"context"
	"time"

	"github.com/yourusername/asset-forge/internal/jobs"
)

// EmitFunc は状態スナップショットを1件送信します。エラーを返すとストリームを終了します。
type EmitFunc func(PipelineStatus) error

// Stream は接続直後に1件送信し、その後は一定間隔またはストアからの更新通知ごとに送信します。
// 終端状態のスナップショットを送信した時点で nil を返します。
// 最初の読み出しに失敗した場合は何も送信せずにそのエラーを返します。
func (s *Service) Stream(ctx context.Context, pipelineID string, emit EmitFunc) error {
	var updates <-chan struct{}
	if watcher, ok := s.store.(jobs.Watcher); ok {
		ch, stop := watcher.Watch(ctx, pipelineID)
		defer stop()
		updates = ch
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		record, err := s.store.Get(ctx, pipelineID)
		if err != nil {
			return err
		}
		if err := emit(Project(record)); err != nil {
			return err
		}
		if record.Status.IsTerminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case _, ok := <-updates:
			if !ok {
				updates = nil
			}
		}
	}
}
