// Package jobs は生成ジョブの永続化（ジョブレコードストア）を提供します。
//
// ジョブ状態の唯一の正となる保存先であり、すべての更新は
// ステージ順序と終端状態の凍結を保証したうえでアトミックに行われます。
package jobs

import (
	"context"
	"time"
)

// Store はジョブレコードの保存と状態遷移を提供します。
type Store interface {
	// Create は queued 状態のジョブを作成します。既に存在する場合は ErrConflict を返します。
	Create(ctx context.Context, params CreateParams) (*Record, error)
	// Get はジョブを取得します。存在しない場合は ErrNotFound を返します。
	Get(ctx context.Context, pipelineID string) (*Record, error)
	// UpdateStage はステージ状態を遷移させ、進捗を加算します。
	UpdateStage(ctx context.Context, pipelineID string, stage StageName, status StageStatus, progressDelta int, artifacts map[string]string) (*Record, error)
	// MarkFailed はジョブを失敗状態にして凍結します。stage が空の場合はステージ状態を変更しません。
	MarkFailed(ctx context.Context, pipelineID string, stage StageName, message string) (*Record, error)
	// MarkCompleted はジョブを完了状態にして凍結します。
	MarkCompleted(ctx context.Context, pipelineID, assetID, assetURL string) (*Record, error)
	// ListByOwner は所有者のジョブを新しい順に返します。
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Record, error)
}

// Watcher はジョブ更新の通知を購読できるストアが実装します。
// 通知は合図のみで、内容は Get で読み直します。
type Watcher interface {
	Watch(ctx context.Context, pipelineID string) (<-chan struct{}, func())
}

// DefaultListLimit は ListByOwner の既定件数です。
const DefaultListLimit = 20

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return DefaultListLimit
	}
	return limit
}

func utcNow() time.Time {
	return time.Now().UTC()
}
