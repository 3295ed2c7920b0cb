package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound は指定されたパイプラインが存在しない場合に返されます。
	ErrNotFound = errors.New("pipeline not found")
	// ErrConflict は同じ pipelineId のジョブが既に存在する場合に返されます。
	ErrConflict = errors.New("pipeline already exists")
	// ErrInvalidTransition はステージ順序に反する更新を表します。
	ErrInvalidTransition = errors.New("invalid stage transition")
	// ErrFinalized は完了・失敗済みのジョブを更新しようとした場合に返されます。
	ErrFinalized = errors.New("pipeline already finalized")
)

// 以下の apply* 関数はすべてのバックエンドで共有される状態遷移ルールです。
// 失敗時はレコードを一切変更しません。

func newRecord(params CreateParams, now time.Time) (*Record, error) {
	if strings.TrimSpace(params.PipelineID) == "" {
		return nil, fmt.Errorf("pipelineId is required")
	}
	if strings.TrimSpace(params.OwnerID) == "" {
		return nil, fmt.Errorf("ownerId is required")
	}
	return &Record{
		PipelineID:   params.PipelineID,
		OwnerID:      params.OwnerID,
		PriorityTier: params.PriorityTier,
		Request:      params.Request,
		Status:       StatusQueued,
		Stages:       NewStages(),
		Progress:     0,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}, nil
}

func applyStageUpdate(r *Record, stage StageName, to StageStatus, progressDelta int, artifacts map[string]string, now time.Time) error {
	if r.Status.IsTerminal() {
		return ErrFinalized
	}
	current, ok := r.Stages.Get(stage)
	if !ok {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidTransition, stage)
	}
	if progressDelta < 0 {
		return fmt.Errorf("%w: negative progress delta %d", ErrInvalidTransition, progressDelta)
	}
	if err := checkPrerequisites(r, stage); err != nil {
		return err
	}

	switch {
	case current == StagePending && to == StageRunning:
	case current == StageRunning && to == StageCompleted:
	default:
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, stage, current, to)
	}

	r.Stages.set(stage, to)
	r.Status = StatusProcessing
	r.Progress = clampLiveProgress(r.Progress + progressDelta)
	if len(artifacts) > 0 {
		if r.Artifacts == nil {
			r.Artifacts = make(map[string]string, len(artifacts))
		}
		for k, v := range artifacts {
			r.Artifacts[k] = v
		}
	}
	touch(r, now)
	return nil
}

func applyFailure(r *Record, stage StageName, message string, now time.Time) error {
	if r.Status.IsTerminal() {
		return ErrFinalized
	}
	if stage != "" {
		current, ok := r.Stages.Get(stage)
		if !ok {
			return fmt.Errorf("%w: unknown stage %q", ErrInvalidTransition, stage)
		}
		if current != StagePending && current != StageRunning {
			return fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, stage, current)
		}
		if err := checkPrerequisites(r, stage); err != nil {
			return err
		}
		r.Stages.set(stage, StageFailed)
	}
	if strings.TrimSpace(message) == "" {
		message = "pipeline failed"
	}
	r.Status = StatusFailed
	r.Error = message
	failedAt := now
	r.FailedAt = &failedAt
	touch(r, now)
	return nil
}

func applyCompletion(r *Record, assetID, assetURL string, now time.Time) error {
	if r.Status.IsTerminal() {
		return ErrFinalized
	}
	for _, stage := range StageOrder {
		if status, _ := r.Stages.Get(stage); status != StageCompleted {
			return fmt.Errorf("%w: cannot complete while %s is %s", ErrInvalidTransition, stage, status)
		}
	}
	if strings.TrimSpace(assetID) == "" {
		return fmt.Errorf("%w: assetId is required", ErrInvalidTransition)
	}
	r.Status = StatusCompleted
	r.Progress = 100
	r.AssetID = assetID
	r.AssetURL = assetURL
	completedAt := now
	r.CompletedAt = &completedAt
	touch(r, now)
	return nil
}

// checkPrerequisites は stage より前のステージがすべて完了しているかを確認します。
func checkPrerequisites(r *Record, stage StageName) error {
	for _, prev := range StageOrder {
		if prev == stage {
			return nil
		}
		if status, _ := r.Stages.Get(prev); status != StageCompleted {
			return fmt.Errorf("%w: %s requires %s to be completed (is %s)", ErrInvalidTransition, stage, prev, status)
		}
	}
	return nil
}

func clampLiveProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxLiveProgress {
		return MaxLiveProgress
	}
	return p
}

func touch(r *Record, now time.Time) {
	if !now.After(r.UpdatedAt) {
		// 同一時刻に複数回遷移しても updatedAt が必ず進むようにする
		now = r.UpdatedAt.Add(time.Microsecond)
	}
	r.UpdatedAt = now
	r.Version++
}
