package pipeline

import (
	"time"

	"github.com/yourusername/asset-forge/internal/jobs"
)

// CurrentStageCompleted は全ステージ完了時の currentStage です。
const CurrentStageCompleted = "completed"

// PipelineStatus は外部に公開するジョブ状態です。
type PipelineStatus struct {
	PipelineID   string      `json:"pipelineId"`
	Status       jobs.Status `json:"status"`
	Progress     int         `json:"progress"`
	CurrentStage string      `json:"currentStage"`
	Stages       jobs.Stages `json:"stages"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
	AssetID      string      `json:"assetId,omitempty"`
	AssetURL     string      `json:"assetUrl,omitempty"`
	Error        string      `json:"error,omitempty"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	FailedAt     *time.Time  `json:"failedAt,omitempty"`
}

// Project はジョブレコードを公開用の状態に変換します。副作用はありません。
func Project(r *jobs.Record) PipelineStatus {
	status := PipelineStatus{
		PipelineID:   r.PipelineID,
		Status:       r.Status,
		Progress:     r.Progress,
		CurrentStage: currentStage(r.Stages),
		Stages:       r.Stages,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		AssetID:      r.AssetID,
		AssetURL:     r.AssetURL,
		Error:        r.Error,
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		status.CompletedAt = &t
	}
	if r.FailedAt != nil {
		t := *r.FailedAt
		status.FailedAt = &t
	}
	return status
}

func currentStage(stages jobs.Stages) string {
	for _, name := range jobs.StageOrder {
		if s, _ := stages.Get(name); s != jobs.StageCompleted {
			return string(name)
		}
	}
	return CurrentStageCompleted
}
