package jobs

import (
	"encoding/json"
	"time"
)

// Status はジョブ全体の実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal は完了・失敗のいずれかであれば true を返します。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StageName はパイプラインのステージ名です。
type StageName string

const (
	StageConceptArt StageName = "conceptArt"
	StageModel3D    StageName = "model3D"
	StageProcessing StageName = "processing"
)

// StageOrder はステージの実行順です。並び替え・スキップは行いません。
var StageOrder = []StageName{StageConceptArt, StageModel3D, StageProcessing}

// StageStatus は各ステージの状態を表します。
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "processing"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// StageProgress はステージ完了ごとに加算される進捗率です。
const StageProgress = 33

// MaxLiveProgress は完了前に到達できる進捗率の上限です。
const MaxLiveProgress = 99

// Stages は3つのステージの状態を固定順で保持します。
type Stages struct {
	ConceptArt StageStatus `json:"conceptArt"`
	Model3D    StageStatus `json:"model3D"`
	Processing StageStatus `json:"processing"`
}

// NewStages は全ステージ pending の状態を返します。
func NewStages() Stages {
	return Stages{
		ConceptArt: StagePending,
		Model3D:    StagePending,
		Processing: StagePending,
	}
}

// Get は指定ステージの状態を返します。
func (s Stages) Get(name StageName) (StageStatus, bool) {
	switch name {
	case StageConceptArt:
		return s.ConceptArt, true
	case StageModel3D:
		return s.Model3D, true
	case StageProcessing:
		return s.Processing, true
	default:
		return "", false
	}
}

func (s *Stages) set(name StageName, status StageStatus) {
	switch name {
	case StageConceptArt:
		s.ConceptArt = status
	case StageModel3D:
		s.Model3D = status
	case StageProcessing:
		s.Processing = status
	}
}

// Record は1件の生成ジョブの永続化状態です。
type Record struct {
	PipelineID   string            `json:"pipelineId"`
	OwnerID      string            `json:"ownerId"`
	PriorityTier int               `json:"priorityTier"`
	Request      json.RawMessage   `json:"request"`
	Status       Status            `json:"status"`
	Stages       Stages            `json:"stages"`
	Progress     int               `json:"progress"`
	Artifacts    map[string]string `json:"artifacts,omitempty"`
	AssetID      string            `json:"assetId,omitempty"`
	AssetURL     string            `json:"assetUrl,omitempty"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
	FailedAt     *time.Time        `json:"failedAt,omitempty"`
	Version      int64             `json:"version"`
}

// Clone はレコードのディープコピーを返します。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Request != nil {
		out.Request = append(json.RawMessage(nil), r.Request...)
	}
	if r.Artifacts != nil {
		out.Artifacts = make(map[string]string, len(r.Artifacts))
		for k, v := range r.Artifacts {
			out.Artifacts[k] = v
		}
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.FailedAt != nil {
		t := *r.FailedAt
		out.FailedAt = &t
	}
	return &out
}

// CreateParams はジョブ作成時の入力です。
type CreateParams struct {
	PipelineID   string
	OwnerID      string
	PriorityTier int
	Request      json.RawMessage
}
