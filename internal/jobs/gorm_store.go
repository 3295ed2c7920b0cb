package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// jobRow は generation_jobs テーブルの1行です。
type jobRow struct {
	PipelineID       string         `gorm:"column:pipeline_id;primaryKey;size:64"`
	OwnerID          string         `gorm:"column:owner_id;size:128;not null;index:idx_generation_jobs_owner_created,priority:1"`
	PriorityTier     int            `gorm:"column:priority_tier;not null;default:0"`
	Request          datatypes.JSON `gorm:"column:request"`
	Status           string         `gorm:"column:status;size:16;not null;index"`
	ConceptArtStatus string         `gorm:"column:concept_art_status;size:16;not null"`
	Model3DStatus    string         `gorm:"column:model3d_status;size:16;not null"`
	ProcessingStatus string         `gorm:"column:processing_status;size:16;not null"`
	Progress         int            `gorm:"column:progress;not null;default:0"`
	Artifacts        datatypes.JSON `gorm:"column:artifacts"`
	AssetID          string         `gorm:"column:asset_id;size:128"`
	AssetURL         string         `gorm:"column:asset_url;type:text"`
	ErrorMessage     string         `gorm:"column:error_message;type:text"`
	CreatedAt        time.Time      `gorm:"column:created_at;autoCreateTime:false;index:idx_generation_jobs_owner_created,priority:2"`
	UpdatedAt        time.Time      `gorm:"column:updated_at;autoUpdateTime:false"`
	CompletedAt      *time.Time     `gorm:"column:completed_at"`
	FailedAt         *time.Time     `gorm:"column:failed_at"`
	Version          int64          `gorm:"column:version;not null"`
}

func (jobRow) TableName() string { return "generation_jobs" }

// GormStore はジョブを RDB（PostgreSQL / SQLite）に保存します。
// 更新は version 列による楽観ロックで行います。
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore は GormStore を作成します。db は TranslateError を有効にして開いてください。
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: utcNow}
}

// Migrate は generation_jobs テーブルを作成・更新します。
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&jobRow{})
}

func (s *GormStore) Create(ctx context.Context, params CreateParams) (*Record, error) {
	record, err := newRecord(params, s.now())
	if err != nil {
		return nil, err
	}
	row, err := toRow(record)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || s.exists(ctx, record.PipelineID) {
			return nil, fmt.Errorf("%w: %s", ErrConflict, record.PipelineID)
		}
		return nil, fmt.Errorf("create pipeline %s: %w", record.PipelineID, err)
	}
	return record, nil
}

func (s *GormStore) Get(ctx context.Context, pipelineID string) (*Record, error) {
	row, err := s.load(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	return fromRow(row)
}

func (s *GormStore) UpdateStage(ctx context.Context, pipelineID string, stage StageName, status StageStatus, progressDelta int, artifacts map[string]string) (*Record, error) {
	return s.mutate(ctx, pipelineID, func(record *Record) error {
		return applyStageUpdate(record, stage, status, progressDelta, artifacts, s.now())
	})
}

func (s *GormStore) MarkFailed(ctx context.Context, pipelineID string, stage StageName, message string) (*Record, error) {
	return s.mutate(ctx, pipelineID, func(record *Record) error {
		return applyFailure(record, stage, message, s.now())
	})
}

func (s *GormStore) MarkCompleted(ctx context.Context, pipelineID, assetID, assetURL string) (*Record, error) {
	return s.mutate(ctx, pipelineID, func(record *Record) error {
		return applyCompletion(record, assetID, assetURL, s.now())
	})
}

func (s *GormStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Record, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(normalizeLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(rows))
	for i := range rows {
		record, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *GormStore) mutate(ctx context.Context, pipelineID string, fn func(*Record) error) (*Record, error) {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		row, err := s.load(ctx, pipelineID)
		if err != nil {
			return nil, err
		}
		record, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		expected := record.Version
		if err := fn(record); err != nil {
			return nil, err
		}
		next, err := toRow(record)
		if err != nil {
			return nil, err
		}

		res := s.db.WithContext(ctx).
			Model(&jobRow{}).
			Where("pipeline_id = ? AND version = ?", pipelineID, expected).
			Updates(map[string]interface{}{
				"status":             next.Status,
				"concept_art_status": next.ConceptArtStatus,
				"model3d_status":     next.Model3DStatus,
				"processing_status":  next.ProcessingStatus,
				"progress":           next.Progress,
				"artifacts":          next.Artifacts,
				"asset_id":           next.AssetID,
				"asset_url":          next.AssetURL,
				"error_message":      next.ErrorMessage,
				"updated_at":         next.UpdatedAt,
				"completed_at":       next.CompletedAt,
				"failed_at":          next.FailedAt,
				"version":            next.Version,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("update pipeline %s: %w", pipelineID, res.Error)
		}
		if res.RowsAffected == 1 {
			return record, nil
		}
	}
	return nil, fmt.Errorf("pipeline %s: too many concurrent updates", pipelineID)
}

func (s *GormStore) load(ctx context.Context, pipelineID string) (*jobRow, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("pipeline_id = ?", pipelineID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *GormStore) exists(ctx context.Context, pipelineID string) bool {
	var count int64
	if err := s.db.WithContext(ctx).Model(&jobRow{}).Where("pipeline_id = ?", pipelineID).Count(&count).Error; err != nil {
		return false
	}
	return count > 0
}

func toRow(r *Record) (*jobRow, error) {
	var artifacts datatypes.JSON
	if len(r.Artifacts) > 0 {
		raw, err := json.Marshal(r.Artifacts)
		if err != nil {
			return nil, err
		}
		artifacts = datatypes.JSON(raw)
	}
	return &jobRow{
		PipelineID:       r.PipelineID,
		OwnerID:          r.OwnerID,
		PriorityTier:     r.PriorityTier,
		Request:          datatypes.JSON(r.Request),
		Status:           string(r.Status),
		ConceptArtStatus: string(r.Stages.ConceptArt),
		Model3DStatus:    string(r.Stages.Model3D),
		ProcessingStatus: string(r.Stages.Processing),
		Progress:         r.Progress,
		Artifacts:        artifacts,
		AssetID:          r.AssetID,
		AssetURL:         r.AssetURL,
		ErrorMessage:     r.Error,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		CompletedAt:      r.CompletedAt,
		FailedAt:         r.FailedAt,
		Version:          r.Version,
	}, nil
}

func fromRow(row *jobRow) (*Record, error) {
	record := &Record{
		PipelineID:   row.PipelineID,
		OwnerID:      row.OwnerID,
		PriorityTier: row.PriorityTier,
		Status:       Status(row.Status),
		Stages: Stages{
			ConceptArt: StageStatus(row.ConceptArtStatus),
			Model3D:    StageStatus(row.Model3DStatus),
			Processing: StageStatus(row.ProcessingStatus),
		},
		Progress:    row.Progress,
		AssetID:     row.AssetID,
		AssetURL:    row.AssetURL,
		Error:       row.ErrorMessage,
		CreatedAt:   row.CreatedAt.UTC(),
		UpdatedAt:   row.UpdatedAt.UTC(),
		CompletedAt: utcPtr(row.CompletedAt),
		FailedAt:    utcPtr(row.FailedAt),
		Version:     row.Version,
	}
	if len(row.Request) > 0 {
		record.Request = json.RawMessage(append([]byte(nil), row.Request...))
	}
	if len(row.Artifacts) > 0 {
		if err := json.Unmarshal(row.Artifacts, &record.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts of %s: %w", row.PipelineID, err)
		}
	}
	return record, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
