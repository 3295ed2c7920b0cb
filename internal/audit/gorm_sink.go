package audit

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Event は audit_events テーブルの1行です。
type Event struct {
	ID         uint      `gorm:"primaryKey"`
	EventType  string    `gorm:"size:64;index"`
	OwnerID    string    `gorm:"size:128;index"`
	PipelineID string    `gorm:"size:64;index"`
	Summary    string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (Event) TableName() string { return "audit_events" }

// GormSink は監査イベントをデータベースに保存します。
type GormSink struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormSink は GormSink を作成します。
func NewGormSink(db *gorm.DB) *GormSink {
	return &GormSink{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate は audit_events テーブルを作成します。
func (s *GormSink) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Event{})
}

func (s *GormSink) RecordGenerationStarted(ctx context.Context, ownerID, pipelineID, summary string) error {
	event := &Event{
		EventType:  EventGenerationStarted,
		OwnerID:    ownerID,
		PipelineID: pipelineID,
		Summary:    summary,
		CreatedAt:  s.now(),
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByPipeline はパイプラインの監査イベントを古い順に返します。
func (s *GormSink) ListByPipeline(ctx context.Context, pipelineID string) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).
		Where("pipeline_id = ?", pipelineID).
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}
