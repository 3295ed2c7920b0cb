package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/asset-forge/internal/audit"
	"github.com/yourusername/asset-forge/internal/auth"
	"github.com/yourusername/asset-forge/internal/jobs"
	"github.com/yourusername/asset-forge/internal/logger"
	"github.com/yourusername/asset-forge/internal/queue"
)

// DefaultStreamInterval はストリームの定期送信間隔です。
const DefaultStreamInterval = 2 * time.Second

const anonymousPrefix = "anon_"

// ServiceOptions は Service の設定です。
type ServiceOptions struct {
	// AllowAnonymous が true の場合、未認証の送信を匿名IDで受け付けて low レーンに入れます。
	AllowAnonymous bool
	StreamInterval time.Duration
	Policy         TierPolicy
}

// Service は生成リクエストの受付と状態の参照を提供します。
type Service struct {
	store          jobs.Store
	queue          queue.Enqueuer
	audit          audit.Sink
	policy         TierPolicy
	log            *logger.Logger
	allowAnonymous bool
	streamInterval time.Duration
	newID          func() string
}

// NewService は Service を作成します。
func NewService(store jobs.Store, q queue.Enqueuer, sink audit.Sink, log *logger.Logger, opts ServiceOptions) *Service {
	policy := opts.Policy
	if policy == nil {
		policy = ThresholdPolicy(1)
	}
	interval := opts.StreamInterval
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	return &Service{
		store:          store,
		queue:          q,
		audit:          sink,
		policy:         policy,
		log:            log.With("component", "pipeline"),
		allowAnonymous: opts.AllowAnonymous,
		streamInterval: interval,
		newID:          uuid.NewString,
	}
}

// SubmitResult は受付直後の応答です。
type SubmitResult struct {
	PipelineID string      `json:"pipelineId"`
	Status     jobs.Status `json:"status"`
	Stages     jobs.Stages `json:"stages"`
}

// AllowsAnonymous は匿名送信を受け付けるかどうかを返します。
func (s *Service) AllowsAnonymous() bool {
	return s.allowAnonymous
}

// Submit はリクエストを検証してジョブを作成し、キューへ投入して即座に返ります。
func (s *Service) Submit(ctx context.Context, req GenerationRequest, identity *auth.Identity) (*SubmitResult, error) {
	owner, tier, lane, err := s.resolveCaller(identity)
	if err != nil {
		return nil, err
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	record, err := s.store.Create(ctx, jobs.CreateParams{
		PipelineID:   s.newID(),
		OwnerID:      owner,
		PriorityTier: tier,
		Request:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, lane, record.PipelineID); err != nil {
		s.log.Error("failed to enqueue pipeline", "pipeline_id", record.PipelineID, "lane", lane, "error", err)
		if _, markErr := s.store.MarkFailed(context.WithoutCancel(ctx), record.PipelineID, "", "enqueue failed: "+err.Error()); markErr != nil {
			s.log.Error("failed to mark unqueued pipeline as failed", "pipeline_id", record.PipelineID, "error", markErr)
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	if err := s.audit.RecordGenerationStarted(ctx, owner, record.PipelineID, req.Summary()); err != nil {
		s.log.Warn("failed to record audit event", "pipeline_id", record.PipelineID, "error", err)
	}

	s.log.Info("pipeline queued",
		"pipeline_id", record.PipelineID,
		"owner_id", owner,
		"lane", lane,
		"type", req.Type,
	)
	return &SubmitResult{
		PipelineID: record.PipelineID,
		Status:     record.Status,
		Stages:     record.Stages,
	}, nil
}

// GetStatus はジョブの現在の状態を返します。存在しない場合は jobs.ErrNotFound です。
func (s *Service) GetStatus(ctx context.Context, pipelineID string) (PipelineStatus, error) {
	record, err := s.store.Get(ctx, pipelineID)
	if err != nil {
		return PipelineStatus{}, err
	}
	return Project(record), nil
}

// List は呼び出し元のジョブを新しい順に返します。
func (s *Service) List(ctx context.Context, identity *auth.Identity, limit int) ([]PipelineStatus, error) {
	if identity == nil || identity.UserID == "" {
		return nil, ErrUnauthorized
	}
	records, err := s.store.ListByOwner(ctx, identity.UserID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]PipelineStatus, 0, len(records))
	for _, r := range records {
		out = append(out, Project(r))
	}
	return out, nil
}

func (s *Service) resolveCaller(identity *auth.Identity) (string, int, queue.Lane, error) {
	if identity != nil && identity.UserID != "" {
		return identity.UserID, identity.Tier, s.policy(identity.Tier), nil
	}
	if !s.allowAnonymous {
		return "", 0, "", ErrUnauthorized
	}
	return anonymousPrefix + s.newID(), 0, queue.LaneLow, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, jobs.ErrNotFound)
}
