package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourusername/asset-forge/internal/generation"
	"github.com/yourusername/asset-forge/internal/jobs"
	"github.com/yourusername/asset-forge/internal/logger"
	"github.com/yourusername/asset-forge/internal/observability"
)

// ステージが記録する中間成果物のキーです。
const (
	ArtifactConceptArtURL = "conceptArtUrl"
	ArtifactModelURL      = "modelUrl"
	ArtifactModelFormat   = "modelFormat"
)

// Collaborators は各ステージが呼び出す生成処理です。
type Collaborators struct {
	ConceptArt    generation.ConceptArtGenerator
	Model         generation.ModelGenerator
	PostProcessor generation.PostProcessor
}

// Executor は1件のジョブのステージを順に実行し、結果をストアへ記録します。
type Executor struct {
	store        jobs.Store
	collab       Collaborators
	stageTimeout time.Duration
	log          *logger.Logger
	tracer       trace.Tracer
}

// NewExecutor は Executor を作成します。stageTimeout が0以下の場合はステージごとの上限を設けません。
func NewExecutor(store jobs.Store, collab Collaborators, stageTimeout time.Duration, log *logger.Logger) *Executor {
	return &Executor{
		store:        store,
		collab:       collab,
		stageTimeout: stageTimeout,
		log:          log.With("component", "executor"),
		tracer:       otel.Tracer(observability.TracerName),
	}
}

// execution は1回の実行で受け渡すステージ間の値です。
type execution struct {
	pipelineID string
	request    GenerationRequest
	image      generation.ImageRef
	model      generation.ModelRef
	asset      generation.Asset
}

type stageFunc func(ctx context.Context, ex *execution) (map[string]string, error)

// Execute はジョブを実行します。
// ステージの失敗はジョブの failed 状態として記録し、nil を返します。
// 返されるエラーはストアの読み書きに失敗した場合のみです。
func (e *Executor) Execute(ctx context.Context, pipelineID string) error {
	ctx, span := e.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("pipeline.id", pipelineID),
	))
	defer span.End()

	// キューから取り出した後にワーカーが停止しても読み込みと終端状態の書き込みは行う
	persistCtx := context.WithoutCancel(ctx)
	log := e.log.With("pipeline_id", pipelineID)

	record, err := e.store.Get(persistCtx, pipelineID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("load pipeline %s: %w", pipelineID, err)
	}
	if record.Status != jobs.StatusQueued {
		log.Warn("skipping pipeline that is not queued", "status", record.Status)
		return nil
	}

	ex := &execution{pipelineID: pipelineID}
	if err := json.Unmarshal(record.Request, &ex.request); err != nil {
		if _, markErr := e.store.MarkFailed(persistCtx, pipelineID, "", "invalid request payload: "+err.Error()); markErr != nil && !isAlreadyHandled(markErr) {
			return fmt.Errorf("mark pipeline %s failed: %w", pipelineID, markErr)
		}
		return nil
	}

	stages := []struct {
		name jobs.StageName
		run  stageFunc
	}{
		{jobs.StageConceptArt, e.runConceptArt},
		{jobs.StageModel3D, e.runModel3D},
		{jobs.StageProcessing, e.runPostProcess},
	}

	for i, stage := range stages {
		if _, err := e.store.UpdateStage(persistCtx, pipelineID, stage.name, jobs.StageRunning, 0, nil); err != nil {
			if i == 0 && isAlreadyHandled(err) {
				log.Warn("pipeline already claimed by another worker", "error", err)
				return nil
			}
			return fmt.Errorf("start stage %s: %w", stage.name, err)
		}

		started := time.Now()
		artifacts, err := e.runStage(ctx, string(stage.name), ex, stage.run)
		if err != nil {
			message := fmt.Sprintf("%s failed: %v", stage.name, err)
			log.Warn("stage failed", "stage", stage.name, "error", err, "elapsed", time.Since(started))
			span.SetStatus(codes.Error, message)
			if _, markErr := e.store.MarkFailed(persistCtx, pipelineID, stage.name, message); markErr != nil {
				return fmt.Errorf("mark stage %s failed: %w", stage.name, markErr)
			}
			return nil
		}

		if _, err := e.store.UpdateStage(persistCtx, pipelineID, stage.name, jobs.StageCompleted, jobs.StageProgress, artifacts); err != nil {
			return fmt.Errorf("complete stage %s: %w", stage.name, err)
		}
		log.Info("stage completed", "stage", stage.name, "elapsed", time.Since(started))
	}

	if _, err := e.store.MarkCompleted(persistCtx, pipelineID, ex.asset.ID, ex.asset.URL); err != nil {
		return fmt.Errorf("mark pipeline completed: %w", err)
	}
	log.Info("pipeline completed", "asset_id", ex.asset.ID)
	return nil
}

// runStage はタイムアウトとスパンを付けてステージを実行し、panic をエラーに変換します。
func (e *Executor) runStage(ctx context.Context, name string, ex *execution, fn stageFunc) (artifacts map[string]string, err error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.stage."+name, trace.WithAttributes(
		attribute.String("pipeline.id", ex.pipelineID),
		attribute.String("pipeline.stage", name),
	))
	defer span.End()

	if e.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.stageTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			artifacts = nil
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	artifacts, err = fn(ctx, ex)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return artifacts, err
}

func (e *Executor) runConceptArt(ctx context.Context, ex *execution) (map[string]string, error) {
	image, err := e.collab.ConceptArt.Generate(ctx, ex.request.ConceptPrompt(), ex.request.Style)
	if err != nil {
		return nil, err
	}
	if image.URL == "" {
		return nil, errors.New("concept art generator returned an empty image reference")
	}
	ex.image = image
	return map[string]string{ArtifactConceptArtURL: image.URL}, nil
}

func (e *Executor) runModel3D(ctx context.Context, ex *execution) (map[string]string, error) {
	model, err := e.collab.Model.Generate(ctx, ex.image, ex.request.ModelConfig())
	if err != nil {
		return nil, err
	}
	if model.URL == "" {
		return nil, errors.New("model generator returned an empty model reference")
	}
	ex.model = model
	artifacts := map[string]string{ArtifactModelURL: model.URL}
	if model.Format != "" {
		artifacts[ArtifactModelFormat] = model.Format
	}
	return artifacts, nil
}

func (e *Executor) runPostProcess(ctx context.Context, ex *execution) (map[string]string, error) {
	asset, err := e.collab.PostProcessor.Process(ctx, ex.model)
	if err != nil {
		return nil, err
	}
	if asset.ID == "" {
		return nil, errors.New("post-processor returned an empty asset id")
	}
	ex.asset = asset
	return nil, nil
}

// isAlreadyHandled は別のワーカーが処理済み・処理中であることを示すエラーかを判定します。
func isAlreadyHandled(err error) bool {
	return errors.Is(err, jobs.ErrInvalidTransition) || errors.Is(err, jobs.ErrFinalized)
}
