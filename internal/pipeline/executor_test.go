package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourusername/asset-forge/internal/generation"
	"github.com/yourusername/asset-forge/internal/jobs"
	"github.com/yourusername/asset-forge/internal/logger"
	"github.com/yourusername/asset-forge/internal/queue"
)

type conceptArtFunc func(ctx context.Context, prompt, style string) (generation.ImageRef, error)

func (f conceptArtFunc) Generate(ctx context.Context, prompt, style string) (generation.ImageRef, error) {
	return f(ctx, prompt, style)
}

type modelFunc func(ctx context.Context, image generation.ImageRef, cfg generation.ModelConfig) (generation.ModelRef, error)

func (f modelFunc) Generate(ctx context.Context, image generation.ImageRef, cfg generation.ModelConfig) (generation.ModelRef, error) {
	return f(ctx, image, cfg)
}

type postProcessFunc func(ctx context.Context, model generation.ModelRef) (generation.Asset, error)

func (f postProcessFunc) Process(ctx context.Context, model generation.ModelRef) (generation.Asset, error) {
	return f(ctx, model)
}

// countingCollaborators は呼び出し回数を数える成功する生成処理です。
type countingCollaborators struct {
	concept int32
	model   int32
	post    int32
}

func (c *countingCollaborators) build() Collaborators {
	return Collaborators{
		ConceptArt: conceptArtFunc(func(ctx context.Context, prompt, style string) (generation.ImageRef, error) {
			atomic.AddInt32(&c.concept, 1)
			return generation.ImageRef{URL: "https://cdn.example/concept.png"}, nil
		}),
		Model: modelFunc(func(ctx context.Context, image generation.ImageRef, cfg generation.ModelConfig) (generation.ModelRef, error) {
			atomic.AddInt32(&c.model, 1)
			return generation.ModelRef{URL: "https://cdn.example/model.glb", Format: "glb"}, nil
		}),
		PostProcessor: postProcessFunc(func(ctx context.Context, model generation.ModelRef) (generation.Asset, error) {
			atomic.AddInt32(&c.post, 1)
			return generation.Asset{ID: "asset-1", URL: "https://assets.example/asset-1/model.glb"}, nil
		}),
	}
}

// progressRecorder はストアへの書き込みごとの進捗と状態を記録します。
type progressRecorder struct {
	jobs.Store
	mu        sync.Mutex
	snapshots []*jobs.Record
}

func (r *progressRecorder) record(rec *jobs.Record, err error) (*jobs.Record, error) {
	if err == nil {
		r.mu.Lock()
		r.snapshots = append(r.snapshots, rec.Clone())
		r.mu.Unlock()
	}
	return rec, err
}

func (r *progressRecorder) UpdateStage(ctx context.Context, id string, stage jobs.StageName, status jobs.StageStatus, delta int, artifacts map[string]string) (*jobs.Record, error) {
	return r.record(r.Store.UpdateStage(ctx, id, stage, status, delta, artifacts))
}

func (r *progressRecorder) MarkFailed(ctx context.Context, id string, stage jobs.StageName, message string) (*jobs.Record, error) {
	return r.record(r.Store.MarkFailed(ctx, id, stage, message))
}

func (r *progressRecorder) MarkCompleted(ctx context.Context, id, assetID, assetURL string) (*jobs.Record, error) {
	return r.record(r.Store.MarkCompleted(ctx, id, assetID, assetURL))
}

func submitJob(t *testing.T, store jobs.Store) string {
	t.Helper()
	svc := NewService(store, queueSink{}, &stubAudit{}, logger.Nop(), ServiceOptions{})
	result, err := svc.Submit(context.Background(), dragonBlade(), user("u1", 1))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	return result.PipelineID
}

// queueSink は投入を捨てるキューです。
type queueSink struct{}

func (queueSink) Enqueue(context.Context, queue.Lane, string) error { return nil }

func TestExecuteHappyPath(t *testing.T) {
	store := &progressRecorder{Store: jobs.NewMemoryStore()}
	id := submitJob(t, store)
	counts := &countingCollaborators{}
	exec := NewExecutor(store, counts.build(), time.Second, logger.Nop())

	if err := exec.Execute(context.Background(), id); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	record, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != jobs.StatusCompleted || record.Progress != 100 {
		t.Fatalf("unexpected final state: %s %d", record.Status, record.Progress)
	}
	if record.AssetID != "asset-1" || record.AssetURL == "" || record.CompletedAt == nil || record.FailedAt != nil {
		t.Fatalf("unexpected completion fields: %+v", record)
	}
	if record.Artifacts[ArtifactConceptArtURL] == "" || record.Artifacts[ArtifactModelURL] == "" {
		t.Fatalf("expected stage artifacts, got %v", record.Artifacts)
	}

	last := -1
	for i, snap := range store.snapshots {
		if snap.Progress < last {
			t.Fatalf("progress decreased at write %d: %d -> %d", i, last, snap.Progress)
		}
		if snap.Progress == 100 && snap.Status != jobs.StatusCompleted {
			t.Fatalf("progress reached 100 before completion at write %d", i)
		}
		last = snap.Progress
	}
	if len(store.snapshots) != 7 {
		t.Fatalf("expected 7 writes (3 stages x 2 + completion), got %d", len(store.snapshots))
	}
	if counts.concept != 1 || counts.model != 1 || counts.post != 1 {
		t.Fatalf("unexpected collaborator calls: %+v", counts)
	}
}

func TestExecuteStopsAfterConceptArtFailure(t *testing.T) {
	store := jobs.NewMemoryStore()
	id := submitJob(t, store)
	counts := &countingCollaborators{}
	collab := counts.build()
	collab.ConceptArt = conceptArtFunc(func(context.Context, string, string) (generation.ImageRef, error) {
		return generation.ImageRef{}, errors.New("content policy violation")
	})

	if err := NewExecutor(store, collab, time.Second, logger.Nop()).Execute(context.Background(), id); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	record, _ := store.Get(context.Background(), id)
	if record.Status != jobs.StatusFailed {
		t.Fatalf("expected failed, got %s", record.Status)
	}
	if !strings.Contains(record.Error, "conceptArt") || !strings.Contains(record.Error, "content policy violation") {
		t.Fatalf("error should name the stage and cause: %q", record.Error)
	}
	if record.Stages.ConceptArt != jobs.StageFailed || record.Stages.Model3D != jobs.StagePending || record.Stages.Processing != jobs.StagePending {
		t.Fatalf("unexpected stages: %+v", record.Stages)
	}
	if record.FailedAt == nil || record.CompletedAt != nil {
		t.Fatalf("unexpected timestamps: failedAt=%v completedAt=%v", record.FailedAt, record.CompletedAt)
	}
	if counts.model != 0 || counts.post != 0 {
		t.Fatalf("later stages must not run: %+v", counts)
	}
}

func TestExecuteRecordsPanicAsStageFailure(t *testing.T) {
	store := jobs.NewMemoryStore()
	id := submitJob(t, store)
	counts := &countingCollaborators{}
	collab := counts.build()
	collab.Model = modelFunc(func(context.Context, generation.ImageRef, generation.ModelConfig) (generation.ModelRef, error) {
		panic("mesh decoder crashed")
	})

	if err := NewExecutor(store, collab, time.Second, logger.Nop()).Execute(context.Background(), id); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	record, _ := store.Get(context.Background(), id)
	if record.Status != jobs.StatusFailed || record.Stages.Model3D != jobs.StageFailed {
		t.Fatalf("unexpected state: %s %+v", record.Status, record.Stages)
	}
	if record.Stages.ConceptArt != jobs.StageCompleted || record.Progress != jobs.StageProgress {
		t.Fatalf("conceptArt result should be kept: %+v progress=%d", record.Stages, record.Progress)
	}
	if !strings.Contains(record.Error, "model3D failed: panic: mesh decoder crashed") {
		t.Fatalf("unexpected error message: %q", record.Error)
	}
}

func TestExecuteAppliesStageTimeout(t *testing.T) {
	store := jobs.NewMemoryStore()
	id := submitJob(t, store)
	counts := &countingCollaborators{}
	collab := counts.build()
	collab.PostProcessor = postProcessFunc(func(ctx context.Context, _ generation.ModelRef) (generation.Asset, error) {
		<-ctx.Done()
		return generation.Asset{}, ctx.Err()
	})

	if err := NewExecutor(store, collab, 20*time.Millisecond, logger.Nop()).Execute(context.Background(), id); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	record, _ := store.Get(context.Background(), id)
	if record.Status != jobs.StatusFailed || record.Stages.Processing != jobs.StageFailed {
		t.Fatalf("unexpected state: %s %+v", record.Status, record.Stages)
	}
	if !strings.Contains(record.Error, context.DeadlineExceeded.Error()) {
		t.Fatalf("expected deadline error, got %q", record.Error)
	}
	if record.Progress != 2*jobs.StageProgress {
		t.Fatalf("progress = %d, want %d", record.Progress, 2*jobs.StageProgress)
	}
}

func TestExecuteIgnoresDuplicateDelivery(t *testing.T) {
	store := jobs.NewMemoryStore()
	id := submitJob(t, store)
	counts := &countingCollaborators{}
	exec := NewExecutor(store, counts.build(), time.Second, logger.Nop())

	if err := exec.Execute(context.Background(), id); err != nil {
		t.Fatalf("first Execute returned error: %v", err)
	}
	before, _ := store.Get(context.Background(), id)
	if err := exec.Execute(context.Background(), id); err != nil {
		t.Fatalf("second Execute returned error: %v", err)
	}
	after, _ := store.Get(context.Background(), id)

	if before.Version != after.Version || !before.UpdatedAt.Equal(after.UpdatedAt) {
		t.Fatalf("terminal record changed on redelivery: v%d -> v%d", before.Version, after.Version)
	}
	if counts.concept != 1 {
		t.Fatalf("collaborators ran again: %+v", counts)
	}
}

func TestExecuteConcurrentDeliveryRunsOnce(t *testing.T) {
	store := jobs.NewMemoryStore()
	id := submitJob(t, store)
	counts := &countingCollaborators{}
	exec := NewExecutor(store, counts.build(), time.Second, logger.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := exec.Execute(context.Background(), id); err != nil {
				t.Errorf("Execute returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&counts.concept); got != 1 {
		t.Fatalf("conceptArt ran %d times, want 1", got)
	}
	record, _ := store.Get(context.Background(), id)
	if record.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed, got %s", record.Status)
	}
}

func TestExecuteUnknownPipeline(t *testing.T) {
	exec := NewExecutor(jobs.NewMemoryStore(), (&countingCollaborators{}).build(), time.Second, logger.Nop())
	err := exec.Execute(context.Background(), "missing")
	if !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExecuteFinishesStageWritesAfterShutdown(t *testing.T) {
	store := jobs.NewMemoryStore()
	id := submitJob(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	counts := &countingCollaborators{}
	collab := counts.build()
	collab.ConceptArt = conceptArtFunc(func(ctx context.Context, _, _ string) (generation.ImageRef, error) {
		cancel()
		<-ctx.Done()
		return generation.ImageRef{}, ctx.Err()
	})

	if err := NewExecutor(store, collab, time.Second, logger.Nop()).Execute(ctx, id); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	record, _ := store.Get(context.Background(), id)
	if record.Status != jobs.StatusFailed || !strings.Contains(record.Error, "conceptArt failed") {
		t.Fatalf("canceled job should be recorded as failed, got %s %q", record.Status, record.Error)
	}
}

// cancelAwareStore はネットワーク越しのストアと同様に終了した ctx での読み書きを拒否します。
type cancelAwareStore struct {
	jobs.Store
}

func (s cancelAwareStore) Get(ctx context.Context, id string) (*jobs.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.Get(ctx, id)
}

func (s cancelAwareStore) UpdateStage(ctx context.Context, id string, stage jobs.StageName, status jobs.StageStatus, delta int, artifacts map[string]string) (*jobs.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.UpdateStage(ctx, id, stage, status, delta, artifacts)
}

func (s cancelAwareStore) MarkFailed(ctx context.Context, id string, stage jobs.StageName, message string) (*jobs.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.MarkFailed(ctx, id, stage, message)
}

func (s cancelAwareStore) MarkCompleted(ctx context.Context, id, assetID, assetURL string) (*jobs.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.MarkCompleted(ctx, id, assetID, assetURL)
}

func TestExecuteShutdownBeforeLoadLeavesNoQueuedJob(t *testing.T) {
	store := cancelAwareStore{Store: jobs.NewMemoryStore()}
	id := submitJob(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	counts := &countingCollaborators{}

	if err := NewExecutor(store, counts.build(), time.Second, logger.Nop()).Execute(ctx, id); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	record, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.Status != jobs.StatusFailed {
		t.Fatalf("job dequeued during shutdown must reach a terminal state, got %s", record.Status)
	}
	if !strings.Contains(record.Error, "context canceled") {
		t.Fatalf("unexpected failure message: %q", record.Error)
	}
	if counts.concept != 0 {
		t.Fatalf("concept art should not run after shutdown, got %d calls", counts.concept)
	}
}
