package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/yourusername/asset-forge/internal/auth"
	"github.com/yourusername/asset-forge/internal/jobs"
	"github.com/yourusername/asset-forge/internal/logger"
	"github.com/yourusername/asset-forge/internal/queue"
)

type auditCall struct {
	ownerID    string
	pipelineID string
	summary    string
}

type stubAudit struct {
	mu    sync.Mutex
	calls []auditCall
	err   error
}

func (s *stubAudit) RecordGenerationStarted(_ context.Context, ownerID, pipelineID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, auditCall{ownerID, pipelineID, summary})
	return s.err
}

type failingQueue struct {
	err error
}

func (q failingQueue) Enqueue(context.Context, queue.Lane, string) error {
	return q.err
}

func dragonBlade() GenerationRequest {
	return GenerationRequest{
		Name:   "Dragon Blade",
		Type:   AssetWeapon,
		Prompt: "a curved blade forged from dragon scales",
	}
}

func user(id string, tier int) *auth.Identity {
	return &auth.Identity{UserID: id, Tier: tier, Source: auth.SourceBearer}
}

type serviceFixture struct {
	store *jobs.MemoryStore
	queue *queue.MemoryQueue
	audit *stubAudit
	svc   *Service
}

func newServiceFixture(opts ServiceOptions) *serviceFixture {
	store := jobs.NewMemoryStore()
	q := queue.NewMemoryQueue()
	sink := &stubAudit{}
	return &serviceFixture{
		store: store,
		queue: q,
		audit: sink,
		svc:   NewService(store, q, sink, logger.Nop(), opts),
	}
}

func TestSubmitQueuesAuthenticatedRequest(t *testing.T) {
	f := newServiceFixture(ServiceOptions{})
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, dragonBlade(), user("u1", 0))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if result.PipelineID == "" || result.Status != jobs.StatusQueued {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Stages != jobs.NewStages() {
		t.Fatalf("expected all stages pending, got %+v", result.Stages)
	}

	record, err := f.store.Get(ctx, result.PipelineID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.OwnerID != "u1" || record.PriorityTier != 0 {
		t.Fatalf("unexpected record owner/tier: %s/%d", record.OwnerID, record.PriorityTier)
	}
	var stored GenerationRequest
	if err := json.Unmarshal(record.Request, &stored); err != nil {
		t.Fatalf("stored request is not JSON: %v", err)
	}
	if stored.Name != "Dragon Blade" || stored.Quality != QualityStandard {
		t.Fatalf("unexpected stored request: %+v", stored)
	}

	entry, err := f.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue returned error: %v", err)
	}
	if entry.JobID != result.PipelineID || entry.Lane != queue.LaneNormal {
		t.Fatalf("unexpected queue entry: %+v", entry)
	}

	if len(f.audit.calls) != 1 || f.audit.calls[0].ownerID != "u1" || f.audit.calls[0].pipelineID != result.PipelineID {
		t.Fatalf("unexpected audit calls: %+v", f.audit.calls)
	}
}

func TestSubmitRoutesByTierPolicy(t *testing.T) {
	f := newServiceFixture(ServiceOptions{Policy: ThresholdPolicy(2)})
	ctx := context.Background()

	if _, err := f.svc.Submit(ctx, dragonBlade(), user("free", 1)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if _, err := f.svc.Submit(ctx, dragonBlade(), user("pro", 2)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	depths, err := f.queue.Depths(ctx)
	if err != nil {
		t.Fatalf("Depths returned error: %v", err)
	}
	if depths[queue.LaneHigh] != 1 || depths[queue.LaneNormal] != 1 {
		t.Fatalf("unexpected depths: %v", depths)
	}
}

func TestSubmitRejectsAnonymousByDefault(t *testing.T) {
	f := newServiceFixture(ServiceOptions{})
	_, err := f.svc.Submit(context.Background(), dragonBlade(), nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if depths, _ := f.queue.Depths(context.Background()); depths[queue.LaneLow]+depths[queue.LaneNormal]+depths[queue.LaneHigh] != 0 {
		t.Fatalf("nothing should be enqueued: %v", depths)
	}
}

func TestSubmitAllowsAnonymousWhenEnabled(t *testing.T) {
	f := newServiceFixture(ServiceOptions{AllowAnonymous: true})
	ctx := context.Background()

	result, err := f.svc.Submit(ctx, dragonBlade(), nil)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	record, err := f.store.Get(ctx, result.PipelineID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !strings.HasPrefix(record.OwnerID, anonymousPrefix) {
		t.Fatalf("expected synthetic owner id, got %q", record.OwnerID)
	}
	entry, err := f.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue returned error: %v", err)
	}
	if entry.Lane != queue.LaneLow {
		t.Fatalf("anonymous submissions should use the low lane, got %s", entry.Lane)
	}
}

func TestSubmitValidationCreatesNoJob(t *testing.T) {
	f := newServiceFixture(ServiceOptions{})
	req := dragonBlade()
	req.Prompt = "   "

	_, err := f.svc.Submit(context.Background(), req, user("u1", 0))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) || validationErr.Field != "prompt" {
		t.Fatalf("expected prompt ValidationError, got %v", err)
	}
	records, _ := f.store.ListByOwner(context.Background(), "u1", 10)
	if len(records) != 0 {
		t.Fatalf("no job should be created, got %d", len(records))
	}
}

func TestSubmitMarksJobFailedWhenEnqueueFails(t *testing.T) {
	store := jobs.NewMemoryStore()
	svc := NewService(store, failingQueue{err: errors.New("redis down")}, &stubAudit{}, logger.Nop(), ServiceOptions{})
	ctx := context.Background()

	_, err := svc.Submit(ctx, dragonBlade(), user("u1", 0))
	if err == nil {
		t.Fatal("expected error when enqueue fails")
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) || errors.Is(err, ErrUnauthorized) {
		t.Fatalf("enqueue failure should be an internal error, got %v", err)
	}

	records, err := store.ListByOwner(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ListByOwner returned error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected the created job to remain, got %d", len(records))
	}
	if records[0].Status != jobs.StatusFailed || !strings.Contains(records[0].Error, "enqueue failed") {
		t.Fatalf("unexpected record state: %s %q", records[0].Status, records[0].Error)
	}
	if records[0].Stages != jobs.NewStages() {
		t.Fatalf("stages should stay pending: %+v", records[0].Stages)
	}
}

func TestSubmitIgnoresAuditFailure(t *testing.T) {
	f := newServiceFixture(ServiceOptions{})
	f.audit.err = errors.New("audit store unavailable")
	if _, err := f.svc.Submit(context.Background(), dragonBlade(), user("u1", 0)); err != nil {
		t.Fatalf("audit failure should not fail submission: %v", err)
	}
}

func TestGetStatusFreshJob(t *testing.T) {
	f := newServiceFixture(ServiceOptions{})
	ctx := context.Background()
	result, err := f.svc.Submit(ctx, dragonBlade(), user("u1", 0))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	status, err := f.svc.GetStatus(ctx, result.PipelineID)
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if status.Status != jobs.StatusQueued || status.Progress != 0 || status.CurrentStage != string(jobs.StageConceptArt) {
		t.Fatalf("unexpected status: %+v", status)
	}

	if _, err := f.svc.GetStatus(ctx, "does-not-exist"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListReturnsCallerPipelines(t *testing.T) {
	f := newServiceFixture(ServiceOptions{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.svc.Submit(ctx, dragonBlade(), user("u1", 0)); err != nil {
			t.Fatalf("Submit returned error: %v", err)
		}
	}
	if _, err := f.svc.Submit(ctx, dragonBlade(), user("u2", 0)); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	items, err := f.svc.List(ctx, user("u1", 0), 10)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 pipelines, got %d", len(items))
	}
	if _, err := f.svc.List(ctx, nil, 10); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
