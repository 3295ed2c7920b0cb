package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore はプロセス内にジョブを保持するストアです（テスト・ローカル開発用）。
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]*Record
	watchers map[string]map[chan struct{}]struct{}
	now      func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		watchers: make(map[string]map[chan struct{}]struct{}),
		now:      utcNow,
	}
}

func (s *MemoryStore) Create(_ context.Context, params CreateParams) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[params.PipelineID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrConflict, params.PipelineID)
	}
	record, err := newRecord(params, s.now())
	if err != nil {
		return nil, err
	}
	s.records[record.PipelineID] = record
	s.notifyLocked(record.PipelineID)
	return record.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, pipelineID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[pipelineID]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

func (s *MemoryStore) UpdateStage(_ context.Context, pipelineID string, stage StageName, status StageStatus, progressDelta int, artifacts map[string]string) (*Record, error) {
	return s.mutate(pipelineID, func(record *Record) error {
		return applyStageUpdate(record, stage, status, progressDelta, artifacts, s.now())
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, pipelineID string, stage StageName, message string) (*Record, error) {
	return s.mutate(pipelineID, func(record *Record) error {
		return applyFailure(record, stage, message, s.now())
	})
}

func (s *MemoryStore) MarkCompleted(_ context.Context, pipelineID, assetID, assetURL string) (*Record, error) {
	return s.mutate(pipelineID, func(record *Record) error {
		return applyCompletion(record, assetID, assetURL, s.now())
	})
}

func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string, limit int) ([]*Record, error) {
	limit = normalizeLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Record, 0)
	for _, record := range s.records {
		if record.OwnerID == ownerID {
			out = append(out, record.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Watch はジョブ更新時に合図を受け取るチャネルを返します。
func (s *MemoryStore) Watch(_ context.Context, pipelineID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	subs, ok := s.watchers[pipelineID]
	if !ok {
		subs = make(map[chan struct{}]struct{})
		s.watchers[pipelineID] = subs
	}
	subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if subs, ok := s.watchers[pipelineID]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(s.watchers, pipelineID)
				}
			}
		})
	}
}

// mutate はレコードのコピーに変更を適用し、成功した場合のみ置き換えます。
func (s *MemoryStore) mutate(pipelineID string, fn func(*Record) error) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[pipelineID]
	if !ok {
		return nil, ErrNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.records[pipelineID] = next
	s.notifyLocked(pipelineID)
	return next.Clone(), nil
}

func (s *MemoryStore) notifyLocked(pipelineID string) {
	for ch := range s.watchers[pipelineID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
