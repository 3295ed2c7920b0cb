package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryQueue はプロセス内のレーン別 FIFO キューです。
type MemoryQueue struct {
	mu    sync.Mutex
	lanes []Lane
	items map[Lane][]Entry
	now   func() time.Time
}

// NewMemoryQueue は MemoryQueue を作成します。lanes を省略すると DefaultLanes を使います。
func NewMemoryQueue(lanes ...Lane) *MemoryQueue {
	if len(lanes) == 0 {
		lanes = DefaultLanes
	}
	items := make(map[Lane][]Entry, len(lanes))
	for _, l := range lanes {
		items[l] = make([]Entry, 0, 64)
	}
	return &MemoryQueue{
		lanes: append([]Lane(nil), lanes...),
		items: items,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, lane Lane, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := validateLane(q.lanes, lane); err != nil {
		return err
	}
	q.items[lane] = append(q.items[lane], Entry{
		Lane:       lane,
		JobID:      jobID,
		EnqueuedAt: q.now(),
	})
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, lane := range q.lanes {
		pending := q.items[lane]
		if len(pending) == 0 {
			continue
		}
		entry := pending[0]
		pending[0] = Entry{}
		q.items[lane] = pending[1:]
		return entry, nil
	}
	return Entry{}, ErrEmpty
}

func (q *MemoryQueue) Depths(_ context.Context) (map[Lane]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[Lane]int64, len(q.lanes))
	for _, lane := range q.lanes {
		out[lane] = int64(len(q.items[lane]))
	}
	return out, nil
}
