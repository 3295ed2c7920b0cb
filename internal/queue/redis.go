package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "pipeline:queue:"

// RedisQueue はレーンごとの Redis リストで構成されるキューです。
// LPUSH で末尾に追加し、RPOP で先頭を取り出します。
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
	lanes  []Lane
	now    func() time.Time
}

// NewRedisQueue は RedisQueue を作成します。lanes を省略すると DefaultLanes を使います。
func NewRedisQueue(rdb *redis.Client, lanes ...Lane) *RedisQueue {
	if len(lanes) == 0 {
		lanes = DefaultLanes
	}
	return &RedisQueue{
		rdb:    rdb,
		prefix: defaultKeyPrefix,
		lanes:  append([]Lane(nil), lanes...),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (q *RedisQueue) laneKey(lane Lane) string {
	return q.prefix + string(lane)
}

func (q *RedisQueue) Enqueue(ctx context.Context, lane Lane, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	if err := validateLane(q.lanes, lane); err != nil {
		return err
	}
	payload, err := json.Marshal(Entry{
		Lane:       lane,
		JobID:      jobID,
		EnqueuedAt: q.now(),
	})
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.laneKey(lane), payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s to %s: %w", jobID, lane, err)
	}
	return nil
}

// Dequeue は優先度順にレーンを確認し、最初に見つかったエントリを返します。
// RPOP はアトミックなので、同じエントリが複数のワーカーに渡ることはありません。
func (q *RedisQueue) Dequeue(ctx context.Context) (Entry, error) {
	for _, lane := range q.lanes {
		raw, err := q.rdb.RPop(ctx, q.laneKey(lane)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return Entry{}, fmt.Errorf("dequeue from %s: %w", lane, err)
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return Entry{}, fmt.Errorf("decode queue entry from %s: %w", lane, err)
		}
		entry.Lane = lane
		return entry, nil
	}
	return Entry{}, ErrEmpty
}

func (q *RedisQueue) Depths(ctx context.Context) (map[Lane]int64, error) {
	cmds := make(map[Lane]*redis.IntCmd, len(q.lanes))
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, lane := range q.lanes {
			cmds[lane] = pipe.LLen(ctx, q.laneKey(lane))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[Lane]int64, len(q.lanes))
	for lane, cmd := range cmds {
		out[lane] = cmd.Val()
	}
	return out, nil
}
