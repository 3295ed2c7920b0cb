package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/asset-forge/internal/logger"
)

const (
	jobKeyPrefix         = "pipeline:job:"
	ownerKeyPrefix       = "pipeline:owner:"
	updatesChannelPrefix = "pipeline:updates:"

	maxTxRetries = 32
)

// RedisStore はジョブ状態を Redis に JSON で保存します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	log *logger.Logger
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。ttl が 0 の場合は期限を設定しません。
func NewRedisStore(rdb *redis.Client, ttl time.Duration, log *logger.Logger) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
		log: log.With("component", "redis_store"),
		now: utcNow,
	}
}

// Create はジョブを作成します。
// 本体とオーナー索引は WATCH した上で MULTI/EXEC でまとめて書き込みます。
func (s *RedisStore) Create(ctx context.Context, params CreateParams) (*Record, error) {
	record, err := newRecord(params, s.now())
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}

	key := jobKey(record.PipelineID)
	indexKey := ownerKey(record.OwnerID)
	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrConflict, record.PipelineID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			pipe.ZAdd(ctx, indexKey, redis.Z{
				Score:  float64(record.CreatedAt.UnixNano()),
				Member: record.PipelineID,
			})
			if s.ttl > 0 {
				pipe.Expire(ctx, indexKey, s.ttl)
			}
			return nil
		})
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			// EXEC 内の一部コマンドが失敗しても残りの書き込みは反映されるため取り消す
			s.discardCreate(context.WithoutCancel(ctx), key, indexKey, record.PipelineID)
		}
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			s.publish(ctx, record)
			return record, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("create pipeline %s: %w", record.PipelineID, err)
	}
	return nil, fmt.Errorf("create pipeline %s: too many concurrent updates", record.PipelineID)
}

func (s *RedisStore) discardCreate(ctx context.Context, key, indexKey, pipelineID string) {
	_, _ = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, indexKey, pipelineID)
		return nil
	})
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, pipelineID string) (*Record, error) {
	if pipelineID == "" {
		return nil, ErrNotFound
	}
	data, err := s.rdb.Get(ctx, jobKey(pipelineID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode pipeline %s: %w", pipelineID, err)
	}
	return &record, nil
}

// UpdateStage はステージ状態を更新します。
func (s *RedisStore) UpdateStage(ctx context.Context, pipelineID string, stage StageName, status StageStatus, progressDelta int, artifacts map[string]string) (*Record, error) {
	return s.updatePartial(ctx, pipelineID, func(record *Record) error {
		return applyStageUpdate(record, stage, status, progressDelta, artifacts, s.now())
	})
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (s *RedisStore) MarkFailed(ctx context.Context, pipelineID string, stage StageName, message string) (*Record, error) {
	return s.updatePartial(ctx, pipelineID, func(record *Record) error {
		return applyFailure(record, stage, message, s.now())
	})
}

// MarkCompleted はジョブ完了時の情報を保存します。
func (s *RedisStore) MarkCompleted(ctx context.Context, pipelineID, assetID, assetURL string) (*Record, error) {
	return s.updatePartial(ctx, pipelineID, func(record *Record) error {
		return applyCompletion(record, assetID, assetURL, s.now())
	})
}

// ListByOwner は所有者のジョブを新しい順に返します。期限切れのジョブは除外されます。
func (s *RedisStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Record, error) {
	limit = normalizeLimit(limit)
	ids, err := s.rdb.ZRevRange(ctx, ownerKey(ownerID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*Record{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("decode pipeline %s: %w", ids[i], err)
		}
		out = append(out, &record)
	}
	return out, nil
}

// Watch はジョブ更新の Pub/Sub チャネルを購読します。
// 購読の確立を待ってから返します。購読に失敗した場合は nil チャネルを返します。
func (s *RedisStore) Watch(ctx context.Context, pipelineID string) (<-chan struct{}, func()) {
	pubsub := s.rdb.Subscribe(ctx, updatesChannel(pipelineID))
	if _, err := pubsub.Receive(ctx); err != nil {
		s.log.Warn("failed to subscribe pipeline updates", "pipeline_id", pipelineID, "error", err)
		_ = pubsub.Close()
		return nil, func() {}
	}
	notify := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case notify <- struct{}{}:
				default:
				}
			}
		}
	}()
	var once sync.Once
	return notify, func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
}

// updatePartial は WATCH による楽観ロックで read-modify-write を行います。
func (s *RedisStore) updatePartial(ctx context.Context, pipelineID string, mutate func(*Record) error) (*Record, error) {
	key := jobKey(pipelineID)
	var updated *Record
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("decode pipeline %s: %w", pipelineID, err)
		}
		if err := mutate(&record); err != nil {
			return err
		}
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		if err == nil {
			updated = &record
		}
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			s.publish(ctx, updated)
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("pipeline %s: too many concurrent updates", pipelineID)
}

func (s *RedisStore) publish(ctx context.Context, record *Record) {
	if record == nil {
		return
	}
	// 通知に失敗してもストリームは定期ポーリングで追従する
	_ = s.rdb.Publish(ctx, updatesChannel(record.PipelineID), strconv.FormatInt(record.Version, 10)).Err()
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func ownerKey(ownerID string) string {
	return ownerKeyPrefix + ownerID
}

func updatesChannel(id string) string {
	return updatesChannelPrefix + id
}
