package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix  = "job:"
	maxTxAttempts = 16
)

// RedisLedger はジョブ状態を Redis に保存します。
// 同一キーへの読み書きは WATCH による楽観ロックで直列化します。
type RedisLedger struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

// NewRedisLedger は RedisLedger を作成します。ttl が 0 以下の場合は期限を設定しません。
func NewRedisLedger(rdb redis.UniversalClient, ttl time.Duration) *RedisLedger {
	return &RedisLedger{
		rdb: rdb,
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create は RUNNING 状態のジョブを登録します。
func (l *RedisLedger) Create(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	now := l.now()
	payload, err := json.Marshal(&Record{JobID: jobID, Status: StatusRunning, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return err
	}
	ok, err := l.rdb.SetNX(ctx, jobKey(jobID), payload, l.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// Get はジョブ情報を取得します。終端状態であれば同じトランザクションで削除します。
func (l *RedisLedger) Get(ctx context.Context, jobID string) (*Record, error) {
	key := jobKey(jobID)
	var record *Record
	err := l.watch(ctx, key, func(tx *redis.Tx) error {
		current, err := readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			}); err != nil {
				return err
			}
		}
		record = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// SetResult はジョブを終端状態にします。
func (l *RedisLedger) SetResult(ctx context.Context, jobID string, outcome Outcome) error {
	if err := validateOutcome(outcome); err != nil {
		return err
	}
	return l.update(ctx, jobID, func(record *Record) error {
		return record.apply(outcome, l.now())
	})
}

// UpdateProgress は RUNNING 中のジョブの進捗を更新します。
func (l *RedisLedger) UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error {
	return l.update(ctx, jobID, func(record *Record) error {
		if record.Status.Terminal() {
			return ErrTerminal
		}
		record.Progress = &progress
		record.UpdatedAt = l.now()
		return nil
	})
}

// Evict はジョブを削除します。
func (l *RedisLedger) Evict(ctx context.Context, jobID string) error {
	return l.rdb.Del(ctx, jobKey(jobID)).Err()
}

func (l *RedisLedger) update(ctx context.Context, jobID string, mutate func(*Record) error) error {
	key := jobKey(jobID)
	return l.watch(ctx, key, func(tx *redis.Tx) error {
		record, err := readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := mutate(record); err != nil {
			return err
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		return err
	})
}

// watch は競合で EXEC が失敗した場合に fn を再実行します。
func (l *RedisLedger) watch(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := l.rdb.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("job %s: too many concurrent updates", key)
}

func readRecord(ctx context.Context, tx *redis.Tx, key string) (*Record, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode job record: %w", err)
	}
	return &record, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
