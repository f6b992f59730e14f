// Package retry はレート制限エラーに対する指数バックオフ付きリトライを提供します。
package retry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrRateLimited はレート制限を示す番兵エラーです。
var ErrRateLimited = errors.New("rate limited")

// ErrRetriesExhausted はレート制限で試行回数を使い切ったことを示します。
var ErrRetriesExhausted = errors.New("max retries exceeded due to rate limiting")

// RateLimitError は外部サービスが返したレート制限を表します。
type RateLimitError struct {
	Service    string
	StatusCode int
	RetryAfter time.Duration // サーバーが提示した待ち時間（参考値）
	Err        error
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("%s rate limited (status %d)", e.Service, e.StatusCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Is により errors.Is(err, ErrRateLimited) が成立します。
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// IsRateLimited は err がレート制限系かを判定します。
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// ParseRetryAfter は Retry-After ヘッダー（秒数）を解釈します。解釈できなければ 0 を返します。
func ParseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// SleepFunc は ctx を尊重して d だけ待機します。
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor は 1 つの処理をレート制限時のみ再試行します。
// 呼び出し側から見ると逐次・ブロッキングで、ページごとに独立して使われます。
type Executor struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Sleep       SleepFunc
	Logger      zerolog.Logger
}

// NewExecutor は Executor を作成します。
func NewExecutor(maxAttempts int, baseDelay time.Duration, logger zerolog.Logger) *Executor {
	return &Executor{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		Sleep:       sleepContext,
		Logger:      logger,
	}
}

// Delay は attempt 回目（0始まり）の失敗後の待ち時間 BaseDelay × 2^attempt を返します。
func (e *Executor) Delay(attempt int) time.Duration {
	return e.BaseDelay << uint(attempt)
}

// Do は op を実行し、レート制限エラーの間だけ再試行します。
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do は結果を返す op を Executor のポリシーで実行します。
// レート制限以外のエラーは待たずにそのまま返します。
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := e.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := e.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !IsRateLimited(err) {
			return zero, err
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}
		wait := e.Delay(attempt)
		e.Logger.Warn().
			Int("attempt", attempt+1).
			Int("max_attempts", attempts).
			Dur("wait", wait).
			Msg("rate limit hit, backing off")
		if err := sleep(ctx, wait); err != nil {
			return zero, err
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
