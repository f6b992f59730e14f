package parallel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapPreservesOrderUnderShuffledCompletion(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7}
	// 先頭ほど遅く終わるようにして完了順を入れ替える
	out, err := Map(context.Background(), items, 4, func(_ context.Context, i int, v int) (int, error) {
		time.Sleep(time.Duration(len(items)-i) * 3 * time.Millisecond)
		return v * 10, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 10, 20, 30, 40, 50, 60, 70}, out)
}

func TestMapRespectsLimit(t *testing.T) {
	var running, peak atomic.Int32
	items := make([]struct{}, 20)
	_, err := Map(context.Background(), items, 3, func(context.Context, int, struct{}) (struct{}, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestMapReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Map(context.Background(), []int{1, 2, 3}, 2, func(_ context.Context, i int, _ int) (int, error) {
		if i == 1 {
			return 0, boom
		}
		return i, nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestMapRecoversPanic(t *testing.T) {
	_, err := Map(context.Background(), []string{"a"}, 1, func(context.Context, int, string) (string, error) {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestMapEmpty(t *testing.T) {
	out, err := Map(context.Background(), []int(nil), 5, func(context.Context, int, int) (int, error) {
		t.Fatal("fn must not be called")
		return 0, nil
	})
	require.NoError(t, err)
	assert.Empty(t, out)
}
