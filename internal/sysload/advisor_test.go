package sysload

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeSampler struct {
	cores     int
	cpu       float64
	available uint64
	cpuErr    error
}

func (f fakeSampler) CPUPercent(context.Context, time.Duration) (float64, error) {
	return f.cpu, f.cpuErr
}

func (f fakeSampler) AvailableMemory(context.Context) (uint64, error) { return f.available, nil }

func (f fakeSampler) NumCPU() int { return f.cores }

func TestRecommend(t *testing.T) {
	const gb = 1 << 30
	tests := []struct {
		name    string
		sampler fakeSampler
		want    int
	}{
		{"idle", fakeSampler{cores: 8, cpu: 10, available: 8 * gb}, 16},
		{"busy cpu", fakeSampler{cores: 8, cpu: 95, available: 8 * gb}, 4},
		{"low memory", fakeSampler{cores: 8, cpu: 10, available: gb / 2}, 4},
		{"exactly 80 percent is not busy", fakeSampler{cores: 4, cpu: 80, available: 2 * gb}, 8},
		{"single core busy floors at two", fakeSampler{cores: 1, cpu: 99, available: gb / 4}, 2},
		{"single core idle", fakeSampler{cores: 1, cpu: 1, available: 4 * gb}, 2},
		{"sampling error", fakeSampler{cores: 8, cpuErr: errors.New("no /proc")}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdvisorWithSampler(tt.sampler, zerolog.Nop())
			assert.Equal(t, tt.want, a.Recommend(context.Background()))
		})
	}
}

func TestRecommendBounds(t *testing.T) {
	for cores := 1; cores <= 64; cores++ {
		for _, cpu := range []float64{0, 50, 81, 100} {
			a := NewAdvisorWithSampler(fakeSampler{cores: cores, cpu: cpu, available: 1 << 32}, zerolog.Nop())
			got := a.Recommend(context.Background())
			assert.GreaterOrEqual(t, got, 2)
			assert.LessOrEqual(t, got, max(2, cores*2))
		}
	}
}
