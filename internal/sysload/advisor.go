// Package sysload は CPU・メモリの負荷から安全な並列数を見積もります。
package sysload

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	highCPUPercent    = 80.0
	lowMemoryBytes    = 1 << 30 // 1GB
	minRecommended    = 2
	cpuSampleWindow   = time.Second
	ioBoundMultiplier = 2
)

// Sampler はシステム負荷の読み取りを抽象化します。
type Sampler interface {
	CPUPercent(ctx context.Context, window time.Duration) (float64, error)
	AvailableMemory(ctx context.Context) (uint64, error)
	NumCPU() int
}

// Advisor は並列数の推奨値を返します。上限（設定値・ページ数）の適用は呼び出し側の責務です。
type Advisor struct {
	sampler Sampler
	window  time.Duration
	logger  zerolog.Logger
}

// NewAdvisor は gopsutil を使う Advisor を作成します。
func NewAdvisor(logger zerolog.Logger) *Advisor {
	return NewAdvisorWithSampler(gopsutilSampler{}, logger)
}

// NewAdvisorWithSampler は任意の Sampler を使う Advisor を作成します。
func NewAdvisorWithSampler(s Sampler, logger zerolog.Logger) *Advisor {
	return &Advisor{sampler: s, window: cpuSampleWindow, logger: logger}
}

// Recommend は現在の負荷に応じた並列数を返します。
// 高負荷（CPU 80% 超）または空きメモリ 1GB 未満なら max(2, cores/2)、それ以外は cores×2。
// 測定に失敗した場合は控えめな値を返します。
func (a *Advisor) Recommend(ctx context.Context) int {
	cores := a.sampler.NumCPU()
	if cores < 1 {
		cores = 1
	}
	reduced := max(minRecommended, cores/2)
	full := max(minRecommended, cores*ioBoundMultiplier)

	usage, err := a.sampler.CPUPercent(ctx, a.window)
	if err != nil {
		a.logger.Warn().Err(err).Msg("cpu sampling failed, using reduced thread budget")
		return reduced
	}
	available, err := a.sampler.AvailableMemory(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("memory sampling failed, using reduced thread budget")
		return reduced
	}

	recommended := full
	if usage > highCPUPercent || available < lowMemoryBytes {
		recommended = reduced
	}
	a.logger.Debug().
		Int("cores", cores).
		Float64("cpu_percent", usage).
		Uint64("available_bytes", available).
		Int("recommended", recommended).
		Msg("thread budget computed")
	return recommended
}

type gopsutilSampler struct{}

func (gopsutilSampler) CPUPercent(ctx context.Context, window time.Duration) (float64, error) {
	values, err := cpu.PercentWithContext(ctx, window, false)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, nil
	}
	return values[0], nil
}

func (gopsutilSampler) AvailableMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

func (gopsutilSampler) NumCPU() int {
	return runtime.NumCPU()
}
