package pdf

import "sync"

// 進捗ステージ
const (
	StageRasterize = "rasterize"
	StageConvert   = "convert"
	StageLayout    = "layout"
	StageAssemble  = "assemble"
)

// ProgressReporter は進捗更新用コールバックです。
type ProgressReporter func(stage string, percent int)

func reportProgress(cb ProgressReporter, stage string, percent int) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cb(stage, percent)
}

// monotonic は並行する 2 経路からの報告をまとめ、進捗率が戻らないようにします。
func monotonic(cb ProgressReporter) ProgressReporter {
	if cb == nil {
		return nil
	}
	var (
		mu   sync.Mutex
		last = -1
	)
	return func(stage string, percent int) {
		mu.Lock()
		defer mu.Unlock()
		if percent <= last {
			return
		}
		last = percent
		cb(stage, percent)
	}
}
