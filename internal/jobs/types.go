// Package jobs はジョブの状態管理と非同期実行を提供します。
package jobs

import (
	"errors"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

var (
	// ErrNotFound は台帳にジョブが存在しない（または読み出し済みで削除された）ことを表します。
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyExists は同じIDのジョブが既に登録されていることを表します。
	ErrAlreadyExists = errors.New("job already exists")
	// ErrTerminal は終端状態のジョブを更新しようとしたことを表します。
	ErrTerminal = errors.New("job already reached a terminal state")
)

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
}

// Outcome はジョブの終端結果です。
type Outcome struct {
	Status         Status
	Pipeline       string
	Output         string
	OutputGPT      string
	OutputDocument string
	Error          string
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID          string        `json:"job_id"`
	Status         Status        `json:"status"`
	Pipeline       string        `json:"pipeline,omitempty"`
	Output         string        `json:"output,omitempty"`
	OutputGPT      string        `json:"output_gpt,omitempty"`
	OutputDocument string        `json:"output_document,omitempty"`
	Error          string        `json:"error,omitempty"`
	Progress       *ProgressInfo `json:"progress,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// apply は終端結果をレコードへ反映します。
func (r *Record) apply(outcome Outcome, now time.Time) error {
	if r.Status.Terminal() {
		return ErrTerminal
	}
	r.Status = outcome.Status
	r.Pipeline = outcome.Pipeline
	r.Output = outcome.Output
	r.OutputGPT = outcome.OutputGPT
	r.OutputDocument = outcome.OutputDocument
	r.Error = outcome.Error
	r.Progress = nil
	r.UpdatedAt = now
	return nil
}

func validateOutcome(outcome Outcome) error {
	if !outcome.Status.Terminal() {
		return errors.New("outcome status must be finished or failed")
	}
	return nil
}
