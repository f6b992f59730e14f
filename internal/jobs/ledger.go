package jobs

import (
	"context"
	"sync"
	"time"
)

// Ledger はジョブ状態の保存先です。
// 終端状態のジョブは Get で一度返した時点で削除されます。
type Ledger interface {
	Create(ctx context.Context, jobID string) error
	Get(ctx context.Context, jobID string) (*Record, error)
	SetResult(ctx context.Context, jobID string, outcome Outcome) error
	UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error
	Evict(ctx context.Context, jobID string) error
}

// MemoryLedger はプロセス内のマップでジョブを保持します。
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryLedger は MemoryLedger を作成します。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]*Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create は RUNNING 状態のジョブを登録します。
func (l *MemoryLedger) Create(_ context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[jobID]; ok {
		return ErrAlreadyExists
	}
	now := l.now()
	l.records[jobID] = &Record{JobID: jobID, Status: StatusRunning, CreatedAt: now, UpdatedAt: now}
	return nil
}

// Get はジョブのコピーを返します。終端状態であれば同時に削除します。
func (l *MemoryLedger) Get(_ context.Context, jobID string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if record.Status.Terminal() {
		delete(l.records, jobID)
	}
	copied := *record
	if record.Progress != nil {
		progress := *record.Progress
		copied.Progress = &progress
	}
	return &copied, nil
}

// SetResult はジョブを終端状態にします。
func (l *MemoryLedger) SetResult(_ context.Context, jobID string, outcome Outcome) error {
	if err := validateOutcome(outcome); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[jobID]
	if !ok {
		return ErrNotFound
	}
	return record.apply(outcome, l.now())
}

// UpdateProgress は RUNNING 中のジョブの進捗を更新します。
func (l *MemoryLedger) UpdateProgress(_ context.Context, jobID string, progress ProgressInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[jobID]
	if !ok {
		return ErrNotFound
	}
	if record.Status.Terminal() {
		return ErrTerminal
	}
	record.Progress = &progress
	record.UpdatedAt = l.now()
	return nil
}

// Evict はジョブを削除します。存在しなくてもエラーにはしません。
func (l *MemoryLedger) Evict(_ context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, jobID)
	return nil
}
