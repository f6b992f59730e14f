package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yourusername/paper-scribe/internal/config"
	"github.com/yourusername/paper-scribe/internal/pdf"
)

const (
	taskTypeConvert = "pdf:convert"
	queueName       = "pdf"
)

// Runner はジョブ本体を実行するコンポーネントです。
type Runner interface {
	RunJob(ctx context.Context, jobID string, reporter pdf.ProgressReporter) (*pdf.Result, error)
}

// Options は Manager の実行方式です。
type Options struct {
	Dispatcher       string // goroutine または asynq
	QueueRedisURL    string
	QueueConcurrency int
}

// OptionsFromConfig は設定から Options を作ります。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Dispatcher:       cfg.JobDispatcher,
		QueueRedisURL:    cfg.QueueRedisURL,
		QueueConcurrency: cfg.QueueConcurrency,
	}
}

// TaskPayload はキューに積むジョブのペイロードです。
type TaskPayload struct {
	JobID       string `json:"job_id"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// Task はジョブ 1 件の実行を表すフューチャーです。
type Task struct {
	JobID   string
	done    chan struct{}
	once    sync.Once
	outcome Outcome
}

func newTask(jobID string) *Task {
	return &Task{JobID: jobID, done: make(chan struct{})}
}

// Done はジョブが終端状態になると閉じられるチャネルを返します。
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait はジョブの完了を待って結果を返します。
func (t *Task) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// finish は最初の結果だけを確定させます。キューから同じジョブが再配送されても閉じ直さない。
func (t *Task) finish(outcome Outcome) {
	t.once.Do(func() {
		t.outcome = outcome
		close(t.done)
	})
}

// Manager はジョブの投入と実行、結果の台帳への反映を担います。
type Manager struct {
	runner   Runner
	ledger   Ledger
	notifier Notifier
	opts     Options
	logger   zerolog.Logger

	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux

	mu    sync.Mutex
	tasks map[string]*Task

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewManager は Manager を初期化します。notifier が nil の場合、コールバックURLは無視されます。
func NewManager(runner Runner, ledger Ledger, notifier Notifier, opts Options, logger zerolog.Logger) (*Manager, error) {
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if ledger == nil {
		return nil, errors.New("ledger is nil")
	}
	if opts.Dispatcher == "" {
		opts.Dispatcher = config.DispatcherGoroutine
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		runner:   runner,
		ledger:   ledger,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "jobs").Logger(),
		tasks:    make(map[string]*Task),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}

	switch opts.Dispatcher {
	case config.DispatcherGoroutine:
	case config.DispatcherAsynq:
		redisOpt, err := asynq.ParseRedisURI(opts.QueueRedisURL)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		concurrency := opts.QueueConcurrency
		if concurrency < 1 {
			concurrency = 4
		}
		m.client = asynq.NewClient(redisOpt)
		m.server = asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{queueName: 1},
			Logger:      asynqLogger{m.logger},
		})
		m.mux = asynq.NewServeMux()
		m.mux.HandleFunc(taskTypeConvert, m.handleConvertTask)
	default:
		cancel()
		return nil, fmt.Errorf("unsupported dispatcher: %s", opts.Dispatcher)
	}
	return m, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。goroutine 方式では何もしません。
func (m *Manager) StartWorkers() error {
	if m.server == nil {
		return nil
	}
	if err := m.server.Start(m.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Shutdown は実行中のジョブの完了を待ってから終了します。
// ctx が先に終わった場合は実行中ジョブのコンテキストをキャンセルします。
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.server != nil {
		m.server.Shutdown()
	}
	if m.client != nil {
		if err := m.client.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("failed to close asynq client")
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
}

// Submit はジョブを RUNNING で台帳に登録し、バックグラウンドで実行を開始します。
// 戻った時点で状態の問い合わせが可能です。
func (m *Manager) Submit(ctx context.Context, manifest *pdf.JobManifest) (*Task, error) {
	if manifest == nil {
		return nil, errors.New("manifest is nil")
	}
	if manifest.JobID == "" {
		return nil, errors.New("manifest.JobID is required")
	}
	if err := m.ledger.Create(ctx, manifest.JobID); err != nil {
		return nil, fmt.Errorf("failed to register job: %w", err)
	}
	payload := TaskPayload{JobID: manifest.JobID, CallbackURL: manifest.CallbackURL}
	task := m.track(payload.JobID)

	if m.client == nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.execute(m.baseCtx, payload)
		}()
		return task, nil
	}

	if err := m.enqueue(ctx, payload); err != nil {
		m.forget(payload.JobID)
		if evictErr := m.ledger.Evict(context.WithoutCancel(ctx), payload.JobID); evictErr != nil {
			m.logger.Error().Err(evictErr).Str("job_id", payload.JobID).Msg("failed to evict unscheduled job")
		}
		return nil, err
	}
	return task, nil
}

func (m *Manager) enqueue(ctx context.Context, payload TaskPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeConvert, body, asynq.Queue(queueName))
	info, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(0))
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	m.logger.Debug().Str("job_id", payload.JobID).Str("task_id", info.ID).Msg("job enqueued")
	return nil
}

// Status は台帳からジョブを読み出します。終端状態のジョブはこの呼び出しで台帳から消えます。
func (m *Manager) Status(ctx context.Context, jobID string) (*Record, error) {
	record, err := m.ledger.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.forget(jobID)
		}
		return nil, err
	}
	if record.Status.Terminal() {
		m.forget(jobID)
	}
	return record, nil
}

// Task は実行中または結果未読のジョブのフューチャーを返します。
// Asynq 方式では同じプロセスで投入されたジョブのみ追跡できます。
func (m *Manager) Task(jobID string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[jobID]
	return task, ok
}

func (m *Manager) track(jobID string) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[jobID]; ok {
		return task
	}
	task := newTask(jobID)
	m.tasks[jobID] = task
	return task
}

func (m *Manager) forget(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, jobID)
}

func (m *Manager) handleConvertTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid task payload: %w", err)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing job_id in payload")
	}
	// 失敗は台帳に記録済みなので、Asynq 側での再実行はさせない
	m.execute(ctx, payload)
	return nil
}

// execute はジョブを 1 度だけ実行し、結果を台帳（またはWebhook）へ届けます。
func (m *Manager) execute(ctx context.Context, payload TaskPayload) Outcome {
	// 別プロセスで投入されたジョブはフューチャーを持たないので、使い捨てのものを使う
	task, ok := m.Task(payload.JobID)
	if !ok {
		task = newTask(payload.JobID)
	}
	logger := m.logger.With().Str("job_id", payload.JobID).Logger()

	outcome := m.run(ctx, payload.JobID, logger)

	writeCtx := context.WithoutCancel(ctx)
	if err := m.ledger.SetResult(writeCtx, payload.JobID, outcome); err != nil {
		logger.Error().Err(err).Msg("failed to record job result")
	}
	if payload.CallbackURL != "" {
		m.deliver(writeCtx, payload, outcome, logger)
	}
	task.finish(outcome)
	return outcome
}

func (m *Manager) run(ctx context.Context, jobID string, logger zerolog.Logger) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("job panicked")
			outcome = Outcome{Status: StatusFailed, Error: fmt.Sprintf("内部エラーが発生しました: %v", r)}
		}
	}()

	result, err := m.runner.RunJob(ctx, jobID, m.progressReporter(ctx, jobID, logger))
	if err != nil {
		logger.Warn().Err(err).Msg("job failed")
		return Outcome{Status: StatusFailed, Error: errorMessage(err)}
	}
	if result == nil {
		return Outcome{Status: StatusFailed, Error: "変換結果が空です。"}
	}
	return Outcome{
		Status:         StatusFinished,
		Pipeline:       result.Pipeline,
		Output:         result.Output,
		OutputGPT:      result.OutputGPT,
		OutputDocument: result.OutputDocument,
	}
}

func (m *Manager) progressReporter(ctx context.Context, jobID string, logger zerolog.Logger) pdf.ProgressReporter {
	return func(stage string, percent int) {
		if err := m.ledger.UpdateProgress(ctx, jobID, ProgressInfo{Percent: percent, Stage: stage}); err != nil {
			logger.Debug().Err(err).Str("stage", stage).Msg("failed to update progress")
		}
	}
}

// deliver は Webhook を送信し、送信の成否に関わらずジョブを台帳から削除します。
func (m *Manager) deliver(ctx context.Context, payload TaskPayload, outcome Outcome, logger zerolog.Logger) {
	if m.notifier == nil {
		logger.Warn().Msg("callback url given but no notifier configured")
		return
	}
	if err := m.notifier.Notify(ctx, payload.CallbackURL, outcome); err != nil {
		logger.Error().Err(err).Str("callback_url", payload.CallbackURL).Msg("webhook delivery failed")
	} else {
		logger.Info().Str("callback_url", payload.CallbackURL).Msg("webhook delivered")
	}
	if err := m.ledger.Evict(ctx, payload.JobID); err != nil {
		logger.Error().Err(err).Msg("failed to evict notified job")
	}
	m.forget(payload.JobID)
}

// errorMessage はユーザー向けメッセージに原因を添えた文字列を返します。
func errorMessage(err error) string {
	var apiErr *pdf.Error
	if errors.As(err, &apiErr) {
		if apiErr.Err != nil {
			return fmt.Sprintf("%s (%v)", apiErr.Message, apiErr.Err)
		}
		return apiErr.Message
	}
	return err.Error()
}

// asynqLogger は Asynq のログを zerolog へ流します。
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
