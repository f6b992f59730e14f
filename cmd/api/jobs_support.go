package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/paper-scribe/internal/config"
	"github.com/yourusername/paper-scribe/internal/jobs"
	"github.com/yourusername/paper-scribe/internal/pdf"
)

type pdfJobScheduler struct {
	manager *jobs.Manager
}

func (s *pdfJobScheduler) Schedule(ctx context.Context, manifest *pdf.JobManifest) error {
	_, err := s.manager.Submit(ctx, manifest)
	return err
}

// statusReader はジョブ状態を読み出します。終端状態は一度しか読めません。
type statusReader interface {
	Status(ctx context.Context, jobID string) (*jobs.Record, error)
}

// setupJobs は台帳と Manager を組み立てます。戻り値の関数で Redis 接続を閉じます。
func setupJobs(cfg *config.Config, pdfService *pdf.Service, logger zerolog.Logger) (*jobs.Manager, func(), error) {
	closeFn := func() {}

	var ledger jobs.Ledger
	switch cfg.LedgerBackend {
	case config.LedgerRedis:
		opt, err := redis.ParseURL(cfg.LedgerRedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse LEDGER_REDIS_URL: %w", err)
		}
		redisClient := redis.NewClient(opt)
		closeFn = func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close redis client")
			}
		}
		ttlMinutes := cfg.JobExpireMinutes
		if ttlMinutes <= 0 {
			ttlMinutes = 60
		}
		ledger = jobs.NewRedisLedger(redisClient, time.Duration(ttlMinutes)*time.Minute)
	default:
		ledger = jobs.NewMemoryLedger()
	}

	notifier := jobs.NewWebhookNotifier(cfg.WebhookTimeout, logger)
	manager, err := jobs.NewManager(pdfService, ledger, notifier, jobs.OptionsFromConfig(cfg), logger)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return manager, closeFn, nil
}

func jobStatusHandler(reader statusReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("job_id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "job_id を指定してください。",
			})
			return
		}

		record, err := reader.Status(c.Request.Context(), jobID)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_NOT_FOUND",
					"message": "指定されたジョブは存在しません。",
					"detail":  fmt.Sprintf("Job %s not found", jobID),
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}

		c.JSON(http.StatusOK, statusPayload(record))
	}
}

func statusPayload(record *jobs.Record) gin.H {
	payload := gin.H{"status": record.Status}
	switch record.Status {
	case jobs.StatusRunning:
		if record.Progress != nil {
			payload["progress"] = record.Progress
		}
	case jobs.StatusFinished:
		if record.Pipeline == config.PipelineDual {
			payload["output_gpt"] = record.OutputGPT
			payload["output_document"] = record.OutputDocument
		} else {
			payload["output"] = record.Output
		}
	case jobs.StatusFailed:
		payload["error"] = record.Error
	}
	return payload
}
