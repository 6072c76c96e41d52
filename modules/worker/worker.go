package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"quel-generation-server/modules/credit"
	"quel-generation-server/modules/generation"
)

// Resumer - 저장된 배치를 이어서 생성
type Resumer interface {
	Resume(ctx context.Context, accountID, batchID string) (generation.Result, error)
}

// Worker - resume 큐 감시 (BRPOP)
type Worker struct {
	rdb        redis.Cmdable
	resumer    Resumer
	queue      string
	popTimeout time.Duration
	retryDelay time.Duration
	sem        *semaphore.Weighted
	slots      int64
	log        *zap.Logger
}

// NewWorker - concurrency 는 동시에 처리할 배치 수
func NewWorker(rdb redis.Cmdable, resumer Resumer, concurrency int, log *zap.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Worker{
		rdb:        rdb,
		resumer:    resumer,
		queue:      QueueName,
		popTimeout: 5 * time.Second,
		retryDelay: 5 * time.Second,
		sem:        semaphore.NewWeighted(int64(concurrency)),
		slots:      int64(concurrency),
		log:        log.Named("worker"),
	}
}

// Start - ctx 가 끝날 때까지 큐 감시, 진행 중인 배치는 끝날 때까지 대기
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("👀 Watching queue", zap.String("queue", w.queue))

	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			break
		}

		job, err := w.pop(ctx)
		if err != nil || job == nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			if err != nil {
				w.log.Error("❌ Redis BRPOP error", zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(w.retryDelay):
				}
			}
			continue
		}

		go func() {
			defer w.sem.Release(1)
			w.process(*job)
		}()
	}

	// 남은 작업 대기
	w.sem.Acquire(context.Background(), w.slots)
	w.log.Info("🛑 Worker stopped")
}

// pop - BRPOP 1회, 타임아웃이면 (nil, nil)
func (w *Worker) pop(ctx context.Context) (*ResumeJob, error) {
	result, err := w.rdb.BRPop(ctx, w.popTimeout, w.queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// result[0] 은 큐 이름, result[1] 이 메시지
	var job ResumeJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		w.log.Error("❌ Malformed queue message", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	if job.AccountID == "" || job.BatchID == "" {
		w.log.Error("❌ Queue message without account or batch", zap.String("raw", result[1]))
		return nil, nil
	}
	return &job, nil
}

// process - 배치 하나 resume, 요청 deadline 은 Coordinator 가 적용
func (w *Worker) process(job ResumeJob) {
	log := w.log.With(zap.String("batch", job.BatchID), zap.String("account", job.AccountID))
	log.Info("🎯 Resuming batch", zap.Duration("queued", time.Since(job.EnqueuedAt)))

	result, err := w.resumer.Resume(context.Background(), job.AccountID, job.BatchID)
	var funds *credit.InsufficientFundsError
	switch {
	case errors.As(err, &funds):
		log.Warn("💸 Resume stopped, insufficient credits",
			zap.Int64("balance", funds.Current),
			zap.Int64("required", funds.Required))
	case errors.Is(err, generation.ErrBatchNotFound):
		log.Warn("⚠️ Resume for unknown batch")
	case err != nil:
		log.Error("❌ Resume failed", zap.Error(err))
	case result.InProgress:
		log.Info("🔒 Batch already running elsewhere, skipped")
	default:
		log.Info("✅ Resume finished",
			zap.String("status", result.Status),
			zap.Int("produced", result.ProducedUnits),
			zap.Int("total", result.TotalUnits))
	}
}
