package prediction

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultPollMaxAttempts = 60
)

// Poller - 종료 상태까지 고정 간격 폴링
type Poller struct {
	provider    Provider
	interval    time.Duration
	maxAttempts int
	log         *zap.Logger
}

func NewPoller(provider Provider, interval time.Duration, maxAttempts int, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollMaxAttempts
	}
	return &Poller{
		provider:    provider,
		interval:    interval,
		maxAttempts: maxAttempts,
		log:         log.Named("prediction.poller"),
	}
}

// Await - 기본 예산으로 대기
func (p *Poller) Await(ctx context.Context, handle JobHandle) Outcome {
	return p.AwaitWith(ctx, handle, p.maxAttempts, p.interval)
}

// Check - 한 번만 조회, 진행 중이면 timed_out
func (p *Poller) Check(ctx context.Context, handle JobHandle) Outcome {
	return p.AwaitWith(ctx, handle, 1, 0)
}

// AwaitWith - 최대 maxAttempts 번 조회, 사이마다 interval 대기
// ctx 취소나 예산 소진은 timed_out, 조회 에러도 시도 횟수에 포함
func (p *Poller) AwaitWith(ctx context.Context, handle JobHandle, maxAttempts int, interval time.Duration) Outcome {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if timer == nil {
				timer = time.NewTimer(interval)
			} else {
				timer.Reset(interval)
			}
			select {
			case <-ctx.Done():
				p.log.Info("⏹️ Polling cancelled",
					zap.String("job", handle.ID), zap.Int("attempts", attempt-1), zap.Error(ctx.Err()))
				return Outcome{Status: StatusTimedOut, Reason: ctx.Err().Error(), Attempts: attempt - 1}
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return Outcome{Status: StatusTimedOut, Reason: err.Error()}
		}

		pred, err := p.provider.Get(ctx, handle.ID)
		if err != nil {
			p.log.Warn("⚠️ Failed to get prediction status",
				zap.String("job", handle.ID), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		status, terminal := MapStatus(pred.Status)
		if !terminal {
			p.log.Debug("📊 Prediction still running",
				zap.String("job", handle.ID), zap.Int("attempt", attempt), zap.String("status", pred.Status))
			continue
		}

		if status == StatusSucceeded {
			if len(pred.Output) == 0 || pred.Output[0] == "" {
				return Outcome{Status: StatusFailed, Reason: "prediction succeeded without output", Attempts: attempt}
			}
			return Outcome{Status: StatusSucceeded, Output: pred.Output[0], Attempts: attempt}
		}

		reason := pred.Error
		if reason == "" {
			reason = "prediction " + pred.Status
		}
		return Outcome{Status: StatusFailed, Reason: reason, Attempts: attempt}
	}

	return Outcome{
		Status:   StatusTimedOut,
		Reason:   "polling attempts exhausted",
		Attempts: maxAttempts,
	}
}
