package prediction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Submitter - 유닛 하나를 예측 서비스에 제출 (내부 재시도 없음)
type Submitter struct {
	provider Provider
	validate *validator.Validate
	log      *zap.Logger
}

func NewSubmitter(provider Provider, log *zap.Logger) *Submitter {
	return &Submitter{
		provider: provider,
		validate: validator.New(),
		log:      log.Named("prediction.submitter"),
	}
}

// Validate - 제출 없이 spec 만 검증
func (s *Submitter) Validate(spec UnitSpec) error {
	if err := s.validate.Struct(spec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %s", ErrInvalidSpec, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return nil
}

// Submit - 검증 후 create 1회 호출
func (s *Submitter) Submit(ctx context.Context, spec UnitSpec) (JobHandle, error) {
	if err := s.Validate(spec); err != nil {
		return JobHandle{}, err
	}

	pred, err := s.provider.Create(ctx, spec)
	if err != nil {
		s.log.Warn("⚠️ Prediction create failed", zap.Error(err))
		return JobHandle{}, &ExternalServiceError{Op: "create", Err: err}
	}
	if pred.ID == "" {
		return JobHandle{}, &ExternalServiceError{Op: "create", Err: errors.New("empty prediction id")}
	}

	s.log.Debug("🚀 Prediction submitted", zap.String("job", pred.ID), zap.String("status", pred.Status))
	return JobHandle{ID: pred.ID, SubmittedAt: time.Now().UTC()}, nil
}
