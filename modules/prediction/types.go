package prediction

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status - Await 결과 상태
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// 폴링 예산 소진 또는 취소, 원격 작업이 사라졌다는 뜻은 아님
	StatusTimedOut Status = "timed_out"
)

var ErrInvalidSpec = errors.New("invalid unit spec")

// ExternalServiceError - 예측 서비스 호출 자체가 실패 (네트워크, 5xx)
type ExternalServiceError struct {
	Op  string
	Err error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("prediction service %s failed: %v", e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// UnitSpec - 유닛 하나의 생성 파라미터
type UnitSpec struct {
	Prompt       string   `json:"prompt" validate:"required,max=4000"`
	InputImages  []string `json:"inputImages,omitempty" validate:"max=8,dive,required,url"`
	AspectRatio  string   `json:"aspectRatio" validate:"required,oneof=1:1 2:3 3:2 3:4 4:3 4:5 5:4 9:16 16:9 21:9"`
	Resolution   string   `json:"resolution" validate:"omitempty,oneof=1K 2K 4K"`
	OutputFormat string   `json:"outputFormat" validate:"required,oneof=png jpg webp"`
	Model        string   `json:"model,omitempty" validate:"omitempty,max=128"`
}

// JobHandle - 외부 작업 식별자
type JobHandle struct {
	ID          string
	SubmittedAt time.Time
}

// Prediction - 예측 서비스가 보고한 작업 상태 (status 는 서비스 원문)
type Prediction struct {
	ID     string
	Status string
	Output []string
	Error  string
}

// Outcome - Await 결과
type Outcome struct {
	Status   Status
	Output   string
	Reason   string
	Attempts int
}

// Provider - 외부 예측 서비스
type Provider interface {
	Create(ctx context.Context, spec UnitSpec) (Prediction, error)
	Get(ctx context.Context, id string) (Prediction, error)
}

// MapStatus - 서비스 상태 문자열을 종료 상태로 변환, 진행 중이면 false
func MapStatus(raw string) (Status, bool) {
	switch raw {
	case "succeeded", "succeed":
		return StatusSucceeded, true
	case "failed", "canceled", "cancelled":
		return StatusFailed, true
	default:
		return "", false
	}
}
