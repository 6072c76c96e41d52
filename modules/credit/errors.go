package credit

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientFunds = errors.New("insufficient credits")
	ErrInvalidAmount     = errors.New("credit amount must be positive")
	ErrInvalidKind       = errors.New("invalid credit transaction kind")
)

// InsufficientFundsError - 잔액 부족 (현재 잔액, 필요 크레딧)
type InsufficientFundsError struct {
	Current  int64
	Required int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient credits: have %d, need %d", e.Current, e.Required)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}
