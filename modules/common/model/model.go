package model

import (
	"time"

	"gorm.io/datatypes"
)

// 트랜잭션 종류
const (
	TxnPurchase    = "purchase"
	TxnConsumption = "consumption"
	TxnRefund      = "refund"
	TxnBonus       = "bonus"
)

// 배치 상태
const (
	BatchNotStarted = "not_started"
	BatchInProgress = "in_progress"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
)

// 배치 종류
const (
	KindPaid           = "paid"
	KindGrid           = "grid"
	KindReelCover      = "reel_cover"
	KindPhotoshootGrid = "photoshoot_grid"
)

// CreditAccount - credit_accounts 테이블 구조
// Ledger 외에는 수정하지 않음
type CreditAccount struct {
	AccountID         string    `gorm:"primaryKey;size:128" json:"accountId"`
	Balance           int64     `gorm:"not null;check:chk_credit_accounts_balance,balance >= 0" json:"balance"`
	LifetimePurchased int64     `gorm:"not null" json:"lifetimePurchased"`
	LifetimeConsumed  int64     `gorm:"not null" json:"lifetimeConsumed"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditTransaction - credit_transactions 테이블 구조 (append-only)
// (account_id, external_ref, kind) 유니크 인덱스가 멱등성 키
type CreditTransaction struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	AccountID    string    `gorm:"size:128;not null;uniqueIndex:ux_credit_txn_ref,priority:1;index:ix_credit_txn_account_created,priority:1" json:"accountId"`
	Amount       int64     `gorm:"not null" json:"amount"`
	Kind         string    `gorm:"size:16;not null;uniqueIndex:ux_credit_txn_ref,priority:3" json:"kind"`
	ExternalRef  *string   `gorm:"size:255;uniqueIndex:ux_credit_txn_ref,priority:2" json:"externalRef,omitempty"`
	Reason       string    `gorm:"size:512" json:"reason"`
	BalanceAfter int64     `gorm:"not null" json:"balanceAfter"`
	CreatedAt    time.Time `gorm:"index:ix_credit_txn_account_created,priority:2" json:"createdAt"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// BatchSpec - 배치 전체에 공통으로 적용되는 생성 파라미터 (spec JSON 컬럼)
type BatchSpec struct {
	Prompt       string   `json:"prompt"`
	InputImages  []string `json:"inputImages,omitempty"`
	AspectRatio  string   `json:"aspectRatio"`
	Resolution   string   `json:"resolution"`
	OutputFormat string   `json:"outputFormat"`
	Model        string   `json:"model,omitempty"`
}

// UnitOutput - 완료된 유닛 (outputs JSON 컬럼, index 기준 sparse)
type UnitOutput struct {
	Index       int       `json:"index"`
	Output      string    `json:"output"`
	JobID       string    `json:"jobId"`
	ChargeRef   string    `json:"chargeRef"`
	CompletedAt time.Time `json:"completedAt"`
}

// PendingUnit - 제출 및 차감은 끝났지만 결과를 아직 모르는 유닛
type PendingUnit struct {
	Index       int       `json:"index"`
	JobID       string    `json:"jobId"`
	ChargeRef   string    `json:"chargeRef"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// GenerationBatch - generation_batches 테이블 구조
// 삭제하지 않음, outputs 는 추가만 가능
type GenerationBatch struct {
	BatchID     string                           `gorm:"primaryKey;size:64" json:"batchId"`
	AccountID   string                           `gorm:"size:128;not null;index" json:"accountId"`
	Kind        string                           `gorm:"size:32;not null" json:"kind"`
	TargetUnits int                              `gorm:"not null" json:"targetUnits"`
	UnitCost    int64                            `gorm:"not null" json:"unitCost"`
	Spec        datatypes.JSONType[BatchSpec]    `json:"spec"`
	Outputs     datatypes.JSONSlice[UnitOutput]  `json:"outputs"`
	Pending     datatypes.JSONSlice[PendingUnit] `json:"pending"`
	Status      string                           `gorm:"size:16;not null" json:"status"`
	Invocations int                              `gorm:"not null" json:"invocations"`
	Version     int64                            `gorm:"not null" json:"version"`
	CreatedAt   time.Time                        `json:"createdAt"`
	UpdatedAt   time.Time                        `json:"updatedAt"`
}

func (GenerationBatch) TableName() string { return "generation_batches" }

// AllModels - AutoMigrate 대상
func AllModels() []interface{} {
	return []interface{}{&CreditAccount{}, &CreditTransaction{}, &GenerationBatch{}}
}
