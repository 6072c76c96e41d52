package credit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"quel-generation-server/modules/common/model"
)

// Result - 원장 변경 결과
type Result struct {
	TransactionID string
	BalanceAfter  int64
	// 같은 (account, ref, kind) 가 이미 기록되어 있어 아무것도 바뀌지 않음
	Replayed bool
}

// Ledger - 크레딧 잔액과 거래 내역
type Ledger interface {
	GetBalance(ctx context.Context, accountID string) (int64, error)
	Account(ctx context.Context, accountID string) (model.CreditAccount, error)
	Debit(ctx context.Context, accountID string, amount int64, reason, externalRef string) (Result, error)
	Credit(ctx context.Context, accountID string, amount int64, kind, reason, externalRef string) (Result, error)
	Transactions(ctx context.Context, accountID string, limit, offset int) ([]model.CreditTransaction, error)
	TransactionsByRefPrefix(ctx context.Context, accountID, prefix string) ([]model.CreditTransaction, error)
}

// GormLedger - gorm 기반 Ledger
// 잔액 확인은 UPDATE 조건절 안에서만 수행 (read-then-write 없음)
type GormLedger struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

func NewGormLedger(db *gorm.DB, log *zap.Logger) *GormLedger {
	return &GormLedger{
		db:  db,
		log: log.Named("credit.ledger"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

type balanceRow struct {
	Balance int64
}

// GetBalance - 현재 잔액, 계정이 없으면 0
func (l *GormLedger) GetBalance(ctx context.Context, accountID string) (int64, error) {
	account, err := l.Account(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// Account - 계정 행 조회, 없으면 zero value
func (l *GormLedger) Account(ctx context.Context, accountID string) (model.CreditAccount, error) {
	var account model.CreditAccount
	err := l.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.CreditAccount{AccountID: accountID}, nil
	}
	if err != nil {
		return model.CreditAccount{}, fmt.Errorf("failed to load credit account: %w", err)
	}
	return account, nil
}

// Debit - 크레딧 차감 (consumption)
// 잔액이 부족하면 *InsufficientFundsError, 같은 ref 재호출은 Replayed
func (l *GormLedger) Debit(ctx context.Context, accountID string, amount int64, reason, externalRef string) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}

	var result Result
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.now()
		txn := newTransaction(accountID, -amount, model.TxnConsumption, reason, externalRef, now)

		inserted, err := insertTransaction(tx, txn)
		if err != nil {
			return err
		}
		if !inserted {
			result, err = replayed(tx, accountID, externalRef, model.TxnConsumption)
			return err
		}

		var row balanceRow
		res := tx.Raw(`UPDATE credit_accounts
			SET balance = balance - ?, lifetime_consumed = lifetime_consumed + ?, updated_at = ?
			WHERE account_id = ? AND balance >= ?
			RETURNING balance`,
			amount, amount, now, accountID, amount).Scan(&row)
		if res.Error != nil {
			return fmt.Errorf("failed to debit credits: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientFunds
		}

		if err := setBalanceAfter(tx, txn.ID, row.Balance); err != nil {
			return err
		}
		result = Result{TransactionID: txn.ID, BalanceAfter: row.Balance}
		return nil
	})

	if errors.Is(err, ErrInsufficientFunds) {
		current, balErr := l.GetBalance(ctx, accountID)
		if balErr != nil {
			return Result{}, balErr
		}
		l.log.Info("💸 Insufficient credits",
			zap.String("account", accountID),
			zap.Int64("balance", current),
			zap.Int64("required", amount),
			zap.String("ref", externalRef))
		return Result{}, &InsufficientFundsError{Current: current, Required: amount}
	}
	if err != nil {
		return Result{}, err
	}

	if result.Replayed {
		l.log.Debug("🔁 Debit replayed", zap.String("account", accountID), zap.String("ref", externalRef))
	} else {
		l.log.Info("💰 Credits debited",
			zap.String("account", accountID),
			zap.Int64("amount", amount),
			zap.Int64("balance", result.BalanceAfter),
			zap.String("ref", externalRef))
	}
	return result, nil
}

// Credit - 크레딧 적립 (purchase, refund, bonus)
// 계정이 없으면 생성, 같은 ref 재호출은 Replayed
func (l *GormLedger) Credit(ctx context.Context, accountID string, amount int64, kind, reason, externalRef string) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}

	var lifetime string
	switch kind {
	case model.TxnPurchase:
		lifetime = ", lifetime_purchased = lifetime_purchased + ?"
	case model.TxnRefund:
		lifetime = ", lifetime_consumed = lifetime_consumed - ?"
	case model.TxnBonus:
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}

	var result Result
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.now()
		txn := newTransaction(accountID, amount, kind, reason, externalRef, now)

		inserted, err := insertTransaction(tx, txn)
		if err != nil {
			return err
		}
		if !inserted {
			result, err = replayed(tx, accountID, externalRef, kind)
			return err
		}

		if err := tx.Exec(`INSERT INTO credit_accounts
			(account_id, balance, lifetime_purchased, lifetime_consumed, updated_at)
			VALUES (?, 0, 0, 0, ?)
			ON CONFLICT (account_id) DO NOTHING`, accountID, now).Error; err != nil {
			return fmt.Errorf("failed to ensure credit account: %w", err)
		}

		args := []interface{}{amount}
		if lifetime != "" {
			args = append(args, amount)
		}
		args = append(args, now, accountID)

		var row balanceRow
		res := tx.Raw(`UPDATE credit_accounts
			SET balance = balance + ?`+lifetime+`, updated_at = ?
			WHERE account_id = ?
			RETURNING balance`, args...).Scan(&row)
		if res.Error != nil {
			return fmt.Errorf("failed to credit account: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("credit account %s vanished during credit", accountID)
		}

		if err := setBalanceAfter(tx, txn.ID, row.Balance); err != nil {
			return err
		}
		result = Result{TransactionID: txn.ID, BalanceAfter: row.Balance}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if result.Replayed {
		l.log.Debug("🔁 Credit replayed",
			zap.String("account", accountID), zap.String("kind", kind), zap.String("ref", externalRef))
	} else {
		l.log.Info("💳 Credits added",
			zap.String("account", accountID),
			zap.String("kind", kind),
			zap.Int64("amount", amount),
			zap.Int64("balance", result.BalanceAfter),
			zap.String("ref", externalRef))
	}
	return result, nil
}

// Transactions - 최신순 거래 내역
func (l *GormLedger) Transactions(ctx context.Context, accountID string, limit, offset int) ([]model.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var txns []model.CreditTransaction
	err := l.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txns, nil
}

// TransactionsByRefPrefix - external_ref 가 prefix 로 시작하는 거래 (정산 대사용)
func (l *GormLedger) TransactionsByRefPrefix(ctx context.Context, accountID, prefix string) ([]model.CreditTransaction, error) {
	var txns []model.CreditTransaction
	err := l.db.WithContext(ctx).
		Where(`account_id = ? AND external_ref LIKE ? ESCAPE '\'`, accountID, escapeLike(prefix)+"%").
		Order("created_at ASC").
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions by ref: %w", err)
	}

	out := txns[:0]
	for _, txn := range txns {
		if txn.ExternalRef != nil && strings.HasPrefix(*txn.ExternalRef, prefix) {
			out = append(out, txn)
		}
	}
	return out, nil
}

func newTransaction(accountID string, amount int64, kind, reason, externalRef string, now time.Time) *model.CreditTransaction {
	txn := &model.CreditTransaction{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount,
		Kind:      kind,
		Reason:    truncate(reason, 512),
		CreatedAt: now,
	}
	if externalRef != "" {
		txn.ExternalRef = &externalRef
	}
	return txn
}

// insertTransaction - ON CONFLICT DO NOTHING, 삽입 안 되면 false
func insertTransaction(tx *gorm.DB, txn *model.CreditTransaction) (bool, error) {
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "external_ref"}, {Name: "kind"}},
		DoNothing: true,
	}).Create(txn)
	if res.Error != nil {
		return false, fmt.Errorf("failed to record transaction: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func replayed(tx *gorm.DB, accountID, externalRef, kind string) (Result, error) {
	var existing model.CreditTransaction
	err := tx.Where("account_id = ? AND external_ref = ? AND kind = ?", accountID, externalRef, kind).
		Take(&existing).Error
	if err != nil {
		return Result{}, fmt.Errorf("failed to load replayed transaction: %w", err)
	}
	return Result{TransactionID: existing.ID, BalanceAfter: existing.BalanceAfter, Replayed: true}, nil
}

func setBalanceAfter(tx *gorm.DB, txnID string, balance int64) error {
	err := tx.Model(&model.CreditTransaction{}).
		Where("id = ?", txnID).
		Update("balance_after", balance).Error
	if err != nil {
		return fmt.Errorf("failed to stamp balance_after: %w", err)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

var _ Ledger = (*GormLedger)(nil)
