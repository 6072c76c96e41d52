package credit

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"quel-generation-server/modules/common/metrics"
	"quel-generation-server/modules/common/model"
)

// Settlement - 유닛 결과에 따른 차감/환불
// 유닛마다 ref 하나, 차감과 환불은 같은 ref 를 공유
type Settlement struct {
	ledger  Ledger
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewSettlement(ledger Ledger, log *zap.Logger, m *metrics.Metrics) *Settlement {
	return &Settlement{
		ledger:  ledger,
		log:     log.Named("credit.settlement"),
		metrics: m,
	}
}

// ChargeRef - "<batch>/<index>/<invocation>"
// invocation 을 포함하므로 환불된 유닛을 다음 호출에서 다시 차감할 수 있음
func ChargeRef(batchID string, index, invocation int) string {
	return fmt.Sprintf("%s/%d/%d", batchID, index, invocation)
}

// BatchRefPrefix - 배치의 모든 charge ref 공통 prefix
func BatchRefPrefix(batchID string) string {
	return batchID + "/"
}

// Ledger - 잔액 조회 등 원장 직접 접근용
func (s *Settlement) Ledger() Ledger {
	return s.ledger
}

// Charge - 유닛 하나 선차감
func (s *Settlement) Charge(ctx context.Context, accountID string, cost int64, ref, jobNote string) (Result, error) {
	reason := "generation unit " + ref
	if jobNote != "" {
		reason += " (" + jobNote + ")"
	}

	res, err := s.ledger.Debit(ctx, accountID, cost, reason, ref)
	if err != nil {
		return Result{}, err
	}
	if !res.Replayed {
		s.metrics.Debited(cost)
	}
	return res, nil
}

// Refund - 같은 ref 로 환불, 두 번째 호출부터는 no-op
func (s *Settlement) Refund(ctx context.Context, accountID string, cost int64, ref, reason string) (Result, error) {
	res, err := s.ledger.Credit(ctx, accountID, cost, model.TxnRefund, "refund: "+reason, ref)
	if err != nil {
		s.log.Error("❌ Refund failed",
			zap.String("account", accountID),
			zap.String("ref", ref),
			zap.Int64("amount", cost),
			zap.Error(err))
		return Result{}, err
	}
	if !res.Replayed {
		s.metrics.Refunded(cost)
		s.log.Info("↩️ Refunded unit",
			zap.String("account", accountID),
			zap.String("ref", ref),
			zap.Int64("amount", cost),
			zap.String("reason", reason))
	}
	return res, nil
}

// Orphans - prefix 아래 차감 중 환불도 안 되고 known(outputs + pending)에도 없는 것
// 프로세스가 차감 후 pending 기록 전에 죽은 경우
func (s *Settlement) Orphans(ctx context.Context, accountID, refPrefix string, known map[string]bool) ([]model.CreditTransaction, error) {
	txns, err := s.ledger.TransactionsByRefPrefix(ctx, accountID, refPrefix)
	if err != nil {
		return nil, err
	}

	refunded := make(map[string]bool)
	for _, txn := range txns {
		if txn.Kind == model.TxnRefund && txn.ExternalRef != nil {
			refunded[*txn.ExternalRef] = true
		}
	}

	var orphans []model.CreditTransaction
	for _, txn := range txns {
		if txn.Kind != model.TxnConsumption || txn.ExternalRef == nil {
			continue
		}
		ref := *txn.ExternalRef
		if refunded[ref] || known[ref] {
			continue
		}
		orphans = append(orphans, txn)
	}
	return orphans, nil
}
