package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"quel-generation-server/modules/common/lock"
	"quel-generation-server/modules/common/metrics"
	"quel-generation-server/modules/common/model"
	"quel-generation-server/modules/credit"
	"quel-generation-server/modules/prediction"
)

// 결과 상태
const (
	ResultCompleted  = "completed"
	ResultPartial    = "partial"
	ResultInProgress = "in_progress"
)

// Options - 코디네이터 설정
type Options struct {
	UnitCost        int64
	SubBatchSize    int
	MaxBatchUnits   int
	HandlerDeadline time.Duration
	PendingExpiry   time.Duration
	// 락 TTL = HandlerDeadline + LockGrace
	LockGrace time.Duration
	// 진행 상태 저장 타임아웃 (요청 deadline 과 무관)
	PersistTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.SubBatchSize <= 0 {
		o.SubBatchSize = 5
	}
	if o.MaxBatchUnits <= 0 {
		o.MaxBatchUnits = 60
	}
	if o.HandlerDeadline <= 0 {
		o.HandlerDeadline = 300 * time.Second
	}
	if o.PendingExpiry <= 0 {
		o.PendingExpiry = time.Hour
	}
	if o.LockGrace <= 0 {
		o.LockGrace = 30 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 10 * time.Second
	}
}

// BatchRequest - 코디네이터 입력
type BatchRequest struct {
	BatchID     string
	Kind        string
	TargetUnits int
	Spec        model.BatchSpec
}

// Result - 호출 1회 결과
type Result struct {
	BatchID          string
	Status           string
	TotalUnits       int
	ProducedUnits    int
	NewUnits         int
	PendingUnits     int
	Remaining        int
	Outputs          []model.UnitOutput
	Partial          bool
	AlreadyGenerated bool
	InProgress       bool
	Message          string
}

// Progress - 상태 조회 진행률
type Progress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// StatusView - 배치 상태 조회 결과 (부수 효과 없음)
// MissingUnitIndices 는 아직 제출되지 않은 인덱스만, 처리 중인 유닛은 PendingUnitIndices 에 따로 표시.
// 두 목록이 모두 비어 있을 때만 완료 (Completed 로 판단)
type StatusView struct {
	BatchID            string             `json:"batchId"`
	Status             string             `json:"status"`
	Completed          bool               `json:"completed"`
	Progress           Progress           `json:"progress"`
	MissingUnitIndices []int              `json:"missingUnitIndices"`
	PendingUnitIndices []int              `json:"pendingUnitIndices"`
	Outputs            []model.UnitOutput `json:"outputs"`
}

// Coordinator - 배치를 sub-batch 단위로 차감 → 제출 → 대기 → 저장
type Coordinator struct {
	store      Store
	settlement *credit.Settlement
	submitter  *prediction.Submitter
	poller     *prediction.Poller
	locker     lock.Locker
	opts       Options
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewCoordinator(
	store Store,
	settlement *credit.Settlement,
	submitter *prediction.Submitter,
	poller *prediction.Poller,
	locker lock.Locker,
	opts Options,
	log *zap.Logger,
	m *metrics.Metrics,
) *Coordinator {
	opts.applyDefaults()
	return &Coordinator{
		store:      store,
		settlement: settlement,
		submitter:  submitter,
		poller:     poller,
		locker:     locker,
		opts:       opts,
		log:        log.Named("generation.coordinator"),
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// HandlerDeadline - 요청 하나에 허용된 시간
func (c *Coordinator) HandlerDeadline() time.Duration {
	return c.opts.HandlerDeadline
}

// unitResult - 유닛 하나의 이번 호출 결과
type unitResult struct {
	index     int
	output    *model.UnitOutput
	pending   *model.PendingUnit
	submitErr error
	noFunds   error
}

// Run - 배치 생성/재개
// 다른 호출이 락을 잡고 있으면 InProgress 결과, 잔액 부족은 *credit.InsufficientFundsError
func (c *Coordinator) Run(ctx context.Context, accountID string, req BatchRequest) (Result, error) {
	if req.BatchID == "" {
		req.BatchID = uuid.NewString()
	}
	if DefaultTarget(req.Kind) == 0 {
		return Result{}, fmt.Errorf("%w: unknown kind %q", prediction.ErrInvalidSpec, req.Kind)
	}
	if req.TargetUnits == 0 {
		req.TargetUnits = DefaultTarget(req.Kind)
	}
	if req.TargetUnits < 1 || req.TargetUnits > c.opts.MaxBatchUnits {
		return Result{}, fmt.Errorf("%w: targetUnits must be between 1 and %d", prediction.ErrInvalidSpec, c.opts.MaxBatchUnits)
	}
	if err := c.submitter.Validate(UnitSpecFor(req.Kind, req.Spec, 0)); err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.HandlerDeadline)
	defer cancel()

	log := c.log.With(zap.String("batch", req.BatchID), zap.String("account", accountID))

	release, err := c.locker.Acquire(ctx, req.BatchID, c.opts.HandlerDeadline+c.opts.LockGrace)
	if errors.Is(err, lock.ErrNotAcquired) {
		log.Info("🔒 Batch is being processed by another invocation")
		c.metrics.Invocation(ResultInProgress)
		return Result{
			BatchID:    req.BatchID,
			Status:     ResultInProgress,
			InProgress: true,
			Message:    "This batch is already being generated. Check its status shortly.",
		}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to acquire batch lock: %w", err)
	}
	defer release()

	batch, _, err := c.store.GetOrCreate(ctx, &model.GenerationBatch{
		BatchID:     req.BatchID,
		AccountID:   accountID,
		Kind:        req.Kind,
		TargetUnits: req.TargetUnits,
		UnitCost:    c.opts.UnitCost,
		Spec:        datatypes.NewJSONType(req.Spec),
		Outputs:     datatypes.JSONSlice[model.UnitOutput]{},
		Pending:     datatypes.JSONSlice[model.PendingUnit]{},
		Status:      model.BatchNotStarted,
	})
	if err != nil {
		return Result{}, err
	}
	if batch.AccountID != accountID {
		return Result{}, ErrBatchNotFound
	}
	if err := validateProgress(batch, c.opts.MaxBatchUnits); err != nil {
		log.Error("❌ Corrupt batch progress", zap.Error(err))
		return Result{}, err
	}

	spec := batch.Spec.Data()

	alreadyComplete := len(batch.Outputs) >= batch.TargetUnits

	batch.Invocations++
	if !alreadyComplete {
		batch.Status = model.BatchInProgress
	}
	if err := c.persist(ctx, batch); err != nil {
		return Result{}, err
	}
	invocation := batch.Invocations

	log = log.With(zap.Int("invocation", invocation))
	log.Info("🎬 Batch invocation started",
		zap.String("kind", batch.Kind),
		zap.Int("target", batch.TargetUnits),
		zap.Int("produced", len(batch.Outputs)),
		zap.Int("pending", len(batch.Pending)))

	if !alreadyComplete {
		if err := c.reconcile(ctx, batch, log); err != nil {
			return Result{}, err
		}
	}

	if len(batch.Outputs) >= batch.TargetUnits {
		if batch.Status != model.BatchCompleted {
			batch.Status = model.BatchCompleted
			if err := c.persist(ctx, batch); err != nil {
				return Result{}, err
			}
		}
		result := c.result(batch, 0)
		result.AlreadyGenerated = alreadyComplete
		if alreadyComplete {
			result.Message = fmt.Sprintf("All %d units were already generated.", batch.TargetUnits)
			c.metrics.Invocation("already_generated")
		} else {
			c.metrics.Invocation(ResultCompleted)
		}
		return result, nil
	}

	missing := missingIndices(batch)
	if len(missing) == 0 {
		// 남은 유닛이 모두 pending
		c.metrics.Invocation(ResultPartial)
		return c.result(batch, 0), nil
	}

	// 배치 생성 시점 단가로 계산
	required := batch.UnitCost * int64(len(missing))
	balance, err := c.settlement.Ledger().GetBalance(ctx, accountID)
	if err != nil {
		return Result{}, err
	}
	if balance < required {
		log.Info("💸 Pre-flight funds check failed", zap.Int64("balance", balance), zap.Int64("required", required))
		c.metrics.Invocation("insufficient_funds")
		return Result{}, &credit.InsufficientFundsError{Current: balance, Required: required}
	}

	newUnits := 0
	submitted := 0
	var firstSubmitErr, noFunds error

	for _, indices := range chunk(missing, c.opts.SubBatchSize) {
		if ctx.Err() != nil || noFunds != nil {
			break
		}

		results := c.runSubBatch(ctx, batch, spec, accountID, invocation, indices, log)

		for _, r := range results {
			switch {
			case r.noFunds != nil:
				if noFunds == nil {
					noFunds = r.noFunds
				}
			case r.submitErr != nil:
				if firstSubmitErr == nil {
					firstSubmitErr = r.submitErr
				}
			case r.output != nil:
				batch.Outputs = append(batch.Outputs, *r.output)
				newUnits++
				submitted++
			case r.pending != nil:
				batch.Pending = append(batch.Pending, *r.pending)
				submitted++
			default:
				// 실패 후 환불 완료
				submitted++
			}
		}

		sortProgress(batch)
		if len(batch.Outputs) >= batch.TargetUnits {
			batch.Status = model.BatchCompleted
		}
		if err := c.persist(ctx, batch); err != nil {
			return Result{}, err
		}

		log.Info("📦 Sub-batch persisted",
			zap.Ints("indices", indices),
			zap.Int("produced", len(batch.Outputs)),
			zap.Int("pending", len(batch.Pending)))
	}

	if submitted == 0 {
		if noFunds != nil {
			c.metrics.Invocation("insufficient_funds")
			return Result{}, noFunds
		}
		if firstSubmitErr != nil {
			c.metrics.Invocation("external_error")
			return Result{}, firstSubmitErr
		}
	}

	result := c.result(batch, newUnits)
	if ctx.Err() != nil && result.Partial {
		result.Message = fmt.Sprintf("Time limit reached after %d of %d units. Retry to continue from where it stopped.",
			result.ProducedUnits, result.TotalUnits)
	} else if noFunds != nil && result.Partial {
		result.Message = fmt.Sprintf("Ran out of credits after %d of %d units.", result.ProducedUnits, result.TotalUnits)
	}

	c.metrics.Invocation(result.Status)
	log.Info("🏁 Batch invocation finished",
		zap.String("status", result.Status),
		zap.Int("new", newUnits),
		zap.Int("produced", result.ProducedUnits),
		zap.Int("remaining", result.Remaining))
	return result, nil
}

// Resume - 저장된 배치를 그대로 이어서 실행 (resume 워커)
func (c *Coordinator) Resume(ctx context.Context, accountID, batchID string) (Result, error) {
	batch, err := c.store.Get(ctx, batchID)
	if err != nil {
		return Result{}, err
	}
	if batch.AccountID != accountID {
		return Result{}, ErrBatchNotFound
	}
	return c.Run(ctx, accountID, BatchRequest{
		BatchID:     batch.BatchID,
		Kind:        batch.Kind,
		TargetUnits: batch.TargetUnits,
		Spec:        batch.Spec.Data(),
	})
}

// Status - 진행 상태 조회, 다른 계정의 배치는 ErrBatchNotFound
func (c *Coordinator) Status(ctx context.Context, accountID, batchID string) (StatusView, error) {
	batch, err := c.store.Get(ctx, batchID)
	if err != nil {
		return StatusView{}, err
	}
	if batch.AccountID != accountID {
		return StatusView{}, ErrBatchNotFound
	}
	if err := validateProgress(batch, c.opts.MaxBatchUnits); err != nil {
		return StatusView{}, err
	}

	completed := len(batch.Outputs)
	percentage := 0
	if batch.TargetUnits > 0 {
		percentage = completed * 100 / batch.TargetUnits
	}

	outputs := make([]model.UnitOutput, len(batch.Outputs))
	copy(outputs, batch.Outputs)

	return StatusView{
		BatchID:            batch.BatchID,
		Status:             batch.Status,
		Completed:          completed >= batch.TargetUnits,
		Progress:           Progress{Completed: completed, Total: batch.TargetUnits, Percentage: percentage},
		MissingUnitIndices: missingIndices(batch),
		PendingUnitIndices: pendingIndices(batch),
		Outputs:            outputs,
	}, nil
}

// runSubBatch - 최대 SubBatchSize 개 유닛 동시 실행
func (c *Coordinator) runSubBatch(
	ctx context.Context,
	batch *model.GenerationBatch,
	spec model.BatchSpec,
	accountID string,
	invocation int,
	indices []int,
	log *zap.Logger,
) []unitResult {
	var (
		mu      sync.Mutex
		results = make([]unitResult, 0, len(indices))
		// 잔액 부족이 한 번 나오면 이후 유닛은 차감 시도도 하지 않음
		stop bool
	)

	var g errgroup.Group
	g.SetLimit(c.opts.SubBatchSize)

	for _, index := range indices {
		g.Go(func() error {
			mu.Lock()
			stopped := stop
			mu.Unlock()
			if stopped || ctx.Err() != nil {
				return nil
			}

			r := c.runUnit(ctx, batch.BatchID, batch.Kind, batch.UnitCost, spec, accountID, invocation, index, log)

			mu.Lock()
			if r.noFunds != nil {
				stop = true
			}
			results = append(results, r)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return results
}

// runUnit - 차감 → 제출 → 대기, 실패 시 같은 ref 로 환불
func (c *Coordinator) runUnit(
	ctx context.Context,
	batchID, kind string,
	cost int64,
	spec model.BatchSpec,
	accountID string,
	invocation, index int,
	log *zap.Logger,
) unitResult {
	ref := credit.ChargeRef(batchID, index, invocation)
	log = log.With(zap.Int("unit", index), zap.String("ref", ref))

	if _, err := c.settlement.Charge(ctx, accountID, cost, ref, ""); err != nil {
		if errors.Is(err, credit.ErrInsufficientFunds) {
			c.metrics.Unit(metrics.UnitNoFunds)
			return unitResult{index: index, noFunds: err}
		}
		// 커밋 여부를 알 수 없는 경우 다음 호출의 orphan 정산이 처리
		log.Warn("⚠️ Charge failed", zap.Error(err))
		return unitResult{index: index, submitErr: err}
	}

	handle, err := c.submitter.Submit(ctx, UnitSpecFor(kind, spec, index))
	if err != nil {
		log.Warn("⚠️ Submit failed, refunding", zap.Error(err))
		c.refund(ctx, accountID, cost, ref, "submit failed: "+err.Error(), log)
		c.metrics.Unit(metrics.UnitSubmitFailed)
		return unitResult{index: index, submitErr: err}
	}

	outcome := c.poller.Await(ctx, handle)
	c.metrics.UnitDuration(c.now().Sub(handle.SubmittedAt))

	switch outcome.Status {
	case prediction.StatusSucceeded:
		c.metrics.Unit(metrics.UnitSucceeded)
		return unitResult{index: index, output: &model.UnitOutput{
			Index:       index,
			Output:      outcome.Output,
			JobID:       handle.ID,
			ChargeRef:   ref,
			CompletedAt: c.now(),
		}}

	case prediction.StatusFailed:
		log.Info("❌ Unit failed, refunding", zap.String("job", handle.ID), zap.String("reason", outcome.Reason))
		c.refund(ctx, accountID, cost, ref, outcome.Reason, log)
		c.metrics.Unit(metrics.UnitFailed)
		return unitResult{index: index}

	default:
		// 차감 유지, 다음 호출에서 다시 확인
		log.Info("⏳ Unit still running, holding charge", zap.String("job", handle.ID), zap.Int("attempts", outcome.Attempts))
		c.metrics.Unit(metrics.UnitTimedOut)
		return unitResult{index: index, pending: &model.PendingUnit{
			Index:       index,
			JobID:       handle.ID,
			ChargeRef:   ref,
			SubmittedAt: handle.SubmittedAt,
		}}
	}
}

// reconcile - pending 유닛 1회 확인 + orphan 차감 환불
func (c *Coordinator) reconcile(ctx context.Context, batch *model.GenerationBatch, log *zap.Logger) error {
	changed := false
	now := c.now()

	kept := make([]model.PendingUnit, 0, len(batch.Pending))
	for _, p := range batch.Pending {
		plog := log.With(zap.Int("unit", p.Index), zap.String("job", p.JobID), zap.String("ref", p.ChargeRef))

		if now.Sub(p.SubmittedAt) > c.opts.PendingExpiry {
			plog.Info("🗑️ Pending unit expired, refunding")
			if err := c.refund(ctx, batch.AccountID, batch.UnitCost, p.ChargeRef, "pending unit expired", plog); err != nil {
				kept = append(kept, p)
				continue
			}
			c.metrics.Unit(metrics.UnitExpired)
			changed = true
			continue
		}

		outcome := c.poller.Check(ctx, prediction.JobHandle{ID: p.JobID, SubmittedAt: p.SubmittedAt})
		switch outcome.Status {
		case prediction.StatusSucceeded:
			plog.Info("✅ Pending unit completed, adopting output")
			batch.Outputs = append(batch.Outputs, model.UnitOutput{
				Index:       p.Index,
				Output:      outcome.Output,
				JobID:       p.JobID,
				ChargeRef:   p.ChargeRef,
				CompletedAt: now,
			})
			c.metrics.Unit(metrics.UnitAdopted)
			changed = true
		case prediction.StatusFailed:
			plog.Info("❌ Pending unit failed, refunding", zap.String("reason", outcome.Reason))
			if err := c.refund(ctx, batch.AccountID, batch.UnitCost, p.ChargeRef, outcome.Reason, plog); err != nil {
				kept = append(kept, p)
				continue
			}
			c.metrics.Unit(metrics.UnitFailed)
			changed = true
		default:
			kept = append(kept, p)
		}
	}
	batch.Pending = kept

	orphans, err := c.settlement.Orphans(ctx, batch.AccountID, credit.BatchRefPrefix(batch.BatchID), knownRefs(batch))
	if err != nil {
		return err
	}
	for _, orphan := range orphans {
		ref := *orphan.ExternalRef
		log.Warn("🧹 Refunding orphaned charge", zap.String("ref", ref), zap.Int64("amount", -orphan.Amount))
		if err := c.refund(ctx, batch.AccountID, -orphan.Amount, ref, "orphaned charge", log); err != nil {
			return err
		}
	}

	if !changed {
		return nil
	}
	sortProgress(batch)
	if len(batch.Outputs) >= batch.TargetUnits {
		batch.Status = model.BatchCompleted
	}
	return c.persist(ctx, batch)
}

// persist - 요청 deadline 과 분리된 context 로 CAS 저장
func (c *Coordinator) persist(ctx context.Context, batch *model.GenerationBatch) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.PersistTimeout)
	defer cancel()

	if err := c.store.Save(persistCtx, batch); err != nil {
		c.log.Error("❌ Failed to persist batch progress", zap.String("batch", batch.BatchID), zap.Error(err))
		return err
	}
	return nil
}

// refund - deadline 이 지나도 환불은 끝까지 수행
func (c *Coordinator) refund(ctx context.Context, accountID string, cost int64, ref, reason string, log *zap.Logger) error {
	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.PersistTimeout)
	defer cancel()

	if _, err := c.settlement.Refund(refundCtx, accountID, cost, ref, reason); err != nil {
		log.Error("❌ Refund failed, orphan reconcile will retry", zap.Error(err))
		return err
	}
	return nil
}

func (c *Coordinator) result(batch *model.GenerationBatch, newUnits int) Result {
	produced := len(batch.Outputs)
	remaining := batch.TargetUnits - produced
	if remaining < 0 {
		remaining = 0
	}

	outputs := make([]model.UnitOutput, len(batch.Outputs))
	copy(outputs, batch.Outputs)

	result := Result{
		BatchID:       batch.BatchID,
		TotalUnits:    batch.TargetUnits,
		ProducedUnits: produced,
		NewUnits:      newUnits,
		PendingUnits:  len(batch.Pending),
		Remaining:     remaining,
		Outputs:       outputs,
	}

	if remaining == 0 {
		result.Status = ResultCompleted
		result.Message = fmt.Sprintf("All %d units generated.", batch.TargetUnits)
		return result
	}

	result.Status = ResultPartial
	result.Partial = true
	result.Message = fmt.Sprintf("Generated %d of %d units. %d remaining, retry to continue.", produced, batch.TargetUnits, remaining)
	if len(batch.Pending) > 0 {
		result.Message += fmt.Sprintf(" %d units are still processing.", len(batch.Pending))
	}
	return result
}
