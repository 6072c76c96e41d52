package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"quel-generation-server/modules/common/database"
	"quel-generation-server/modules/common/lock"
	"quel-generation-server/modules/common/model"
	"quel-generation-server/modules/credit"
	"quel-generation-server/modules/prediction"
)

const testAccount = "acct-1"

// fakeProvider - job-1, job-2 ... 순서로 id 발급, 기본은 즉시 성공
type fakeProvider struct {
	mu       sync.Mutex
	created  int
	gets     int
	prompts  map[string]string
	statuses map[string]string
	// createErr 가 있으면 Create 실패
	createErr error
	// onGet - Get 호출 누적 횟수로 호출 (deadline 시뮬레이션)
	onGet func(total int)
	// gate 가 있으면 Create 가 gate 닫힐 때까지 대기
	gate    chan struct{}
	entered chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		prompts:  make(map[string]string),
		statuses: make(map[string]string),
	}
}

func (f *fakeProvider) Create(ctx context.Context, spec prediction.UnitSpec) (prediction.Prediction, error) {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return prediction.Prediction{}, f.createErr
	}
	f.created++
	id := fmt.Sprintf("job-%d", f.created)
	f.prompts[id] = spec.Prompt
	return prediction.Prediction{ID: id, Status: "starting"}, nil
}

func (f *fakeProvider) Get(_ context.Context, id string) (prediction.Prediction, error) {
	f.mu.Lock()
	f.gets++
	total := f.gets
	status, ok := f.statuses[id]
	hook := f.onGet
	f.mu.Unlock()

	if hook != nil {
		hook(total)
	}

	if !ok {
		status = "succeeded"
	}
	pred := prediction.Prediction{ID: id, Status: status}
	switch status {
	case "succeeded":
		pred.Output = []string{"https://cdn.example.com/" + id + ".png"}
	case "failed":
		pred.Error = "NSFW content detected"
	}
	return pred, nil
}

func (f *fakeProvider) setStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
}

func (f *fakeProvider) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

type testEnv struct {
	coord    *Coordinator
	ledger   *credit.GormLedger
	store    *GormStore
	provider *fakeProvider
	locker   *lock.MemoryLocker
	db       *gorm.DB
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := database.Open("sqlite", dsn, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newTestEnv(t *testing.T, provider *fakeProvider, opts Options) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	log := zap.NewNop()
	ledger := credit.NewGormLedger(db, log)
	store := NewGormStore(db)
	locker := lock.NewMemoryLocker()

	if opts.UnitCost == 0 {
		opts.UnitCost = 2
	}
	coord := NewCoordinator(
		store,
		credit.NewSettlement(ledger, log, nil),
		prediction.NewSubmitter(provider, log),
		prediction.NewPoller(provider, time.Millisecond, 3, log),
		locker,
		opts,
		log,
		nil,
	)

	return &testEnv{
		coord:    coord,
		ledger:   ledger,
		store:    store,
		provider: provider,
		locker:   locker,
		db:       db,
	}
}

func (e *testEnv) fund(t *testing.T, amount int64) {
	t.Helper()
	_, err := e.ledger.Credit(context.Background(), testAccount, amount, model.TxnPurchase, "test purchase", uuid.NewString())
	require.NoError(t, err)
}

func (e *testEnv) balance(t *testing.T) int64 {
	t.Helper()
	balance, err := e.ledger.GetBalance(context.Background(), testAccount)
	require.NoError(t, err)
	return balance
}

func (e *testEnv) refunds(t *testing.T, batchID string) []model.CreditTransaction {
	t.Helper()
	txns, err := e.ledger.TransactionsByRefPrefix(context.Background(), testAccount, credit.BatchRefPrefix(batchID))
	require.NoError(t, err)

	var out []model.CreditTransaction
	for _, txn := range txns {
		if txn.Kind == model.TxnRefund {
			out = append(out, txn)
		}
	}
	return out
}

func testSpec() model.BatchSpec {
	return model.BatchSpec{
		Prompt:       "studio portrait of a model wearing a linen jacket",
		AspectRatio:  "3:4",
		Resolution:   "1K",
		OutputFormat: "png",
	}
}

func request(batchID, kind string, target int) BatchRequest {
	return BatchRequest{BatchID: batchID, Kind: kind, TargetUnits: target, Spec: testSpec()}
}

func outputIndices(outputs []model.UnitOutput) []int {
	indices := make([]int, 0, len(outputs))
	for _, out := range outputs {
		indices = append(indices, out.Index)
	}
	return indices
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

// 60 크레딧, 유닛당 2, 30 유닛: 10 개 후 deadline → 재시도로 30 완료 → 세 번째는 alreadyGenerated
func TestRunDeadlineThenResumeThenAlreadyGenerated(t *testing.T) {
	provider := newFakeProvider()
	env := newTestEnv(t, provider, Options{SubBatchSize: 5})
	env.fund(t, 60)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	provider.onGet = func(total int) {
		if total == 10 {
			cancel()
		}
	}

	first, err := env.coord.Run(ctx, testAccount, request("batch-paid-0001", model.KindPaid, 0))
	require.NoError(t, err)
	assert.Equal(t, ResultPartial, first.Status)
	assert.True(t, first.Partial)
	assert.Equal(t, 30, first.TotalUnits)
	assert.Equal(t, 10, first.ProducedUnits)
	assert.Equal(t, 20, first.Remaining)
	assert.Equal(t, seq(0, 10), outputIndices(first.Outputs))
	assert.Contains(t, first.Message, "Time limit")
	assert.Equal(t, int64(40), env.balance(t))

	provider.onGet = nil
	second, err := env.coord.Run(context.Background(), testAccount, request("batch-paid-0001", model.KindPaid, 0))
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, second.Status)
	assert.False(t, second.AlreadyGenerated)
	assert.Equal(t, 30, second.ProducedUnits)
	assert.Equal(t, 20, second.NewUnits)
	assert.Equal(t, seq(0, 30), outputIndices(second.Outputs))
	assert.Equal(t, int64(0), env.balance(t))

	third, err := env.coord.Run(context.Background(), testAccount, request("batch-paid-0001", model.KindPaid, 0))
	require.NoError(t, err)
	assert.True(t, third.AlreadyGenerated)
	assert.Equal(t, 30, third.ProducedUnits)
	assert.Equal(t, 30, provider.createdCount())
	assert.Equal(t, int64(0), env.balance(t))

	stored, err := env.store.Get(context.Background(), "batch-paid-0001")
	require.NoError(t, err)
	assert.Equal(t, model.BatchCompleted, stored.Status)
	assert.Equal(t, 3, stored.Invocations)
}

func TestRunExactBalanceCompletesWithoutExtraSubmissions(t *testing.T) {
	provider := newFakeProvider()
	env := newTestEnv(t, provider, Options{SubBatchSize: 5})
	env.fund(t, 20)

	result, err := env.coord.Run(context.Background(), testAccount, request("batch-exact-01", model.KindPaid, 10))
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, result.Status)
	assert.Equal(t, 10, result.ProducedUnits)
	assert.Equal(t, 10, provider.createdCount())
	assert.Equal(t, int64(0), env.balance(t))
}

func TestRunPreflightInsufficientFunds(t *testing.T) {
	provider := newFakeProvider()
	env := newTestEnv(t, provider, Options{SubBatchSize: 5})
	env.fund(t, 19)

	_, err := env.coord.Run(context.Background(), testAccount, request("batch-short-01", model.KindPaid, 10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, credit.ErrInsufficientFunds))

	var funds *credit.InsufficientFundsError
	require.True(t, errors.As(err, &funds))
	assert.Equal(t, int64(19), funds.Current)
	assert.Equal(t, int64(20), funds.Required)

	assert.Equal(t, 0, provider.createdCount())
	assert.Equal(t, int64(19), env.balance(t))
}

func TestRunResumesFromFirstMissingIndex(t *testing.T) {
	provider := newFakeProvider()
	env := newTestEnv(t, provider, Options{SubBatchSize: 5})
	env.fund(t, 4)

	existing := &model.GenerationBatch{
		BatchID:     "batch-resume-01",
		AccountID:   testAccount,
		Kind:        model.KindPaid,
		TargetUnits: 5,
		UnitCost:    2,
		Spec:        datatypes.NewJSONType(testSpec()),
		Outputs: datatypes.JSONSlice[model.UnitOutput]{
			{Index: 0, Output: "https://cdn.example.com/a.png", JobID: "old-0", ChargeRef: "batch-resume-01/0/1"},
			{Index: 1, Output: "https://cdn.example.com/b.png", JobID: "old-1", ChargeRef: "batch-resume-01/1/1"},
			{Index: 2, Output: "https://cdn.example.com/c.png", JobID: "old-2", ChargeRef: "batch-resume-01/2/1"},
		},
		Pending:     datatypes.JSONSlice[model.PendingUnit]{},
		Status:      model.BatchInProgress,
		Invocations: 1,
	}
	_, _, err := env.store.GetOrCreate(context.Background(), existing)
	require.NoError(t, err)

	result, err := env.coord.Run(context.Background(), testAccount, request("batch-resume-01", model.KindPaid, 5))
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, result.Status)
	assert.Equal(t, 2, result.NewUnits)
	assert.Equal(t, seq(0, 5), outputIndices(result.Outputs))
	assert.Equal(t, 2, provider.createdCount())
	assert.Equal(t, int64(0), env.balance(t))

	// 유닛 3, 4 의 구도로 제출
	var prompts []string
	for _, p := range provider.prompts {
		prompts = append(prompts, p)
	}
	assert.ElementsMatch(t, []string{
		UnitSpecFor(model.KindPaid, testSpec(), 3).Prompt,
		UnitSpecFor(model.KindPaid, testSpec(), 4).Prompt,
	}, prompts)

	// 기존 결과는 그대로
	assert.Equal(t, "old-0", result.Outputs[0].JobID)
}

func TestRunFailedUnitRefundedExactlyOnce(t *testing.T) {
	provider := newFakeProvider()
	provider.setStatus("job-2", "failed")
	env := newTestEnv(t, provider, Options{SubBatchSize: 1})
	env.fund(t, 6)

	first, err := env.coord.Run(context.Background(), testAccount, request("batch-fail-001", model.KindPaid, 3))
	require.NoError(t, err)
	assert.True(t, first.Partial)
	assert.Equal(t, []int{0, 2}, outputIndices(first.Outputs))
	assert.Equal(t, int64(2), env.balance(t))

	refunds := env.refunds(t, "batch-fail-001")
	require.Len(t, refunds, 1)
	assert.Equal(t, "batch-fail-001/1/1", *refunds[0].ExternalRef)
	assert.Equal(t, int64(2), refunds[0].Amount)

	second, err := env.coord.Run(context.Background(), testAccount, request("batch-fail-001", model.KindPaid, 3))
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, second.Status)
	assert.Equal(t, seq(0, 3), outputIndices(second.Outputs))
	assert.Equal(t, "batch-fail-001/1/2", second.Outputs[1].ChargeRef)
	assert.Equal(t, int64(0), env.balance(t))
	assert.Len(t, env.refunds(t, "batch-fail-001"), 1)
}

func TestRunTimedOutUnitIsHeldThenAdopted(t *testing.T) {
	provider := newFakeProvider()
	provider.setStatus("job-2", "processing")
	env := newTestEnv(t, provider, Options{SubBatchSize: 1})
	env.fund(t, 4)

	first, err := env.coord.Run(context.Background(), testAccount, request("batch-pend-001", model.KindReelCover, 0))
	require.NoError(t, err)
	assert.True(t, first.Partial)
	assert.Equal(t, 2, first.TotalUnits)
	assert.Equal(t, 1, first.ProducedUnits)
	assert.Equal(t, 1, first.PendingUnits)
	assert.Contains(t, first.Message, "still processing")
	// 차감 유지
	assert.Equal(t, int64(0), env.balance(t))

	view, err := env.coord.Status(context.Background(), testAccount, "batch-pend-001")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, view.PendingUnitIndices)
	assert.Empty(t, view.MissingUnitIndices)

	// 아직 진행 중이면 재제출하지 않음
	again, err := env.coord.Run(context.Background(), testAccount, request("batch-pend-001", model.KindReelCover, 0))
	require.NoError(t, err)
	assert.True(t, again.Partial)
	assert.Equal(t, 2, provider.createdCount())

	provider.setStatus("job-2", "succeeded")
	done, err := env.coord.Run(context.Background(), testAccount, request("batch-pend-001", model.KindReelCover, 0))
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, done.Status)
	assert.False(t, done.AlreadyGenerated)
	assert.Equal(t, "job-2", done.Outputs[1].JobID)
	assert.Equal(t, "batch-pend-001/1/1", done.Outputs[1].ChargeRef)
	assert.Equal(t, 2, provider.createdCount())
	assert.Equal(t, int64(0), env.balance(t))
	assert.Empty(t, env.refunds(t, "batch-pend-001"))
}

func TestRunPendingUnitThatFailsIsRefundedAndRetried(t *testing.T) {
	provider := newFakeProvider()
	provider.setStatus("job-2", "processing")
	env := newTestEnv(t, provider, Options{SubBatchSize: 1})
	env.fund(t, 4)

	_, err := env.coord.Run(context.Background(), testAccount, request("batch-pend-002", model.KindReelCover, 0))
	require.NoError(t, err)

	provider.setStatus("job-2", "failed")
	result, err := env.coord.Run(context.Background(), testAccount, request("batch-pend-002", model.KindReelCover, 0))
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, result.Status)
	assert.Equal(t, "job-3", result.Outputs[1].JobID)
	assert.Equal(t, int64(0), env.balance(t))

	refunds := env.refunds(t, "batch-pend-002")
	require.Len(t, refunds, 1)
	assert.Equal(t, "batch-pend-002/1/1", *refunds[0].ExternalRef)
}

func TestRunExpiredPendingUnitIsRefunded(t *testing.T) {
	provider := newFakeProvider()
	provider.setStatus("job-2", "processing")
	env := newTestEnv(t, provider, Options{SubBatchSize: 1, PendingExpiry: time.Minute})
	env.fund(t, 4)

	_, err := env.coord.Run(context.Background(), testAccount, request("batch-pend-003", model.KindReelCover, 0))
	require.NoError(t, err)

	env.coord.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	result, err := env.coord.Run(context.Background(), testAccount, request("batch-pend-003", model.KindReelCover, 0))
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, result.Status)
	assert.Equal(t, "job-3", result.Outputs[1].JobID)
	assert.Equal(t, int64(0), env.balance(t))

	refunds := env.refunds(t, "batch-pend-003")
	require.Len(t, refunds, 1)
	assert.Contains(t, refunds[0].Reason, "expired")

	// 만료 후 늦게 끝나도 채택하지 않음
	provider.setStatus("job-2", "succeeded")
	view, err := env.coord.Status(context.Background(), testAccount, "batch-pend-003")
	require.NoError(t, err)
	assert.Equal(t, "job-3", view.Outputs[1].JobID)
}

func TestRunRefundsOrphanedCharge(t *testing.T) {
	provider := newFakeProvider()
	env := newTestEnv(t, provider, Options{SubBatchSize: 5})
	env.fund(t, 10)
	ctx := context.Background()

	_, _, err := env.store.GetOrCreate(ctx, &model.GenerationBatch{
		BatchID:     "batch-orphan-1",
		AccountID:   testAccount,
		Kind:        model.KindReelCover,
		TargetUnits: 2,
		UnitCost:    2,
		Spec:        datatypes.NewJSONType(testSpec()),
		Outputs: datatypes.JSONSlice[model.UnitOutput]{
			{Index: 0, Output: "https://cdn.example.com/a.png", JobID: "old-0", ChargeRef: "batch-orphan-1/0/1"},
		},
		Pending:     datatypes.JSONSlice[model.PendingUnit]{},
		Status:      model.BatchInProgress,
		Invocations: 1,
	})
	require.NoError(t, err)

	// 유닛 1 은 차감만 되고 기록 전에 프로세스가 죽은 상황
	_, err = env.ledger.Debit(ctx, testAccount, 2, "generation unit", "batch-orphan-1/0/1")
	require.NoError(t, err)
	_, err = env.ledger.Debit(ctx, testAccount, 2, "generation unit", "batch-orphan-1/1/1")
	require.NoError(t, err)
	require.Equal(t, int64(6), env.balance(t))

	result, err := env.coord.Run(ctx, testAccount, request("batch-orphan-1", model.KindReelCover, 2))
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, result.Status)
	assert.Equal(t, "batch-orphan-1/1/2", result.Outputs[1].ChargeRef)

	refunds := env.refunds(t, "batch-orphan-1")
	require.Len(t, refunds, 1)
	assert.Equal(t, "batch-orphan-1/1/1", *refunds[0].ExternalRef)
	// 6 + 2 (orphan 환불) - 2 (유닛 1 재차감)
	assert.Equal(t, int64(6), env.balance(t))
}

func TestRunSubmitFailureRefundsAndReportsExternalError(t *testing.T) {
	provider := newFakeProvider()
	provider.createErr = errors.New("503 service unavailable")
	env := newTestEnv(t, provider, Options{SubBatchSize: 5})
	env.fund(t, 10)

	_, err := env.coord.Run(context.Background(), testAccount, request("batch-down-001", model.KindReelCover, 0))
	require.Error(t, err)

	var external *prediction.ExternalServiceError
	require.True(t, errors.As(err, &external))
	assert.Contains(t, external.Err.Error(), "503")

	assert.Equal(t, int64(10), env.balance(t))
	assert.Len(t, env.refunds(t, "batch-down-001"), 2)
}

func TestRunInvalidSpecCreatesNothing(t *testing.T) {
	provider := newFakeProvider()
	env := newTestEnv(t, provider, Options{})
	env.fund(t, 10)

	req := request("batch-bad-0001", model.KindPaid, 2)
	req.Spec.AspectRatio = "7:1"
	_, err := env.coord.Run(context.Background(), testAccount, req)
	assert.True(t, errors.Is(err, prediction.ErrInvalidSpec))

	_, err = env.coord.Run(context.Background(), testAccount, request("batch-bad-0002", "poster", 0))
	assert.True(t, errors.Is(err, prediction.ErrInvalidSpec))

	_, err = env.coord.Run(context.Background(), testAccount, request("batch-bad-0003", model.KindPaid, 61))
	assert.True(t, errors.Is(err, prediction.ErrInvalidSpec))

	_, err = env.store.Get(context.Background(), "batch-bad-0001")
	assert.True(t, errors.Is(err, ErrBatchNotFound))
	assert.Equal(t, int64(10), env.balance(t))
}

func TestRunReturnsInProgressWhileLocked(t *testing.T) {
	provider := newFakeProvider()
	env := newTestEnv(t, provider, Options{})
	env.fund(t, 10)

	release, err := env.locker.Acquire(context.Background(), "batch-lock-001", time.Minute)
	require.NoError(t, err)
	defer release()

	result, err := env.coord.Run(context.Background(), testAccount, request("batch-lock-001", model.KindReelCover, 0))
	require.NoError(t, err)
	assert.True(t, result.InProgress)
	assert.Equal(t, ResultInProgress, result.Status)
	assert.Equal(t, 0, provider.createdCount())
	assert.Equal(t, int64(10), env.balance(t))
}

func TestRunConcurrentInvocationsDoNotDoubleCharge(t *testing.T) {
	provider := newFakeProvider()
	provider.gate = make(chan struct{})
	provider.entered = make(chan struct{}, 1)
	env := newTestEnv(t, provider, Options{SubBatchSize: 2})
	env.fund(t, 4)

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := env.coord.Run(context.Background(), testAccount, request("batch-race-001", model.KindReelCover, 0))
		done <- outcome{r, err}
	}()

	<-provider.entered
	second, err := env.coord.Run(context.Background(), testAccount, request("batch-race-001", model.KindReelCover, 0))
	require.NoError(t, err)
	assert.True(t, second.InProgress)

	close(provider.gate)
	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, ResultCompleted, first.result.Status)
	assert.Equal(t, 2, provider.createdCount())
	assert.Equal(t, int64(0), env.balance(t))
}

func TestRunOtherAccountCannotTouchBatch(t *testing.T) {
	provider := newFakeProvider()
	env := newTestEnv(t, provider, Options{})
	env.fund(t, 4)

	_, err := env.coord.Run(context.Background(), testAccount, request("batch-owner-01", model.KindReelCover, 0))
	require.NoError(t, err)

	_, err = env.coord.Run(context.Background(), "someone-else", request("batch-owner-01", model.KindReelCover, 0))
	assert.True(t, errors.Is(err, ErrBatchNotFound))

	_, err = env.coord.Status(context.Background(), "someone-else", "batch-owner-01")
	assert.True(t, errors.Is(err, ErrBatchNotFound))

	_, err = env.coord.Resume(context.Background(), "someone-else", "batch-owner-01")
	assert.True(t, errors.Is(err, ErrBatchNotFound))
}

func TestResumeUsesStoredSpec(t *testing.T) {
	provider := newFakeProvider()
	provider.setStatus("job-2", "failed")
	env := newTestEnv(t, provider, Options{SubBatchSize: 1})
	env.fund(t, 4)

	_, err := env.coord.Run(context.Background(), testAccount, request("batch-resume-02", model.KindReelCover, 0))
	require.NoError(t, err)

	result, err := env.coord.Resume(context.Background(), testAccount, "batch-resume-02")
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, result.Status)
	assert.True(t, strings.HasPrefix(provider.prompts["job-3"], testSpec().Prompt))

	_, err = env.coord.Resume(context.Background(), testAccount, "missing-batch-1")
	assert.True(t, errors.Is(err, ErrBatchNotFound))
}

func TestStatusReportsProgress(t *testing.T) {
	provider := newFakeProvider()
	provider.setStatus("job-2", "processing")
	provider.setStatus("job-3", "failed")
	env := newTestEnv(t, provider, Options{SubBatchSize: 1})
	env.fund(t, 20)

	_, err := env.coord.Run(context.Background(), testAccount, request("batch-status-1", model.KindPaid, 4))
	require.NoError(t, err)

	view, err := env.coord.Status(context.Background(), testAccount, "batch-status-1")
	require.NoError(t, err)
	assert.False(t, view.Completed)
	assert.Equal(t, model.BatchInProgress, view.Status)
	assert.Equal(t, Progress{Completed: 2, Total: 4, Percentage: 50}, view.Progress)
	assert.Equal(t, []int{2}, view.MissingUnitIndices)
	assert.Equal(t, []int{1}, view.PendingUnitIndices)
	assert.Equal(t, []int{0, 3}, outputIndices(view.Outputs))

	_, err = env.coord.Status(context.Background(), testAccount, "missing-batch-1")
	assert.True(t, errors.Is(err, ErrBatchNotFound))
}

// 남은 유닛이 모두 처리 중이면 missing 은 비어 있어도 완료가 아님
func TestStatusPendingOnlyIsNotCompleted(t *testing.T) {
	provider := newFakeProvider()
	provider.setStatus("job-2", "processing")
	env := newTestEnv(t, provider, Options{SubBatchSize: 1})
	env.fund(t, 4)

	_, err := env.coord.Run(context.Background(), testAccount, request("batch-status-2", model.KindReelCover, 0))
	require.NoError(t, err)

	view, err := env.coord.Status(context.Background(), testAccount, "batch-status-2")
	require.NoError(t, err)
	assert.False(t, view.Completed)
	assert.Empty(t, view.MissingUnitIndices)
	assert.Equal(t, []int{1}, view.PendingUnitIndices)
}

// 단가가 바뀌어도 재시도는 배치 생성 시점 단가로 사전 확인 및 차감
func TestRunResumeUsesStoredUnitCost(t *testing.T) {
	provider := newFakeProvider()
	provider.setStatus("job-2", "failed")
	env := newTestEnv(t, provider, Options{SubBatchSize: 1})
	env.fund(t, 6)

	first, err := env.coord.Run(context.Background(), testAccount, request("batch-price-01", model.KindPaid, 3))
	require.NoError(t, err)
	assert.True(t, first.Partial)
	assert.Equal(t, int64(2), env.balance(t))

	env.coord.opts.UnitCost = 5

	second, err := env.coord.Run(context.Background(), testAccount, request("batch-price-01", model.KindPaid, 3))
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, second.Status)
	assert.Equal(t, seq(0, 3), outputIndices(second.Outputs))
	assert.Equal(t, int64(0), env.balance(t))

	stored, err := env.store.Get(context.Background(), "batch-price-01")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.UnitCost)
}

func TestRunPreflightUsesStoredUnitCost(t *testing.T) {
	provider := newFakeProvider()
	provider.setStatus("job-1", "failed")
	provider.setStatus("job-2", "failed")
	env := newTestEnv(t, provider, Options{SubBatchSize: 1})
	env.fund(t, 4)

	_, err := env.coord.Run(context.Background(), testAccount, request("batch-price-02", model.KindReelCover, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(4), env.balance(t))

	// 두 유닛 모두 남음: 저장된 단가 2 기준 4 필요
	env.coord.opts.UnitCost = 1
	_, err = env.ledger.Debit(context.Background(), testAccount, 1, "spend elsewhere", uuid.NewString())
	require.NoError(t, err)

	_, err = env.coord.Run(context.Background(), testAccount, request("batch-price-02", model.KindReelCover, 0))
	var funds *credit.InsufficientFundsError
	require.True(t, errors.As(err, &funds))
	assert.Equal(t, int64(3), funds.Current)
	assert.Equal(t, int64(4), funds.Required)
	assert.Equal(t, 2, provider.createdCount())
}

// HandlerDeadline 이 처리 중인 sub-batch 를 끊으면 해당 유닛은 차감 유지된 채 pending 으로 저장
func TestRunHandlerDeadlineHoldsInFlightUnits(t *testing.T) {
	provider := newFakeProvider()
	for i := 6; i <= 10; i++ {
		provider.setStatus(fmt.Sprintf("job-%d", i), "processing")
	}
	env := newTestEnv(t, provider, Options{SubBatchSize: 5, HandlerDeadline: 200 * time.Millisecond})
	// deadline 전에 폴링 횟수가 소진되지 않도록
	env.coord.poller = prediction.NewPoller(provider, time.Millisecond, 1_000_000, zap.NewNop())
	env.fund(t, 30)

	started := time.Now()
	result, err := env.coord.Run(context.Background(), testAccount, request("batch-deadline-1", model.KindPaid, 15))
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 10*time.Second)

	assert.Equal(t, ResultPartial, result.Status)
	assert.True(t, result.Partial)
	assert.Equal(t, 5, result.ProducedUnits)
	assert.Equal(t, 5, result.PendingUnits)
	assert.Equal(t, seq(0, 5), outputIndices(result.Outputs))
	assert.Contains(t, result.Message, "Time limit")
	assert.Equal(t, 10, provider.createdCount())

	stored, err := env.store.Get(context.Background(), "batch-deadline-1")
	require.NoError(t, err)
	assert.Equal(t, seq(0, 5), outputIndices(stored.Outputs))
	pending := make([]int, 0, len(stored.Pending))
	for _, p := range stored.Pending {
		pending = append(pending, p.Index)
	}
	assert.Equal(t, seq(5, 10), pending)

	assert.Equal(t, int64(30-2*(5+5)), env.balance(t))
	assert.Empty(t, env.refunds(t, "batch-deadline-1"))
}
