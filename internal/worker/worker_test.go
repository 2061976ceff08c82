package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"VaultBridge/internal/bridge"
	"VaultBridge/internal/ownership"
	"VaultBridge/internal/positionledger"
	"VaultBridge/internal/request"
	"VaultBridge/internal/requestledger"
	"VaultBridge/internal/worker"

	"github.com/google/uuid"
)

var bridgeID = uuid.MustParse("22222222-2222-2222-2222-222222222222")

type fixture struct {
	ledger    *requestledger.Memory
	positions *positionledger.Memory
	index     *ownership.Index
	worker    *worker.Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ledger := requestledger.NewMemory(bridgeID, 2*time.Minute)
	if err := ledger.RegisterAsset(context.Background(), requestledger.AssetConfig{
		Code:         request.AssetNative,
		PositionKind: "yield",
	}); err != nil {
		t.Fatalf("RegisterAsset: %v", err)
	}

	positions := positionledger.NewMemory([]positionledger.Strategy{
		{Kind: "conservative", Asset: request.AssetNative},
	})
	index := ownership.NewIndex()
	acct := bridge.NewLedgerBridge(bridgeID, ledger, 0, 0)

	return &fixture{
		ledger:    ledger,
		positions: positions,
		index:     index,
		worker:    worker.New(ledger, positions, acct, index, nil, nil, nil),
	}
}

func (f *fixture) submitCreate(t *testing.T, user uuid.UUID, amount int64) int64 {
	t.Helper()
	id, err := f.ledger.CreateRequest(context.Background(), requestledger.CreateParams{
		Requester:     user,
		Kind:          request.KindCreate,
		Asset:         request.AssetNative,
		Amount:        amount,
		AttachedValue: amount,
		PositionKind:  "yield",
		StrategyKind:  "conservative",
	})
	if err != nil {
		t.Fatalf("submit create: %v", err)
	}
	return id
}

func (f *fixture) submit(t *testing.T, user uuid.UUID, kind request.Kind, amount int64, positionID *int64) int64 {
	t.Helper()
	p := requestledger.CreateParams{
		Requester:  user,
		Kind:       kind,
		Asset:      request.AssetNative,
		Amount:     amount,
		PositionID: positionID,
	}
	if kind == request.KindDeposit {
		p.AttachedValue = amount
	}
	id, err := f.ledger.CreateRequest(context.Background(), p)
	if err != nil {
		t.Fatalf("submit %s: %v", kind, err)
	}
	return id
}

// settleAll drains the whole pending queue through one batch.
func (f *fixture) settleAll(t *testing.T) worker.BatchResult {
	t.Helper()
	res, err := f.worker.ProcessRequests(context.Background(), 0, 100)
	if err != nil {
		t.Fatalf("ProcessRequests: %v", err)
	}
	return res
}

// openPosition drives a Create to completion and returns the position id.
func (f *fixture) openPosition(t *testing.T, user uuid.UUID, amount int64) int64 {
	t.Helper()
	id := f.submitCreate(t, user, amount)
	f.settleAll(t)
	req, err := f.ledger.GetRequest(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if req.Status != request.StatusCompleted {
		t.Fatalf("create settle: status = %s (%s)", req.Status, req.StatusMessage)
	}
	if req.PositionID == nil {
		t.Fatal("create settle: no position id assigned")
	}
	return *req.PositionID
}

// ============================================================================
// Test: Create settlement
// ============================================================================

func TestSettleCreate_OpensPositionAndRegistersOwnership(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	ctx := context.Background()

	id := f.submitCreate(t, user, 100)
	res := f.settleAll(t)
	if res.Processed != 1 || res.Succeeded != 1 {
		t.Fatalf("batch = %+v, want 1 processed 1 succeeded", res)
	}

	req, _ := f.ledger.GetRequest(ctx, id)
	if req.Status != request.StatusCompleted {
		t.Fatalf("status = %s, want Completed", req.Status)
	}

	pos := *req.PositionID
	if bal, ok := f.positions.Balance(pos); !ok || bal != 100 {
		t.Errorf("position balance = %d (%v), want 100", bal, ok)
	}
	if !f.index.Owns(user, pos) {
		t.Error("worker index should record ownership")
	}
	if owns, _ := f.ledger.DoesUserOwnPosition(ctx, user, pos); !owns {
		t.Error("ledger mirror should record ownership")
	}
	if escrowed, _ := f.ledger.GetUserPendingBalance(ctx, user, request.AssetNative); escrowed != 0 {
		t.Errorf("escrow = %d, want 0", escrowed)
	}
}

func TestSettleCreate_PositionLedgerFailureRefunds(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	ctx := context.Background()

	id := f.submitCreate(t, user, 100)
	f.positions.FailNextCall = errors.New("position ledger down")

	res := f.settleAll(t)
	if res.Failed != 1 {
		t.Fatalf("batch = %+v, want 1 failed", res)
	}

	req, _ := f.ledger.GetRequest(ctx, id)
	if req.Status != request.StatusFailed {
		t.Fatalf("status = %s, want Failed", req.Status)
	}
	// Funds back where they started: no escrow, full refund, no position.
	if escrowed, _ := f.ledger.GetUserPendingBalance(ctx, user, request.AssetNative); escrowed != 0 {
		t.Errorf("escrow = %d, want 0", escrowed)
	}
	if bal := f.ledger.UserBalance(user, request.AssetNative); bal != 100 {
		t.Errorf("refund = %d, want 100", bal)
	}
	if ids := f.index.IDs(user); len(ids) != 0 {
		t.Errorf("ownership index = %v, want empty", ids)
	}
	if count, _ := f.ledger.GetPendingRequestCount(ctx); count != 0 {
		t.Errorf("pending count = %d, want 0", count)
	}
}

func TestSettleCreate_UnknownStrategyFailsWithoutPositionCall(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	ctx := context.Background()

	id, err := f.ledger.CreateRequest(ctx, requestledger.CreateParams{
		Requester:     user,
		Kind:          request.KindCreate,
		Asset:         request.AssetNative,
		Amount:        100,
		AttachedValue: 100,
		PositionKind:  "yield",
		StrategyKind:  "aggressive",
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	f.settleAll(t)

	req, _ := f.ledger.GetRequest(ctx, id)
	if req.Status != request.StatusFailed {
		t.Fatalf("status = %s, want Failed", req.Status)
	}
	if bal := f.ledger.UserBalance(user, request.AssetNative); bal != 100 {
		t.Errorf("refund = %d, want 100", bal)
	}
}

// ============================================================================
// Test: Deposit settlement
// ============================================================================

func TestSettleDeposit_TopsUpOwnedPosition(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	pos := f.openPosition(t, user, 100)

	f.submit(t, user, request.KindDeposit, 50, &pos)
	res := f.settleAll(t)
	if res.Succeeded != 1 {
		t.Fatalf("batch = %+v, want 1 succeeded", res)
	}

	if bal, _ := f.positions.Balance(pos); bal != 150 {
		t.Errorf("position balance = %d, want 150", bal)
	}
}

func TestSettleDeposit_NonOwnerFailsClosed(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	intruder := uuid.New()
	pos := f.openPosition(t, owner, 100)

	id := f.submit(t, intruder, request.KindDeposit, 50, &pos)
	f.settleAll(t)

	req, _ := f.ledger.GetRequest(context.Background(), id)
	if req.Status != request.StatusFailed {
		t.Fatalf("status = %s, want Failed", req.Status)
	}
	if bal, _ := f.positions.Balance(pos); bal != 100 {
		t.Errorf("position balance = %d, want untouched 100", bal)
	}
	if bal := f.ledger.UserBalance(intruder, request.AssetNative); bal != 50 {
		t.Errorf("intruder refund = %d, want 50", bal)
	}
}

// ============================================================================
// Test: Withdraw settlement
// ============================================================================

func TestSettleWithdraw_CreditsRequester(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	pos := f.openPosition(t, user, 100)

	f.submit(t, user, request.KindWithdraw, 40, &pos)
	res := f.settleAll(t)
	if res.Succeeded != 1 {
		t.Fatalf("batch = %+v, want 1 succeeded", res)
	}

	if bal, _ := f.positions.Balance(pos); bal != 60 {
		t.Errorf("position balance = %d, want 60", bal)
	}
	if bal := f.ledger.UserBalance(user, request.AssetNative); bal != 40 {
		t.Errorf("user balance = %d, want 40", bal)
	}
}

func TestSettleWithdraw_CapsAtPositionBalance(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	ctx := context.Background()
	pos := f.openPosition(t, user, 100)

	id := f.submit(t, user, request.KindWithdraw, 500, &pos)
	f.settleAll(t)

	req, _ := f.ledger.GetRequest(ctx, id)
	if req.Status != request.StatusCompleted {
		t.Fatalf("status = %s (%s), want Completed", req.Status, req.StatusMessage)
	}
	if req.StatusMessage == "" {
		t.Error("capped withdrawal should note the cap in the status message")
	}
	if bal := f.ledger.UserBalance(user, request.AssetNative); bal != 100 {
		t.Errorf("user balance = %d, want capped 100", bal)
	}
	if bal, _ := f.positions.Balance(pos); bal != 0 {
		t.Errorf("position balance = %d, want 0", bal)
	}
}

// ============================================================================
// Test: Close settlement
// ============================================================================

func TestSettleClose_DeliversBalanceAndDeregisters(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	ctx := context.Background()
	pos := f.openPosition(t, user, 100)

	f.submit(t, user, request.KindClose, 0, &pos)
	res := f.settleAll(t)
	if res.Succeeded != 1 {
		t.Fatalf("batch = %+v, want 1 succeeded", res)
	}

	if bal := f.ledger.UserBalance(user, request.AssetNative); bal != 100 {
		t.Errorf("user balance = %d, want 100", bal)
	}
	if _, ok := f.positions.Balance(pos); ok {
		t.Error("position should be gone after close")
	}
	if f.index.Owns(user, pos) {
		t.Error("worker index should deregister on close")
	}
	if owns, _ := f.ledger.DoesUserOwnPosition(ctx, user, pos); owns {
		t.Error("ledger mirror should deregister on close")
	}
}

// ============================================================================
// Test: batch independence
// ============================================================================

func TestProcessRequests_OneFailureDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t)
	a := uuid.New()
	b := uuid.New()
	ctx := context.Background()

	badID := f.submitCreate(t, a, 100)
	goodID := f.submitCreate(t, b, 200)

	// First position-ledger call fails, second proceeds.
	f.positions.FailNextCall = errors.New("transient fault")

	res := f.settleAll(t)
	if res.Processed != 2 || res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("batch = %+v, want 2/1/1", res)
	}

	bad, _ := f.ledger.GetRequest(ctx, badID)
	good, _ := f.ledger.GetRequest(ctx, goodID)
	if bad.Status != request.StatusFailed {
		t.Errorf("first request status = %s, want Failed", bad.Status)
	}
	if good.Status != request.StatusCompleted {
		t.Errorf("second request status = %s, want Completed", good.Status)
	}
}

// ============================================================================
// Test: lease sweeper
// ============================================================================

func TestSweep_ForceFailsExpiredLeases(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	ctx := context.Background()

	base := time.Now()
	f.ledger.SetClock(func() time.Time { return base })

	pos := int64(7)
	id := f.submit(t, user, request.KindDeposit, 100, &pos)

	// A worker slot locked the request and died before finalizing.
	if err := f.ledger.StartProcessing(ctx, bridgeID, id); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}

	f.ledger.SetClock(func() time.Time { return base.Add(5 * time.Minute) })

	swept, err := f.worker.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	req, _ := f.ledger.GetRequest(ctx, id)
	if req.Status != request.StatusFailed {
		t.Errorf("status = %s, want Failed", req.Status)
	}
	if bal := f.ledger.UserBalance(user, request.AssetNative); bal != 100 {
		t.Errorf("refund = %d, want 100", bal)
	}

	// Nothing left to sweep.
	if swept, _ := f.worker.Sweep(ctx); swept != 0 {
		t.Errorf("second sweep = %d, want 0", swept)
	}
}
