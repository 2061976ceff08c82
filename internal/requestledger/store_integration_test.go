package requestledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"VaultBridge/internal/persistence"
	"VaultBridge/internal/request"
	"VaultBridge/internal/requestledger"
	"VaultBridge/internal/testutil"

	"github.com/google/uuid"
)

// --- Test helpers ---

func setupStore(t *testing.T) (*requestledger.Store, func()) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)

	migrator := persistence.NewMigrator(db, "../../migrations")
	if err := migrator.Up(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate: %v", err)
	}

	store := requestledger.NewStore(db, bridgeID, 2*time.Minute)
	if err := store.RegisterAsset(context.Background(), requestledger.AssetConfig{
		Code: request.AssetNative, PositionKind: "perp",
	}); err != nil {
		cleanup()
		t.Fatalf("register asset: %v", err)
	}
	return store, cleanup
}

func storeSubmit(t *testing.T, store *requestledger.Store, user uuid.UUID, kind request.Kind, amount int64) int64 {
	t.Helper()
	attached := int64(0)
	if kind == request.KindCreate || kind == request.KindDeposit {
		attached = amount
	}
	id, err := store.CreateRequest(context.Background(), requestledger.CreateParams{
		Requester:     user,
		Kind:          kind,
		Asset:         request.AssetNative,
		Amount:        amount,
		AttachedValue: attached,
		PositionKind:  "perp",
		StrategyKind:  "delta-neutral",
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	return id
}

// --- Integration tests (need Postgres, see docker-compose.test.yml) ---

func TestStore_TwoPhaseLifecycle(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	user := uuid.New()

	id := storeSubmit(t, store, user, request.KindCreate, 500)

	// Escrow holds the attached value while the request is queued.
	if bal, err := store.GetUserPendingBalance(ctx, user, request.AssetNative); err != nil || bal != 500 {
		t.Fatalf("pending balance = %d, %v; want 500", bal, err)
	}
	if n, err := store.GetPendingRequestCount(ctx); err != nil || n != 1 {
		t.Fatalf("pending count = %d, %v; want 1", n, err)
	}

	if err := store.StartProcessing(ctx, bridgeID, id); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}

	// Escrow moved to vault custody; a repeat start is rejected.
	if bal, _ := store.GetUserPendingBalance(ctx, user, request.AssetNative); bal != 0 {
		t.Fatalf("escrow after start = %d, want 0", bal)
	}
	if err := store.StartProcessing(ctx, bridgeID, id); !errors.Is(err, request.ErrNotPending) {
		t.Fatalf("second start: got %v, want ErrNotPending", err)
	}

	funds, err := store.VaultWithdraw(ctx, bridgeID, id)
	if err != nil {
		t.Fatalf("VaultWithdraw: %v", err)
	}
	if funds.Amount != 500 || funds.Asset != request.AssetNative {
		t.Fatalf("pulled %+v, want 500 NATIVE", funds)
	}
	// Custody is empty now; a second pull has nothing to take.
	if _, err := store.VaultWithdraw(ctx, bridgeID, id); err == nil {
		t.Fatal("second pull should fail on empty custody")
	}

	posID := int64(7)
	if err := store.CompleteProcessing(ctx, bridgeID, id, true, &posID, "position opened"); err != nil {
		t.Fatalf("CompleteProcessing: %v", err)
	}

	req, err := store.GetRequest(ctx, id)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if req.Status != request.StatusCompleted {
		t.Errorf("status = %v, want Completed", req.Status)
	}
	if req.PositionID == nil || *req.PositionID != 7 {
		t.Errorf("PositionID = %v, want 7", req.PositionID)
	}

	owns, err := store.DoesUserOwnPosition(ctx, user, 7)
	if err != nil || !owns {
		t.Fatalf("ownership not registered: owns=%v err=%v", owns, err)
	}
	if ids, _ := store.GetPositionIDsForUser(ctx, user); len(ids) != 1 || ids[0] != 7 {
		t.Errorf("GetPositionIDsForUser = %v, want [7]", ids)
	}
}

func TestStore_FailureRefundsRemainingCustody(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	user := uuid.New()

	id := storeSubmit(t, store, user, request.KindDeposit, 300)
	if err := store.StartProcessing(ctx, bridgeID, id); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}

	// Custody untouched, so failing the request refunds it all.
	if err := store.CompleteProcessing(ctx, bridgeID, id, false, nil, "target rejected"); err != nil {
		t.Fatalf("CompleteProcessing: %v", err)
	}

	req, _ := store.GetRequest(ctx, id)
	if req.Status != request.StatusFailed {
		t.Fatalf("status = %v, want Failed", req.Status)
	}
	refunded, err := store.GetUserBalance(ctx, user, request.AssetNative)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if refunded != 300 {
		t.Errorf("refunded balance = %d, want 300", refunded)
	}
}

func TestStore_CancelRefundsEscrow(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	user := uuid.New()
	stranger := uuid.New()

	id := storeSubmit(t, store, user, request.KindDeposit, 120)

	err := store.CancelRequest(ctx, stranger, id)
	var aerr *request.AuthorizationError
	if !errors.As(err, &aerr) {
		t.Fatalf("stranger cancel: got %v, want AuthorizationError", err)
	}

	if err := store.CancelRequest(ctx, user, id); err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}
	if bal, _ := store.GetUserPendingBalance(ctx, user, request.AssetNative); bal != 0 {
		t.Errorf("escrow after cancel = %d, want 0", bal)
	}
	refunded, err := store.GetUserBalance(ctx, user, request.AssetNative)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if refunded != 120 {
		t.Errorf("refunded balance = %d, want 120", refunded)
	}

	if err := store.CancelRequest(ctx, user, id); !errors.Is(err, request.ErrNotPending) {
		t.Errorf("second cancel: got %v, want ErrNotPending", err)
	}
	if err := store.CancelRequest(ctx, user, 99999); !errors.Is(err, request.ErrNotFound) {
		t.Errorf("unknown id cancel: got %v, want ErrNotFound", err)
	}
}

func TestStore_BlockedUserCannotSubmit(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	user := uuid.New()

	if err := store.SetBlocked(ctx, user, true); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}
	_, err := store.CreateRequest(ctx, requestledger.CreateParams{
		Requester: user, Kind: request.KindWithdraw,
		Asset: request.AssetNative, Amount: 10,
	})
	var aerr *request.AuthorizationError
	if !errors.As(err, &aerr) {
		t.Fatalf("blocked submit: got %v, want AuthorizationError", err)
	}

	if err := store.SetBlocked(ctx, user, false); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if _, err := store.CreateRequest(ctx, requestledger.CreateParams{
		Requester: user, Kind: request.KindWithdraw,
		Asset: request.AssetNative, Amount: 10,
	}); err != nil {
		t.Fatalf("submit after unblock: %v", err)
	}
}

func TestStore_ExpiredProcessingLeases(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	user := uuid.New()

	id := storeSubmit(t, store, user, request.KindDeposit, 50)
	if err := store.StartProcessing(ctx, bridgeID, id); err != nil {
		t.Fatalf("StartProcessing: %v", err)
	}

	// Nothing expired yet.
	expired, err := store.ExpiredProcessing(ctx, time.Now())
	if err != nil {
		t.Fatalf("ExpiredProcessing: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expired = %d, want 0", len(expired))
	}

	// Viewed from past the lease deadline the row is expired.
	expired, err = store.ExpiredProcessing(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ExpiredProcessing: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != id {
		t.Fatalf("expired = %+v, want request %d", expired, id)
	}

	if err := store.ForceFail(ctx, bridgeID, id, "settlement lease expired"); err != nil {
		t.Fatalf("ForceFail: %v", err)
	}
	refunded, err := store.GetUserBalance(ctx, user, request.AssetNative)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if refunded != 50 {
		t.Errorf("refunded balance = %d, want 50", refunded)
	}
}

func TestStore_PendingWindowsAreDisjoint(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	user := uuid.New()

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, storeSubmit(t, store, user, request.KindWithdraw, 10))
	}

	first, err := store.GetPendingRequests(ctx, 0, 2)
	if err != nil {
		t.Fatalf("window 0: %v", err)
	}
	second, err := store.GetPendingRequests(ctx, 2, 2)
	if err != nil {
		t.Fatalf("window 1: %v", err)
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("window sizes %d, %d; want 2, 2", len(first), len(second))
	}
	if first[1].ID >= second[0].ID {
		t.Errorf("windows overlap: %d then %d", first[1].ID, second[0].ID)
	}
}
