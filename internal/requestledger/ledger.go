package requestledger

import (
	"context"
	"time"

	"VaultBridge/internal/positionledger"
	"VaultBridge/internal/request"

	"github.com/google/uuid"
)

// AssetConfig binds an asset code to the position-kind identifier it
// settles into. Create requests verify the pulled asset's kind against the
// requested position kind before any position-ledger mutation.
type AssetConfig struct {
	Code         string
	PositionKind string
}

// CreateParams carries the user-supplied fields of a new request.
type CreateParams struct {
	Requester uuid.UUID
	Kind      request.Kind
	Asset     string
	Amount    int64

	// AttachedValue is the value sent along with the request. For the
	// native asset it must equal Amount.
	AttachedValue int64

	// Target position for Deposit/Withdraw/Close
	PositionID *int64

	// Create only
	PositionKind string
	StrategyKind string
}

// Ledger is the request-ledger contract. Two implementations exist: Memory
// (tests, local dev) and Store (Postgres, the durable request log).
//
// StartProcessing, CompleteProcessing, ForceFail and the vault methods are
// privileged: they verify the caller is the configured bridge account.
// StartProcessing is the idempotency boundary: it fails with
// request.ErrNotPending on any repeat, so escrow is deducted at most once.
type Ledger interface {
	// --- user surface ---

	// CreateRequest validates, escrows atomically with creation, and
	// enqueues. Rejects amount <= 0 unless kind is Close, and rejects a
	// native-asset request whose attached value differs from amount.
	CreateRequest(ctx context.Context, p CreateParams) (int64, error)

	// CancelRequest refunds escrow and finalizes as Failed. Only the
	// original requester may cancel, and only while Pending.
	CancelRequest(ctx context.Context, caller uuid.UUID, id int64) error

	GetRequest(ctx context.Context, id int64) (request.Request, error)

	// --- worker / scheduler surface ---

	// GetPendingRequests returns one page of the pending queue in
	// insertion (id) order. start is an offset into the queue.
	GetPendingRequests(ctx context.Context, start, count int64) ([]request.Request, error)
	GetPendingRequestCount(ctx context.Context) (int64, error)

	// StartProcessing atomically moves Pending → Processing, deducts the
	// escrowed amount into vault custody, and records a lease deadline.
	StartProcessing(ctx context.Context, caller uuid.UUID, id int64) error

	// CompleteProcessing moves Processing → {Completed, Failed}. On
	// failure any custody still in the vault is refunded to the
	// requester. On Create success it registers ownership in the
	// ledger-side mirror; on Close success it deregisters.
	CompleteProcessing(ctx context.Context, caller uuid.UUID, id int64, success bool, positionID *int64, message string) error

	// --- ownership mirror ---

	GetPositionIDsForUser(ctx context.Context, user uuid.UUID) ([]int64, error)
	DoesUserOwnPosition(ctx context.Context, user uuid.UUID, positionID int64) (bool, error)
	ListOwnership(ctx context.Context) (map[uuid.UUID][]int64, error)

	// --- balances ---

	GetUserPendingBalance(ctx context.Context, user uuid.UUID, asset string) (int64, error)

	// --- recovery ---

	// ExpiredProcessing lists Processing requests whose lease deadline
	// passed before now. The sweeper force-fails them.
	ExpiredProcessing(ctx context.Context, now time.Time) ([]request.Request, error)

	// ForceFail finalizes a stuck Processing request as Failed with a
	// refund of any remaining vault custody. Administrative.
	ForceFail(ctx context.Context, caller uuid.UUID, id int64, message string) error

	// --- bridge custody ---

	VaultWithdraw(ctx context.Context, caller uuid.UUID, requestID int64) (positionledger.Funds, error)
	CreditUser(ctx context.Context, caller uuid.UUID, user uuid.UUID, asset string, amount int64) error

	// --- administrative passthrough ---

	RegisterAsset(ctx context.Context, cfg AssetConfig) error
	AssetConfig(ctx context.Context, asset string) (AssetConfig, error)
	SetBlocked(ctx context.Context, user uuid.UUID, blocked bool) error
}

// escrowing reports whether a kind carries attached funds that the ledger
// escrows at creation. Withdraw and Close carry none; their locking happens
// before any ledger mutation instead.
func escrowing(k request.Kind) bool {
	return k == request.KindCreate || k == request.KindDeposit
}
