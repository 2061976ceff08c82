package positionledger

import (
	"context"
)

// Funds is custody of a concrete asset amount moving across ledgers.
type Funds struct {
	Asset  string
	Amount int64
}

// Ledger is the consumed interface of the managed-position service. The
// bridge account is the only authorized caller; every call is a blocking
// cross-ledger round trip from the worker's perspective.
//
// CreatePosition returns the new position id directly; discovering the id
// by diffing owned-id sets is not supported.
type Ledger interface {
	// CreatePosition opens a position bound to strategyKind, funded with
	// the pulled funds. The funds' asset must be acceptable to the strategy.
	CreatePosition(ctx context.Context, strategyKind string, funds Funds) (int64, error)

	// DepositToPosition adds funds to an existing position.
	DepositToPosition(ctx context.Context, positionID int64, funds Funds) error

	// WithdrawFromPosition removes up to amount from the position. The
	// returned funds may be capped below the requested amount.
	WithdrawFromPosition(ctx context.Context, positionID int64, amount int64) (Funds, error)

	// ClosePosition drains and destroys the position, returning its full
	// balance.
	ClosePosition(ctx context.Context, positionID int64) (Funds, error)

	// OwnedPositionIDs lists all position ids held by the bridge account.
	OwnedPositionIDs(ctx context.Context) ([]int64, error)

	// ResolveStrategy maps a strategy-kind identifier to a concrete
	// strategy. Unresolvable kinds fail closed.
	ResolveStrategy(strategyKind string) (Strategy, error)
}

// Strategy describes a position strategy binding.
type Strategy struct {
	Kind  string
	Asset string
}
