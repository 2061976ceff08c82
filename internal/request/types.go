package request

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the four request operations
type Kind int32

const (
	KindUnknown Kind = iota
	KindCreate
	KindDeposit
	KindWithdraw
	KindClose
)

// Status is the request lifecycle state.
// The only legal sequence is Pending → Processing → {Completed, Failed}.
type Status int32

const (
	StatusUnknown Status = iota
	StatusPending
	StatusProcessing
	StatusCompleted
	StatusFailed
)

// AssetNative is the reserved asset code for the native asset.
// Requests in the native asset must attach value equal to Amount at creation.
const AssetNative = "NATIVE"

// Request is a user-submitted asynchronous operation against the position
// ledger. Terminal requests are immutable and retained for audit.
type Request struct {
	// Monotonically increasing id assigned by the request ledger
	ID int64

	// Requester identity
	Requester uuid.UUID

	Kind   Kind
	Status Status

	// Asset code; AssetNative denotes the native asset
	Asset string

	// Fixed-point amount; must be > 0 unless Kind == KindClose
	Amount int64

	// Target position id; nil until assigned (Create assigns on success)
	PositionID *int64

	// Position-kind and strategy-kind identifiers, Create only
	PositionKind string
	StrategyKind string

	CreatedAt time.Time

	// Human-readable outcome for clients polling status
	StatusMessage string

	// Lease deadline while Processing; expired leases are swept and
	// force-failed. Zero outside Processing.
	LeaseExpiresAt time.Time
}

// Terminal reports whether the request has reached an immutable state.
func (r *Request) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// ValidateAmount checks the amount precondition for the request's kind.
func (r *Request) ValidateAmount() error {
	if r.Kind == KindClose {
		return nil
	}
	if r.Amount <= 0 {
		return &ValidationError{RequestID: r.ID, Reason: "amount must be positive"}
	}
	return nil
}

// CanTransitionTo reports whether s → next is a legal status transition.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "Create"
	case KindDeposit:
		return "Deposit"
	case KindWithdraw:
		return "Withdraw"
	case KindClose:
		return "Close"
	default:
		return "Unknown"
	}
}

// ParseKind maps a wire name back to a Kind. Returns KindUnknown for
// unrecognized names; callers must fail closed.
func ParseKind(s string) Kind {
	switch s {
	case "Create":
		return KindCreate
	case "Deposit":
		return KindDeposit
	case "Withdraw":
		return KindWithdraw
	case "Close":
		return KindClose
	default:
		return KindUnknown
	}
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusProcessing:
		return "Processing"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}
