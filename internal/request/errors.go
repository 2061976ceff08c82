package request

import (
	"errors"
	"fmt"
)

// Sentinel conditions returned by the request ledger's privileged transitions.
// ErrNotPending is the idempotency boundary: a second StartProcessing on the
// same id fails with it and no double escrow deduction occurs.
var (
	ErrNotPending    = errors.New("request is not pending")
	ErrNotProcessing = errors.New("request is not processing")
	ErrNotFound      = errors.New("request not found")
)

// ValidationError marks a malformed request. Resolved per-request via
// Failed + refund; never aborts the batch.
type ValidationError struct {
	RequestID int64
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("request %d invalid: %s", e.RequestID, e.Reason)
}

// AuthorizationError marks a wrong caller or non-owner. Rejected at the
// ledger boundary, not retried.
type AuthorizationError struct {
	Op     string
	Caller string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: caller %s not authorized", e.Op, e.Caller)
}

// CrossLedgerError wraps a failed position-ledger or bridge call. The worker
// resolves it with the return-funds-and-fail pattern: any pulled funds are
// pushed back to the requester before the request is marked Failed.
type CrossLedgerError struct {
	Op  string
	Err error
}

func (e *CrossLedgerError) Error() string {
	return fmt.Sprintf("cross-ledger call %s failed: %v", e.Op, e.Err)
}

func (e *CrossLedgerError) Unwrap() error { return e.Err }

// LedgerUpdateError is the most dangerous class: the finalize call failed
// after the position-side effect already happened, so the two ledgers may
// disagree. Escalated as a distinct signal for operator reconciliation,
// never silently folded into a normal Failed request.
type LedgerUpdateError struct {
	RequestID int64
	Err       error
}

func (e *LedgerUpdateError) Error() string {
	return fmt.Sprintf("ledger update failed for request %d: %v", e.RequestID, e.Err)
}

func (e *LedgerUpdateError) Unwrap() error { return e.Err }

// SchedulingError marks a fee or funding shortfall while arming the next
// scheduler run. It halts the scheduling chain until manually re-armed.
type SchedulingError struct {
	Reason string
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("scheduling failed: %s", e.Reason)
}
