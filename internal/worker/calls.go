package worker

import (
	"context"
	"time"

	"VaultBridge/internal/positionledger"
	"VaultBridge/internal/request"
)

// Instrumented position-ledger calls. Every failure is wrapped as a
// CrossLedgerError so callers can tell a remote fault from a local one.

func (w *Worker) callCreate(ctx context.Context, strategyKind string, funds positionledger.Funds) (int64, error) {
	start := w.now()
	id, err := w.positions.CreatePosition(ctx, strategyKind, funds)
	w.observeCall("create_position", start, err)
	if err != nil {
		return 0, &request.CrossLedgerError{Op: "CreatePosition", Err: err}
	}
	return id, nil
}

func (w *Worker) callDeposit(ctx context.Context, positionID int64, funds positionledger.Funds) error {
	start := w.now()
	err := w.positions.DepositToPosition(ctx, positionID, funds)
	w.observeCall("deposit", start, err)
	if err != nil {
		return &request.CrossLedgerError{Op: "DepositToPosition", Err: err}
	}
	return nil
}

func (w *Worker) callWithdraw(ctx context.Context, positionID, amount int64) (positionledger.Funds, error) {
	start := w.now()
	funds, err := w.positions.WithdrawFromPosition(ctx, positionID, amount)
	w.observeCall("withdraw", start, err)
	if err != nil {
		return positionledger.Funds{}, &request.CrossLedgerError{Op: "WithdrawFromPosition", Err: err}
	}
	return funds, nil
}

func (w *Worker) callClose(ctx context.Context, positionID int64) (positionledger.Funds, error) {
	start := w.now()
	funds, err := w.positions.ClosePosition(ctx, positionID)
	w.observeCall("close_position", start, err)
	if err != nil {
		return positionledger.Funds{}, &request.CrossLedgerError{Op: "ClosePosition", Err: err}
	}
	return funds, nil
}

func (w *Worker) observeCall(op string, start time.Time, err error) {
	if w.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	w.metrics.CrossLedgerCalls.WithLabelValues(op, outcome).Inc()
	w.metrics.CrossLedgerDuration.WithLabelValues(op).Observe(w.now().Sub(start).Seconds())
}
