package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"VaultBridge/internal/audit"
	"VaultBridge/internal/bridge"
	"VaultBridge/internal/observability"
	"VaultBridge/internal/ownership"
	"VaultBridge/internal/positionledger"
	"VaultBridge/internal/request"
	"VaultBridge/internal/requestledger"

	"github.com/rs/zerolog"
)

// Sink receives settlement records for the audit trail. *audit.Writer
// satisfies it.
type Sink interface {
	Enqueue(rec audit.Record) bool
}

// Notifier publishes settlement outcomes and escalations. Optional.
type Notifier interface {
	Settled(req request.Request, outcome string)
	Escalate(req request.Request, err error)
}

// BatchResult summarizes one ProcessRequests invocation.
type BatchResult struct {
	Processed int
	Succeeded int
	Failed    int
}

// Worker settles pending requests against the position ledger. Each request
// is driven through two request-ledger commits: StartProcessing locks it and
// moves escrow into vault custody, CompleteProcessing finalizes it. Between
// the two commits the worker performs the position-side effect through the
// bridge account.
//
// Failures before the position-side effect return funds and fail the
// request. Failures of the finalizing commit AFTER the position-side effect
// cannot be rolled back and are escalated instead.
type Worker struct {
	ledger    requestledger.Ledger
	positions positionledger.Ledger
	bridge    bridge.Account
	index     *ownership.Index
	audit     Sink
	notifier  Notifier
	logger    zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func New(
	ledger requestledger.Ledger,
	positions positionledger.Ledger,
	bridgeAccount bridge.Account,
	index *ownership.Index,
	auditSink Sink,
	notifier Notifier,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		ledger:    ledger,
		positions: positions,
		bridge:    bridgeAccount,
		index:     index,
		audit:     auditSink,
		notifier:  notifier,
		logger:    observability.NewLogger("worker"),
		metrics:   metrics,
		now:       time.Now,
	}
}

// ProcessRequests settles one page of the pending queue. start is an offset
// into the queue, count the page size. Each request settles independently;
// one request's failure never aborts the rest of the batch.
func (w *Worker) ProcessRequests(ctx context.Context, start, count int64) (BatchResult, error) {
	reqs, err := w.ledger.GetPendingRequests(ctx, start, count)
	if err != nil {
		return BatchResult{}, fmt.Errorf("fetch pending page [%d,%d): %w", start, start+count, err)
	}

	var res BatchResult
	for _, req := range reqs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Processed++
		if w.settle(ctx, req) {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

// settle drives one request to a terminal state. Returns true on Completed.
func (w *Worker) settle(ctx context.Context, req request.Request) bool {
	started := w.now()
	log := w.logger.With().
		Int64("request_id", req.ID).
		Str("kind", req.Kind.String()).
		Stringer("requester", req.Requester).
		Logger()

	var (
		success    bool
		positionID *int64
		message    string
	)

	switch req.Kind {
	case request.KindCreate:
		success, positionID, message = w.settleCreate(ctx, req, log)
	case request.KindDeposit:
		success, positionID, message = w.settleDeposit(ctx, req, log)
	case request.KindWithdraw:
		success, positionID, message = w.settleWithdraw(ctx, req, log)
	case request.KindClose:
		success, positionID, message = w.settleClose(ctx, req, log)
	default:
		success, message = false, fmt.Sprintf("unknown request kind %q", req.Kind)
		if err := w.ledger.StartProcessing(ctx, w.bridge.ID(), req.ID); err != nil {
			log.Warn().Err(err).Msg("skipping request, could not lock")
			return false
		}
	}

	if err := w.finalize(ctx, req, success, positionID, message); err != nil {
		if !success && (errors.Is(err, request.ErrNotProcessing) || errors.Is(err, request.ErrNotPending)) {
			// The request was never locked by this slot, or another actor
			// (cancel, sweeper) finalized it first. Nothing happened on the
			// position side, so there is nothing to reconcile.
			log.Warn().Err(err).Msg("request no longer held, dropping result")
			return false
		}
		// The position-side effect already happened; the request ledger
		// refused the terminal commit. Manual reconciliation needed.
		w.escalate(req, &request.LedgerUpdateError{RequestID: req.ID, Err: err}, log)
		return false
	}

	outcome := "failed"
	if success {
		outcome = "completed"
	}
	w.record(req, outcome, positionID, message)
	if w.notifier != nil {
		w.notifier.Settled(req, outcome)
	}
	if w.metrics != nil {
		w.metrics.RequestsSettled.WithLabelValues(req.Kind.String(), outcome).Inc()
		w.metrics.RequestDuration.WithLabelValues(req.Kind.String()).Observe(w.now().Sub(started).Seconds())
	}
	log.Info().Str("outcome", outcome).Str("message", message).Msg("request settled")
	return success
}

// settleCreate pulls escrowed funds and opens a new position. On success
// the new position id is returned directly by the position ledger and bound
// to the request at finalize time.
func (w *Worker) settleCreate(ctx context.Context, req request.Request, log zerolog.Logger) (bool, *int64, string) {
	cfg, err := w.ledger.AssetConfig(ctx, req.Asset)
	if err != nil {
		return w.rejectPending(ctx, req, fmt.Sprintf("asset not accepted: %v", err), log)
	}
	if cfg.PositionKind != req.PositionKind {
		return w.rejectPending(ctx, req,
			fmt.Sprintf("asset %s settles into position kind %s, not %s", req.Asset, cfg.PositionKind, req.PositionKind), log)
	}
	strat, err := w.positions.ResolveStrategy(req.StrategyKind)
	if err != nil {
		return w.rejectPending(ctx, req, fmt.Sprintf("strategy rejected: %v", err), log)
	}
	if strat.Asset != req.Asset {
		return w.rejectPending(ctx, req,
			fmt.Sprintf("strategy %s settles %s, request carries %s", req.StrategyKind, strat.Asset, req.Asset), log)
	}

	funds, ok, msg := w.lockAndPull(ctx, req, log)
	if !ok {
		return false, nil, msg
	}

	id, err := w.callCreate(ctx, req.StrategyKind, funds)
	if err != nil {
		// Return funds and fail: push the pulled custody back so the
		// terminal commit refunds it.
		w.returnFunds(ctx, req, funds, log)
		return false, nil, fmt.Sprintf("position create failed: %v", err)
	}

	w.index.Register(req.Requester, id)
	return true, &id, ""
}

// settleDeposit pulls escrowed funds and tops up an existing position. Only
// the position owner may deposit; an unknown position fails closed.
func (w *Worker) settleDeposit(ctx context.Context, req request.Request, log zerolog.Logger) (bool, *int64, string) {
	if req.PositionID == nil {
		return w.rejectPending(ctx, req, "deposit requires a position id", log)
	}
	if !w.index.Owns(req.Requester, *req.PositionID) {
		return w.rejectPending(ctx, req,
			fmt.Sprintf("requester does not own position %d", *req.PositionID), log)
	}

	funds, ok, msg := w.lockAndPull(ctx, req, log)
	if !ok {
		return false, nil, msg
	}

	if err := w.callDeposit(ctx, *req.PositionID, funds); err != nil {
		w.returnFunds(ctx, req, funds, log)
		return false, nil, fmt.Sprintf("position deposit failed: %v", err)
	}
	return true, req.PositionID, ""
}

// settleWithdraw locks the request, withdraws from the position (the ledger
// may cap the amount at the balance), and credits the proceeds to the
// requester.
func (w *Worker) settleWithdraw(ctx context.Context, req request.Request, log zerolog.Logger) (bool, *int64, string) {
	if req.PositionID == nil {
		return w.rejectPending(ctx, req, "withdraw requires a position id", log)
	}
	if !w.index.Owns(req.Requester, *req.PositionID) {
		return w.rejectPending(ctx, req,
			fmt.Sprintf("requester does not own position %d", *req.PositionID), log)
	}
	if msg, ok := w.lock(ctx, req, log); !ok {
		return false, nil, msg
	}

	funds, err := w.callWithdraw(ctx, *req.PositionID, req.Amount)
	if err != nil {
		return false, nil, fmt.Sprintf("position withdraw failed: %v", err)
	}

	if err := w.deliver(ctx, req, funds, log); err != nil {
		return false, nil, fmt.Sprintf("credit of withdrawn funds failed: %v", err)
	}
	return true, req.PositionID, capMessage(req.Amount, funds.Amount)
}

// settleClose locks the request, closes the position, and credits the full
// remaining balance to the requester.
func (w *Worker) settleClose(ctx context.Context, req request.Request, log zerolog.Logger) (bool, *int64, string) {
	if req.PositionID == nil {
		return w.rejectPending(ctx, req, "close requires a position id", log)
	}
	if !w.index.Owns(req.Requester, *req.PositionID) {
		return w.rejectPending(ctx, req,
			fmt.Sprintf("requester does not own position %d", *req.PositionID), log)
	}
	if msg, ok := w.lock(ctx, req, log); !ok {
		return false, nil, msg
	}

	funds, err := w.callClose(ctx, *req.PositionID)
	if err != nil {
		return false, nil, fmt.Sprintf("position close failed: %v", err)
	}

	if err := w.deliver(ctx, req, funds, log); err != nil {
		return false, nil, fmt.Sprintf("credit of closed balance failed: %v", err)
	}

	w.index.Deregister(req.Requester, *req.PositionID)
	return true, req.PositionID, ""
}

// lock moves the request Pending → Processing. A request that is no longer
// Pending was taken by another slot or cancelled; skip it.
func (w *Worker) lock(ctx context.Context, req request.Request, log zerolog.Logger) (string, bool) {
	if err := w.ledger.StartProcessing(ctx, w.bridge.ID(), req.ID); err != nil {
		log.Warn().Err(err).Msg("skipping request, could not lock")
		return fmt.Sprintf("lock failed: %v", err), false
	}
	return "", true
}

// lockAndPull locks the request and pulls its vault custody into the worker.
func (w *Worker) lockAndPull(ctx context.Context, req request.Request, log zerolog.Logger) (positionledger.Funds, bool, string) {
	if msg, ok := w.lock(ctx, req, log); !ok {
		return positionledger.Funds{}, false, msg
	}
	funds, err := w.bridge.Pull(ctx, req.ID)
	if err != nil {
		return positionledger.Funds{}, false, fmt.Sprintf("escrow pull failed: %v", err)
	}
	return funds, true, ""
}

// rejectPending fails a request that never reached the position ledger. The
// terminal commit refunds whatever custody the lock deducted.
func (w *Worker) rejectPending(ctx context.Context, req request.Request, reason string, log zerolog.Logger) (bool, *int64, string) {
	if msg, ok := w.lock(ctx, req, log); !ok {
		return false, nil, msg
	}
	return false, nil, reason
}

// returnFunds pushes pulled custody back to the vault side by crediting the
// requester, so the failed request leaves balances where they started.
func (w *Worker) returnFunds(ctx context.Context, req request.Request, funds positionledger.Funds, log zerolog.Logger) {
	if err := w.bridge.PushToUser(ctx, req.Requester, funds); err != nil {
		// Custody is stranded in the worker account. The terminal commit
		// cannot refund what was already pulled, so escalate.
		w.escalate(req, &request.LedgerUpdateError{RequestID: req.ID, Err: err}, log)
		return
	}
	if w.metrics != nil {
		w.metrics.RefundsIssued.Inc()
	}
}

// deliver credits position-ledger proceeds to the requester.
func (w *Worker) deliver(ctx context.Context, req request.Request, funds positionledger.Funds, log zerolog.Logger) error {
	if funds.Amount == 0 {
		return nil
	}
	if err := w.bridge.PushToUser(ctx, req.Requester, funds); err != nil {
		// Funds left the position but never reached the requester.
		w.escalate(req, &request.LedgerUpdateError{RequestID: req.ID, Err: err}, log)
		return err
	}
	return nil
}

func (w *Worker) finalize(ctx context.Context, req request.Request, success bool, positionID *int64, message string) error {
	return w.ledger.CompleteProcessing(ctx, w.bridge.ID(), req.ID, success, positionID, message)
}

func (w *Worker) escalate(req request.Request, err *request.LedgerUpdateError, log zerolog.Logger) {
	log.Error().Err(err).Msg("settlement escalation, manual reconciliation required")
	if w.metrics != nil {
		w.metrics.Escalations.Inc()
	}
	if w.notifier != nil {
		w.notifier.Escalate(req, err)
	}
}

func (w *Worker) record(req request.Request, outcome string, positionID *int64, message string) {
	if w.audit == nil {
		return
	}
	if positionID == nil {
		positionID = req.PositionID
	}
	w.audit.Enqueue(audit.Record{
		RequestID:  req.ID,
		Requester:  req.Requester,
		Kind:       req.Kind.String(),
		Outcome:    outcome,
		Asset:      req.Asset,
		Amount:     req.Amount,
		PositionID: positionID,
		Message:    message,
		SettledAt:  w.now(),
	})
}

// capMessage notes a withdrawal capped below the requested amount.
func capMessage(requested, actual int64) string {
	if actual < requested {
		return fmt.Sprintf("withdrawal capped at position balance: requested %d, withdrew %d", requested, actual)
	}
	return ""
}
