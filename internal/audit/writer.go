package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"VaultBridge/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Record is one settlement outcome, written to vault.settlements after a
// request reaches a terminal state. The table is append-only.
type Record struct {
	RequestID  int64
	Requester  uuid.UUID
	Kind       string
	Outcome    string // "completed", "failed", "cancelled", "lease_expired"
	Asset      string
	Amount     int64
	PositionID *int64
	Message    string
	SettledAt  time.Time
}

// Writer drains the record channel and batch-writes to Postgres. The worker
// sends non-blocking, so a stalled writer sheds records rather than stalling
// settlement; every terminal state is still durable in vault.requests.
type Writer struct {
	db           *sql.DB
	input        chan Record
	batchSize    int
	flushTimeout time.Duration
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

func NewWriter(
	db *sql.DB,
	bufferSize int,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Writer {
	return &Writer{
		db:           db,
		input:        make(chan Record, bufferSize),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		logger:       observability.NewLogger("audit"),
		metrics:      metrics,
	}
}

// Enqueue hands a record to the writer without blocking. Returns false if
// the buffer is full and the record was dropped.
func (w *Writer) Enqueue(rec Record) bool {
	select {
	case w.input <- rec:
		return true
	default:
		if w.metrics != nil {
			w.metrics.AuditErrors.WithLabelValues("buffer_full").Inc()
		}
		w.logger.Warn().Int64("request_id", rec.RequestID).Msg("audit buffer full, record dropped")
		return false
	}
}

// Run starts the writer loop. It batches incoming records and flushes either
// when the batch is full or the flush timeout expires. Blocks until ctx is
// cancelled.
func (w *Writer) Run(ctx context.Context) error {
	batch := make([]Record, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		if w.metrics != nil {
			w.metrics.SetChannelMetrics("audit", len(w.input), cap(w.input))
		}

		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.logger.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case rec := <-w.input:
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. Retries until
// the write succeeds or the context is cancelled, then makes one final
// attempt with a background context so shutdown does not lose the batch.
func (w *Writer) flushWithRetry(ctx context.Context, batch []Record) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("records", len(batch)).
				Msg("audit flush retry")
			select {
			case <-ctx.Done():
				if finalErr := w.flush(context.Background(), batch); finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("attempts", attempt).Msg("audit flush succeeded after retries")
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.AuditRetry.Inc()
		}
	}
}

func (w *Writer) flush(ctx context.Context, batch []Record) error {
	if len(batch) == 0 {
		return nil
	}

	query := `INSERT INTO vault.settlements
		(request_id, requester, kind, outcome, asset, amount, position_id, message, settled_at)
		VALUES `

	values := make([]string, 0, len(batch))
	args := make([]interface{}, 0, len(batch)*9)

	for i, rec := range batch {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		var positionID interface{}
		if rec.PositionID != nil {
			positionID = *rec.PositionID
		}
		args = append(args,
			rec.RequestID, rec.Requester, rec.Kind, rec.Outcome,
			rec.Asset, rec.Amount, positionID, rec.Message, rec.SettledAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (request_id) DO NOTHING" // Idempotent writes

	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		if w.metrics != nil {
			w.metrics.AuditErrors.WithLabelValues("write").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.AuditBatchSize.Observe(float64(len(batch)))
		w.metrics.AuditRecordsWritten.Add(float64(len(batch)))
	}
	return nil
}
