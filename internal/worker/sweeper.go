package worker

import (
	"context"
	"time"
)

// Sweep force-fails Processing requests whose lease deadline has passed.
// A lease expires when a worker slot died between the two settlement
// commits; the refund of any remaining vault custody happens inside the
// terminal commit. Returns the number of requests swept.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	expired, err := w.ledger.ExpiredProcessing(ctx, w.now())
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, req := range expired {
		if ctx.Err() != nil {
			return swept, ctx.Err()
		}
		msg := "settlement lease expired"
		if err := w.ledger.ForceFail(ctx, w.bridge.ID(), req.ID, msg); err != nil {
			w.logger.Error().Err(err).Int64("request_id", req.ID).Msg("force fail of expired lease failed")
			continue
		}
		swept++
		if w.metrics != nil {
			w.metrics.LeaseExpiries.Inc()
			w.metrics.RequestsSettled.WithLabelValues(req.Kind.String(), "lease_expired").Inc()
		}
		w.record(req, "lease_expired", nil, msg)
		if w.notifier != nil {
			w.notifier.Settled(req, "lease_expired")
		}
		w.logger.Warn().
			Int64("request_id", req.ID).
			Time("lease_expires_at", req.LeaseExpiresAt).
			Msg("expired lease force failed")
	}
	return swept, nil
}

// RunSweeper runs Sweep on a fixed interval until ctx is cancelled.
func (w *Worker) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", interval).Msg("lease sweeper started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := w.Sweep(ctx); err != nil {
				w.logger.Error().Err(err).Msg("lease sweep failed")
			} else if n > 0 {
				w.logger.Info().Int("swept", n).Msg("lease sweep complete")
			}
		}
	}
}
