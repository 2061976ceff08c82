package ownership

import (
	"context"
	"sort"
	"time"

	"VaultBridge/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LedgerMirror exposes the request ledger's ownership boolean map for audit.
type LedgerMirror interface {
	ListOwnership(ctx context.Context) (map[uuid.UUID][]int64, error)
}

// Reconciler periodically compares the worker-side Index against the request
// ledger's mirror. Divergence inside the settlement window is expected and
// transient; persistent divergence means a dual write was lost and needs an
// operator. The reconciler only reports; it never mutates either mirror.
type Reconciler struct {
	index    *Index
	ledger   LedgerMirror
	interval time.Duration
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

// Divergence is one position id present in exactly one mirror.
type Divergence struct {
	User       uuid.UUID
	PositionID int64
	// "ledger_only" or "index_only"
	Side string
}

func NewReconciler(
	index *Index,
	ledger LedgerMirror,
	interval time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Reconciler {
	return &Reconciler{
		index:    index,
		ledger:   ledger,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run audits on a fixed interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			divs, err := r.Audit(ctx)
			if err != nil {
				r.logger.Warn().Err(err).Msg("ownership audit failed")
				continue
			}
			if r.metrics != nil {
				r.metrics.OwnershipDivergence.Set(float64(len(divs)))
				r.metrics.OwnershipSize.Set(float64(r.index.Size()))
			}
			for _, d := range divs {
				r.logger.Warn().
					Str("user", d.User.String()).
					Int64("position_id", d.PositionID).
					Str("side", d.Side).
					Msg("ownership mirrors diverge")
			}
		}
	}
}

// Audit computes the symmetric difference between the two mirrors.
func (r *Reconciler) Audit(ctx context.Context) ([]Divergence, error) {
	ledgerSide, err := r.ledger.ListOwnership(ctx)
	if err != nil {
		return nil, err
	}
	indexSide := r.index.Snapshot()

	var divs []Divergence

	for user, ids := range ledgerSide {
		owned := toSet(indexSide[user])
		for _, id := range ids {
			if _, ok := owned[id]; !ok {
				divs = append(divs, Divergence{User: user, PositionID: id, Side: "ledger_only"})
			}
		}
	}
	for user, ids := range indexSide {
		owned := toSet(ledgerSide[user])
		for _, id := range ids {
			if _, ok := owned[id]; !ok {
				divs = append(divs, Divergence{User: user, PositionID: id, Side: "index_only"})
			}
		}
	}

	sort.Slice(divs, func(i, j int) bool {
		return divs[i].PositionID < divs[j].PositionID
	})
	return divs, nil
}

func toSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
