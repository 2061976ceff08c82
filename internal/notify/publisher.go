package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"VaultBridge/internal/observability"
	"VaultBridge/internal/request"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// SettlementEvent is the outbound notification for a request that reached a
// terminal state. Subjects follow the pattern:
// vault.requests.settled.{kind}
type SettlementEvent struct {
	RequestID  int64     `json:"request_id"`
	Requester  uuid.UUID `json:"requester"`
	Kind       string    `json:"kind"`
	Outcome    string    `json:"outcome"`
	Asset      string    `json:"asset"`
	Amount     int64     `json:"amount"`
	PositionID *int64    `json:"position_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EscalationEvent signals a settlement whose finalizing ledger commit failed
// after the position-side effect. Published on
// vault.escalations.ledger_update_failure for an operator to reconcile.
type EscalationEvent struct {
	RequestID int64     `json:"request_id"`
	Requester uuid.UUID `json:"requester"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

type outbound struct {
	subject string
	payload interface{}
}

// Publisher publishes settlement outcomes to NATS for downstream consumers.
// The worker hands events off through a buffered channel; a slow broker
// drops notifications rather than stalling settlement. The ledger itself
// remains the source of truth.
type Publisher struct {
	js      jetstream.JetStream
	input   chan outbound
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(js jetstream.JetStream, bufferSize int, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		js:      js,
		input:   make(chan outbound, bufferSize),
		logger:  observability.NewLogger("notify"),
		metrics: metrics,
	}
}

// Settled implements worker.Notifier.
func (p *Publisher) Settled(req request.Request, outcome string) {
	p.enqueue(outbound{
		subject: fmt.Sprintf("vault.requests.settled.%s", req.Kind),
		payload: SettlementEvent{
			RequestID:  req.ID,
			Requester:  req.Requester,
			Kind:       req.Kind.String(),
			Outcome:    outcome,
			Asset:      req.Asset,
			Amount:     req.Amount,
			PositionID: req.PositionID,
			Timestamp:  time.Now(),
		},
	})
}

// Escalate implements worker.Notifier.
func (p *Publisher) Escalate(req request.Request, err error) {
	p.enqueue(outbound{
		subject: "vault.escalations.ledger_update_failure",
		payload: EscalationEvent{
			RequestID: req.ID,
			Requester: req.Requester,
			Kind:      req.Kind.String(),
			Error:     err.Error(),
			Timestamp: time.Now(),
		},
	})
}

func (p *Publisher) enqueue(out outbound) {
	select {
	case p.input <- out:
	default:
		p.logger.Warn().Str("subject", out.subject).Msg("notify buffer full, event dropped")
	}
}

// Run starts the publisher loop. Blocks until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		if p.metrics != nil {
			p.metrics.SetChannelMetrics("notify", len(p.input), cap(p.input))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out := <-p.input:
			if err := p.publish(ctx, out); err != nil {
				// Non-fatal: consumers can query the request ledger directly
				p.logger.Warn().Err(err).Str("subject", out.subject).Msg("publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, out outbound) error {
	data, err := json.Marshal(out.payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, out.subject, data)
	return err
}

// EnsureStream creates the outbound notification stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "VAULT_EVENTS",
		Subjects:  []string{"vault.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create vault stream: %w", err)
	}
	return nil
}
