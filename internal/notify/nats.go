package notify

import (
	"context"
	"fmt"
	"time"

	"VaultBridge/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

// Poker nudges the scheduler. *scheduler.Scheduler satisfies it.
type Poker interface {
	Poke()
}

// SubmissionListener consumes submission notices and pokes the scheduler so
// a fresh request is picked up before the next timer tick. The subject is
// published by the API server on every accepted request.
type SubmissionListener struct {
	js       jetstream.JetStream
	poker    Poker
	consumer jetstream.ConsumeContext
}

func NewSubmissionListener(js jetstream.JetStream, poker Poker) *SubmissionListener {
	return &SubmissionListener{js: js, poker: poker}
}

// Subscribe creates the durable consumer. Submission notices carry no
// payload worth retrying; failed deliveries are simply dropped.
func (l *SubmissionListener) Subscribe(ctx context.Context) error {
	consumer, err := l.js.CreateOrUpdateConsumer(ctx, "VAULT_EVENTS", jetstream.ConsumerConfig{
		Durable:       "vault-submission-poke",
		FilterSubject: "vault.requests.submitted",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    1,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create submission consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		l.poker.Poke()
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume submissions: %w", err)
	}
	l.consumer = cc
	return nil
}

// Stop gracefully stops the consumer.
func (l *SubmissionListener) Stop() {
	if l.consumer != nil {
		l.consumer.Stop()
	}
}

// PublishSubmitted announces a newly accepted request.
func PublishSubmitted(ctx context.Context, js jetstream.JetStream, requestID int64) error {
	_, err := js.Publish(ctx, "vault.requests.submitted", []byte(fmt.Sprintf(`{"request_id":%d}`, requestID)))
	return err
}
