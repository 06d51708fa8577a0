// Package relay drains the audit outbox into Kafka.
//
// The store's Append is the commit point; the relay only moves already
// durable events to the external sink, so a crash or broker outage never
// loses trail entries, it only delays them.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"verifid/internal/audit"
)

const (
	defaultInterval  = 2 * time.Second
	defaultBatchSize = 200
)

// Producer is the slice of the Kafka client the relay uses.
type Producer interface {
	ProduceSync(ctx context.Context, records ...*kgo.Record) kgo.ProduceResults
}

// Relay periodically publishes pending audit events.
type Relay struct {
	store     audit.Store
	producer  Producer
	topic     string
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

// Option configures a Relay.
type Option func(*Relay)

// WithInterval sets the outbox poll interval.
func WithInterval(interval time.Duration) Option {
	return func(r *Relay) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithBatchSize caps how many events one drain publishes.
func WithBatchSize(size int) Option {
	return func(r *Relay) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

func New(store audit.Store, producer Producer, topic string, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		store:     store,
		producer:  producer,
		topic:     topic,
		logger:    logger,
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Drain(ctx); err != nil {
				r.logger.ErrorContext(ctx, "audit relay drain failed", "error", err)
			}
		}
	}
}

// Drain publishes one batch of pending events and marks them published.
// Events are keyed by session ID so one session's trail stays ordered within
// its partition.
func (r *Relay) Drain(ctx context.Context) error {
	events, err := r.store.PendingOutbox(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("load pending audit events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	records := make([]*kgo.Record, 0, len(events))
	for _, event := range events {
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal audit event %s: %w", event.EventID, err)
		}
		records = append(records, &kgo.Record{
			Topic: r.topic,
			Key:   []byte(event.SessionID.String()),
			Value: value,
		})
	}

	if err := r.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("publish audit events: %w", err)
	}

	ids := make([]string, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.EventID)
	}
	if err := r.store.MarkPublished(ctx, ids, time.Now()); err != nil {
		// Published but not marked; the next drain will publish duplicates.
		// Consumers deduplicate on event_id.
		return fmt.Errorf("mark audit events published: %w", err)
	}

	r.logger.DebugContext(ctx, "audit relay drained batch", "events", len(events))
	return nil
}
