// Package outbox relays events written by the reconciler to a message broker.
//
// Events are appended to the outbox in the same transaction as the change they
// describe. The relay polls for unpublished rows, publishes them in creation
// order and stamps them as published. A publish failure stops the batch; the
// remaining rows are picked up on the next tick, so delivery is at-least-once.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"srdwatch/internal/srd/metrics"
	"srdwatch/internal/srd/models"
	"srdwatch/pkg/platform/circuit"
)

//go:generate mockgen -source=relay.go -destination=mocks/mocks.go -package=mocks Publisher,Source

// ErrCircuitOpen is returned by RunOnce while the publisher's breaker is cooling down.
var ErrCircuitOpen = errors.New("outbox: publisher circuit open")

const (
	defaultInterval  = 2 * time.Second
	defaultBatchSize = 100
)

// Publisher delivers one event to the broker.
type Publisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// Source is the outbox side of the store.
type Source interface {
	PendingEvents(ctx context.Context, limit int) ([]models.Event, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// Relay moves outbox rows to a Publisher.
type Relay struct {
	source    Source
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	interval  time.Duration
	batchSize int
	breaker   *circuit.Breaker
	now       func() time.Time
}

// Option configures the Relay.
type Option func(*Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize caps how many events one tick publishes. Non-positive values are ignored.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithBreaker stops publishing after repeated broker failures and probes
// again once the breaker's cooldown has passed.
func WithBreaker(b *circuit.Breaker) Option {
	return func(r *Relay) {
		r.breaker = b
	}
}

func New(source Source, publisher Publisher, opts ...Option) *Relay {
	r := &Relay{
		source:    source,
		publisher: publisher,
		logger:    slog.New(slog.DiscardHandler),
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run publishes pending events every interval until ctx ends.
// It drains once immediately so events written before startup go out without waiting a tick.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "outbox relay started",
		"interval", r.interval,
		"batch_size", r.batchSize,
	)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		_, err := r.RunOnce(ctx)
		switch {
		case err == nil, ctx.Err() != nil:
		case errors.Is(err, ErrCircuitOpen):
			r.logger.DebugContext(ctx, "outbox relay paused, publisher circuit open")
		default:
			r.logger.WarnContext(ctx, "outbox relay tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "outbox relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce publishes at most one batch and returns how many events were marked published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	if r.breaker != nil && !r.breaker.Allow() {
		return 0, ErrCircuitOpen
	}
	events, err := r.source.PendingEvents(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("loading pending events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := make([]uuid.UUID, 0, len(events))
	var publishErr error
	for _, event := range events {
		if err := r.publisher.Publish(ctx, event); err != nil {
			r.recordFailure(ctx)
			r.metrics.IncrementPublishFailure()
			r.logger.WarnContext(ctx, "outbox publish failed",
				"event_id", event.ID,
				"event_type", event.Type,
				"aggregate_id", event.AggregateID,
				"error", err,
			)
			publishErr = fmt.Errorf("publishing event %s: %w", event.ID, err)
			break
		}
		r.recordSuccess(ctx)
		published = append(published, event.ID)
	}

	if len(published) > 0 {
		// The broker already has these; record them even when ctx is ending.
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.source.MarkPublished(markCtx, published, r.now().UTC()); err != nil {
			return 0, fmt.Errorf("marking %d events published: %w", len(published), err)
		}
		r.metrics.IncrementPublished(len(published))
		r.logger.DebugContext(ctx, "outbox events published", "count", len(published))
	}
	return len(published), publishErr
}

func (r *Relay) recordFailure(ctx context.Context) {
	if r.breaker == nil {
		return
	}
	if _, change := r.breaker.RecordFailure(); change.Opened {
		r.logger.ErrorContext(ctx, "publisher circuit opened", "breaker", r.breaker.Name())
	}
}

func (r *Relay) recordSuccess(ctx context.Context) {
	if r.breaker == nil {
		return
	}
	if _, change := r.breaker.RecordSuccess(); change.Closed {
		r.logger.InfoContext(ctx, "publisher circuit closed", "breaker", r.breaker.Name())
	}
}
