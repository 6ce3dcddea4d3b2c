// Package relay drains the transactional outbox and hands each event to a
// Publisher. Delivery is at least once.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"escrowflow/ledger"
	"escrowflow/models"
)

// Config tunes a Relay.
type Config struct {
	BatchSize     int
	MaxAttempts   int
	Concurrency   int
	RatePerSecond float64
}

func DefaultConfig() Config {
	return Config{
		BatchSize:     50,
		MaxAttempts:   5,
		Concurrency:   4,
		RatePerSecond: 20,
	}
}

// Stats summarizes one flush.
type Stats struct {
	Delivered int
	Retried   int
	Dead      int
}

type Relay struct {
	store   ledger.Store
	pub     Publisher
	cfg     Config
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

func New(store ledger.Store, pub Publisher, cfg Config) *Relay {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Relay{
		store:   store,
		pub:     pub,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Concurrency),
		log:     logrus.StandardLogger(),
	}
}

func (r *Relay) WithLogger(log logrus.FieldLogger) *Relay {
	if log != nil {
		r.log = log
	}
	return r
}

// Flush delivers one batch of pending messages and records the outcome.
func (r *Relay) Flush(ctx context.Context) (Stats, error) {
	pending, err := r.claim(ctx)
	if err != nil {
		return Stats{}, err
	}
	if len(pending) == 0 {
		return Stats{}, nil
	}

	results := make([]error, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, msg := range pending {
		g.Go(func() error {
			if err := r.limiter.Wait(gctx); err != nil {
				results[i] = err
				return nil
			}
			results[i] = r.pub.Publish(gctx, Event{
				ID:        msg.ID,
				Event:     msg.Topic,
				Timestamp: msg.CreatedAt.Unix(),
				Data:      msg.Payload,
			})
			return nil
		})
	}
	_ = g.Wait()

	return r.record(ctx, pending, results)
}

func (r *Relay) claim(ctx context.Context) ([]models.OutboxMessage, error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("relay: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	pending, err := tx.PendingOutbox(ctx, r.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("relay: read outbox: %w", err)
	}
	return pending, nil
}

func (r *Relay) record(ctx context.Context, pending []models.OutboxMessage, results []error) (Stats, error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("relay: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var stats Stats
	for i, msg := range pending {
		attempts := msg.Attempts + 1
		status := models.OutboxProcessed
		switch {
		case results[i] == nil:
			stats.Delivered++
		case attempts >= r.cfg.MaxAttempts:
			status = models.OutboxDead
			stats.Dead++
			r.log.WithError(results[i]).WithFields(logrus.Fields{
				"id":       msg.ID.String(),
				"topic":    msg.Topic,
				"attempts": attempts,
			}).Error("outbox message dead-lettered")
		default:
			status = models.OutboxPending
			stats.Retried++
			r.log.WithError(results[i]).WithField("topic", msg.Topic).Warn("outbox delivery failed")
		}
		if err := tx.MarkOutbox(ctx, msg.ID, status, attempts); err != nil {
			return Stats{}, fmt.Errorf("relay: mark %s: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Stats{}, fmt.Errorf("relay: commit marks: %w", err)
	}
	return stats, nil
}

// Run flushes every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := r.Flush(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				r.log.WithError(err).Error("outbox flush")
				continue
			}
			if stats != (Stats{}) {
				r.log.WithFields(logrus.Fields{
					"delivered": stats.Delivered,
					"retried":   stats.Retried,
					"dead":      stats.Dead,
				}).Debug("outbox flushed")
			}
		}
	}
}
