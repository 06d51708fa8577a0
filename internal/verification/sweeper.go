package verification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"verifid/internal/audit"
	"verifid/internal/verification/metrics"
	"verifid/pkg/platform/sentinel"
)

const sweepBatchSize = 100

// Sweeper moves overdue sessions to EXPIRED in the background. Outstanding
// stage work for a swept session stops at its next store interaction: the
// terminal status rejects new attempts and in-flight results alike.
type Sweeper struct {
	store    SessionStore
	recorder *audit.Recorder
	tx       TxRunner
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperMetrics wires verification metrics.
func WithSweeperMetrics(m *metrics.Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// WithSweeperTxRunner couples the expiry write and its audit append.
func WithSweeperTxRunner(tx TxRunner) SweeperOption {
	return func(s *Sweeper) {
		if tx != nil {
			s.tx = tx
		}
	}
}

func NewSweeper(store SessionStore, recorder *audit.Recorder, interval time.Duration, logger *slog.Logger, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Sweeper{
		store:    store,
		recorder: recorder,
		tx:       NoTx{},
		interval: interval,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx, time.Now()); err != nil {
				s.logger.ErrorContext(ctx, "expiry sweep failed", "error", err)
			}
		}
	}
}

// Sweep expires every overdue session as of the given instant and returns
// how many it moved.
func (s *Sweeper) Sweep(ctx context.Context, asOf time.Time) (int, error) {
	swept := 0
	for {
		overdue, err := s.store.ListExpired(ctx, asOf, sweepBatchSize)
		if err != nil {
			return swept, err
		}
		if len(overdue) == 0 {
			return swept, nil
		}
		progressed := false
		for _, session := range overdue {
			if err := ctx.Err(); err != nil {
				return swept, err
			}
			if s.expire(ctx, session, asOf) {
				swept++
				progressed = true
			}
		}
		// Every candidate lost its race to another writer; the next tick
		// picks up whatever remains.
		if !progressed {
			return swept, nil
		}
	}
}

// expire moves one session to EXPIRED. A version conflict means a concurrent
// stage or decision write got there first; the session is re-read once and
// skipped if it terminated.
func (s *Sweeper) expire(ctx context.Context, session *Session, asOf time.Time) bool {
	for i := 0; i < storeRetries; i++ {
		if session.Terminal() {
			return false
		}
		from := session.Status
		if err := session.TransitionTo(StatusExpired, asOf); err != nil {
			return false
		}

		err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
			if err := s.store.Update(ctx, session); err != nil {
				return err
			}
			return s.recorder.Record(ctx, audit.NewEvent(session.ID, session.TenantID, audit.EventSessionExpired, asOf, map[string]any{
				"from":       string(from),
				"expires_at": session.ExpiresAt,
			}))
		})
		if err == nil {
			s.metrics.IncrementExpired()
			s.metrics.ObserveSessionDuration(string(StatusExpired), asOf.Sub(session.CreatedAt))
			s.logger.InfoContext(ctx, "session expired",
				"session_id", session.ID, "tenant_id", session.TenantID)
			return true
		}
		if !errors.Is(err, sentinel.ErrVersionConflict) {
			s.logger.ErrorContext(ctx, "failed to expire session",
				"session_id", session.ID, "error", err)
			return false
		}

		fresh, getErr := s.store.Get(ctx, session.TenantID, session.ID)
		if getErr != nil {
			return false
		}
		session = fresh
	}
	return false
}
