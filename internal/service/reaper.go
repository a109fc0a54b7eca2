package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"github.com/kursadbilgin/dnc-propagation/internal/observability"
	"github.com/kursadbilgin/dnc-propagation/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultReapInterval = 30 * time.Second
	defaultStaleAfter   = 5 * time.Minute
	defaultReapLimit    = 100
)

// Reaper periodically fails attempts left pending or in_progress longer than
// staleAfter, e.g. by a worker that crashed mid-call.
type Reaper struct {
	attempts   repository.AttemptRepository
	audit      *AuditRecorder
	logger     *zap.Logger
	metrics    *observability.Metrics
	interval   time.Duration
	staleAfter time.Duration
	limit      int
	now        func() time.Time
}

func NewReaper(
	attempts repository.AttemptRepository,
	audit *AuditRecorder,
	staleAfter time.Duration,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*Reaper, error) {
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if interval <= 0 {
		interval = defaultReapInterval
	}
	if limit <= 0 {
		limit = defaultReapLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reaper{
		attempts:   attempts,
		audit:      audit,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		limit:      limit,
		now:        time.Now,
	}, nil
}

func (r *Reaper) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

func (r *Reaper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Reap once at startup so attempts orphaned by the previous process do not
	// wait for the first tick.
	if _, err := r.ReapOnce(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("reaper initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("reaper scan failed", zap.Error(err))
			}
		}
	}
}

// ReapOnce fails one batch of stale attempts and returns how many it closed.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	stale, err := r.attempts.ListStale(ctx, r.now().Add(-r.staleAfter), r.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale attempts: %w", err)
	}

	reaped := 0
	for i := range stale {
		attempt := stale[i]
		outcome := domain.AttemptOutcome{
			Status:       domain.AttemptStatusFailed,
			ErrorMessage: stringPtr(abandonedAttemptText),
			FinishedAt:   r.now().UTC(),
		}

		finished, err := r.attempts.Finish(ctx, attempt.ID, outcome)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidState) {
				// Finished by its executor since the scan.
				continue
			}
			r.logger.Error("failed to reap stale attempt",
				zap.String("attemptId", attempt.ID),
				zap.String("serviceKey", attempt.ServiceKey.String()),
				zap.Error(err),
			)
			continue
		}

		reaped++
		r.metrics.IncStaleReaped(finished.ServiceKey.String())
		r.metrics.IncAttemptFinished(finished.ServiceKey.String(), finished.Status.String())
		r.audit.RecordAttempt(ctx, domain.ActionAttemptReaped, finished, map[string]any{
			"previousStatus": attempt.Status.String(),
		})
		r.logger.Warn("stale attempt reaped",
			zap.String("attemptId", finished.ID),
			zap.String("serviceKey", finished.ServiceKey.String()),
			zap.Int("attemptNo", finished.AttemptNo),
			zap.Time("startedAt", attempt.StartedAt),
		)
	}

	return reaped, nil
}
