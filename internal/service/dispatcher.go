package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"github.com/kursadbilgin/dnc-propagation/internal/observability"
	"github.com/kursadbilgin/dnc-propagation/internal/queue"
	"github.com/kursadbilgin/dnc-propagation/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is one pending attempt handed to a dispatcher.
type Job struct {
	Attempt            domain.PropagationAttempt
	ConfirmDestructive bool
	Priority           queue.Priority
}

type Batch struct {
	Jobs []Job
	Wait bool
}

// Dispatcher hands pending attempts to whatever runs them.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch Batch) error
}

// InlineDispatcher runs attempts in-process with bounded concurrency.
type InlineDispatcher struct {
	executor Executor
	limit    int
	logger   *zap.Logger
	running  sync.WaitGroup
}

func NewInlineDispatcher(executor Executor, limit int, logger *zap.Logger) *InlineDispatcher {
	if limit <= 0 {
		limit = defaultPropagationLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InlineDispatcher{executor: executor, limit: limit, logger: logger}
}

// Dispatch runs the batch. Unless batch.Wait is set it returns immediately and
// the attempts outlive the caller's context.
func (d *InlineDispatcher) Dispatch(ctx context.Context, batch Batch) error {
	if d.executor == nil {
		return fmt.Errorf("inline dispatcher has no executor")
	}
	if len(batch.Jobs) == 0 {
		return nil
	}

	if batch.Wait {
		d.run(ctx, batch.Jobs)
		return nil
	}

	detached := context.WithoutCancel(ctx)
	d.running.Add(1)
	go func() {
		defer d.running.Done()
		d.run(detached, batch.Jobs)
	}()
	return nil
}

// Wait blocks until every detached batch has finished.
func (d *InlineDispatcher) Wait() {
	d.running.Wait()
}

func (d *InlineDispatcher) run(ctx context.Context, jobs []Job) {
	var g errgroup.Group
	g.SetLimit(d.limit)

	for _, job := range jobs {
		g.Go(func() error {
			_, err := d.executor.Execute(ctx, job.Attempt.ID, ExecuteOptions{ConfirmDestructive: job.ConfirmDestructive})
			if err != nil {
				observability.WithContextLogger(d.logger, ctx).Error("inline attempt execution failed",
					zap.String("attemptId", job.Attempt.ID),
					zap.String("serviceKey", job.Attempt.ServiceKey.String()),
					zap.Error(err),
				)
			}
			// One provider's failure never cancels the others.
			return nil
		})
	}
	_ = g.Wait()
}

// QueueDispatcher publishes one message per attempt to the provider work queue.
// An attempt whose message cannot be published is failed right away.
type QueueDispatcher struct {
	publisher queue.Publisher
	attempts  repository.AttemptRepository
	logger    *zap.Logger
	now       func() time.Time
}

func NewQueueDispatcher(publisher queue.Publisher, attempts repository.AttemptRepository, logger *zap.Logger) (*QueueDispatcher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueDispatcher{publisher: publisher, attempts: attempts, logger: logger, now: time.Now}, nil
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, batch Batch) error {
	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	logger := observability.WithContextLogger(d.logger, ctx)

	var errs []error
	for _, job := range batch.Jobs {
		requestID := ""
		if job.Attempt.RequestID != nil {
			requestID = *job.Attempt.RequestID
		}
		priority := job.Priority
		if priority == "" {
			priority = queue.PriorityInteractive
		}

		msg := queue.PropagationMessage{
			AttemptID:          job.Attempt.ID,
			RequestID:          requestID,
			ServiceKey:         job.Attempt.ServiceKey,
			ConfirmDestructive: job.ConfirmDestructive,
			Priority:           priority,
			CorrelationID:      correlationID,
		}

		queueName := queue.QueueName(job.Attempt.ServiceKey)
		if err := d.publisher.Publish(ctx, queueName, msg); err != nil {
			logger.Error("failed to publish propagation message",
				zap.String("attemptId", job.Attempt.ID),
				zap.String("queue", queueName),
				zap.Error(err),
			)

			outcome := domain.AttemptOutcome{
				Status:       domain.AttemptStatusFailed,
				ErrorMessage: stringPtr(fmt.Sprintf("dispatch failed: %v", err)),
				FinishedAt:   d.now().UTC(),
			}
			if _, finishErr := d.attempts.Finish(context.WithoutCancel(ctx), job.Attempt.ID, outcome); finishErr != nil {
				errs = append(errs, fmt.Errorf("failed to publish attempt %s: %w (failed to mark as failed: %v)",
					job.Attempt.ID, err, finishErr))
			}
		}
	}
	return errors.Join(errs...)
}
