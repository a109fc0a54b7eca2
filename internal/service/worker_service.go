package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"github.com/kursadbilgin/dnc-propagation/internal/observability"
	"github.com/kursadbilgin/dnc-propagation/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minWorkerConcurrency = 1

// WorkerService consumes provider work queues and executes the attempts they
// name.
type WorkerService struct {
	executor    Executor
	consumer    queue.Consumer
	queues      []string
	logger      *zap.Logger
	concurrency int
}

func NewWorkerService(
	executor Executor,
	consumer queue.Consumer,
	keys []domain.ServiceKey,
	concurrency int,
	logger *zap.Logger,
) (*WorkerService, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one configured provider is required")
	}
	queues := queue.WorkQueueNames(keys...)
	if concurrency < len(queues) {
		concurrency = len(queues)
	}
	if concurrency < minWorkerConcurrency {
		concurrency = minWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		executor:    executor,
		consumer:    consumer,
		queues:      queues,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

// Start consumes every provider queue until context cancellation. Workers are
// spread round-robin so each queue has at least one consumer.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(s.queues) == 0 {
		return fmt.Errorf("no work queues configured")
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		queueName := s.queues[i%len(s.queues)]
		workerID := i + 1

		g.Go(func() error {
			s.logger.Info("worker started",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)

			err := s.consumer.Consume(groupCtx, queueName, s.processMessage)
			if err != nil {
				s.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.String("queue", queueName),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("worker stopped",
				zap.Int("workerId", workerID),
				zap.String("queue", queueName),
			)
			return nil
		})
	}

	return g.Wait()
}

// processMessage acks attempts that are gone or already claimed. Any other
// error is returned so the consumer can requeue the delivery.
func (s *WorkerService) processMessage(ctx context.Context, msg queue.PropagationMessage) error {
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("attemptId", msg.AttemptID),
		zap.String("requestId", msg.RequestID),
		zap.String("serviceKey", msg.ServiceKey.String()),
	)

	attempt, err := s.executor.Execute(ctx, msg.AttemptID, ExecuteOptions{ConfirmDestructive: msg.ConfirmDestructive})
	switch {
	case err == nil:
		logger.Debug("propagation message processed", zap.String("status", attempt.Status.String()))
		return nil
	case errors.Is(err, domain.ErrNotFound):
		logger.Warn("attempt not found, skipping")
		return nil
	case errors.Is(err, domain.ErrInvalidState):
		logger.Info("attempt already claimed, skipping", zap.Error(err))
		return nil
	default:
		return fmt.Errorf("failed to execute attempt %s: %w", msg.AttemptID, err)
	}
}
