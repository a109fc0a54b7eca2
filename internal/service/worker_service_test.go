package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"github.com/kursadbilgin/dnc-propagation/internal/observability"
	"github.com/kursadbilgin/dnc-propagation/internal/queue"
	"go.uber.org/zap"
)

func TestNewWorkerServiceValidation(t *testing.T) {
	t.Parallel()

	executor := &fakeExecutor{}
	if _, err := NewWorkerService(nil, &fakeConsumer{}, domain.AllServiceKeys, 1, zap.NewNop()); err == nil {
		t.Fatal("NewWorkerService() error = nil, want error for missing executor")
	}
	if _, err := NewWorkerService(executor, nil, domain.AllServiceKeys, 1, zap.NewNop()); err == nil {
		t.Fatal("NewWorkerService() error = nil, want error for missing consumer")
	}
	consumer := &fakeConsumer{}
	if _, err := NewWorkerService(executor, consumer, nil, 1, zap.NewNop()); err == nil {
		t.Fatal("NewWorkerService() error = nil, want error without configured providers")
	}
	if len(consumer.queues) != 0 {
		t.Fatalf("queues consumed = %v, want none", consumer.queues)
	}

	svc, err := NewWorkerService(executor, &fakeConsumer{}, []domain.ServiceKey{domain.ServiceConvoso, domain.ServiceYtel}, 1, nil)
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}
	if svc.concurrency != 2 {
		t.Fatalf("concurrency = %d, want one worker per queue", svc.concurrency)
	}
}

func TestWorkerServiceProcessMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "executed"},
		{name: "attempt gone", err: fmt.Errorf("%w: attempt a-1", domain.ErrNotFound)},
		{name: "already claimed", err: fmt.Errorf("%w: attempt a-1 is in_progress", domain.ErrInvalidState)},
		{name: "database down", err: errors.New("connection refused"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotCorrelation string
			var gotOpts ExecuteOptions
			executor := &fakeExecutor{
				executeFn: func(ctx context.Context, attemptID string, opts ExecuteOptions) (*domain.PropagationAttempt, error) {
					gotCorrelation, _ = observability.CorrelationIDFromContext(ctx)
					gotOpts = opts
					if tt.err != nil {
						return nil, tt.err
					}
					return &domain.PropagationAttempt{ID: attemptID, Status: domain.AttemptStatusSuccess}, nil
				},
			}
			svc, err := NewWorkerService(executor, &fakeConsumer{}, domain.AllServiceKeys, 1, zap.NewNop())
			if err != nil {
				t.Fatalf("NewWorkerService() error = %v", err)
			}

			err = svc.processMessage(context.Background(), queue.PropagationMessage{
				AttemptID:          "a-1",
				RequestID:          "r-1",
				ServiceKey:         domain.ServiceLogics,
				ConfirmDestructive: true,
				CorrelationID:      "corr-9",
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("processMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if gotCorrelation != "corr-9" {
				t.Fatalf("correlation id = %q, want corr-9", gotCorrelation)
			}
			if !gotOpts.ConfirmDestructive {
				t.Fatal("ConfirmDestructive was not forwarded")
			}
		})
	}
}

func TestWorkerServiceStartConsumesEveryQueue(t *testing.T) {
	t.Parallel()

	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, _ string, _ queue.MessageHandler) error {
			<-ctx.Done()
			return nil
		},
	}
	svc, err := NewWorkerService(&fakeExecutor{}, consumer, domain.AllServiceKeys, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	for {
		consumer.mu.Lock()
		n := len(consumer.queues)
		consumer.mu.Unlock()
		if n == len(domain.AllServiceKeys) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	got := append([]string(nil), consumer.queues...)
	sort.Strings(got)
	want := queue.WorkQueueNames()
	sort.Strings(want)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queues = %v, want %v", got, want)
		}
	}
}

func TestWorkerServiceStartPropagatesConsumerError(t *testing.T) {
	t.Parallel()

	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, queueName string, _ queue.MessageHandler) error {
			if queueName == queue.QueueName(domain.ServiceConvoso) {
				return errors.New("queue missing")
			}
			<-ctx.Done()
			return nil
		},
	}
	svc, err := NewWorkerService(&fakeExecutor{}, consumer, []domain.ServiceKey{domain.ServiceConvoso, domain.ServiceYtel}, 2, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWorkerService() error = %v", err)
	}
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want consumer error")
	}
}
