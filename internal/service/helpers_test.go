package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"github.com/kursadbilgin/dnc-propagation/internal/lock"
	"github.com/kursadbilgin/dnc-propagation/internal/provider"
	"github.com/kursadbilgin/dnc-propagation/internal/queue"
	"github.com/kursadbilgin/dnc-propagation/internal/ratelimit"
	"github.com/kursadbilgin/dnc-propagation/internal/repository"
	"github.com/kursadbilgin/dnc-propagation/internal/repository/repotest"
	"go.uber.org/zap"
)

const testPhone = "+15551234567"

var (
	reviewer = domain.Actor{OrganizationID: "org-1", UserID: "rev-1", Role: domain.RoleReviewer}
	agent    = domain.Actor{OrganizationID: "org-1", UserID: "agent-1", Role: domain.RoleAgent}
	outsider = domain.Actor{OrganizationID: "org-2", UserID: "rev-2", Role: domain.RoleAdmin}
)

type fakeAdapter struct {
	key     domain.ServiceKey
	addFn   func(ctx context.Context, phone string, opts provider.AddOptions) provider.AddResult
	checkFn func(ctx context.Context, phone string) provider.CheckResult

	adds   atomic.Int32
	checks atomic.Int32
}

func (f *fakeAdapter) Key() domain.ServiceKey { return f.key }

func (f *fakeAdapter) Add(ctx context.Context, phone string, opts provider.AddOptions) provider.AddResult {
	f.adds.Add(1)
	if f.addFn != nil {
		return f.addFn(ctx, phone, opts)
	}
	return provider.AddResult{OK: true, HTTPStatus: 200, ProviderRequestID: string(f.key) + "-1", RawResponse: `{"ok":true}`}
}

func (f *fakeAdapter) Check(ctx context.Context, phone string) provider.CheckResult {
	f.checks.Add(1)
	if f.checkFn != nil {
		return f.checkFn(ctx, phone)
	}
	listed := true
	return provider.CheckResult{Listed: &listed, HTTPStatus: 200}
}

func okAdapter(key domain.ServiceKey) *fakeAdapter {
	return &fakeAdapter{key: key}
}

func timeoutAdapter(key domain.ServiceKey) *fakeAdapter {
	return &fakeAdapter{
		key: key,
		addFn: func(context.Context, string, provider.AddOptions) provider.AddResult {
			return provider.AddResult{Err: &provider.ProviderError{
				Service:   key,
				Message:   "provider request timed out",
				Transient: true,
				Cause:     context.DeadlineExceeded,
			}}
		},
	}
}

// blockingAdapter holds every Add until release is closed.
func blockingAdapter(key domain.ServiceKey) (*fakeAdapter, chan struct{}, chan struct{}) {
	release := make(chan struct{})
	entered := make(chan struct{}, 8)
	return &fakeAdapter{
		key: key,
		addFn: func(ctx context.Context, _ string, _ provider.AddOptions) provider.AddResult {
			entered <- struct{}{}
			<-release
			return provider.AddResult{OK: true, HTTPStatus: 201}
		},
	}, release, entered
}

type testEnv struct {
	requests repository.RequestRepository
	attempts repository.AttemptRepository
	events   repository.EventRepository
	engine   *Engine
	inline   *InlineDispatcher
	reqSvc   *RequestService
	status   *StatusService
	bulk     *BulkService
	audit    *AuditRecorder
}

func newTestEnv(t *testing.T, adapters ...provider.Adapter) *testEnv {
	t.Helper()
	return newTestEnvWithAttempts(t, nil, adapters...)
}

// newTestEnvWithAttempts lets wrap replace the attempt repository the services
// write through. env.attempts stays the plain repository for assertions.
func newTestEnvWithAttempts(
	t *testing.T,
	wrap func(repository.AttemptRepository) repository.AttemptRepository,
	adapters ...provider.Adapter,
) *testEnv {
	t.Helper()

	db := repotest.NewDB(t)
	requests := repository.NewGormRequestRepo(db)
	attempts := repository.NewGormAttemptRepo(db)
	events := repository.NewGormEventRepo(db)
	audit := NewAuditRecorder(events, zap.NewNop())

	var serviceAttempts repository.AttemptRepository = attempts
	if wrap != nil {
		serviceAttempts = wrap(attempts)
	}

	engine, err := NewEngine(requests, serviceAttempts, provider.NewRegistry(adapters...), lock.NewLocalLocker(),
		ratelimit.Unlimited{}, audit, EngineConfig{Concurrency: 5}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	inline, ok := engine.Dispatcher().(*InlineDispatcher)
	if !ok {
		t.Fatalf("default dispatcher = %T, want *InlineDispatcher", engine.Dispatcher())
	}
	t.Cleanup(inline.Wait)

	reqSvc, err := NewRequestService(requests, engine, audit, "US", zap.NewNop())
	if err != nil {
		t.Fatalf("NewRequestService() error = %v", err)
	}
	status, err := NewStatusService(requests, serviceAttempts, events, engine, "US", zap.NewNop())
	if err != nil {
		t.Fatalf("NewStatusService() error = %v", err)
	}
	bulk, err := NewBulkService(requests, serviceAttempts, reqSvc, engine, "US", 0, zap.NewNop())
	if err != nil {
		t.Fatalf("NewBulkService() error = %v", err)
	}

	return &testEnv{
		requests: requests,
		attempts: attempts,
		events:   events,
		engine:   engine,
		inline:   inline,
		reqSvc:   reqSvc,
		status:   status,
		bulk:     bulk,
		audit:    audit,
	}
}

func (e *testEnv) createRequest(t *testing.T, phone string) *domain.DncRequest {
	t.Helper()

	req, err := e.reqSvc.Create(context.Background(), agent, "org-1", CreateRequestInput{
		Phone:   phone,
		Reason:  "customer asked to stop calling",
		Channel: "voice",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return req
}

func (e *testEnv) approve(t *testing.T, requestID string, providers ...domain.ServiceKey) *DecideResult {
	t.Helper()

	res, err := e.reqSvc.Decide(context.Background(), reviewer, requestID, DecideInput{
		Decision:    domain.DecisionApprove,
		PropagateTo: providers,
		Wait:        true,
	})
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	return res
}

func latestFor(t *testing.T, view *RequestStatusView, key domain.ServiceKey) domain.LatestAttempt {
	t.Helper()

	for _, l := range view.Attempts {
		if l.Attempt.ServiceKey == key {
			return l
		}
	}
	t.Fatalf("no attempt for %s in status view", key)
	return domain.LatestAttempt{}
}

// failingCreates fails the failOn-th CreateNext call and passes every other
// call through.
type failingCreates struct {
	repository.AttemptRepository
	failOn int32
	err    error
	calls  atomic.Int32
}

func (f *failingCreates) CreateNext(ctx context.Context, a *domain.PropagationAttempt) error {
	if f.calls.Add(1) == f.failOn {
		return f.err
	}
	return f.AttemptRepository.CreateNext(ctx, a)
}

type fakePublisher struct {
	mu        sync.Mutex
	publishFn func(ctx context.Context, queueName string, msg queue.PropagationMessage) error
	published []queue.PropagationMessage
	queues    []string
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.PropagationMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishFn != nil {
		if err := f.publishFn(ctx, queueName, msg); err != nil {
			return err
		}
	}
	f.published = append(f.published, msg)
	f.queues = append(f.queues, queueName)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeConsumer struct {
	mu        sync.Mutex
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
	queues    []string
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	f.mu.Lock()
	f.queues = append(f.queues, queueName)
	f.mu.Unlock()
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type fakeExecutor struct {
	executeFn func(ctx context.Context, attemptID string, opts ExecuteOptions) (*domain.PropagationAttempt, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, attemptID string, opts ExecuteOptions) (*domain.PropagationAttempt, error) {
	return f.executeFn(ctx, attemptID, opts)
}
