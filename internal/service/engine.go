package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"github.com/kursadbilgin/dnc-propagation/internal/lock"
	"github.com/kursadbilgin/dnc-propagation/internal/observability"
	"github.com/kursadbilgin/dnc-propagation/internal/provider"
	"github.com/kursadbilgin/dnc-propagation/internal/queue"
	"github.com/kursadbilgin/dnc-propagation/internal/ratelimit"
	"github.com/kursadbilgin/dnc-propagation/internal/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultCallTimeout       = 15 * time.Second
	defaultPropagationLimit  = 5
	lockLeaseSlack           = 5 * time.Second
	confirmationRequiredText = "confirmation required"
	abandonedAttemptText     = "attempt abandoned"
	pairBusyText             = "another call for this provider is still running"
)

// Executor runs one pending attempt to a terminal state.
type Executor interface {
	Execute(ctx context.Context, attemptID string, opts ExecuteOptions) (*domain.PropagationAttempt, error)
}

type ExecuteOptions struct {
	ConfirmDestructive bool
}

type EngineConfig struct {
	// CallTimeout bounds every adapter call.
	CallTimeout time.Duration
	// Concurrency bounds the default inline dispatcher.
	Concurrency int
	PhoneRegion string
}

type PropagateOptions struct {
	// Providers restricts the run. Empty means every configured provider.
	Providers          []domain.ServiceKey
	ConfirmDestructive bool
	// Wait blocks until inline attempts are terminal. Queue dispatch never waits.
	Wait     bool
	Priority queue.Priority
}

// SkippedProvider is a target that got no new attempt.
type SkippedProvider struct {
	ServiceKey domain.ServiceKey
	Reason     string
}

type PropagationResult struct {
	RequestID string
	Attempts  []domain.PropagationAttempt
	Skipped   []SkippedProvider
}

type RetryInput struct {
	RequestID          string
	ServiceKey         domain.ServiceKey
	Phone              string
	ConfirmDestructive bool
	Wait               bool
}

// Engine drives approved requests to every provider and records one attempt
// per provider call.
type Engine struct {
	requests    repository.RequestRepository
	attempts    repository.AttemptRepository
	registry    *provider.Registry
	locker      lock.Locker
	rateLimiter ratelimit.RateLimiter
	audit       *AuditRecorder
	dispatcher  Dispatcher
	logger      *zap.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer
	callTimeout time.Duration
	phoneRegion string
	now         func() time.Time
}

func NewEngine(
	requests repository.RequestRepository,
	attempts repository.AttemptRepository,
	registry *provider.Registry,
	locker lock.Locker,
	rateLimiter ratelimit.RateLimiter,
	audit *AuditRecorder,
	cfg EngineConfig,
	logger *zap.Logger,
) (*Engine, error) {
	if requests == nil {
		return nil, fmt.Errorf("request repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if rateLimiter == nil {
		rateLimiter = ratelimit.Unlimited{}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultPropagationLimit
	}
	if strings.TrimSpace(cfg.PhoneRegion) == "" {
		cfg.PhoneRegion = domain.DefaultPhoneRegion
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		requests:    requests,
		attempts:    attempts,
		registry:    registry,
		locker:      locker,
		rateLimiter: rateLimiter,
		audit:       audit,
		logger:      logger,
		tracer:      observability.Tracer(),
		callTimeout: cfg.CallTimeout,
		phoneRegion: cfg.PhoneRegion,
		now:         time.Now,
	}
	e.dispatcher = NewInlineDispatcher(e, cfg.Concurrency, logger)
	return e, nil
}

func (e *Engine) SetDispatcher(d Dispatcher) {
	if e == nil || d == nil {
		return
	}
	e.dispatcher = d
}

func (e *Engine) Dispatcher() Dispatcher {
	return e.dispatcher
}

func (e *Engine) SetMetrics(metrics *observability.Metrics) {
	if e == nil {
		return
	}
	e.metrics = metrics
}

// ProviderKeys returns the configured providers in display order.
func (e *Engine) ProviderKeys() []domain.ServiceKey {
	return e.registry.Keys()
}

// ResolveProviders validates keys against the registry. Empty keys resolve to
// every configured provider.
func (e *Engine) ResolveProviders(keys []domain.ServiceKey) ([]domain.ServiceKey, error) {
	if len(keys) == 0 {
		all := e.registry.Keys()
		if len(all) == 0 {
			return nil, fmt.Errorf("%w: no providers are configured", domain.ErrValidation)
		}
		return all, nil
	}

	seen := make(map[domain.ServiceKey]struct{}, len(keys))
	resolved := make([]domain.ServiceKey, 0, len(keys))
	for _, key := range keys {
		if _, err := e.registry.Get(key); err != nil {
			return nil, err
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		resolved = append(resolved, key)
	}
	return resolved, nil
}

// Propagate creates one attempt per target provider of an approved request and
// dispatches them. Providers whose latest attempt succeeded or is still in
// flight are reported as skipped instead of getting a new attempt.
func (e *Engine) Propagate(ctx context.Context, actor domain.Actor, requestID string, opts PropagateOptions) (*PropagationResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := actor.RequireDecider(); err != nil {
		return nil, err
	}

	req, err := e.approvedRequest(ctx, actor, requestID)
	if err != nil {
		return nil, err
	}

	targets, err := e.ResolveProviders(opts.Providers)
	if err != nil {
		return nil, err
	}

	history, err := e.attempts.ListByRequest(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempts: %w", err)
	}
	latest := make(map[domain.ServiceKey]domain.PropagationAttempt, len(history))
	for _, l := range domain.LatestPerService(history) {
		latest[l.Attempt.ServiceKey] = l.Attempt
	}

	logger := observability.WithContextLogger(e.logger, ctx).With(
		zap.String("requestId", req.ID),
		zap.String("actorId", actor.UserID),
	)

	result := &PropagationResult{RequestID: req.ID}
	jobs := make([]Job, 0, len(targets))
	// Attempts created before a create error are still dispatched.
	var createErr error
	for _, key := range targets {
		if prev, ok := latest[key]; ok {
			switch {
			case prev.Status == domain.AttemptStatusSuccess:
				result.Skipped = append(result.Skipped, SkippedProvider{ServiceKey: key, Reason: "already propagated"})
				continue
			case prev.Status.IsInFlight():
				result.Skipped = append(result.Skipped, SkippedProvider{ServiceKey: key, Reason: "attempt already in flight"})
				continue
			}
		}

		if key.IsDestructive() && !opts.ConfirmDestructive {
			attempt, err := e.createSkipped(ctx, req, key, confirmationRequiredText)
			if err != nil {
				if errors.Is(err, domain.ErrInvalidState) {
					result.Skipped = append(result.Skipped, SkippedProvider{ServiceKey: key, Reason: "attempt already in flight"})
					continue
				}
				createErr = err
				break
			}
			result.Attempts = append(result.Attempts, *attempt)
			continue
		}

		attempt, err := e.createPending(ctx, req, key)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidState) {
				result.Skipped = append(result.Skipped, SkippedProvider{ServiceKey: key, Reason: "attempt already in flight"})
				continue
			}
			createErr = err
			break
		}
		result.Attempts = append(result.Attempts, *attempt)
		jobs = append(jobs, Job{
			Attempt:            *attempt,
			ConfirmDestructive: opts.ConfirmDestructive,
			Priority:           opts.Priority,
		})
	}

	if len(jobs) > 0 {
		e.audit.Record(ctx, req.OrganizationID, req.ID, domain.EventLevelInfo, componentEngine,
			domain.ActionPropagationDispatched, map[string]any{
				"providers": jobKeys(jobs),
				"actorId":   actor.UserID,
			})
		if err := e.dispatcher.Dispatch(ctx, Batch{Jobs: jobs, Wait: opts.Wait}); err != nil {
			logger.Error("failed to dispatch propagation", zap.Error(err))
			return nil, fmt.Errorf("failed to dispatch propagation: %w", err)
		}
	}
	if createErr != nil {
		logger.Error("failed to create propagation attempt",
			zap.Int("dispatched", len(jobs)),
			zap.Error(createErr),
		)
		return nil, fmt.Errorf("failed to create attempt: %w", createErr)
	}

	logger.Info("propagation started",
		zap.Int("attempts", len(result.Attempts)),
		zap.Int("skipped", len(result.Skipped)),
	)

	if opts.Wait {
		e.refresh(ctx, result.Attempts)
	}
	return result, nil
}

// Retry creates the next attempt for one (request, provider) pair. It fails
// with ErrInvalidState while that pair still has an attempt in flight.
func (e *Engine) Retry(ctx context.Context, actor domain.Actor, in RetryInput) (*domain.PropagationAttempt, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := actor.RequireDecider(); err != nil {
		return nil, err
	}
	if _, err := e.registry.Get(in.ServiceKey); err != nil {
		return nil, err
	}
	if in.ServiceKey.IsDestructive() && !in.ConfirmDestructive {
		return nil, fmt.Errorf("%w: %s closes open cases", domain.ErrConfirmationRequired, in.ServiceKey)
	}

	req, err := e.approvedRequest(ctx, actor, in.RequestID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Phone) != "" {
		phone, err := domain.NormalizePhone(in.Phone, e.phoneRegion)
		if err != nil {
			return nil, err
		}
		if phone != req.PhoneE164 {
			return nil, fmt.Errorf("%w: phone does not match request %s", domain.ErrValidation, req.ID)
		}
	}

	attempt, err := e.createPending(ctx, req, in.ServiceKey)
	if err != nil {
		return nil, err
	}
	e.audit.RecordAttempt(ctx, domain.ActionRetryRequested, attempt, map[string]any{"actorId": actor.UserID})

	observability.WithContextLogger(e.logger, ctx).Info("retry requested",
		zap.String("requestId", req.ID),
		zap.String("serviceKey", in.ServiceKey.String()),
		zap.Int("attemptNo", attempt.AttemptNo),
		zap.String("actorId", actor.UserID),
	)

	batch := Batch{
		Jobs: []Job{{
			Attempt:            *attempt,
			ConfirmDestructive: in.ConfirmDestructive,
			Priority:           queue.PriorityInteractive,
		}},
		Wait: in.Wait,
	}
	if err := e.dispatcher.Dispatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to dispatch retry: %w", err)
	}

	if in.Wait {
		attempts := []domain.PropagationAttempt{*attempt}
		e.refresh(ctx, attempts)
		return &attempts[0], nil
	}
	return attempt, nil
}

// Execute claims a pending attempt, calls its provider and writes the terminal
// outcome. Claim loses with ErrInvalidState when another executor already ran
// the attempt, which makes redelivered work a no-op.
func (e *Engine) Execute(ctx context.Context, attemptID string, opts ExecuteOptions) (*domain.PropagationAttempt, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	attempt, err := e.attempts.Claim(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	key := attempt.ServiceKey.String()
	logger := observability.WithContextLogger(e.logger, ctx).With(
		zap.String("attemptId", attempt.ID),
		zap.String("serviceKey", key),
		zap.Int("attemptNo", attempt.AttemptNo),
	)
	if attempt.RequestID != nil {
		logger = logger.With(zap.String("requestId", *attempt.RequestID))
	}

	e.metrics.IncInFlight(key)
	defer e.metrics.DecInFlight(key)

	outcome := e.call(ctx, attempt, opts, logger)

	finished, err := e.attempts.Finish(context.WithoutCancel(ctx), attempt.ID, outcome)
	if err != nil {
		logger.Error("failed to record attempt outcome", zap.Error(err))
		return nil, fmt.Errorf("failed to record attempt outcome: %w", err)
	}

	e.metrics.IncAttemptFinished(key, finished.Status.String())
	e.audit.RecordAttempt(ctx, finishedAction(finished.Status), finished, nil)

	if finished.Status == domain.AttemptStatusFailed {
		logger.Warn("provider attempt failed", zap.Stringp("error", finished.ErrorMessage))
	} else {
		logger.Info("provider attempt finished", zap.String("status", finished.Status.String()))
	}
	return finished, nil
}

// call produces the outcome for a claimed attempt. It never returns early
// without an outcome, so every claimed attempt reaches a terminal state.
func (e *Engine) call(ctx context.Context, attempt *domain.PropagationAttempt, opts ExecuteOptions, logger *zap.Logger) domain.AttemptOutcome {
	adapter, err := e.registry.Get(attempt.ServiceKey)
	if err != nil {
		return e.failedOutcome(err.Error())
	}

	if attempt.Operation == domain.OperationAdd && attempt.ServiceKey.IsDestructive() && !opts.ConfirmDestructive {
		return domain.AttemptOutcome{
			Status:       domain.AttemptStatusSkipped,
			ErrorMessage: stringPtr(confirmationRequiredText),
			FinishedAt:   e.now().UTC(),
		}
	}

	release, err := e.locker.Acquire(ctx, lockKey(attempt), e.callTimeout+lockLeaseSlack)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return e.failedOutcome(pairBusyText)
		}
		return e.failedOutcome(fmt.Sprintf("pair lock unavailable: %v", err))
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release pair lock", zap.Error(err))
		}
	}()

	if err := e.rateLimiter.Wait(ctx, attempt.ServiceKey.String()); err != nil {
		return e.failedOutcome(fmt.Sprintf("rate limiter: %v", err))
	}

	spanCtx, span := e.tracer.Start(ctx, "provider."+attempt.Operation.String(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("dnc.service_key", attempt.ServiceKey.String()),
			attribute.Int("dnc.attempt_no", attempt.AttemptNo),
			attribute.String("dnc.attempt_id", attempt.ID),
		),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(spanCtx, e.callTimeout)
	defer cancel()

	started := e.now()
	var outcome domain.AttemptOutcome
	switch attempt.Operation {
	case domain.OperationCheck:
		outcome = checkOutcome(adapter.Check(callCtx, attempt.PhoneE164))
	default:
		outcome = addOutcome(adapter.Add(callCtx, attempt.PhoneE164, provider.AddOptions{
			ConfirmDestructive: opts.ConfirmDestructive,
		}))
	}
	e.metrics.ObserveProviderCall(attempt.ServiceKey.String(), attempt.Operation.String(), e.now().Sub(started))
	outcome.FinishedAt = e.now().UTC()

	span.SetAttributes(attribute.String("dnc.status", outcome.Status.String()))
	if outcome.HTTPStatus != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", *outcome.HTTPStatus))
	}
	if outcome.Status == domain.AttemptStatusFailed && outcome.ErrorMessage != nil {
		span.SetStatus(codes.Error, *outcome.ErrorMessage)
	}
	return outcome
}

func (e *Engine) approvedRequest(ctx context.Context, actor domain.Actor, requestID string) (*domain.DncRequest, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, fmt.Errorf("%w: request id is required", domain.ErrValidation)
	}
	req, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(req.OrganizationID) {
		return nil, fmt.Errorf("%w: request %s", domain.ErrNotFound, requestID)
	}
	if req.Status != domain.RequestStatusApproved {
		return nil, fmt.Errorf("%w: request %s is %s, not approved", domain.ErrInvalidState, req.ID, req.Status)
	}
	return req, nil
}

func (e *Engine) createPending(ctx context.Context, req *domain.DncRequest, key domain.ServiceKey) (*domain.PropagationAttempt, error) {
	requestID := req.ID
	attempt := &domain.PropagationAttempt{
		OrganizationID: req.OrganizationID,
		RequestID:      &requestID,
		PhoneE164:      req.PhoneE164,
		ServiceKey:     key,
		Operation:      domain.OperationAdd,
		Status:         domain.AttemptStatusPending,
		StartedAt:      e.now().UTC(),
	}
	if err := e.attempts.CreateNext(ctx, attempt); err != nil {
		return nil, err
	}
	e.audit.RecordAttempt(ctx, domain.ActionAttemptCreated, attempt, nil)
	return attempt, nil
}

func (e *Engine) createSkipped(ctx context.Context, req *domain.DncRequest, key domain.ServiceKey, reason string) (*domain.PropagationAttempt, error) {
	now := e.now().UTC()
	requestID := req.ID
	attempt := &domain.PropagationAttempt{
		OrganizationID: req.OrganizationID,
		RequestID:      &requestID,
		PhoneE164:      req.PhoneE164,
		ServiceKey:     key,
		Operation:      domain.OperationAdd,
		Status:         domain.AttemptStatusSkipped,
		ErrorMessage:   stringPtr(reason),
		StartedAt:      now,
		FinishedAt:     &now,
	}
	if err := e.attempts.CreateNext(ctx, attempt); err != nil {
		return nil, err
	}
	e.metrics.IncAttemptFinished(key.String(), attempt.Status.String())
	e.audit.RecordAttempt(ctx, domain.ActionPropagationSkipped, attempt, nil)
	return attempt, nil
}

// refresh reloads attempts in place after a waiting dispatch.
func (e *Engine) refresh(ctx context.Context, attempts []domain.PropagationAttempt) {
	for i := range attempts {
		if attempts[i].Status.IsTerminal() {
			continue
		}
		current, err := e.attempts.GetByID(ctx, attempts[i].ID)
		if err != nil {
			observability.WithContextLogger(e.logger, ctx).Warn("failed to reload attempt",
				zap.String("attemptId", attempts[i].ID),
				zap.Error(err),
			)
			continue
		}
		attempts[i] = *current
	}
}

func (e *Engine) failedOutcome(message string) domain.AttemptOutcome {
	return domain.AttemptOutcome{
		Status:       domain.AttemptStatusFailed,
		ErrorMessage: stringPtr(message),
		FinishedAt:   e.now().UTC(),
	}
}

func addOutcome(res provider.AddResult) domain.AttemptOutcome {
	outcome := domain.AttemptOutcome{
		HTTPStatus:      intPtr(res.HTTPStatus),
		RequestPayload:  res.RequestPayload,
		ResponsePayload: optionalString(res.RawResponse),
	}

	switch {
	case res.Err != nil && errors.Is(res.Err, domain.ErrConfirmationRequired):
		outcome.Status = domain.AttemptStatusSkipped
		outcome.ErrorMessage = stringPtr(confirmationRequiredText)
	case res.Err != nil || !res.OK:
		outcome.Status = domain.AttemptStatusFailed
		outcome.ErrorMessage = stringPtr(providerErrorText(res.Err, "provider rejected the request"))
	default:
		outcome.Status = domain.AttemptStatusSuccess
		outcome.ProviderRequestID = optionalString(res.ProviderRequestID)
	}
	return outcome
}

// checkOutcome keeps Listed nil whenever the provider could not answer.
func checkOutcome(res provider.CheckResult) domain.AttemptOutcome {
	outcome := domain.AttemptOutcome{
		HTTPStatus:      intPtr(res.HTTPStatus),
		ResponsePayload: optionalString(res.RawResponse),
	}
	if res.Err != nil {
		outcome.Status = domain.AttemptStatusFailed
		outcome.ErrorMessage = stringPtr(providerErrorText(res.Err, "provider check failed"))
		return outcome
	}
	outcome.Status = domain.AttemptStatusSuccess
	outcome.Listed = res.Listed
	return outcome
}

func providerErrorText(err *provider.ProviderError, fallback string) string {
	if err == nil {
		return fallback
	}
	if msg := strings.TrimSpace(err.Message); msg != "" {
		return msg
	}
	return err.Error()
}

func lockKey(a *domain.PropagationAttempt) string {
	if a.RequestID != nil {
		return domain.PairKey(*a.RequestID, a.ServiceKey)
	}
	return "check:" + a.OrganizationID + ":" + a.PhoneE164 + ":" + a.ServiceKey.String()
}

func jobKeys(jobs []Job) []string {
	keys := make([]string, 0, len(jobs))
	for _, j := range jobs {
		keys = append(keys, j.Attempt.ServiceKey.String())
	}
	return keys
}

func stringPtr(s string) *string {
	return &s
}

func optionalString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func intPtr(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}
