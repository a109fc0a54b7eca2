package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"github.com/kursadbilgin/dnc-propagation/internal/observability"
	"github.com/kursadbilgin/dnc-propagation/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AttemptTotals summarizes every add attempt of a request.
type AttemptTotals struct {
	Total     int
	ByStatus  map[domain.AttemptStatus]int
	ByService map[domain.ServiceKey]int
}

type RequestStatusView struct {
	Request   domain.DncRequest
	Aggregate domain.AggregateStatus
	// Attempts holds the latest add attempt per provider.
	Attempts []domain.LatestAttempt
	Totals   AttemptTotals
	// Checks holds the latest ad-hoc check per provider for the request's phone.
	Checks []domain.LatestAttempt
}

type ListAttemptsInput struct {
	OrganizationID string
	ServiceKey     string
	Status         string
	RequestID      string
	Cursor         string
	Limit          int
}

type AttemptPage struct {
	Attempts   []domain.PropagationAttempt
	NextCursor string
}

type CheckInput struct {
	Phone     string
	Providers []domain.ServiceKey
}

// StatusService is the read side polled by clients. Everything is computed
// from the stored rows on each call.
type StatusService struct {
	requests    repository.RequestRepository
	attempts    repository.AttemptRepository
	events      repository.EventRepository
	engine      *Engine
	logger      *zap.Logger
	phoneRegion string
	now         func() time.Time
}

func NewStatusService(
	requests repository.RequestRepository,
	attempts repository.AttemptRepository,
	events repository.EventRepository,
	engine *Engine,
	phoneRegion string,
	logger *zap.Logger,
) (*StatusService, error) {
	if requests == nil {
		return nil, fmt.Errorf("request repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if events == nil {
		return nil, fmt.Errorf("event repository is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if strings.TrimSpace(phoneRegion) == "" {
		phoneRegion = domain.DefaultPhoneRegion
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StatusService{
		requests:    requests,
		attempts:    attempts,
		events:      events,
		engine:      engine,
		logger:      logger,
		phoneRegion: phoneRegion,
		now:         time.Now,
	}, nil
}

func (s *StatusService) GetStatus(ctx context.Context, actor domain.Actor, requestID string) (*RequestStatusView, error) {
	req, err := s.visibleRequest(ctx, actor, requestID)
	if err != nil {
		return nil, err
	}

	history, err := s.attempts.ListByRequest(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempts: %w", err)
	}
	latest := domain.LatestPerService(history)

	checks, err := s.attempts.ListChecks(ctx, req.OrganizationID, req.PhoneE164)
	if err != nil {
		return nil, fmt.Errorf("failed to load checks: %w", err)
	}

	return &RequestStatusView{
		Request:   *req,
		Aggregate: domain.ComputeAggregate(req.Status, latest),
		Attempts:  latest,
		Totals:    totalsOf(history),
		Checks:    domain.LatestPerService(checks),
	}, nil
}

func (s *StatusService) GetEvents(ctx context.Context, actor domain.Actor, requestID string) ([]domain.AuditEvent, error) {
	req, err := s.visibleRequest(ctx, actor, requestID)
	if err != nil {
		return nil, err
	}

	events, err := s.events.ListByRequest(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	return events, nil
}

func (s *StatusService) ListAttempts(ctx context.Context, actor domain.Actor, in ListAttemptsInput) (*AttemptPage, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if !actor.Owns(in.OrganizationID) {
		return nil, fmt.Errorf("%w: organization %s", domain.ErrNotFound, in.OrganizationID)
	}

	params := repository.AttemptListParams{
		OrganizationID: in.OrganizationID,
		Cursor:         strings.TrimSpace(in.Cursor),
		Limit:          in.Limit,
	}
	if strings.TrimSpace(in.ServiceKey) != "" {
		key, err := domain.ParseServiceKeyFromString(in.ServiceKey)
		if err != nil {
			return nil, err
		}
		params.ServiceKey = &key
	}
	if strings.TrimSpace(in.Status) != "" {
		status, err := domain.ParseAttemptStatusFromString(in.Status)
		if err != nil {
			return nil, err
		}
		params.Status = &status
	}
	if id := strings.TrimSpace(in.RequestID); id != "" {
		params.RequestID = &id
	}

	attempts, next, err := s.attempts.List(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return &AttemptPage{Attempts: attempts, NextCursor: next}, nil
}

// CheckNumber asks the chosen providers whether phone is listed and records one
// check attempt per provider. Providers are queried concurrently; the result
// follows the order of the resolved providers.
func (s *StatusService) CheckNumber(ctx context.Context, actor domain.Actor, organizationID string, in CheckInput) ([]domain.PropagationAttempt, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if !actor.Owns(organizationID) {
		return nil, fmt.Errorf("%w: organization %s", domain.ErrNotFound, organizationID)
	}

	phone, err := domain.NormalizePhone(in.Phone, s.phoneRegion)
	if err != nil {
		return nil, err
	}
	targets, err := s.engine.ResolveProviders(in.Providers)
	if err != nil {
		return nil, err
	}

	created := make([]domain.PropagationAttempt, 0, len(targets))
	var createErr error
	for _, key := range targets {
		attempt := &domain.PropagationAttempt{
			OrganizationID: organizationID,
			PhoneE164:      phone,
			ServiceKey:     key,
			Operation:      domain.OperationCheck,
			Status:         domain.AttemptStatusPending,
			StartedAt:      s.now().UTC(),
		}
		if err := s.attempts.CreateNext(ctx, attempt); err != nil {
			createErr = fmt.Errorf("failed to create check attempt for %s: %w", key, err)
			break
		}
		created = append(created, *attempt)
	}

	results := make([]domain.PropagationAttempt, len(created))
	g, groupCtx := errgroup.WithContext(ctx)
	for i := range created {
		g.Go(func() error {
			finished, err := s.engine.Execute(groupCtx, created[i].ID, ExecuteOptions{})
			if err != nil {
				if errors.Is(err, domain.ErrInvalidState) {
					current, getErr := s.attempts.GetByID(ctx, created[i].ID)
					if getErr == nil {
						results[i] = *current
						return nil
					}
				}
				return err
			}
			results[i] = *finished
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to run checks: %w", err)
	}
	// Checks created before the failure have run and are terminal.
	if createErr != nil {
		return nil, createErr
	}

	observability.WithContextLogger(s.logger, ctx).Info("number checked",
		zap.String("organizationId", organizationID),
		zap.Int("providers", len(results)),
		zap.String("actorId", actor.UserID),
	)
	return results, nil
}

func (s *StatusService) visibleRequest(ctx context.Context, actor domain.Actor, requestID string) (*domain.DncRequest, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(requestID) == "" {
		return nil, fmt.Errorf("%w: request id is required", domain.ErrValidation)
	}
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(req.OrganizationID) {
		return nil, fmt.Errorf("%w: request %s", domain.ErrNotFound, requestID)
	}
	return req, nil
}

func totalsOf(attempts []domain.PropagationAttempt) AttemptTotals {
	totals := AttemptTotals{
		ByStatus:  make(map[domain.AttemptStatus]int),
		ByService: make(map[domain.ServiceKey]int),
	}
	for _, a := range attempts {
		totals.Total++
		totals.ByStatus[a.Status]++
		totals.ByService[a.ServiceKey]++
	}
	return totals
}
