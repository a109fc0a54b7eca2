package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"github.com/kursadbilgin/dnc-propagation/internal/observability"
	"github.com/kursadbilgin/dnc-propagation/internal/queue"
	"github.com/kursadbilgin/dnc-propagation/internal/repository"
	"go.uber.org/zap"
)

type CreateRequestInput struct {
	Phone   string
	Reason  string
	Channel string
	Notes   string
}

type ListRequestsInput struct {
	OrganizationID string
	Status         string
	Cursor         string
	Limit          int
}

type RequestPage struct {
	Requests   []domain.DncRequest
	NextCursor string
}

type DecideInput struct {
	Decision           domain.Decision
	Notes              string
	PropagateTo        []domain.ServiceKey
	ConfirmDestructive bool
	Wait               bool
}

type DecideResult struct {
	Request     domain.DncRequest
	Propagation *PropagationResult
}

// RequestService owns the request lifecycle: submission and the single
// pending -> approved|denied decision.
type RequestService struct {
	requests    repository.RequestRepository
	engine      *Engine
	audit       *AuditRecorder
	logger      *zap.Logger
	metrics     *observability.Metrics
	phoneRegion string
	now         func() time.Time
}

func NewRequestService(
	requests repository.RequestRepository,
	engine *Engine,
	audit *AuditRecorder,
	phoneRegion string,
	logger *zap.Logger,
) (*RequestService, error) {
	if requests == nil {
		return nil, fmt.Errorf("request repository is required")
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

	return &RequestService{
		requests:    requests,
		engine:      engine,
		audit:       audit,
		logger:      logger,
		phoneRegion: phoneRegion,
		now:         time.Now,
	}, nil
}

func (s *RequestService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *RequestService) Create(ctx context.Context, actor domain.Actor, organizationID string, in CreateRequestInput) (*domain.DncRequest, error) {
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
	channel, err := domain.ParseChannelFromString(in.Channel)
	if err != nil {
		return nil, err
	}

	req := &domain.DncRequest{
		ID:                repository.NewID(),
		OrganizationID:    organizationID,
		PhoneE164:         phone,
		Status:            domain.RequestStatusPending,
		Reason:            strings.TrimSpace(in.Reason),
		Channel:           channel,
		RequestedByUserID: actor.UserID,
		CreatedAt:         s.now().UTC(),
	}
	if notes := strings.TrimSpace(in.Notes); notes != "" {
		req.Notes = &notes
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if err := s.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	s.audit.Record(ctx, req.OrganizationID, req.ID, domain.EventLevelInfo, componentRequests,
		domain.ActionRequestCreated, map[string]any{
			"phone":   req.PhoneE164,
			"channel": req.Channel.String(),
			"actorId": actor.UserID,
		})
	observability.WithContextLogger(s.logger, ctx).Info("dnc request created",
		zap.String("requestId", req.ID),
		zap.String("actorId", actor.UserID),
	)
	return req, nil
}

func (s *RequestService) List(ctx context.Context, actor domain.Actor, in ListRequestsInput) (*RequestPage, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if !actor.Owns(in.OrganizationID) {
		return nil, fmt.Errorf("%w: organization %s", domain.ErrNotFound, in.OrganizationID)
	}

	params := repository.RequestListParams{
		OrganizationID: in.OrganizationID,
		Cursor:         strings.TrimSpace(in.Cursor),
		Limit:          in.Limit,
	}
	if strings.TrimSpace(in.Status) != "" {
		status, err := domain.ParseRequestStatusFromString(in.Status)
		if err != nil {
			return nil, err
		}
		params.Status = &status
	}

	requests, next, err := s.requests.List(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	return &RequestPage{Requests: requests, NextCursor: next}, nil
}

func (s *RequestService) Get(ctx context.Context, actor domain.Actor, id string) (*domain.DncRequest, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	return s.visible(ctx, actor, id)
}

// Decide applies a decision exactly once. An approval then propagates to
// in.PropagateTo, or to every configured provider when it is empty.
func (s *RequestService) Decide(ctx context.Context, actor domain.Actor, id string, in DecideInput) (*DecideResult, error) {
	if err := actor.RequireDecider(); err != nil {
		return nil, err
	}
	if err := domain.ValidateDecision(in.Decision, in.Notes); err != nil {
		return nil, err
	}

	var targets []domain.ServiceKey
	if in.Decision == domain.DecisionApprove {
		resolved, err := s.engine.ResolveProviders(in.PropagateTo)
		if err != nil {
			return nil, err
		}
		targets = resolved
	}

	req, err := s.visible(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if err := req.Decide(in.Decision, actor.UserID, in.Notes, s.now()); err != nil {
		return nil, err
	}
	if err := s.requests.Decide(ctx, req); err != nil {
		return nil, err
	}

	s.metrics.IncDecision(in.Decision.String())
	action := domain.ActionRequestApproved
	if in.Decision == domain.DecisionDeny {
		action = domain.ActionRequestDenied
	}
	details := map[string]any{"actorId": actor.UserID}
	if req.DecisionNotes != nil {
		details["notes"] = *req.DecisionNotes
	}
	s.audit.Record(ctx, req.OrganizationID, req.ID, domain.EventLevelInfo, componentRequests, action, details)

	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("requestId", req.ID),
		zap.String("actorId", actor.UserID),
	)
	logger.Info("dnc request decided", zap.String("decision", in.Decision.String()))

	result := &DecideResult{Request: *req}
	if in.Decision != domain.DecisionApprove {
		return result, nil
	}

	propagation, err := s.engine.Propagate(ctx, actor, req.ID, PropagateOptions{
		Providers:          targets,
		ConfirmDestructive: in.ConfirmDestructive,
		Wait:               in.Wait,
		Priority:           queue.PriorityInteractive,
	})
	if err != nil {
		logger.Error("approved request failed to propagate", zap.Error(err))
		return result, fmt.Errorf("request approved but propagation failed: %w", err)
	}
	result.Propagation = propagation
	return result, nil
}

// visible loads a request and hides other organizations' rows as not found.
func (s *RequestService) visible(ctx context.Context, actor domain.Actor, id string) (*domain.DncRequest, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: request id is required", domain.ErrValidation)
	}
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(req.OrganizationID) {
		return nil, fmt.Errorf("%w: request %s", domain.ErrNotFound, id)
	}
	return req, nil
}
