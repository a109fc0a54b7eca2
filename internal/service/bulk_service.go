package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"github.com/kursadbilgin/dnc-propagation/internal/observability"
	"github.com/kursadbilgin/dnc-propagation/internal/queue"
	"github.com/kursadbilgin/dnc-propagation/internal/repository"
	"go.uber.org/zap"
)

const (
	maxBulkSize      = 500
	defaultPushDelay = 500 * time.Millisecond
)

// BulkOutcome is the result for one id of a bulk decision. Warning is set when
// the decision was stored but its propagation did not start.
type BulkOutcome struct {
	RequestID string
	Status    domain.RequestStatus
	Warning   string
	Err       error
}

type BulkDecideInput struct {
	IDs                []string
	Decision           domain.Decision
	Notes              string
	ConfirmDestructive bool
}

// PushOutcome is the result for one phone of a push-remaining run.
type PushOutcome struct {
	Phone     string
	RequestID string
	Attempts  []domain.PropagationAttempt
	Skipped   []SkippedProvider
	Err       error
}

type PushRemainingInput struct {
	Phones             []string
	ConfirmDestructive bool
}

// BulkService fans single-request operations out over many requests. Each
// row is independent: one failure never undoes another row's result.
type BulkService struct {
	requests    repository.RequestRepository
	attempts    repository.AttemptRepository
	decisions   *RequestService
	engine      *Engine
	logger      *zap.Logger
	phoneRegion string
	pushDelay   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewBulkService(
	requests repository.RequestRepository,
	attempts repository.AttemptRepository,
	decisions *RequestService,
	engine *Engine,
	phoneRegion string,
	pushDelay time.Duration,
	logger *zap.Logger,
) (*BulkService, error) {
	if requests == nil {
		return nil, fmt.Errorf("request repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if decisions == nil {
		return nil, fmt.Errorf("request service is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if pushDelay < 0 {
		pushDelay = defaultPushDelay
	}
	if strings.TrimSpace(phoneRegion) == "" {
		phoneRegion = domain.DefaultPhoneRegion
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BulkService{
		requests:    requests,
		attempts:    attempts,
		decisions:   decisions,
		engine:      engine,
		logger:      logger,
		phoneRegion: phoneRegion,
		pushDelay:   pushDelay,
		sleep:       sleepContext,
	}, nil
}

// BulkDecide decides every id independently and reports one outcome per
// distinct id, in input order.
func (s *BulkService) BulkDecide(ctx context.Context, actor domain.Actor, in BulkDecideInput) ([]BulkOutcome, error) {
	if err := actor.RequireDecider(); err != nil {
		return nil, err
	}
	if err := domain.ValidateDecision(in.Decision, in.Notes); err != nil {
		return nil, err
	}
	ids := uniqueIDs(in.IDs)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one id is required", domain.ErrValidation)
	}
	if len(ids) > maxBulkSize {
		return nil, fmt.Errorf("%w: at most %d ids per call", domain.ErrValidation, maxBulkSize)
	}

	outcomes := make([]BulkOutcome, 0, len(ids))
	for _, id := range ids {
		res, err := s.decisions.Decide(ctx, actor, id, DecideInput{
			Decision:           in.Decision,
			Notes:              in.Notes,
			ConfirmDestructive: in.ConfirmDestructive,
		})

		outcome := BulkOutcome{RequestID: id, Err: err}
		if res != nil {
			outcome.Status = res.Request.Status
			if err != nil {
				outcome.Err = nil
				outcome.Warning = err.Error()
			}
		}
		outcomes = append(outcomes, outcome)
	}

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	observability.WithContextLogger(s.logger, ctx).Info("bulk decision applied",
		zap.String("decision", in.Decision.String()),
		zap.Int("requested", len(ids)),
		zap.Int("failed", failed),
		zap.String("actorId", actor.UserID),
	)
	return outcomes, nil
}

// PushAllRemaining re-propagates the latest approved request of each phone to
// the providers that have not succeeded yet. Providers are pushed one at a
// time with pushDelay between calls to stay under provider throttling.
func (s *BulkService) PushAllRemaining(ctx context.Context, actor domain.Actor, in PushRemainingInput) ([]PushOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := actor.RequireDecider(); err != nil {
		return nil, err
	}
	if len(in.Phones) == 0 {
		return nil, fmt.Errorf("%w: at least one phone is required", domain.ErrValidation)
	}
	if len(in.Phones) > maxBulkSize {
		return nil, fmt.Errorf("%w: at most %d phones per call", domain.ErrValidation, maxBulkSize)
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("actorId", actor.UserID))
	outcomes := make([]PushOutcome, 0, len(in.Phones))
	first := true
	for _, raw := range in.Phones {
		outcome := PushOutcome{Phone: strings.TrimSpace(raw)}

		phone, err := domain.NormalizePhone(raw, s.phoneRegion)
		if err != nil {
			outcome.Err = err
			outcomes = append(outcomes, outcome)
			continue
		}
		outcome.Phone = phone

		req, err := s.requests.LatestByPhone(ctx, actor.OrganizationID, phone, domain.RequestStatusApproved)
		if err != nil {
			outcome.Err = err
			outcomes = append(outcomes, outcome)
			continue
		}
		outcome.RequestID = req.ID

		remaining, err := s.remainingProviders(ctx, req.ID)
		if err != nil {
			outcome.Err = err
			outcomes = append(outcomes, outcome)
			continue
		}

		for _, key := range remaining {
			if !first {
				if err := s.sleep(ctx, s.pushDelay); err != nil {
					outcome.Err = err
					outcomes = append(outcomes, outcome)
					return outcomes, nil
				}
			}
			first = false

			res, err := s.engine.Propagate(ctx, actor, req.ID, PropagateOptions{
				Providers:          []domain.ServiceKey{key},
				ConfirmDestructive: in.ConfirmDestructive,
				Wait:               true,
				Priority:           queue.PriorityBulk,
			})
			if err != nil {
				logger.Warn("push remaining failed for provider",
					zap.String("requestId", req.ID),
					zap.String("serviceKey", key.String()),
					zap.Error(err),
				)
				outcome.Err = errors.Join(outcome.Err, fmt.Errorf("%s: %w", key, err))
				continue
			}
			outcome.Attempts = append(outcome.Attempts, res.Attempts...)
			outcome.Skipped = append(outcome.Skipped, res.Skipped...)
		}
		outcomes = append(outcomes, outcome)
	}

	logger.Info("push remaining finished", zap.Int("phones", len(outcomes)))
	return outcomes, nil
}

// remainingProviders lists configured providers without a successful or
// in-flight latest attempt.
func (s *BulkService) remainingProviders(ctx context.Context, requestID string) ([]domain.ServiceKey, error) {
	history, err := s.attempts.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempts: %w", err)
	}

	busy := make(map[domain.ServiceKey]bool)
	for _, l := range domain.LatestPerService(history) {
		if l.Attempt.Status == domain.AttemptStatusSuccess || l.Attempt.Status.IsInFlight() {
			busy[l.Attempt.ServiceKey] = true
		}
	}

	remaining := make([]domain.ServiceKey, 0, len(domain.AllServiceKeys))
	for _, key := range s.engine.ProviderKeys() {
		if !busy[key] {
			remaining = append(remaining, key)
		}
	}
	return remaining, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
