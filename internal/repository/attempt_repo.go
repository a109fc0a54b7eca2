package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AttemptListParams struct {
	OrganizationID string
	ServiceKey     *domain.ServiceKey
	Status         *domain.AttemptStatus
	RequestID      *string
	Cursor         string
	Limit          int
}

type AttemptRepository interface {
	CreateNext(ctx context.Context, a *domain.PropagationAttempt) error
	GetByID(ctx context.Context, id string) (*domain.PropagationAttempt, error)
	Claim(ctx context.Context, id string) (*domain.PropagationAttempt, error)
	Finish(ctx context.Context, id string, outcome domain.AttemptOutcome) (*domain.PropagationAttempt, error)
	ListByRequest(ctx context.Context, requestID string) ([]domain.PropagationAttempt, error)
	ListChecks(ctx context.Context, organizationID string, phoneE164 string) ([]domain.PropagationAttempt, error)
	List(ctx context.Context, params AttemptListParams) ([]domain.PropagationAttempt, string, error)
	ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]domain.PropagationAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

// CreateNext inserts a with attempt_no one past the latest attempt for the same
// (request, service) pair, or (organization, phone, service) for ad-hoc checks.
// It fails with ErrInvalidState while the pair still has an attempt in flight.
func (r *GormAttemptRepo) CreateNext(ctx context.Context, a *domain.PropagationAttempt) error {
	model := attemptModelFromDomain(a)
	if model == nil {
		return fmt.Errorf("%w: attempt is required", domain.ErrValidation)
	}
	if !model.ServiceKey.IsValid() {
		return fmt.Errorf("%w: invalid service key %q", domain.ErrValidation, model.ServiceKey)
	}
	if model.Status == "" {
		model.Status = domain.AttemptStatusPending
	}
	if model.Status.IsTerminal() && model.FinishedAt == nil {
		return fmt.Errorf("%w: terminal attempt needs finished_at", domain.ErrValidation)
	}
	if model.ID == "" {
		model.ID = NewID()
	}
	if model.StartedAt.IsZero() {
		model.StartedAt = time.Now().UTC()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&AttemptModel{})
		if model.RequestID != nil {
			query = query.Where("request_id = ? AND service_key = ?", *model.RequestID, model.ServiceKey)
		} else {
			query = query.Where("request_id IS NULL AND organization_id = ? AND phone_e164 = ? AND service_key = ?",
				model.OrganizationID, model.PhoneE164, model.ServiceKey)
		}

		var latest []AttemptModel
		if err := query.Order("attempt_no DESC").Limit(1).Find(&latest).Error; err != nil {
			return err
		}

		model.AttemptNo = 1
		if len(latest) > 0 {
			if model.RequestID != nil && latest[0].Status.IsInFlight() {
				return fmt.Errorf("%w: attempt %d for %s is still %s",
					domain.ErrInvalidState, latest[0].AttemptNo, model.ServiceKey, latest[0].Status)
			}
			model.AttemptNo = latest[0].AttemptNo + 1
		}

		return tx.Create(model).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: concurrent attempt for %s", domain.ErrInvalidState, model.ServiceKey)
	}
	if err != nil {
		return err
	}

	*a = *attemptModelToDomain(model)
	return nil
}

func (r *GormAttemptRepo) GetByID(ctx context.Context, id string) (*domain.PropagationAttempt, error) {
	var model AttemptModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: attempt %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return attemptModelToDomain(&model), nil
}

// Claim moves a pending attempt to in_progress. Only one caller can win.
func (r *GormAttemptRepo) Claim(ctx context.Context, id string) (*domain.PropagationAttempt, error) {
	result := r.db.WithContext(ctx).
		Model(&AttemptModel{}).
		Where("id = ? AND status = ?", id, domain.AttemptStatusPending).
		Update("status", domain.AttemptStatusInProgress)
	if result.Error != nil {
		return nil, result.Error
	}

	attempt, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: attempt %s is %s", domain.ErrInvalidState, id, attempt.Status)
	}
	return attempt, nil
}

// Finish writes the terminal outcome. Terminal rows never match the update,
// which keeps finished attempts immutable.
func (r *GormAttemptRepo) Finish(ctx context.Context, id string, outcome domain.AttemptOutcome) (*domain.PropagationAttempt, error) {
	if err := outcome.Validate(); err != nil {
		return nil, err
	}

	updates := map[string]any{
		"status":              outcome.Status,
		"listed":              outcome.Listed,
		"http_status":         outcome.HTTPStatus,
		"provider_request_id": outcome.ProviderRequestID,
		"response_payload":    outcome.ResponsePayload,
		"error_message":       outcome.ErrorMessage,
		"finished_at":         outcome.FinishedAt.UTC(),
	}
	if len(outcome.RequestPayload) > 0 {
		updates["request_payload"] = datatypes.JSON(outcome.RequestPayload)
	}

	result := r.db.WithContext(ctx).
		Model(&AttemptModel{}).
		Where("id = ? AND status IN ?", id, domain.InFlightAttemptStatuses).
		Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}

	attempt, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: attempt %s is already %s", domain.ErrInvalidState, id, attempt.Status)
	}
	return attempt, nil
}

func (r *GormAttemptRepo) ListByRequest(ctx context.Context, requestID string) ([]domain.PropagationAttempt, error) {
	var models []AttemptModel
	err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("service_key ASC").
		Order("attempt_no ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return attemptsToDomain(models), nil
}

func (r *GormAttemptRepo) ListChecks(ctx context.Context, organizationID string, phoneE164 string) ([]domain.PropagationAttempt, error) {
	var models []AttemptModel
	err := r.db.WithContext(ctx).
		Where("request_id IS NULL AND organization_id = ? AND phone_e164 = ? AND operation = ?",
			organizationID, phoneE164, domain.OperationCheck).
		Order("service_key ASC").
		Order("attempt_no ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return attemptsToDomain(models), nil
}

func (r *GormAttemptRepo) List(ctx context.Context, params AttemptListParams) ([]domain.PropagationAttempt, string, error) {
	limit := clampLimit(params.Limit)

	query := r.db.WithContext(ctx).
		Model(&AttemptModel{}).
		Where("organization_id = ?", params.OrganizationID)
	if params.ServiceKey != nil {
		query = query.Where("service_key = ?", *params.ServiceKey)
	}
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.RequestID != nil {
		query = query.Where("request_id = ?", *params.RequestID)
	}
	if params.Cursor != "" {
		query = query.Where("id < ?", params.Cursor)
	}

	var models []AttemptModel
	if err := query.Order("id DESC").Limit(limit + 1).Find(&models).Error; err != nil {
		return nil, "", err
	}

	next := ""
	if len(models) > limit {
		models = models[:limit]
		next = models[limit-1].ID
	}
	return attemptsToDomain(models), next, nil
}

func (r *GormAttemptRepo) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]domain.PropagationAttempt, error) {
	if limit < 1 {
		limit = 100
	}

	var models []AttemptModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND started_at < ?", domain.InFlightAttemptStatuses, startedBefore.UTC()).
		Order("started_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return attemptsToDomain(models), nil
}

func attemptsToDomain(models []AttemptModel) []domain.PropagationAttempt {
	attempts := make([]domain.PropagationAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}
	return attempts
}
