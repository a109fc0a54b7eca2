package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"gorm.io/gorm"
)

type RequestListParams struct {
	OrganizationID string
	Status         *domain.RequestStatus
	Cursor         string
	Limit          int
}

type RequestRepository interface {
	Create(ctx context.Context, r *domain.DncRequest) error
	GetByID(ctx context.Context, id string) (*domain.DncRequest, error)
	List(ctx context.Context, params RequestListParams) ([]domain.DncRequest, string, error)
	LatestByPhone(ctx context.Context, organizationID string, phoneE164 string, status domain.RequestStatus) (*domain.DncRequest, error)
	Decide(ctx context.Context, r *domain.DncRequest) error
}

type GormRequestRepo struct {
	db *gorm.DB
}

func NewGormRequestRepo(db *gorm.DB) *GormRequestRepo {
	return &GormRequestRepo{db: db}
}

func (r *GormRequestRepo) Create(ctx context.Context, req *domain.DncRequest) error {
	model := requestModelFromDomain(req)
	if model == nil {
		return fmt.Errorf("%w: request is required", domain.ErrValidation)
	}
	if model.ID == "" {
		model.ID = NewID()
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*req = *requestModelToDomain(model)
	return nil
}

func (r *GormRequestRepo) GetByID(ctx context.Context, id string) (*domain.DncRequest, error) {
	var model RequestModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: request %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return requestModelToDomain(&model), nil
}

// List returns one page newest first. The returned cursor is the id of the
// last row when more rows may follow, and empty otherwise.
func (r *GormRequestRepo) List(ctx context.Context, params RequestListParams) ([]domain.DncRequest, string, error) {
	limit := clampLimit(params.Limit)

	query := r.db.WithContext(ctx).
		Model(&RequestModel{}).
		Where("organization_id = ?", params.OrganizationID)
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Cursor != "" {
		query = query.Where("id < ?", params.Cursor)
	}

	var models []RequestModel
	if err := query.Order("id DESC").Limit(limit + 1).Find(&models).Error; err != nil {
		return nil, "", err
	}

	next := ""
	if len(models) > limit {
		models = models[:limit]
		next = models[limit-1].ID
	}

	requests := make([]domain.DncRequest, 0, len(models))
	for i := range models {
		requests = append(requests, *requestModelToDomain(&models[i]))
	}
	return requests, next, nil
}

func (r *GormRequestRepo) LatestByPhone(ctx context.Context, organizationID string, phoneE164 string, status domain.RequestStatus) (*domain.DncRequest, error) {
	var model RequestModel
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND phone_e164 = ? AND status = ?", organizationID, phoneE164, status).
		Order("id DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no %s request for %s", domain.ErrNotFound, status, phoneE164)
	}
	if err != nil {
		return nil, err
	}
	return requestModelToDomain(&model), nil
}

// Decide persists a decision already applied in memory. The update only
// matches a pending row, so a concurrent decision loses with ErrInvalidState.
func (r *GormRequestRepo) Decide(ctx context.Context, req *domain.DncRequest) error {
	if req == nil || req.Status == domain.RequestStatusPending {
		return fmt.Errorf("%w: request has no decision to persist", domain.ErrValidation)
	}

	result := r.db.WithContext(ctx).
		Model(&RequestModel{}).
		Where("id = ? AND status = ?", req.ID, domain.RequestStatusPending).
		Updates(map[string]any{
			"status":              req.Status,
			"reviewed_by_user_id": req.ReviewedByUserID,
			"decision_notes":      req.DecisionNotes,
			"decided_at":          req.DecidedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, req.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: request %s is already decided", domain.ErrInvalidState, req.ID)
	}
	return nil
}
