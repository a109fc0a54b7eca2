package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"gorm.io/gorm"
)

// EventRepository is the append-only audit log.
type EventRepository interface {
	Append(ctx context.Context, e *domain.AuditEvent) error
	ListByRequest(ctx context.Context, requestID string) ([]domain.AuditEvent, error)
}

type GormEventRepo struct {
	db *gorm.DB
}

func NewGormEventRepo(db *gorm.DB) *GormEventRepo {
	return &GormEventRepo{db: db}
}

func (r *GormEventRepo) Append(ctx context.Context, e *domain.AuditEvent) error {
	model := eventModelFromDomain(e)
	if model == nil || model.RequestID == "" {
		return fmt.Errorf("%w: audit event needs a request id", domain.ErrValidation)
	}
	if model.ID == "" {
		model.ID = NewID()
	}
	if model.OccurredAt.IsZero() {
		model.OccurredAt = time.Now().UTC()
	}
	if model.Level == "" {
		model.Level = domain.EventLevelInfo
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*e = *eventModelToDomain(model)
	return nil
}

func (r *GormEventRepo) ListByRequest(ctx context.Context, requestID string) ([]domain.AuditEvent, error) {
	var models []AuditEventModel
	err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("occurred_at ASC").
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	events := make([]domain.AuditEvent, 0, len(models))
	for i := range models {
		events = append(events, *eventModelToDomain(&models[i]))
	}
	return events, nil
}
