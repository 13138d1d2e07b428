package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/connortoro/aicompare/domain/persistence"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ExchangeRepository implements persistence.ExchangeRepository
type ExchangeRepository struct {
	db *gorm.DB
}

// NewExchangeRepository creates a new exchange repository
func NewExchangeRepository(db *gorm.DB) persistence.ExchangeRepository {
	return &ExchangeRepository{db: db}
}

func (r *ExchangeRepository) getDB(ctx context.Context) *gorm.DB {
	return dbFrom(ctx, r.db)
}

// Create creates a new exchange record
func (r *ExchangeRepository) Create(ctx context.Context, entity *persistence.ExchangeRecord) error {
	if err := r.getDB(ctx).Create(entity).Error; err != nil {
		return fmt.Errorf("failed to create exchange record: %w", err)
	}
	return nil
}

// Update saves every column of an existing exchange record
func (r *ExchangeRepository) Update(ctx context.Context, entity *persistence.ExchangeRecord) error {
	if err := r.getDB(ctx).Save(entity).Error; err != nil {
		return fmt.Errorf("failed to update exchange record: %w", err)
	}
	return nil
}

// FindByID finds an exchange record by ID
func (r *ExchangeRepository) FindByID(ctx context.Context, id uuid.UUID) (*persistence.ExchangeRecord, error) {
	var record persistence.ExchangeRecord
	if err := r.getDB(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("exchange %s: %w", id, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find exchange record: %w", err)
	}
	return &record, nil
}

// FindRecent returns the newest exchanges first
func (r *ExchangeRepository) FindRecent(ctx context.Context, limit int) ([]*persistence.ExchangeRecord, error) {
	var records []*persistence.ExchangeRecord
	query := r.getDB(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find recent exchange records: %w", err)
	}
	return records, nil
}

// FindByStatus finds exchange records by status
func (r *ExchangeRepository) FindByStatus(ctx context.Context, status persistence.ExchangeStatus, limit int) ([]*persistence.ExchangeRecord, error) {
	var records []*persistence.ExchangeRecord
	query := r.getDB(ctx).Where("status = ?", status).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find exchange records by status: %w", err)
	}
	return records, nil
}

// UpdateStatus updates the status of an exchange record
func (r *ExchangeRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status persistence.ExchangeStatus) error {
	result := r.getDB(ctx).Model(&persistence.ExchangeRecord{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to update exchange status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("exchange %s for status update: %w", id, persistence.ErrNotFound)
	}
	return nil
}

// Delete deletes an exchange record
func (r *ExchangeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.getDB(ctx).Delete(&persistence.ExchangeRecord{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete exchange record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("exchange %s for deletion: %w", id, persistence.ErrNotFound)
	}
	return nil
}

// Stats aggregates every recorded exchange
func (r *ExchangeRepository) Stats(ctx context.Context) (*persistence.ExchangeStats, error) {
	var result persistence.ExchangeStats

	err := r.getDB(ctx).Model(&persistence.ExchangeRecord{}).
		Select(`
			COUNT(*) as total_exchanges,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) as completed,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) as failed,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) as cancelled,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COALESCE(SUM(cost), 0) as total_cost,
			COALESCE(AVG(latency_ms), 0) as average_latency_ms
		`, persistence.ExchangeStatusCompleted, persistence.ExchangeStatusFailed, persistence.ExchangeStatusCancelled).
		Scan(&result).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate exchanges: %w", err)
	}
	return &result, nil
}
