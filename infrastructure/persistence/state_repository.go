package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/connortoro/aicompare/domain/persistence"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StateRepository implements persistence.StateStore on the client_state table
type StateRepository struct {
	db *gorm.DB
}

// NewStateRepository creates a new state repository
func NewStateRepository(db *gorm.DB) persistence.StateStore {
	return &StateRepository{db: db}
}

func (r *StateRepository) getDB(ctx context.Context) *gorm.DB {
	return dbFrom(ctx, r.db)
}

// Get returns the stored value for key
func (r *StateRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var entry persistence.StateEntry
	err := r.getDB(ctx).Where("state_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read state %q: %w", key, err)
	}
	return entry.Value, true, nil
}

// Put inserts or overwrites the value for key
func (r *StateRepository) Put(ctx context.Context, key, value string) error {
	entry := persistence.StateEntry{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := r.getDB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "state_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to write state %q: %w", key, err)
	}
	return nil
}

// Delete removes key; deleting a missing key is not an error
func (r *StateRepository) Delete(ctx context.Context, key string) error {
	if err := r.getDB(ctx).Where("state_key = ?", key).Delete(&persistence.StateEntry{}).Error; err != nil {
		return fmt.Errorf("failed to delete state %q: %w", key, err)
	}
	return nil
}
