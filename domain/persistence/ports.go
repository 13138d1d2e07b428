package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is wrapped by repositories when a lookup matches nothing.
var ErrNotFound = errors.New("record not found")

// Repository defines the generic repository interface using Go generics
type Repository[T any] interface {
	Create(ctx context.Context, entity *T) error
	Update(ctx context.Context, entity *T) error
	FindByID(ctx context.Context, id uuid.UUID) (*T, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ExchangeRepository defines operations specific to exchange records
type ExchangeRepository interface {
	Repository[ExchangeRecord]

	FindRecent(ctx context.Context, limit int) ([]*ExchangeRecord, error)
	FindByStatus(ctx context.Context, status ExchangeStatus, limit int) ([]*ExchangeRecord, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status ExchangeStatus) error
	Stats(ctx context.Context) (*ExchangeStats, error)
}

// StateStore is a small key/value store for client state.
// Get reports false when the key has never been written.
type StateStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// EventProcessor defines the interface for processing persistence events asynchronously
type EventProcessor interface {
	// Start begins processing events from the channel
	Start(ctx context.Context) error

	// Stop gracefully shuts down the event processor
	Stop() error

	// ProcessEvent sends an event to be processed asynchronously
	ProcessEvent(event any) error

	// Health returns the health status of the processor
	Health() ProcessorHealth
}

// ProcessorHealth represents the health status of the event processor
type ProcessorHealth struct {
	IsRunning      bool  `json:"is_running"`
	QueueSize      int   `json:"queue_size"`
	ProcessedCount int64 `json:"processed_count"`
	ErrorCount     int64 `json:"error_count"`
}

// DatabaseManager defines the interface for database management operations
type DatabaseManager interface {
	// Connect establishes database connection
	Connect(ctx context.Context, dsn string) error

	// Close closes the database connection
	Close() error

	// Migrate runs database migrations
	Migrate() error

	// Health checks database connectivity
	Health(ctx context.Context) error

	// GetRepositories returns initialized repositories
	GetRepositories() (ExchangeRepository, StateStore)
}

// TransactionManager defines interface for database transactions
type TransactionManager interface {
	// WithTransaction executes a function within a database transaction
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ExchangeTracker follows an exchange through its lifecycle. Implementations
// must not block the caller on storage.
type ExchangeTracker interface {
	StartTracking(ctx context.Context, exchangeID uuid.UUID, requestData []byte, model string, isStreaming bool) error
	CompleteTracking(ctx context.Context, exchangeID uuid.UUID, result ExchangeResult) error
	// FailTracking records an error; cancelled marks an exchange the user abandoned.
	FailTracking(ctx context.Context, exchangeID uuid.UUID, errorMsg string, latencyMs int64, cancelled bool) error
}
