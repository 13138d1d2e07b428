package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/connortoro/aicompare/domain/persistence"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type txKey struct{}

// DatabaseManager implements the persistence.DatabaseManager interface
type DatabaseManager struct {
	db           *gorm.DB
	driver       string
	exchangeRepo persistence.ExchangeRepository
	stateRepo    persistence.StateStore
}

// NewDatabaseManager creates a new database manager instance
func NewDatabaseManager() *DatabaseManager {
	return &DatabaseManager{}
}

// dialectorFor picks Postgres for URL or keyword DSNs and SQLite for anything
// else, which is treated as a file path (or ":memory:").
func dialectorFor(dsn string) (gorm.Dialector, string) {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.HasPrefix(lower, "host=") {
		return postgres.Open(dsn), "postgres"
	}
	return sqlite.Open(dsn), "sqlite"
}

// Connect establishes database connection
func (dm *DatabaseManager) Connect(ctx context.Context, dsn string) error {
	dialector, driver := dialectorFor(dsn)
	logrus.WithField("driver", driver).Info("Connecting to database...")

	// Configure GORM logger
	gormLogger := logger.New(
		logrus.StandardLogger(),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying SQL DB for connection pool configuration
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}

	if driver == "sqlite" {
		// Every sqlite connection to ":memory:" is a separate database.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	// Test connection
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	dm.db = db
	dm.driver = driver

	// Initialize repositories
	dm.exchangeRepo = NewExchangeRepository(db)
	dm.stateRepo = NewStateRepository(db)

	logrus.WithField("driver", driver).Info("Successfully connected to database")
	return nil
}

// Driver reports which dialect Connect selected ("postgres" or "sqlite").
func (dm *DatabaseManager) Driver() string {
	return dm.driver
}

// Close closes the database connection
func (dm *DatabaseManager) Close() error {
	if dm.db == nil {
		return nil
	}

	sqlDB, err := dm.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB for close: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	logrus.Info("Database connection closed successfully")
	return nil
}

// Migrate runs database migrations
func (dm *DatabaseManager) Migrate() error {
	if dm.db == nil {
		return fmt.Errorf("database connection not established")
	}

	logrus.Info("Running database migrations...")

	if err := dm.db.AutoMigrate(&persistence.ExchangeRecord{}, &persistence.StateEntry{}); err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}

	dm.createIndexes()

	logrus.Info("Database migrations completed successfully")
	return nil
}

// createIndexes creates composite indexes the struct tags cannot express
func (dm *DatabaseManager) createIndexes() {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_exchanges_model_created ON exchanges (model, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_exchanges_status_created ON exchanges (status, created_at DESC)",
	}

	for _, index := range indexes {
		if err := dm.db.Exec(index).Error; err != nil {
			logrus.WithError(err).Warnf("Failed to create index: %s", index)
		}
	}
}

// Health checks database connectivity
func (dm *DatabaseManager) Health(ctx context.Context) error {
	if dm.db == nil {
		return fmt.Errorf("database connection not established")
	}

	sqlDB, err := dm.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}

// GetRepositories returns initialized repositories
func (dm *DatabaseManager) GetRepositories() (persistence.ExchangeRepository, persistence.StateStore) {
	return dm.exchangeRepo, dm.stateRepo
}

// GetDB returns the underlying GORM database instance
func (dm *DatabaseManager) GetDB() *gorm.DB {
	return dm.db
}

// WithTransaction executes a function within a database transaction.
// Repositories called with the derived context join the transaction.
func (dm *DatabaseManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if dm.db == nil {
		return fmt.Errorf("database connection not established")
	}

	tx := dm.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	txCtx := context.WithValue(ctx, txKey{}, tx)

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback().Error; rbErr != nil {
			logrus.WithError(rbErr).Error("Failed to rollback transaction")
		}
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// dbFrom returns the transaction carried by ctx, or db bound to ctx
func dbFrom(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return db.WithContext(ctx)
}
