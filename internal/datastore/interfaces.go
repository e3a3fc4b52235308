package datastore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/malarialab/smearscan/internal/conf"
	"github.com/malarialab/smearscan/internal/errors"
	"github.com/malarialab/smearscan/internal/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// Interface is implemented by every datastore backend.
type Interface interface {
	Open() error
	Close() error
	// Repository returns a repository bound to the connection pool.
	Repository() *Repository
	// InTransaction runs fn inside one database transaction. Any error
	// returned by fn rolls the transaction back.
	InTransaction(ctx context.Context, fn func(repo *Repository) error) error
}

// DataStore holds the gorm connection shared by the backends.
type DataStore struct {
	DB     *gorm.DB
	Logger logger.Logger
}

// New returns the backend selected in settings, or nil when none is enabled.
func New(settings *conf.Settings, log logger.Logger) Interface {
	if log == nil {
		log = logger.Global().Module("datastore")
	}
	switch {
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{DataStore: DataStore{Logger: log.Module("mysql")}, Settings: settings}
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{DataStore: DataStore{Logger: log.Module("sqlite")}, Settings: settings}
	default:
		return nil
	}
}

func (ds *DataStore) Repository() *Repository {
	return &Repository{db: ds.DB}
}

func (ds *DataStore) InTransaction(ctx context.Context, fn func(repo *Repository) error) error {
	if ds.DB == nil {
		return dbError(fmt.Errorf("database connection is not initialized"), "transaction")
	}
	return ds.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

// Close closes the underlying connection pool.
func (ds *DataStore) Close() error {
	if ds.DB == nil {
		return fmt.Errorf("database connection is not initialized")
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return dbError(err, "close")
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close")
	}
	return nil
}

func gormConfig(log logger.Logger) *gorm.Config {
	return &gorm.Config{
		Logger:         logger.NewGormLoggerAdapter(log, slowQueryThreshold),
		TranslateError: true,
	}
}

func performAutoMigration(db *gorm.DB, log logger.Logger, dbType string) error {
	start := time.Now()
	if err := db.AutoMigrate(allModels()...); err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Priority(errors.PriorityCritical).
			Context("db_type", dbType).
			Timing("auto-migrate", time.Since(start)).
			Build()
	}
	log.Debug("database migrated",
		logger.String("db_type", dbType),
		logger.Duration("elapsed", time.Since(start)))
	return nil
}

func dbError(err error, operation string, context ...any) error {
	builder := errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation)
	for i := 0; i+1 < len(context); i += 2 {
		if key, ok := context[i].(string); ok {
			builder = builder.Context(key, context[i+1])
		}
	}
	return builder.Build()
}
