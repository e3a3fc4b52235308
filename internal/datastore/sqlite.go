package datastore

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/malarialab/smearscan/internal/conf"
	"github.com/malarialab/smearscan/internal/logger"
)

// SQLiteStore implements Interface for SQLite.
type SQLiteStore struct {
	DataStore
	Settings *conf.Settings
}

// Open opens the database file, creating its directory when needed, and
// migrates the schema.
func (store *SQLiteStore) Open() error {
	path := store.Settings.Output.SQLite.Path
	if path == "" {
		return fmt.Errorf("sqlite path is not configured")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return dbError(err, "create-directory", "path", dir)
		}
	}

	// foreign keys are off by default in SQLite
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(store.Logger))
	if err != nil {
		return dbError(err, "open", "db_type", "sqlite")
	}

	store.DB = db
	store.Logger.Info("sqlite database opened", logger.String("path", path))
	return performAutoMigration(db, store.Logger, "SQLite")
}
