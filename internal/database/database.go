package database

import (
	"fmt"
	"strings"

	"github.com/lildude/stravasync/internal/model"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Dialector picks the gorm driver. An empty driver is inferred from the DSN:
// postgres URLs and key=value strings use postgres, anything else is a sqlite path.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is not set")
	}
	if driver == "" {
		driver = DriverSQLite
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
			driver = DriverPostgres
		}
	}

	switch driver {
	case DriverSQLite:
		return sqlite.Open(dsn), nil
	case DriverPostgres:
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// InitDB initializes the database connection and performs schema migration
func InitDB(driver, dsn string) (*gorm.DB, error) {
	d, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	return open(d, Migrate)
}

// open connects and migrates. The pool is closed again if migration fails.
func open(d gorm.Dialector, migrate func(*gorm.DB) error) (*gorm.DB, error) {
	db, err := gorm.Open(d, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if d.Name() == DriverSQLite {
		// sqlite allows a single writer; one connection avoids "database is locked".
		sqlDB.SetMaxOpenConns(1)
	}

	if err := migrate(db); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(model.All()...); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}
