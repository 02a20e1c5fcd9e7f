// Package data contains the persistent models used by the server and the
// functions for reading and writing them.
package data

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Models returns every model that is migrated on startup.
func Models() []interface{} {
	return []interface{}{&Ban{}}
}

// Dialector selects the database driver for engine. sqliteFile is used for
// the sqlite engine and postgresDSN for postgres.
func Dialector(engine, sqliteFile, postgresDSN string) (gorm.Dialector, error) {
	switch strings.ToLower(engine) {
	case "", "sqlite":
		return sqlite.Open(sqliteFile), nil
	case "postgres":
		return postgres.Open(postgresDSN), nil
	}
	return nil, fmt.Errorf("unsupported database engine: %s", engine)
}

// Open connects to the database and migrates the schema.
func Open(dialector gorm.Dialector, debug bool) (*gorm.DB, error) {
	// By default only log errors but enable full SQL query prints-to-console with debug mode
	log := logger.Default.LogMode(logger.Error)
	if debug {
		log = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, fmt.Errorf("error auto migrating db: %w", err)
	}
	return db, nil
}

func Close(db *gorm.DB) error {
	database, err := db.DB()
	if err != nil {
		return fmt.Errorf("error while getting current connection: %w", err)
	}
	if err := database.Close(); err != nil {
		return fmt.Errorf("error while closing database connection: %w", err)
	}
	return nil
}
