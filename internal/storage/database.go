// Package storage is the Database component: durable storage for
// notes, folders, sync status, the ID-mapping table, and the operation
// queue, behind single-writer/many-reader discipline.
//
// GORM over a SQLite dialector with WAL journaling and a busy_timeout
// pragma, schema creation via AutoMigrate.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Database is the sole owner of the SQLite connection. Every mutating
// statement is serialized behind writeMu so the many components that
// touch it (OperationQueue, IdMappingRegistry, NoteStore) never race each
// other at the storage layer; concurrent reads are allowed through
// SQLite's WAL mode.
type Database struct {
	db      *gorm.DB
	writeMu sync.Mutex
}

// Open creates (or reuses) the SQLite database at path and runs schema
// migration.
func Open(path string) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create app support dir: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("storage: migrate schema: %w", err)
	}

	log.Info().Str("path", path).Msg("storage: database ready")

	return &Database{db: db}, nil
}

// write runs fn under the single-writer lock. Every mutating statement in
// the kernel goes through this so ordering invariants (e.g. "no queue row
// references localId after updateAllReferences returns") hold even
// across concurrent callers.
func (d *Database) write(ctx context.Context, fn func(tx *gorm.DB) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.db.WithContext(ctx).Transaction(fn)
}

// read runs fn without the write lock; SQLite's WAL mode lets readers
// proceed concurrently with the single writer.
func (d *Database) read(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(d.db.WithContext(ctx))
}

// Close releases the underlying connection.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
