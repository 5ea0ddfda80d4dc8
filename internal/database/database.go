// Spyglass - Competitor Monitoring and Change Intelligence
// Copyright 2026 P. Fielding (pfielding)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pfielding/spyglass

// Package database provides the DuckDB-backed relational store: tracked
// companies, the news corpus, competitor snapshots and change events, crawl
// scheduling state, notification records and per-user digest preferences.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/pfielding/spyglass/internal/config"
	"github.com/pfielding/spyglass/internal/logging"
	"github.com/pfielding/spyglass/internal/metrics"
)

// DB wraps the DuckDB connection and provides data access methods.
type DB struct {
	conn *sql.DB
	cfg  config.DatabaseConfig

	// Prepared statement caching
	stmtCache   map[string]*sql.Stmt
	stmtCacheMu sync.RWMutex

	now func() time.Time // override in tests
}

// New opens (or creates) the database and initializes the schema.
func New(cfg config.DatabaseConfig) (*DB, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	// Ensure the parent directory exists for file-backed databases.
	if cfg.Path != ":memory:" && cfg.Path != "" {
		dbDir := filepath.Dir(cfg.Path)
		if dbDir != "" && dbDir != "." {
			if err := os.MkdirAll(dbDir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
			}
		}
	}

	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "512MB"
	}

	// Disable auto-install/auto-load to prevent hangs in restricted
	// network environments.
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, numThreads, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{
		conn:      conn,
		cfg:       cfg,
		stmtCache: make(map[string]*sql.Stmt),
		now:       time.Now,
	}

	if err := db.configureConnectionPool(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to configure connection pool: %w", err)
	}
	if err := db.createTables(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := db.runMigrations(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Int("threads", numThreads).Msg("Database opened")
	return db, nil
}

// configureConnectionPool tunes the database/sql pool. DuckDB is embedded,
// so a single writer connection avoids write-write conflicts.
func (db *DB) configureConnectionPool() error {
	db.conn.SetMaxOpenConns(1)
	db.conn.SetMaxIdleConns(1)
	db.conn.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return db.conn.PingContext(ctx)
}

// Conn returns the underlying SQL connection for packages that need direct
// access, such as maintenance sweeps.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Close releases cached statements and closes the connection.
func (db *DB) Close() error {
	db.stmtCacheMu.Lock()
	for _, stmt := range db.stmtCache {
		closeQuietly(stmt)
	}
	db.stmtCache = make(map[string]*sql.Stmt)
	db.stmtCacheMu.Unlock()

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// prepared returns a cached prepared statement for the query, preparing it
// on first use.
func (db *DB) prepared(ctx context.Context, query string) (*sql.Stmt, error) {
	db.stmtCacheMu.RLock()
	stmt, ok := db.stmtCache[query]
	db.stmtCacheMu.RUnlock()
	if ok {
		return stmt, nil
	}

	db.stmtCacheMu.Lock()
	defer db.stmtCacheMu.Unlock()
	if stmt, ok := db.stmtCache[query]; ok {
		return stmt, nil
	}
	stmt, err := db.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare statement: %w", err)
	}
	db.stmtCache[query] = stmt
	return stmt, nil
}

// exec runs a cached prepared statement with query metrics.
func (db *DB) exec(ctx context.Context, operation, table, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	stmt, err := db.prepared(ctx, query)
	if err != nil {
		metrics.RecordDBQuery(operation, table, time.Since(start), err)
		return nil, err
	}
	res, err := stmt.ExecContext(ctx, args...)
	metrics.RecordDBQuery(operation, table, time.Since(start), err)
	return res, err
}

// query runs a cached prepared statement returning rows, with metrics.
func (db *DB) query(ctx context.Context, operation, table, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	stmt, err := db.prepared(ctx, query)
	if err != nil {
		metrics.RecordDBQuery(operation, table, time.Since(start), err)
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, args...)
	metrics.RecordDBQuery(operation, table, time.Since(start), err)
	return rows, err
}

// queryRow runs a cached prepared statement returning one row.
func (db *DB) queryRow(ctx context.Context, operation, table, query string, args ...any) (*sql.Row, error) {
	start := time.Now()
	stmt, err := db.prepared(ctx, query)
	metrics.RecordDBQuery(operation, table, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return stmt.QueryRowContext(ctx, args...), nil
}
