package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlKVTableName      = "authrecall_kv"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect holds the statements that differ between drivers.
type sqlDialect struct {
	driver string
	create string
	get    string
	upsert string
	remove string
}

func postgresDialect(table string) sqlDialect {
	quoted := quoteIdentifier(table)
	return sqlDialect{
		driver: "postgres",
		create: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				kv_key TEXT PRIMARY KEY,
				kv_value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoted),
		get: fmt.Sprintf("SELECT kv_value FROM %s WHERE kv_key = $1", quoted),
		upsert: fmt.Sprintf(`
			INSERT INTO %s (kv_key, kv_value, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (kv_key)
			DO UPDATE SET kv_value = EXCLUDED.kv_value, updated_at = NOW()`, quoted),
		remove: fmt.Sprintf("DELETE FROM %s WHERE kv_key = $1", quoted),
	}
}

func sqliteDialect(table string) sqlDialect {
	quoted := quoteIdentifier(table)
	return sqlDialect{
		driver: "sqlite",
		create: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				kv_key TEXT PRIMARY KEY,
				kv_value TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			)`, quoted),
		get: fmt.Sprintf("SELECT kv_value FROM %s WHERE kv_key = ?", quoted),
		upsert: fmt.Sprintf(`
			INSERT INTO %s (kv_key, kv_value, updated_at)
			VALUES (?, ?, CAST(strftime('%%s','now') AS INTEGER) * 1000)
			ON CONFLICT (kv_key)
			DO UPDATE SET kv_value = excluded.kv_value, updated_at = excluded.updated_at`, quoted),
		remove: fmt.Sprintf("DELETE FROM %s WHERE kv_key = ?", quoted),
	}
}

// SQLBackend keeps each key in one row. The table is created lazily on
// first use.
type SQLBackend struct {
	dsn     string
	dialect sqlDialect
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidBackendDSN
	}
	return &SQLBackend{dsn: dsn, dialect: postgresDialect(sqlKVTableName), openDB: sql.Open}, nil
}

func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidBackendDSN
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		dsn = path
	}
	return &SQLBackend{dsn: dsn, dialect: sqliteDialect(sqlKVTableName), openDB: sql.Open}, nil
}

func (b *SQLBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	var payload string
	err := b.db.QueryRowContext(ctx, b.dialect.get, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(payload), true, nil
}

func (b *SQLBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	_, err := b.db.ExecContext(ctx, b.dialect.upsert, key, string(value))
	return err
}

func (b *SQLBackend) Remove(ctx context.Context, key string) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	_, err := b.db.ExecContext(ctx, b.dialect.remove, key)
	return err
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) ensureReady(ctx context.Context) error {
	if b == nil {
		return ErrInvalidBackendDSN
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = fmt.Errorf("open %s: %w", b.dialect.driver, err)
			return
		}
		if b.dialect.driver == "sqlite" {
			// One writer; sqlite serializes anyway and this avoids SQLITE_BUSY.
			db.SetMaxOpenConns(1)
		}
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sqlOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(initCtx, b.dialect.create); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("create %s table: %w", b.dialect.driver, err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
