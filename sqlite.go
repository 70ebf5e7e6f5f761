package sharedsession

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a RecordStore backed by SQLite (modernc.org/sqlite, no CGO).
type SQLiteStore struct {
	sqlStore
}

// SQLiteConfig holds configuration for the SQLite store.
type SQLiteConfig struct {
	DSN             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteConfig{
		DSN:          dsn,
		MaxOpenConns: 16, // Allow concurrent readers (writers are serialized by mutex)
		MaxIdleConns: 16,
	})
}

func NewSQLiteStoreWithConfig(cfg SQLiteConfig) (*SQLiteStore, error) {
	table, err := validateTable(cfg.Table)
	if err != nil {
		return nil, err
	}

	// Every connection to ":memory:" opens its own private database.
	if strings.HasPrefix(cfg.DSN, ":memory:") {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	// Inject PRAGMAs into DSN so they apply to all connections in the pool.
	// synchronous=NORMAL is safe in WAL mode and faster.
	if !strings.Contains(cfg.DSN, "synchronous") {
		cfg.DSN = appendDSNParam(cfg.DSN, "_pragma=synchronous=NORMAL")
	}
	// busy_timeout to wait for locks
	if !strings.Contains(cfg.DSN, "busy_timeout") {
		cfg.DSN = appendDSNParam(cfg.DSN, "_pragma=busy_timeout=5000")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, storeError(err, "failed to open sqlite database")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	// WAL is persistent for the database file, so executing it once is sufficient.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, storeError(err, "failed to enable WAL mode")
	}

	store := &SQLiteStore{sqlStore{
		db:    db,
		mu:    &sync.Mutex{}, // Serializes writes to avoid SQLITE_BUSY
		table: table,
	}}
	if err := store.prepare(context.Background(), sqliteQueries(table)); err != nil {
		return nil, err
	}
	return store, nil
}

func appendDSNParam(dsn, param string) string {
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + param
}

func sqliteQueries(t string) sqlQueries {
	return sqlQueries{
		schema: fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL DEFAULT 0,
		session_id TEXT NOT NULL,
		secure_session_id TEXT,
		ip_address TEXT NOT NULL DEFAULT '',
		datetime DATETIME,
		data BLOB
	);
	CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_session_id ON %[1]s(session_id);
	CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_secure_session_id ON %[1]s(secure_session_id);
	CREATE INDEX IF NOT EXISTS %[1]s_datetime ON %[1]s(datetime);
	`, t),
		findPlain:    fmt.Sprintf("SELECT %s FROM %s WHERE session_id = ?", recordColumns, t),
		findSecure:   fmt.Sprintf("SELECT %s FROM %s WHERE secure_session_id = ?", recordColumns, t),
		insert:       fmt.Sprintf("INSERT INTO %s (session_id, secure_session_id) VALUES (?, ?) RETURNING id", t),
		update:       fmt.Sprintf("UPDATE %s SET user_id = ?, ip_address = ?, datetime = ?, data = ? WHERE id = ?", t),
		setUserID:    fmt.Sprintf("UPDATE %s SET user_id = ? WHERE id = ?", t),
		delete:       fmt.Sprintf("DELETE FROM %s WHERE id = ?", t),
		deleteBefore: fmt.Sprintf("DELETE FROM %s WHERE datetime IS NOT NULL AND datetime <= ?", t),
		deleteAll:    fmt.Sprintf("DELETE FROM %s", t),
		count:        fmt.Sprintf("SELECT COUNT(*) FROM %s", t),
		list:         fmt.Sprintf("SELECT %s FROM %s ORDER BY id LIMIT ? OFFSET ?", recordColumns, t),
		noLimit:      -1,
	}
}
