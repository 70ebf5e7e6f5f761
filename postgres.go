package sharedsession

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
)

// PostgreSQLStore is a RecordStore backed by PostgreSQL (github.com/lib/pq).
type PostgreSQLStore struct {
	sqlStore
}

// PostgreSQLConfig holds configuration for the PostgreSQL store.
type PostgreSQLConfig struct {
	DSN             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// ConnectTimeout bounds the retried initial ping. 0 pings once.
	ConnectTimeout time.Duration
}

// NewPostgreSQLStore creates a new PostgreSQL store with default configuration.
func NewPostgreSQLStore(dsn string) (*PostgreSQLStore, error) {
	return NewPostgreSQLStoreWithConfig(PostgreSQLConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	})
}

// NewPostgreSQLStoreWithConfig creates a new PostgreSQL store with custom configuration.
func NewPostgreSQLStoreWithConfig(cfg PostgreSQLConfig) (*PostgreSQLStore, error) {
	table, err := validateTable(cfg.Table)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, storeError(err, "failed to open postgresql database")
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
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := pingWithRetry(db, cfg.ConnectTimeout); err != nil {
		db.Close()
		return nil, storeError(err, "failed to ping postgresql database")
	}

	store := &PostgreSQLStore{sqlStore{
		db:    db,
		mu:    noopLocker{},
		table: table,
	}}
	if err := store.prepare(context.Background(), postgresQueries(table)); err != nil {
		return nil, err
	}
	return store, nil
}

// pingWithRetry pings db with exponential backoff until timeout elapses.
// A database container that is still starting should not fail the process.
func pingWithRetry(db *sql.DB, timeout time.Duration) error {
	if timeout <= 0 {
		return db.Ping()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = timeout
	return backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(b, ctx))
}

func postgresQueries(t string) sqlQueries {
	return sqlQueries{
		schema: fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL DEFAULT 0,
		session_id TEXT NOT NULL,
		secure_session_id TEXT,
		ip_address TEXT NOT NULL DEFAULT '',
		datetime TIMESTAMP WITH TIME ZONE,
		data BYTEA
	);
	CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_session_id ON %[1]s(session_id);
	CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_secure_session_id ON %[1]s(secure_session_id);
	CREATE INDEX IF NOT EXISTS %[1]s_datetime ON %[1]s(datetime);
	`, t),
		findPlain:    fmt.Sprintf("SELECT %s FROM %s WHERE session_id = $1", recordColumns, t),
		findSecure:   fmt.Sprintf("SELECT %s FROM %s WHERE secure_session_id = $1", recordColumns, t),
		insert:       fmt.Sprintf("INSERT INTO %s (session_id, secure_session_id) VALUES ($1, $2) RETURNING id", t),
		update:       fmt.Sprintf("UPDATE %s SET user_id = $1, ip_address = $2, datetime = $3, data = $4 WHERE id = $5", t),
		setUserID:    fmt.Sprintf("UPDATE %s SET user_id = $1 WHERE id = $2", t),
		delete:       fmt.Sprintf("DELETE FROM %s WHERE id = $1", t),
		deleteBefore: fmt.Sprintf("DELETE FROM %s WHERE datetime IS NOT NULL AND datetime <= $1", t),
		deleteAll:    fmt.Sprintf("DELETE FROM %s", t),
		count:        fmt.Sprintf("SELECT COUNT(*) FROM %s", t),
		list:         fmt.Sprintf("SELECT %s FROM %s ORDER BY id LIMIT $1 OFFSET $2", recordColumns, t),
		noLimit:      nil, // LIMIT NULL is LIMIT ALL
	}
}
