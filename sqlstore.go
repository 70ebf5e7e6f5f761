package sharedsession

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// sqlQueries holds the dialect-specific statements of a SQL record store.
type sqlQueries struct {
	schema       string
	findPlain    string
	findSecure   string
	insert       string
	update       string
	setUserID    string
	delete       string
	deleteBefore string
	deleteAll    string
	count        string
	list         string
	// noLimit is bound to the LIMIT placeholder when ListOptions.Limit is 0.
	noLimit any
}

const recordColumns = "id, user_id, session_id, secure_session_id, ip_address, datetime, data"

// sqlStore implements RecordStore on top of database/sql with prepared
// statements. SQLiteStore and PostgreSQLStore only differ in their queries
// and in whether writes are serialized.
type sqlStore struct {
	db    *sql.DB
	mu    sync.Locker
	table string

	noLimit          any
	findStmt         [2]*sql.Stmt // indexed by Channel
	insertStmt       *sql.Stmt
	updateStmt       *sql.Stmt
	setUserIDStmt    *sql.Stmt
	deleteStmt       *sql.Stmt
	deleteBeforeStmt *sql.Stmt
	deleteAllStmt    *sql.Stmt
	countStmt        *sql.Stmt
	listStmt         *sql.Stmt
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// prepare creates the schema and prepares every statement. On failure the
// database is closed.
func (s *sqlStore) prepare(ctx context.Context, q sqlQueries) error {
	if _, err := s.db.ExecContext(ctx, q.schema); err != nil {
		s.db.Close()
		return storeError(err, "failed to create sessions table")
	}

	s.noLimit = q.noLimit
	stmts := []struct {
		dst   **sql.Stmt
		query string
		name  string
	}{
		{&s.findStmt[Plain], q.findPlain, "find"},
		{&s.findStmt[Secure], q.findSecure, "find secure"},
		{&s.insertStmt, q.insert, "insert"},
		{&s.updateStmt, q.update, "update"},
		{&s.setUserIDStmt, q.setUserID, "set user id"},
		{&s.deleteStmt, q.delete, "delete"},
		{&s.deleteBeforeStmt, q.deleteBefore, "delete before"},
		{&s.deleteAllStmt, q.deleteAll, "delete all"},
		{&s.countStmt, q.count, "count"},
		{&s.listStmt, q.list, "list"},
	}
	for _, st := range stmts {
		stmt, err := s.db.PrepareContext(ctx, st.query)
		if err != nil {
			s.Close()
			return storeError(err, "failed to prepare "+st.name+" statement")
		}
		*st.dst = stmt
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec      Record
		secure   sql.NullString
		datetime sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &secure, &rec.IPAddress, &datetime, &rec.Data); err != nil {
		return nil, err
	}
	rec.SecureSessionID = secure.String
	if datetime.Valid {
		rec.Datetime = datetime.Time
	}
	return &rec, nil
}

func (s *sqlStore) Find(ctx context.Context, ch Channel, sid string) (*Record, error) {
	rec, err := scanRecord(s.findStmt[ch].QueryRowContext(ctx, sid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeError(err, "failed to query session")
	}
	return rec, nil
}

func (s *sqlStore) Insert(ctx context.Context, ch Channel, sid string) (*Record, error) {
	var secure any
	if ch == Secure {
		secure = sid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var id int64
	if err := s.insertStmt.QueryRowContext(ctx, sid, secure).Scan(&id); err != nil {
		return nil, storeError(err, "failed to insert session")
	}

	rec := &Record{ID: id, SessionID: sid}
	if ch == Secure {
		rec.SecureSessionID = sid
	}
	return rec, nil
}

func (s *sqlStore) Update(ctx context.Context, id int64, u RecordUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.updateStmt.ExecContext(ctx, u.UserID, u.IPAddress, u.Datetime.UTC(), u.Data, id)
	if err != nil {
		return storeError(err, "failed to update session")
	}
	return affected(res)
}

func (s *sqlStore) SetUserID(ctx context.Context, id int64, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.setUserIDStmt.ExecContext(ctx, userID, id)
	if err != nil {
		return storeError(err, "failed to update session user")
	}
	return affected(res)
}

func (s *sqlStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.deleteStmt.ExecContext(ctx, id); err != nil {
		return storeError(err, "failed to delete session")
	}
	return nil
}

func (s *sqlStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.deleteBeforeStmt.ExecContext(ctx, cutoff.UTC())
	if err != nil {
		return 0, storeError(err, "failed to cleanup expired sessions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqlStore) DeleteAll(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.deleteAllStmt.ExecContext(ctx)
	if err != nil {
		return 0, storeError(err, "failed to delete sessions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqlStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.countStmt.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, storeError(err, "failed to count sessions")
	}
	return n, nil
}

func (s *sqlStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	limit := s.noLimit
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	rows, err := s.listStmt.QueryContext(ctx, limit, opts.Offset)
	if err != nil {
		return nil, storeError(err, "failed to list sessions")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storeError(err, "failed to scan session")
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(err, "failed to iterate rows")
	}
	return records, nil
}

func (s *sqlStore) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.findStmt[Plain], s.findStmt[Secure], s.insertStmt, s.updateStmt,
		s.setUserIDStmt, s.deleteStmt, s.deleteBeforeStmt, s.deleteAllStmt,
		s.countStmt, s.listStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeError(err, "failed to read affected rows")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
