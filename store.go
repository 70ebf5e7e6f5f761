package sharedsession

import (
	"context"
	"regexp"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned when no record matches the requested identifier.
	ErrNotFound = errors.New("session not found")

	// ErrStore marks every failure of the underlying storage (insert, update,
	// delete, a missing table). The driver error stays reachable through
	// errors.Cause / errors.UnwrapAll.
	ErrStore = errors.New("session store error")

	// ErrInvalidTable is returned when the configured table name is not a plain SQL identifier.
	ErrInvalidTable = errors.New("invalid session table name")
)

// DefaultTable is the table used when no table name is configured.
const DefaultTable = "sessions"

// Channel says whether the current connection is plain or TLS. It picks the
// identifier column a record is looked up by, so an id leaked over a plain
// connection never resolves secure-channel state.
type Channel int

const (
	Plain Channel = iota
	Secure
)

func (c Channel) String() string {
	if c == Secure {
		return "secure"
	}
	return "plain"
}

// column returns the identifier column for the channel.
func (c Channel) column() string {
	if c == Secure {
		return "secure_session_id"
	}
	return "session_id"
}

// Record is one row of the sessions table.
type Record struct {
	ID              int64
	UserID          int64
	SessionID       string
	SecureSessionID string // empty when the row was created on a plain channel
	IPAddress       string
	Datetime        time.Time // zero until the first payload write
	Data            []byte
}

// SID returns the identifier of the record on the given channel.
func (r *Record) SID(ch Channel) string {
	if ch == Secure {
		return r.SecureSessionID
	}
	return r.SessionID
}

func (r *Record) clone() *Record {
	c := *r
	if r.Data != nil {
		c.Data = append([]byte(nil), r.Data...)
	}
	return &c
}

// RecordUpdate carries the fields written together by a payload write.
type RecordUpdate struct {
	UserID    int64
	IPAddress string
	Datetime  time.Time
	Data      []byte
}

// ListOptions pages through records for the administrative surface.
type ListOptions struct {
	Limit  int // 0 means no limit
	Offset int
}

// RecordStore persists session records.
//
// Writes are last-write-wins: two requests for the same session id may both
// read, mutate and write, and the later write overwrites the earlier one.
// Nothing here locks rows; serializing all traffic for one visitor would cost
// more than the lost update.
type RecordStore interface {
	// Find looks a record up by the channel-appropriate identifier column.
	Find(ctx context.Context, ch Channel, sid string) (*Record, error)
	// Insert creates an empty record for sid.
	Insert(ctx context.Context, ch Channel, sid string) (*Record, error)
	// Update writes the payload fields of the record with the given primary key.
	Update(ctx context.Context, id int64, u RecordUpdate) error
	// SetUserID updates only the user id of a record.
	SetUserID(ctx context.Context, id int64, userID int64) error
	// Delete removes the record with the given primary key.
	Delete(ctx context.Context, id int64) error
	// DeleteBefore removes every record last written at or before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteAll removes every record.
	DeleteAll(ctx context.Context) (int64, error)
	// List returns records ordered by primary key.
	List(ctx context.Context, opts ListOptions) ([]Record, error)
	// Count returns the number of records.
	Count(ctx context.Context) (int64, error)
	// Close releases the store.
	Close() error
}

var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func validateTable(name string) (string, error) {
	if name == "" {
		return DefaultTable, nil
	}
	if !tableNameRE.MatchString(name) {
		return "", errors.Wrapf(ErrInvalidTable, "%q", name)
	}
	return name, nil
}

// storeError wraps a storage failure and marks it as ErrStore.
func storeError(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrStore)
}
