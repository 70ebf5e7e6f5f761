package sharedsession

import (
	"bytes"
	"context"
	"maps"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Sessions resolves, creates and garbage-collects session records. One value
// is built at process start and shared by the save handler, the lifecycle
// hooks and the administrative surface.
type Sessions struct {
	store   RecordStore
	codec   Codec
	cookie  CookieConfig
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

// Option configures Sessions.
type Option func(*Sessions)

// WithCodec sets the payload codec. The default is PHPCodec.
func WithCodec(c Codec) Option {
	return func(s *Sessions) { s.codec = c }
}

// WithCookie sets the cookie settings used to detect and expire session cookies.
func WithCookie(c CookieConfig) Option {
	return func(s *Sessions) { s.cookie = c.normalize() }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Sessions) { s.log = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Sessions) { s.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sessions) { s.now = now }
}

func NewSessions(store RecordStore, opts ...Option) *Sessions {
	s := &Sessions{
		store:  store,
		codec:  PHPCodec{},
		cookie: CookieConfig{HttpOnly: true}.normalize(),
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying record store.
func (s *Sessions) Store() RecordStore {
	return s.store
}

// Codec returns the payload codec.
func (s *Sessions) Codec() Codec {
	return s.codec
}

// Get resolves the session sid through the identifier column of the channel
// carried by ctx. It returns ErrNotFound when no record matches.
func (s *Sessions) Get(ctx context.Context, sid string) (*Session, error) {
	env := EnvFromContext(ctx)
	rec, err := s.store.Find(ctx, env.Channel, sid)
	if err != nil {
		return nil, err
	}
	return &Session{owner: s, env: env, sid: sid, rec: rec}, nil
}

// Create inserts an empty record for sid on the channel carried by ctx.
func (s *Sessions) Create(ctx context.Context, sid string) (*Session, error) {
	env := EnvFromContext(ctx)
	rec, err := s.store.Insert(ctx, env.Channel, sid)
	if err != nil {
		return nil, err
	}
	s.log.Debug("session created", zap.Int64("id", rec.ID), zap.Stringer("channel", env.Channel))
	return &Session{owner: s, env: env, sid: sid, rec: rec}, nil
}

// Session is one open session, bound to the request environment it was
// resolved in. It is not safe for concurrent use.
type Session struct {
	owner *Sessions
	env   *Env
	sid   string
	rec   *Record

	payload map[string]any // decoded rec.Data, nil until first needed
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.sid
}

// Record returns a copy of the loaded record.
func (s *Session) Record() Record {
	return *s.rec.clone()
}

// UserID returns the user id of the loaded record.
func (s *Session) UserID() int64 {
	return s.rec.UserID
}

// Raw returns the payload in its stored, serialized form.
func (s *Session) Raw() string {
	return string(s.rec.Data)
}

// Payload decodes the stored payload. An empty blob decodes to an empty map.
// The returned map is a copy.
func (s *Session) Payload() (map[string]any, error) {
	p, err := s.loaded()
	if err != nil {
		return nil, err
	}
	return maps.Clone(p), nil
}

func (s *Session) loaded() (map[string]any, error) {
	if s.payload == nil {
		p, err := s.owner.codec.Decode(s.rec.Data)
		if err != nil {
			return nil, err
		}
		s.payload = p
	}
	return s.payload, nil
}

// SetPayload persists payload together with the current time, the client
// address and the request's user. Nothing is written when payload encodes to
// the stored payload, which keeps the timestamp and address of an unchanged
// session as they were.
func (s *Session) SetPayload(ctx context.Context, payload map[string]any) error {
	data, err := s.owner.codec.Encode(payload)
	if err != nil {
		s.owner.metrics.write("error")
		return err
	}
	if s.unchanged(data) {
		s.owner.metrics.write("unchanged")
		return nil
	}
	return s.save(ctx, payload, data)
}

// unchanged reports whether data matches the stored payload. Payloads are
// compared in encoded form, so values the codec does not tell apart (int and
// int64, an empty slice and an empty map) compare equal. The stored payload
// is re-encoded when its bytes differ, since another writer may have ordered
// its keys differently.
func (s *Session) unchanged(data []byte) bool {
	if bytes.Equal(data, s.rec.Data) {
		return true
	}
	current, err := s.loaded()
	if err != nil {
		return false
	}
	stored, err := s.owner.codec.Encode(current)
	return err == nil && bytes.Equal(data, stored)
}

// persist writes payload unconditionally.
func (s *Session) persist(ctx context.Context, payload map[string]any) error {
	data, err := s.owner.codec.Encode(payload)
	if err != nil {
		s.owner.metrics.write("error")
		return err
	}
	return s.save(ctx, payload, data)
}

func (s *Session) save(ctx context.Context, payload map[string]any, data []byte) error {
	u := RecordUpdate{
		UserID:    s.rec.UserID,
		IPAddress: s.env.ClientIP,
		Datetime:  s.owner.now(),
		Data:      data,
	}
	if id, ok := s.env.User(); ok {
		u.UserID = id
	}

	err := s.owner.store.Update(ctx, s.rec.ID, u)
	if errors.Is(err, ErrNotFound) {
		// Garbage-collected or destroyed by another request since it was
		// loaded: write it back under a new row.
		err = s.reinsert(ctx, u)
	}
	if err != nil {
		s.owner.metrics.write("error")
		return err
	}
	s.owner.metrics.write("written")

	s.rec.UserID = u.UserID
	s.rec.IPAddress = u.IPAddress
	s.rec.Datetime = u.Datetime
	s.rec.Data = data
	s.payload = maps.Clone(payload)
	if s.payload == nil {
		s.payload = make(map[string]any)
	}
	return nil
}

func (s *Session) reinsert(ctx context.Context, u RecordUpdate) error {
	rec, err := s.owner.store.Insert(ctx, s.env.Channel, s.sid)
	if err != nil {
		return err
	}
	s.rec = rec
	return s.owner.store.Update(ctx, rec.ID, u)
}

// SetUserID updates only the user id of the record.
func (s *Session) SetUserID(ctx context.Context, userID int64) error {
	if err := s.owner.store.SetUserID(ctx, s.rec.ID, userID); err != nil {
		return err
	}
	s.rec.UserID = userID
	return nil
}

// Destroy deletes the record, empties the in-memory payload and expires the
// session cookies. The payload and the cookies are cleared even when the
// delete fails.
func (s *Session) Destroy(ctx context.Context) error {
	defer func() {
		s.payload = make(map[string]any)
		s.rec.Data = nil
		s.owner.cookie.expire(s.env)
	}()

	if err := s.owner.store.Delete(ctx, s.rec.ID); err != nil {
		return err
	}
	s.owner.metrics.destroy()
	s.owner.log.Debug("session destroyed", zap.Int64("id", s.rec.ID))
	return nil
}
