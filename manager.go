package sharedsession

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"io"
	mrand "math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

var (
	// ErrPayloadTooLarge is returned when the encoded payload exceeds the
	// configured MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("session payload too large")

	// ErrInvalidSessionID is returned when the session ID format is invalid.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrHeadersSent is returned by Start when the response is already
	// committed and the session cookie can no longer be sent.
	ErrHeadersSent = errors.New("response headers already sent")
)

// DefaultMaxLifetime is the idle lifetime after which the cleanup worker
// deletes a session.
const DefaultMaxLifetime = 1440 * time.Second

// Config configures a Manager.
type Config struct {
	Cookie CookieConfig
	// Codec encodes State values for the save handler. Defaults to PHPCodec.
	Codec Codec
	// MaxLifetime is the idle lifetime passed to SaveHandler.GC.
	MaxLifetime time.Duration
	// CleanupInterval is the GC period. Negative disables the worker.
	CleanupInterval time.Duration
	// TrustProxy honours X-Forwarded-Proto from a TLS-terminating proxy.
	TrustProxy bool
	// MaxPayloadBytes bounds the encoded payload. 0 means unlimited.
	MaxPayloadBytes int
	// UserResolver returns the authenticated user of a request, if known.
	UserResolver func(*http.Request) (int64, bool)
	Logger       *zap.Logger
}

// Manager drives a SaveHandler through the session lifecycle of HTTP
// requests and runs its garbage collection in the background.
type Manager struct {
	handler         SaveHandler
	codec           Codec
	cookie          CookieConfig
	maxLifetime     time.Duration
	cleanup         time.Duration
	trustProxy      bool
	maxPayloadBytes int
	resolveUser     func(*http.Request) (int64, bool)
	log             *zap.Logger

	stopChan  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewManager(handler SaveHandler, cfg Config) *Manager {
	if cfg.Codec == nil {
		cfg.Codec = PHPCodec{}
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = DefaultMaxLifetime
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	m := &Manager{
		handler:         handler,
		codec:           cfg.Codec,
		cookie:          cfg.Cookie.normalize(),
		maxLifetime:     cfg.MaxLifetime,
		cleanup:         cfg.CleanupInterval,
		trustProxy:      cfg.TrustProxy,
		maxPayloadBytes: cfg.MaxPayloadBytes,
		resolveUser:     cfg.UserResolver,
		log:             cfg.Logger,
		stopChan:        make(chan struct{}),
		done:            make(chan struct{}),
	}

	if m.cleanup > 0 {
		go m.cleanupWorker()
	} else {
		close(m.done)
	}

	return m
}

func (m *Manager) cleanupWorker() {
	defer close(m.done)

	ticker := time.NewTicker(m.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.collect()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := m.handler.GC(ctx, int64(m.maxLifetime/time.Second))
	if err != nil {
		m.log.Warn("session gc failed", zap.Error(err))
		return
	}
	m.log.Debug("session gc run", zap.Int64("deleted", n))
}

// Close stops the cleanup worker. It does not close the underlying store,
// which must outlive every request that may still commit a session.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopChan)
	})
	<-m.done
	return nil
}

// Handler returns the save handler the manager drives.
func (m *Manager) Handler() SaveHandler {
	return m.handler
}

// State is the session of one request. It is not safe for concurrent use.
type State struct {
	ID     string
	Values map[string]any

	env       *Env
	raw       string
	fresh     bool
	destroyed bool
}

func (s *State) Get(key string) (any, bool) {
	v, ok := s.Values[key]
	return v, ok
}

func (s *State) Set(key string, v any) {
	s.Values[key] = v
}

func (s *State) Delete(key string) {
	delete(s.Values, key)
}

// Env returns the request environment the session was started in.
func (s *State) Env() *Env {
	return s.env
}

// Fresh reports whether the session id was issued by this request.
func (s *State) Fresh() bool {
	return s.fresh
}

type writtenReporter interface {
	Written() bool
}

// Start opens the session of r. The id comes from the channel's session
// cookie; a missing or malformed one is replaced by a new id, sent back in
// a cookie. Store failures are returned; callers should continue without a
// session.
func (m *Manager) Start(w http.ResponseWriter, r *http.Request) (*State, error) {
	if wr, ok := w.(writtenReporter); ok && wr.Written() {
		return nil, ErrHeadersSent
	}

	env := NewEnv(w, r, m.trustProxy)
	if m.resolveUser != nil {
		if id, ok := m.resolveUser(r); ok {
			env.SetUser(id)
		}
	}
	st := &State{env: env, Values: make(map[string]any)}

	name := m.cookie.NameFor(env.Channel)
	if err := m.handler.Open("", name); err != nil {
		return nil, err
	}

	if c, err := r.Cookie(name); err == nil && isValidID(c.Value) {
		st.ID = c.Value
	} else {
		id, err := generateID()
		if err != nil {
			return nil, err
		}
		st.ID = id
		st.fresh = true
		m.cookie.set(env, id)
		return st, nil
	}

	ctx := WithEnv(r.Context(), env)
	raw, err := m.handler.Read(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	st.raw = raw

	values, err := m.codec.Decode([]byte(raw))
	if err != nil {
		// An unreadable payload is dropped; the next commit overwrites it.
		m.log.Warn("discarding undecodable session payload", zap.String("sid", st.ID), zap.Error(err))
		values = make(map[string]any)
	}
	st.Values = values
	return st, nil
}

// Commit writes the values of st through the save handler. Nothing is
// written for a destroyed session or for one that neither had nor has any
// values, so visitors that never store anything produce no rows.
func (m *Manager) Commit(ctx context.Context, st *State) error {
	defer m.handler.Close()

	if st.destroyed {
		return nil
	}
	if st.raw == "" && len(st.Values) == 0 {
		return nil
	}
	if !isValidID(st.ID) {
		return ErrInvalidSessionID
	}

	data, err := m.encode(st.Values)
	if err != nil {
		return err
	}
	if err := m.handler.Write(WithEnv(ctx, st.env), st.ID, data); err != nil {
		return err
	}
	st.raw = data
	return nil
}

func (m *Manager) encode(values map[string]any) (string, error) {
	data, err := m.codec.Encode(values)
	if err != nil {
		return "", err
	}
	if m.maxPayloadBytes > 0 && len(data) > m.maxPayloadBytes {
		return "", ErrPayloadTooLarge
	}
	return string(data), nil
}

// Destroy deletes the session and expires its cookies. The cookies and the
// in-memory values are cleared even when the delete fails.
func (m *Manager) Destroy(ctx context.Context, st *State) error {
	defer func() {
		m.cookie.expire(st.env)
		clear(st.Values)
		st.raw = ""
		st.destroyed = true
	}()

	return m.handler.Destroy(WithEnv(ctx, st.env), st.ID)
}

// Regenerate moves the session to a new id to prevent session fixation.
// The values are written under the new id before the old one is deleted.
// If the old session cannot be deleted, the new one is removed as well and
// the client is logged out: the old id must not stay valid next to the new.
func (m *Manager) Regenerate(ctx context.Context, st *State) error {
	oldID := st.ID
	newID, err := generateID()
	if err != nil {
		return err
	}

	data, err := m.encode(st.Values)
	if err != nil {
		return err
	}

	ctx = WithEnv(ctx, st.env)
	m.carryUser(ctx, oldID, st.env)
	if err := m.handler.Write(ctx, newID, data); err != nil {
		return err
	}

	// The old row goes without touching cookies: the new cookie replaces it.
	quiet := *st.env
	quiet.w = nil
	if err := m.handler.Destroy(WithEnv(ctx, &quiet), oldID); err != nil {
		if derr := m.handler.Destroy(WithEnv(ctx, &quiet), newID); derr != nil {
			m.log.Warn("failed to remove regenerated session", zap.Error(derr))
		}
		m.cookie.expire(st.env)
		clear(st.Values)
		st.raw = ""
		st.destroyed = true
		return err
	}

	st.ID = newID
	st.raw = data
	st.fresh = false
	m.cookie.set(st.env, newID)
	return nil
}

// carryUser copies the user bound to the old row onto env, so the row
// written under the new id keeps it.
func (m *Manager) carryUser(ctx context.Context, oldID string, env *Env) {
	if _, known := env.User(); known {
		return
	}
	h, ok := m.handler.(*Handler)
	if !ok {
		return
	}
	if sess, err := h.sessions.Get(ctx, oldID); err == nil {
		env.SetUser(sess.UserID())
	}
}

// Login binds userID to the session after a successful authentication.
// Callers should Regenerate the session as part of the same request.
func (m *Manager) Login(ctx context.Context, st *State, userID int64) error {
	st.env.SetUser(userID)
	binder, ok := m.handler.(UserBinder)
	if !ok {
		return nil
	}
	return binder.Login(WithEnv(ctx, st.env), st.ID, userID)
}

// Logout unbinds the user from the session. The session itself survives.
func (m *Manager) Logout(ctx context.Context, st *State) error {
	st.env.SetUser(0)
	binder, ok := m.handler.(UserBinder)
	if !ok {
		return nil
	}
	return binder.Logout(WithEnv(ctx, st.env), st.ID)
}

// rngPool reuses *math/rand/v2.Rand instances to amortize the cost of
// seeding from crypto/rand.
var rngPool = sync.Pool{}

// randReader is the entropy source for generator seeds.
var randReader io.Reader = rand.Reader

func generateID() (string, error) {
	ptr := idBufferPool.Get().(*[]byte)
	b := *ptr

	entropy := b[:16]

	v := rngPool.Get()
	var rng *mrand.Rand
	if v == nil {
		var seed [32]byte
		if _, err := io.ReadFull(randReader, seed[:]); err != nil {
			clear(b)
			idBufferPool.Put(ptr)
			return "", errors.Wrap(err, "seed session id generator")
		}
		rng = mrand.New(mrand.NewChaCha8(seed))
	} else {
		rng = v.(*mrand.Rand)
	}

	binary.LittleEndian.PutUint64(entropy[0:8], rng.Uint64())
	binary.LittleEndian.PutUint64(entropy[8:16], rng.Uint64())

	rngPool.Put(rng)

	// Hex-encode into the tail of the same buffer.
	hexDst := b[16:]
	hex.Encode(hexDst, entropy)
	id := string(hexDst)

	clear(b)
	idBufferPool.Put(ptr)
	return id, nil
}

// validIDChars is a lookup table for valid hex characters (0-9, a-f).
var validIDChars = [256]bool{}

func init() {
	for i := 0; i < len(validIDChars); i++ {
		c := byte(i)
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			validIDChars[i] = true
		}
	}
}

func isValidID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for i := 0; i < 32; i++ {
		if !validIDChars[id[i]] {
			return false
		}
	}
	return true
}
