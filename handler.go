package sharedsession

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// SaveHandler is the persistence contract a session runtime drives once per
// request: Open, Read, Write or Destroy, Close, and GC out of band. A nil
// error is success. Read returns the serialized payload, "" for none.
type SaveHandler interface {
	Open(savePath, name string) error
	Close() error
	Read(ctx context.Context, id string) (string, error)
	Write(ctx context.Context, id, data string) error
	Destroy(ctx context.Context, id string) error
	// GC removes sessions idle for maxLifetime seconds or more and returns
	// the number removed.
	GC(ctx context.Context, maxLifetime int64) (int64, error)
}

var (
	_ SaveHandler = (*Handler)(nil)
	_ UserBinder  = (*Handler)(nil)
)

// Handler is the database-backed SaveHandler.
type Handler struct {
	sessions *Sessions
}

func NewHandler(sessions *Sessions) *Handler {
	return &Handler{sessions: sessions}
}

// Sessions returns the sessions the handler operates on.
func (h *Handler) Sessions() *Sessions {
	return h.sessions
}

// Open has nothing to acquire: the store is connected by the process.
func (h *Handler) Open(savePath, name string) error {
	return nil
}

// Close has nothing to flush: Write commits immediately.
func (h *Handler) Close() error {
	return nil
}

// Read returns the stored payload of id. Without a plain or secure session
// cookie on the request it returns "" without querying the store, so first
// time visitors and clients that never return cookies (crawlers) do not
// produce rows.
func (h *Handler) Read(ctx context.Context, id string) (string, error) {
	env := EnvFromContext(ctx)
	if !h.sessions.cookie.present(env) {
		h.sessions.metrics.read("no_cookie")
		return "", nil
	}

	sess, err := h.sessions.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		h.sessions.metrics.read("miss")
		return "", nil
	}
	if err != nil {
		h.sessions.metrics.read("error")
		return "", err
	}
	h.sessions.metrics.read("hit")
	return sess.Raw(), nil
}

// Write stores data for id, creating the record on first write. Failures are
// logged and returned; an unwritable session must not take the page down, so
// callers should report rather than abort.
func (h *Handler) Write(ctx context.Context, id, data string) error {
	err := h.write(ctx, id, data)
	if err != nil {
		h.sessions.log.Warn("session write failed", zap.Error(err))
	}
	return err
}

func (h *Handler) write(ctx context.Context, id, data string) error {
	payload, err := h.sessions.codec.Decode([]byte(data))
	if err != nil {
		return err
	}

	sess, err := h.sessions.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		sess, err = h.sessions.Create(ctx, id)
		if err != nil {
			return err
		}
		h.sessions.metrics.write("created")
		// Stamp the new row even for an empty payload so it can expire.
		return sess.persist(ctx, payload)
	}
	if err != nil {
		return err
	}
	return sess.SetPayload(ctx, payload)
}

// Destroy deletes session id. A missing session is not an error.
func (h *Handler) Destroy(ctx context.Context, id string) error {
	sess, err := h.sessions.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return sess.Destroy(ctx)
}

// GC deletes sessions idle for maxLifetime seconds or more. A negative
// lifetime is rejected with ErrInvalidLifetime.
func (h *Handler) GC(ctx context.Context, maxLifetime int64) (int64, error) {
	return h.sessions.CollectSeconds(ctx, maxLifetime)
}

func (h *Handler) Login(ctx context.Context, sid string, userID int64) error {
	return h.sessions.Login(ctx, sid, userID)
}

func (h *Handler) Logout(ctx context.Context, sid string) error {
	return h.sessions.Logout(ctx, sid)
}
