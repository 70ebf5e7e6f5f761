package sharedsession

import (
	"context"
	"sync"
	"time"
)

var _ SaveHandler = (*MemoryHandler)(nil)

// MemoryHandler keeps sessions in process memory. It is the fallback used
// when the database override is disabled: sessions work, but are not shared
// between server instances.
type MemoryHandler struct {
	mu       sync.Mutex
	sessions map[string]memoryEntry
	cookie   CookieConfig
	now      func() time.Time
}

type memoryEntry struct {
	data    string
	updated time.Time
}

func NewMemoryHandler(cookie CookieConfig) *MemoryHandler {
	return &MemoryHandler{
		sessions: make(map[string]memoryEntry),
		cookie:   cookie.normalize(),
		now:      time.Now,
	}
}

func (h *MemoryHandler) Open(savePath, name string) error { return nil }
func (h *MemoryHandler) Close() error                     { return nil }

func (h *MemoryHandler) Read(ctx context.Context, id string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[id].data, nil
}

func (h *MemoryHandler) Write(ctx context.Context, id, data string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.sessions[id]; ok && e.data == data {
		return nil
	}
	h.sessions[id] = memoryEntry{data: data, updated: h.now()}
	return nil
}

func (h *MemoryHandler) Destroy(ctx context.Context, id string) error {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()

	h.cookie.expire(EnvFromContext(ctx))
	return nil
}

func (h *MemoryHandler) GC(ctx context.Context, maxLifetime int64) (int64, error) {
	lifetime, ok, err := lifetimeSeconds(maxLifetime)
	if err != nil || !ok {
		return 0, err
	}
	cutoff := h.now().Add(-lifetime)

	h.mu.Lock()
	defer h.mu.Unlock()
	var n int64
	for id, e := range h.sessions {
		if !e.updated.After(cutoff) {
			delete(h.sessions, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of sessions held.
func (h *MemoryHandler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
