package sharedsession

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapCache is an in-process Cache.
type mapCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newMapCache() *mapCache {
	return &mapCache{items: make(map[string][]byte)}
}

func (c *mapCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (c *mapCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
	return nil
}

func (c *mapCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

func (c *mapCache) Incr(ctx context.Context, key string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := strconv.ParseUint(string(c.items[key]), 10, 64)
	n++
	c.items[key] = []byte(strconv.FormatUint(n, 10))
	return n, nil
}

func (c *mapCache) Close() error { return nil }

// countingStore counts Find calls reaching the wrapped store.
type countingStore struct {
	RecordStore
	finds int
}

func (s *countingStore) Find(ctx context.Context, ch Channel, sid string) (*Record, error) {
	s.finds++
	return s.RecordStore.Find(ctx, ch, sid)
}

func newTestCachedStore(t *testing.T) (*CachedStore, *countingStore) {
	t.Helper()
	inner := &countingStore{RecordStore: newTestStore(t)}
	return NewCachedStore(inner, newMapCache(), CachedStoreConfig{}), inner
}

func TestCachedStoreContract(t *testing.T) {
	store, _ := newTestCachedStore(t)
	testRecordStore(t, store)
}

func TestCachedStoreHit(t *testing.T) {
	store, inner := newTestCachedStore(t)
	ctx := context.Background()

	rec, err := store.Insert(ctx, Plain, "sid")
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, rec.ID, RecordUpdate{Data: []byte("a|i:1;"), Datetime: time.Now()}))

	for range 4 {
		got, err := store.Find(ctx, Plain, "sid")
		require.NoError(t, err)
		assert.Equal(t, "a|i:1;", string(got.Data))
	}
	// The first find maps the sid, the second caches the record.
	assert.Equal(t, 2, inner.finds)
}

func TestCachedStoreInvalidation(t *testing.T) {
	store, inner := newTestCachedStore(t)
	ctx := context.Background()

	rec, err := store.Insert(ctx, Plain, "sid")
	require.NoError(t, err)
	_, err = store.Find(ctx, Plain, "sid")
	require.NoError(t, err)

	require.NoError(t, store.Update(ctx, rec.ID, RecordUpdate{Data: []byte("a|i:2;"), Datetime: time.Now()}))
	got, err := store.Find(ctx, Plain, "sid")
	require.NoError(t, err)
	assert.Equal(t, "a|i:2;", string(got.Data))
	assert.Equal(t, 2, inner.finds)

	require.NoError(t, store.SetUserID(ctx, rec.ID, 3))
	got, err = store.Find(ctx, Plain, "sid")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.UserID)

	require.NoError(t, store.Delete(ctx, rec.ID))
	_, err = store.Find(ctx, Plain, "sid")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedStoreLateFillIsNotServed(t *testing.T) {
	store, _ := newTestCachedStore(t)
	ctx := context.Background()

	rec, err := store.Insert(ctx, Plain, "sid")
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, rec.ID, RecordUpdate{Data: []byte("v|s:3:\"old\";"), Datetime: time.Now()}))
	_, err = store.Find(ctx, Plain, "sid")
	require.NoError(t, err)

	// A reader loads the row, then a writer commits before the reader
	// publishes what it loaded.
	gen, err := store.generation(ctx)
	require.NoError(t, err)
	ver, err := store.version(ctx, gen, rec.ID)
	require.NoError(t, err)
	stale, err := store.inner.Find(ctx, Plain, "sid")
	require.NoError(t, err)

	require.NoError(t, store.Update(ctx, rec.ID, RecordUpdate{Data: []byte("v|s:3:\"new\";"), Datetime: time.Now()}))
	store.fill(ctx, gen, ver, stale)

	for range 2 {
		got, err := store.Find(ctx, Plain, "sid")
		require.NoError(t, err)
		assert.Equal(t, `v|s:3:"new";`, string(got.Data))
	}
}

func TestCachedStoreGCInvalidatesEverything(t *testing.T) {
	store, _ := newTestCachedStore(t)
	ctx := context.Background()

	rec, err := store.Insert(ctx, Plain, "sid")
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, rec.ID, RecordUpdate{Datetime: time.Now().Add(-time.Hour)}))
	_, err = store.Find(ctx, Plain, "sid")
	require.NoError(t, err)

	n, err := store.DeleteBefore(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = store.Find(ctx, Plain, "sid")
	assert.ErrorIs(t, err, ErrNotFound, "a collected session must not be served from cache")
}

func TestCachedStoreChannelIsolation(t *testing.T) {
	store, _ := newTestCachedStore(t)
	ctx := context.Background()

	_, err := store.Insert(ctx, Plain, "sid")
	require.NoError(t, err)
	_, err = store.Find(ctx, Plain, "sid")
	require.NoError(t, err)

	_, err = store.Find(ctx, Secure, "sid")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCalculateMemcachedExpiration(t *testing.T) {
	now := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		ttl  time.Duration
		want int32
	}{
		{
			name: "Short TTL (1 hour)",
			ttl:  time.Hour,
			want: 3600, // Delta
		},
		{
			name: "Long TTL (60 days) - Use Timestamp",
			ttl:  60 * 24 * time.Hour,
			want: int32(now.Add(60 * 24 * time.Hour).Unix()),
		},
		{
			name: "Exact 30 Days (Delta)",
			ttl:  30 * 24 * time.Hour,
			want: int32(30 * 24 * 3600),
		},
		{
			name: "30 Days + 1 Second (Timestamp)",
			ttl:  30*24*time.Hour + time.Second,
			want: int32(now.Add(30*24*time.Hour + time.Second).Unix()),
		},
		{
			name: "Negative TTL",
			ttl:  -time.Second,
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calculateMemcachedExpiration(now, tt.ttl)
			if got != tt.want {
				t.Errorf("calculateMemcachedExpiration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func reachable(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func testCache(t *testing.T, c Cache) {
	ctx := context.Background()
	key := "sharedsession_test:" + strconv.FormatInt(time.Now().UnixNano(), 10)

	_, err := c.Get(ctx, key)
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, key, []byte("v"), time.Minute))
	v, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))

	require.NoError(t, c.Delete(ctx, key))
	_, err = c.Get(ctx, key)
	assert.ErrorIs(t, err, ErrCacheMiss)

	n, err := c.Incr(ctx, key+":gen")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	n, err = c.Incr(ctx, key+":gen")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestMemcachedCache(t *testing.T) {
	if !reachable("localhost:11211") {
		t.Skip("Skipping Memcached test: localhost:11211 unreachable")
	}
	c := NewMemcachedCache("localhost:11211")
	defer c.Close()
	testCache(t, c)
}

func TestRedisCache(t *testing.T) {
	if !reachable("localhost:6379") {
		t.Skip("Skipping Redis test: localhost:6379 unreachable")
	}
	c, err := NewRedisCache(context.Background(), RedisConfig{Addr: "localhost:6379"})
	if err != nil {
		t.Skipf("Skipping Redis test: %v", err)
	}
	defer c.Close()
	testCache(t, c)
}
