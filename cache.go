package sharedsession

import (
	"bytes"
	"context"
	"encoding/gob"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ErrCacheMiss is returned by a Cache when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Cache is the key/value backend of a CachedStore.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Incr atomically increments the counter at key, creating it at 1.
	Incr(ctx context.Context, key string) (uint64, error)
	Close() error
}

// CachedStore is a read-through cache in front of a RecordStore.
//
// Two kinds of entries are kept: a (channel, sid) -> id mapping and the
// record itself keyed by id. Every write to a record increments a version
// counter for its id, and a record entry is only served while it carries the
// version read before the inner store was queried. A reader that loaded a
// row before a concurrent write therefore cannot publish it. DeleteBefore and
// DeleteAll bump a generation counter that is part of every key, which drops
// all entries at once. Cache failures are logged and the inner store is used
// directly.
type CachedStore struct {
	inner  RecordStore
	cache  Cache
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

// CachedStoreConfig holds configuration for a CachedStore.
type CachedStoreConfig struct {
	Prefix string        // key prefix, defaults to "sharedsession:"
	TTL    time.Duration // entry lifetime, defaults to 5 minutes
	Logger *zap.Logger
}

func NewCachedStore(inner RecordStore, cache Cache, cfg CachedStoreConfig) *CachedStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "sharedsession:"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &CachedStore{
		inner:  inner,
		cache:  cache,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		log:    cfg.Logger,
	}
}

func (s *CachedStore) generationKey() string {
	return s.prefix + "gen"
}

func (s *CachedStore) generation(ctx context.Context) (string, error) {
	v, err := s.cache.Get(ctx, s.generationKey())
	if errors.Is(err, ErrCacheMiss) {
		return "0", nil
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (s *CachedStore) sidKey(gen string, ch Channel, sid string) string {
	return s.prefix + gen + ":" + ch.String() + ":" + sid
}

func (s *CachedStore) idKey(gen string, id int64) string {
	return s.prefix + gen + ":id:" + strconv.FormatInt(id, 10)
}

func (s *CachedStore) versionKey(gen string, id int64) string {
	return s.prefix + gen + ":ver:" + strconv.FormatInt(id, 10)
}

// version returns the current write version of id, creating the counter
// when it is missing.
func (s *CachedStore) version(ctx context.Context, gen string, id int64) (string, error) {
	v, err := s.cache.Get(ctx, s.versionKey(gen, id))
	if err == nil {
		return string(v), nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		return "", err
	}
	n, err := s.cache.Incr(ctx, s.versionKey(gen, id))
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(n, 10), nil
}

func (s *CachedStore) Find(ctx context.Context, ch Channel, sid string) (*Record, error) {
	gen, err := s.generation(ctx)
	if err != nil {
		s.log.Warn("session cache unavailable", zap.Error(err))
		return s.inner.Find(ctx, ch, sid)
	}

	id, ok := s.mapping(ctx, gen, ch, sid)
	if !ok {
		rec, err := s.inner.Find(ctx, ch, sid)
		if err != nil {
			return nil, err
		}
		s.setMapping(ctx, gen, ch, sid, rec.ID)
		return rec, nil
	}

	// The version must be read before the inner store.
	ver, err := s.version(ctx, gen, id)
	if err != nil {
		s.log.Warn("session cache unavailable", zap.Error(err))
		return s.inner.Find(ctx, ch, sid)
	}
	if rec := s.lookup(ctx, gen, id, ver); rec != nil && rec.SID(ch) == sid {
		return rec, nil
	}

	rec, err := s.inner.Find(ctx, ch, sid)
	if err != nil {
		return nil, err
	}
	if rec.ID != id {
		// Deleted and re-inserted under a new id.
		s.setMapping(ctx, gen, ch, sid, rec.ID)
		return rec, nil
	}
	s.fill(ctx, gen, ver, rec)
	return rec, nil
}

func (s *CachedStore) mapping(ctx context.Context, gen string, ch Channel, sid string) (int64, bool) {
	idBytes, err := s.cache.Get(ctx, s.sidKey(gen, ch, sid))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			s.log.Warn("session cache get failed", zap.Error(err))
		}
		return 0, false
	}
	id, err := strconv.ParseInt(string(idBytes), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (s *CachedStore) setMapping(ctx context.Context, gen string, ch Channel, sid string, id int64) {
	if err := s.cache.Set(ctx, s.sidKey(gen, ch, sid), []byte(strconv.FormatInt(id, 10)), s.ttl); err != nil {
		s.log.Warn("session cache set failed", zap.Error(err))
	}
}

// lookup returns the cached record for id if it was filled at version ver.
func (s *CachedStore) lookup(ctx context.Context, gen string, id int64, ver string) *Record {
	data, err := s.cache.Get(ctx, s.idKey(gen, id))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			s.log.Warn("session cache get failed", zap.Error(err))
		}
		return nil
	}
	tag, body, ok := bytes.Cut(data, []byte{'|'})
	if !ok || string(tag) != ver {
		return nil
	}
	rec, err := decodeRecord(body)
	if err != nil {
		s.log.Warn("session cache entry corrupt", zap.Int64("id", id), zap.Error(err))
		return nil
	}
	return rec
}

// fill caches rec tagged with the version read before it was loaded.
func (s *CachedStore) fill(ctx context.Context, gen, ver string, rec *Record) {
	body, err := encodeRecord(rec)
	if err != nil {
		s.log.Warn("session cache encode failed", zap.Error(err))
		return
	}
	data := make([]byte, 0, len(ver)+1+len(body))
	data = append(append(append(data, ver...), '|'), body...)
	if err := s.cache.Set(ctx, s.idKey(gen, rec.ID), data, s.ttl); err != nil {
		s.log.Warn("session cache set failed", zap.Error(err))
	}
}

// invalidate moves id to a new version, which retires any entry filled
// before the write.
func (s *CachedStore) invalidate(ctx context.Context, id int64) {
	gen, err := s.generation(ctx)
	if err != nil {
		s.log.Warn("session cache unavailable", zap.Error(err))
		return
	}
	if _, err := s.cache.Incr(ctx, s.versionKey(gen, id)); err != nil {
		s.log.Warn("session cache invalidation failed", zap.Int64("id", id), zap.Error(err))
		if err := s.cache.Delete(ctx, s.idKey(gen, id)); err != nil && !errors.Is(err, ErrCacheMiss) {
			s.log.Warn("session cache delete failed", zap.Int64("id", id), zap.Error(err))
		}
	}
}

func (s *CachedStore) bump(ctx context.Context) {
	if _, err := s.cache.Incr(ctx, s.generationKey()); err != nil {
		s.log.Warn("session cache generation bump failed", zap.Error(err))
	}
}

func (s *CachedStore) Insert(ctx context.Context, ch Channel, sid string) (*Record, error) {
	return s.inner.Insert(ctx, ch, sid)
}

func (s *CachedStore) Update(ctx context.Context, id int64, u RecordUpdate) error {
	defer s.invalidate(ctx, id)
	return s.inner.Update(ctx, id, u)
}

func (s *CachedStore) SetUserID(ctx context.Context, id int64, userID int64) error {
	defer s.invalidate(ctx, id)
	return s.inner.SetUserID(ctx, id, userID)
}

func (s *CachedStore) Delete(ctx context.Context, id int64) error {
	defer s.invalidate(ctx, id)
	return s.inner.Delete(ctx, id)
}

func (s *CachedStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.inner.DeleteBefore(ctx, cutoff)
	if n > 0 {
		s.bump(ctx)
	}
	return n, err
}

func (s *CachedStore) DeleteAll(ctx context.Context) (int64, error) {
	defer s.bump(ctx)
	return s.inner.DeleteAll(ctx)
}

func (s *CachedStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	return s.inner.List(ctx, opts)
}

func (s *CachedStore) Count(ctx context.Context) (int64, error) {
	return s.inner.Count(ctx)
}

// Close closes the cache and the inner store.
func (s *CachedStore) Close() error {
	cacheErr := s.cache.Close()
	if err := s.inner.Close(); err != nil {
		return err
	}
	return cacheErr
}

func encodeRecord(rec *Record) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer PutBuffer(buf)

	if err := gob.NewEncoder(buf).Encode(rec); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

func decodeRecord(data []byte) (*Record, error) {
	reader := readerPool.Get().(*bytes.Reader)
	reader.Reset(data)
	defer readerPool.Put(reader)

	var rec Record
	if err := gob.NewDecoder(reader).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
