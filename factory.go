package sharedsession

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ErrDisabled is returned by OpenStore when database-backed sessions are
// switched off. Callers fall back to a MemoryHandler.
var ErrDisabled = errors.New("database sessions disabled")

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Enabled bool
	// Driver is "sqlite" or "postgres".
	Driver          string
	DSN             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	Cache           CacheConfig
}

// CacheConfig selects the optional read-through record cache.
type CacheConfig struct {
	// Driver is "", "memcached" or "redis". Empty disables the cache.
	Driver   string
	Servers  []string // memcached
	Addr     string   // redis
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
	Timeout  time.Duration
}

// OpenStore connects the configured record store, wrapped in a CachedStore
// when a cache driver is set.
func OpenStore(ctx context.Context, cfg StoreConfig, log *zap.Logger) (RecordStore, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if log == nil {
		log = zap.NewNop()
	}

	var (
		store RecordStore
		err   error
	)
	switch cfg.Driver {
	case "sqlite", "":
		store, err = NewSQLiteStoreWithConfig(SQLiteConfig{
			DSN:             cfg.DSN,
			Table:           cfg.Table,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	case "postgres", "postgresql":
		store, err = NewPostgreSQLStoreWithConfig(PostgreSQLConfig{
			DSN:             cfg.DSN,
			Table:           cfg.Table,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnectTimeout:  cfg.ConnectTimeout,
		})
	default:
		return nil, errors.Newf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	log.Info("session store opened", zap.String("driver", cfg.Driver), zap.String("table", cfg.Table))

	cache, err := openCache(ctx, cfg.Cache)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if cache == nil {
		return store, nil
	}
	log.Info("session cache enabled", zap.String("driver", cfg.Cache.Driver))
	return NewCachedStore(store, cache, CachedStoreConfig{
		Prefix: cfg.Cache.Prefix,
		TTL:    cfg.Cache.TTL,
		Logger: log,
	}), nil
}

func openCache(ctx context.Context, cfg CacheConfig) (Cache, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "memcached":
		return NewMemcachedCacheWithConfig(MemcachedConfig{
			Servers: cfg.Servers,
			Timeout: cfg.Timeout,
		}), nil
	case "redis":
		c, err := NewRedisCache(ctx, RedisConfig{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, errors.Newf("unknown cache driver %q", cfg.Driver)
	}
}

// NewSaveHandler builds the save handler for cfg: a database-backed Handler,
// or a MemoryHandler when database sessions are disabled. The returned store
// is nil for the memory fallback; otherwise the caller closes it after the
// last request has committed.
func NewSaveHandler(ctx context.Context, cfg StoreConfig, cookie CookieConfig, opts ...Option) (SaveHandler, RecordStore, error) {
	s := NewSessions(nil, append([]Option{WithCookie(cookie)}, opts...)...)

	store, err := OpenStore(ctx, cfg, s.log)
	if errors.Is(err, ErrDisabled) {
		s.log.Info("database sessions disabled, using in-memory handler")
		return NewMemoryHandler(cookie), nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	s.store = store
	return NewHandler(s), store, nil
}
