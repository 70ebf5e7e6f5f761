package sharedsession

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ErrInvalidLifetime is returned for a negative maximum lifetime.
var ErrInvalidLifetime = errors.New("max lifetime must not be negative")

// maxLifetimeSeconds is the longest lifetime, in seconds, a time.Duration holds.
const maxLifetimeSeconds = math.MaxInt64 / int64(time.Second)

// lifetimeSeconds converts a lifetime in seconds. ok is false when the
// lifetime is too long to represent, in which case no session is old enough
// to be collected.
func lifetimeSeconds(secs int64) (d time.Duration, ok bool, err error) {
	if secs < 0 {
		return 0, false, ErrInvalidLifetime
	}
	if secs > maxLifetimeSeconds {
		return 0, false, nil
	}
	return time.Duration(secs) * time.Second, true, nil
}

// Collect deletes every record last written maxLifetime or longer ago and
// returns how many were removed. Finding nothing to delete is not an error.
//
// This is the only expiration mechanism, so maxLifetime must be sized for
// the longest idle period a visitor should survive (three weeks is
// 1814400 seconds). Collect is safe to run while requests read and write:
// a session removed mid-request is re-inserted by its next write.
func (s *Sessions) Collect(ctx context.Context, maxLifetime time.Duration) (int64, error) {
	if maxLifetime < 0 {
		return 0, ErrInvalidLifetime
	}
	cutoff := s.now().Add(-maxLifetime)
	n, err := s.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.metrics.gc(n)
	if n > 0 {
		s.log.Info("expired sessions collected", zap.Int64("deleted", n), zap.Duration("max_lifetime", maxLifetime))
	}
	return n, nil
}

// CollectSeconds is Collect with the lifetime in seconds. Lifetimes too long
// for a time.Duration delete nothing.
func (s *Sessions) CollectSeconds(ctx context.Context, maxLifetime int64) (int64, error) {
	d, ok, err := lifetimeSeconds(maxLifetime)
	if err != nil || !ok {
		return 0, err
	}
	return s.Collect(ctx, d)
}
