package sharedsession

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// UserBinder is implemented by save handlers that track the authenticated
// user of a session.
type UserBinder interface {
	Login(ctx context.Context, sid string, userID int64) error
	Logout(ctx context.Context, sid string) error
}

// Login records userID on session sid after a successful authentication.
// A session that does not exist yet is ignored: anonymous and command-line
// contexts may have none, and its first write will carry the user.
func (s *Sessions) Login(ctx context.Context, sid string, userID int64) error {
	return s.bindUser(ctx, sid, userID)
}

// Logout zeroes the user id of session sid. A missing session is ignored.
func (s *Sessions) Logout(ctx context.Context, sid string) error {
	return s.bindUser(ctx, sid, 0)
}

func (s *Sessions) bindUser(ctx context.Context, sid string, userID int64) error {
	sess, err := s.Get(ctx, sid)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := sess.SetUserID(ctx, userID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	s.log.Debug("session user updated", zap.Int64("id", sess.rec.ID), zap.Int64("user_id", userID))
	return nil
}
