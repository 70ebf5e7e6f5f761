package sharedsession

import (
	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const stateKey = "sharedsession.state"

// Middleware starts the session before the route handler runs and commits
// it afterwards. Session failures are logged and never fail the request: a
// route that finds no session through FromContext runs without one.
func (m *Manager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := m.Start(c.Writer, c.Request)
		if err != nil {
			if errors.Is(err, ErrHeadersSent) {
				m.log.Debug("session not started", zap.Error(err))
			} else {
				m.log.Warn("session start failed", zap.Error(err))
			}
			c.Next()
			return
		}

		c.Set(stateKey, st)
		c.Request = c.Request.WithContext(WithEnv(c.Request.Context(), st.env))

		c.Next()

		if err := m.Commit(c.Request.Context(), st); err != nil {
			m.log.Warn("session commit failed", zap.String("sid", st.ID), zap.Error(err))
		}
	}
}

// FromContext returns the session started by Middleware.
func FromContext(c *gin.Context) (*State, bool) {
	v, ok := c.Get(stateKey)
	if !ok {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
