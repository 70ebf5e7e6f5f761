package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Morditux/sharedsession"
)

type routerDeps struct {
	manager  *sharedsession.Manager
	store    sharedsession.RecordStore // nil when sessions are kept in memory
	registry *prometheus.Registry
	metrics  bool
	admin    gin.Accounts // no admin routes when empty
	log      *zap.Logger
}

func newRouter(d routerDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.metrics {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))
	}

	app := r.Group("/", d.manager.Middleware())
	app.GET("/", visit)
	app.POST("/login", login(d))
	app.POST("/logout", logout(d))

	if len(d.admin) == 0 {
		d.log.Info("admin routes disabled: no admin accounts configured")
		return r
	}
	admin := r.Group("/admin", gin.BasicAuthForRealm(d.admin, "sessiond"), requireStore(d.store))
	admin.GET("/sessions", listSessions(d.store))
	admin.DELETE("/sessions/:id", deleteSession(d.store))
	admin.DELETE("/sessions", deleteAllSessions(d.store, d.log))

	return r
}

func visit(c *gin.Context) {
	st, ok := sharedsession.FromContext(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"visits": 0, "session": false})
		return
	}
	count := 0
	if v, ok := st.Get("visits"); ok {
		if n, ok := v.(int); ok {
			count = n
		}
	}
	count++
	st.Set("visits", count)
	c.JSON(http.StatusOK, gin.H{"visits": count, "session": true})
}

func login(d routerDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, ok := sharedsession.FromContext(c)
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no session"})
			return
		}
		userID, err := strconv.ParseInt(c.PostForm("user_id"), 10, 64)
		if err != nil || userID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id must be a positive integer"})
			return
		}

		ctx := c.Request.Context()
		if err := d.manager.Regenerate(ctx, st); err != nil {
			d.log.Warn("session regenerate failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session error"})
			return
		}
		if err := d.manager.Login(ctx, st, userID); err != nil {
			d.log.Warn("session login failed", zap.Error(err))
		}
		st.Set("user_id", int(userID))
		c.JSON(http.StatusOK, gin.H{"user_id": userID})
	}
}

func logout(d routerDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, ok := sharedsession.FromContext(c)
		if !ok {
			c.Status(http.StatusNoContent)
			return
		}
		ctx := c.Request.Context()
		if err := d.manager.Logout(ctx, st); err != nil {
			d.log.Warn("session logout failed", zap.Error(err))
		}
		if err := d.manager.Destroy(ctx, st); err != nil {
			d.log.Warn("session destroy failed", zap.Error(err))
		}
		c.Status(http.StatusNoContent)
	}
}

func requireStore(store sharedsession.RecordStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "database sessions disabled"})
			return
		}
		c.Next()
	}
}

type sessionView struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Secure    bool       `json:"secure"`
	IPAddress string     `json:"ip_address"`
	Datetime  *time.Time `json:"datetime,omitempty"`
	Size      int        `json:"size"`
}

func toView(r sharedsession.Record, _ int) sessionView {
	v := sessionView{
		ID:        r.ID,
		UserID:    r.UserID,
		Secure:    r.SecureSessionID != "",
		IPAddress: r.IPAddress,
		Size:      len(r.Data),
	}
	if !r.Datetime.IsZero() {
		v.Datetime = &r.Datetime
	}
	return v
}

func listSessions(store sharedsession.RecordStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		ctx := c.Request.Context()
		recs, err := store.List(ctx, sharedsession.ListOptions{Limit: max(limit, 0), Offset: max(offset, 0)})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		total, err := store.Count(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"total":    total,
			"sessions": lo.Map(recs, toView),
		})
	}
}

func deleteSession(store sharedsession.RecordStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		if err := store.Delete(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func deleteAllSessions(store sharedsession.RecordStore, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := store.DeleteAll(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		log.Info("all sessions deleted", zap.Int64("deleted", n), zap.String("admin", c.GetString(gin.AuthUserKey)))
		c.JSON(http.StatusOK, gin.H{"deleted": n})
	}
}
