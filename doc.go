/*
Package sharedsession stores web sessions in a SQL table shared between
applications, so that PHP and Go front ends serving the same site see the
same visitor state.

A session is one row of the sessions table: an auto-increment id, the user
bound to it, the session id sent in the plain cookie, the id sent in the
secure cookie when the session was opened over TLS, the client address, the
time of the last write and the serialized payload. Payloads use PHP's "php"
session format by default (`foo|s:3:"bar";`), so rows written by one side are
readable by the other.

Key Features:

  - Storage: SQLite (CGO-free, via modernc.org/sqlite) and PostgreSQL (via
    github.com/lib/pq), with an optional Memcached or Redis read-through cache.
  - Channel isolation: an id observed on a plain connection never resolves a
    session created over TLS.
  - Crawler friendly: reading a session without a session cookie never
    touches the database, and a session with nothing in it is never written.
  - Security:
  - Session ID regeneration to prevent session fixation attacks.
  - Strict session ID validation.
  - Secure default cookie settings (HttpOnly, SameSite).
  - Destroy always expires the session cookies, even if the delete fails.
  - Garbage collection: a background worker deletes sessions idle for longer
    than the configured lifetime.

Usage:

	store, err := sharedsession.NewSQLiteStore("sessions.db")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	sessions := sharedsession.NewSessions(store)
	mgr := sharedsession.NewManager(sharedsession.NewHandler(sessions), sharedsession.Config{
		MaxLifetime:     21 * 24 * time.Hour,
		CleanupInterval: 10 * time.Minute,
	})
	defer mgr.Close()

	r := gin.New()
	r.Use(mgr.Middleware())
	r.GET("/", func(c *gin.Context) {
		st, _ := sharedsession.FromContext(c)
		st.Set("seen", true)
	})

Lower level access goes through Handler, which implements the SaveHandler
contract of a session runtime (Read, Write, Destroy, GC), and through
Sessions, which resolves Session values for a request.

Thread Safety:

Manager, Handler, Sessions and the stores are safe for concurrent use. Session
and State values belong to a single request. Two requests writing the same
session concurrently race: the last write wins.
*/
package sharedsession
