package sharedsession

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// Env is the per-request environment a session operates in. It is resolved
// once at the request boundary and carried in the context.
type Env struct {
	Channel  Channel
	ClientIP string

	userID    int64
	userKnown bool

	cookies map[string]struct{}
	// w is nil outside an HTTP request (CLI, background jobs); cookie
	// handling is skipped then.
	w http.ResponseWriter
}

// NewEnv resolves the environment of an HTTP request. When trustProxy is
// set, an "X-Forwarded-Proto: https" header from a TLS-terminating proxy
// marks the request as secure.
func NewEnv(w http.ResponseWriter, r *http.Request, trustProxy bool) *Env {
	env := &Env{
		Channel:  Plain,
		ClientIP: ClientIP(r),
		cookies:  make(map[string]struct{}),
		w:        w,
	}
	if r.TLS != nil || (trustProxy && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")) {
		env.Channel = Secure
	}
	for _, c := range r.Cookies() {
		env.cookies[c.Name] = struct{}{}
	}
	return env
}

// HasCookie reports whether the request carried a cookie with the given name.
func (e *Env) HasCookie(name string) bool {
	_, ok := e.cookies[name]
	return ok
}

// SetUser records the authenticated principal of the request, 0 for an
// anonymous visitor.
func (e *Env) SetUser(id int64) {
	e.userID = id
	e.userKnown = true
}

// User returns the authenticated principal and whether it is known. An
// unknown user leaves the stored user id untouched on payload writes.
func (e *Env) User() (int64, bool) {
	return e.userID, e.userKnown
}

// HTTP reports whether the environment belongs to an HTTP request.
func (e *Env) HTTP() bool {
	return e.w != nil
}

func (e *Env) forgetCookie(name string) {
	delete(e.cookies, name)
}

type envKey struct{}

// WithEnv returns a context carrying env.
func WithEnv(ctx context.Context, env *Env) context.Context {
	return context.WithValue(ctx, envKey{}, env)
}

// EnvFromContext returns the Env carried by ctx. Without one, it returns the
// environment of a command-line invocation: plain channel, loopback address,
// anonymous user, no cookies.
func EnvFromContext(ctx context.Context) *Env {
	if env, ok := ctx.Value(envKey{}).(*Env); ok && env != nil {
		return env
	}
	return &Env{Channel: Plain, ClientIP: defaultClientIP}
}

const defaultClientIP = "127.0.0.1"

// ClientIP returns the client address of r. The first non-empty source wins:
// the Client-IP header, the first X-Forwarded-For entry, the X-Forwarded
// header, then the connection's remote address. The result is reduced to
// the characters [0-9a-fA-F:.,] and whitespace; an empty result falls back
// to 127.0.0.1.
func ClientIP(r *http.Request) string {
	ip := r.Header.Get("Client-IP")
	if ip == "" {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			ip = strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
		}
	}
	if ip == "" {
		ip = r.Header.Get("X-Forwarded")
	}
	if ip == "" && r.RemoteAddr != "" {
		ip = r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		}
	}
	ip = sanitizeIP(ip)
	if ip == "" {
		return defaultClientIP
	}
	return ip
}

func sanitizeIP(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
			return r
		case r == ':', r == '.', r == ',', r == ' ', r == '\t', r == '\n', r == '\r', r == '\f', r == '\v':
			return r
		}
		return -1
	}, s)
}
