package sharedsession

import (
	"net/http"
	"time"

	"github.com/samber/lo"
)

// DefaultCookieName is the session cookie name on plain connections. Secure
// connections use the same name prefixed with "S".
const DefaultCookieName = "SESSID"

// CookieConfig defines how session cookies are issued and expired.
type CookieConfig struct {
	Name   string
	Path   string
	Domain string
	// Lifetime of the cookie. 0 issues a browser-session cookie.
	Lifetime time.Duration
	// Secure overrides the Secure attribute. nil follows the request channel.
	Secure   *bool
	HttpOnly bool
	SameSite http.SameSite
}

// normalize applies defaults.
func (c CookieConfig) normalize() CookieConfig {
	if c.Name == "" {
		c.Name = DefaultCookieName
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.SameSite == 0 {
		c.SameSite = http.SameSiteLaxMode
	}
	// Browsers reject SameSite=None cookies without the Secure attribute.
	if c.SameSite == http.SameSiteNoneMode {
		secure := true
		c.Secure = &secure
	}
	return c
}

// NameFor returns the session cookie name used on the given channel.
func (c CookieConfig) NameFor(ch Channel) string {
	if ch == Secure {
		return "S" + c.Name
	}
	return c.Name
}

func (c CookieConfig) secure(env *Env) bool {
	if c.Secure != nil {
		return *c.Secure
	}
	return env.Channel == Secure
}

// set issues the session cookie for sid.
func (c CookieConfig) set(env *Env, sid string) {
	if !env.HTTP() {
		return
	}
	cookie := &http.Cookie{
		Name:     c.NameFor(env.Channel),
		Value:    sid,
		Path:     c.Path,
		Domain:   c.Domain,
		HttpOnly: c.HttpOnly,
		Secure:   c.secure(env),
		SameSite: c.SameSite,
	}
	if c.Lifetime > 0 {
		cookie.Expires = time.Now().Add(c.Lifetime)
		cookie.MaxAge = int(c.Lifetime.Seconds())
	}
	http.SetCookie(env.w, cookie)
}

// expire invalidates every session cookie variant the request carried: the
// channel's name, the name without its first character and the "S"-prefixed
// secure name. Outside HTTP it does nothing.
func (c CookieConfig) expire(env *Env) {
	if !env.HTTP() {
		return
	}
	name := c.NameFor(env.Channel)
	for _, n := range lo.Uniq([]string{name, name[1:], "S" + name}) {
		if !env.HasCookie(n) {
			continue
		}
		http.SetCookie(env.w, &http.Cookie{
			Name:     n,
			Value:    "",
			Path:     c.Path,
			Domain:   c.Domain,
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
			HttpOnly: c.HttpOnly,
			Secure:   c.secure(env),
			SameSite: c.SameSite,
		})
		env.forgetCookie(n)
	}
}

// present reports whether the request carried a plain or secure session cookie.
func (c CookieConfig) present(env *Env) bool {
	return env.HasCookie(c.NameFor(Plain)) || env.HasCookie(c.NameFor(Secure))
}
