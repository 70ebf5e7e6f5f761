// Package config loads the YAML configuration of sessiond and sessionctl.
package config

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/Morditux/sharedsession"
	"github.com/Morditux/sharedsession/internal/logging"
)

type CookieConfig struct {
	Name     string        `yaml:"name"`
	Path     string        `yaml:"path"`
	Domain   string        `yaml:"domain"`
	Lifetime time.Duration `yaml:"lifetime"`
	Secure   *bool         `yaml:"secure"`
	HttpOnly *bool         `yaml:"http_only"`
	SameSite string        `yaml:"same_site"` // lax, strict, none
}

type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	Table           string        `yaml:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type CacheConfig struct {
	Driver   string        `yaml:"driver"` // "", memcached, redis
	Servers  []string      `yaml:"servers"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
	Timeout  time.Duration `yaml:"timeout"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	TrustProxy      bool          `yaml:"trust_proxy"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Admin           AdminConfig   `yaml:"admin"`
}

// AdminConfig lists the basic auth accounts allowed on the /admin routes.
// The admin routes are not served when it is empty.
type AdminConfig struct {
	Accounts map[string]string `yaml:"accounts"` // user -> password
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type Config struct {
	// Enabled switches database sessions on. When off, sessions live in
	// process memory.
	Enabled         bool           `yaml:"enabled"`
	MaxLifetime     time.Duration  `yaml:"max_lifetime"`
	CleanupInterval time.Duration  `yaml:"cleanup_interval"`
	MaxPayloadBytes int            `yaml:"max_payload_bytes"`
	Codec           string         `yaml:"codec"`
	Cookie          CookieConfig   `yaml:"cookie"`
	Store           StoreConfig    `yaml:"store"`
	Cache           CacheConfig    `yaml:"cache"`
	Log             logging.Config `yaml:"log"`
	HTTP            HTTPConfig     `yaml:"http"`
	Metrics         MetricsConfig  `yaml:"metrics"`
}

// Default returns the configuration used when no file is given: SQLite
// sessions in ./sessions.db.
func Default() Config {
	return Config{
		Enabled: true,
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "sessions.db",
		},
	}.withDefaults()
}

// Load reads the YAML file at path. Unset fields take their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.MaxLifetime == 0 {
		c.MaxLifetime = sharedsession.DefaultMaxLifetime
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	if c.Codec == "" {
		c.Codec = "php"
	}
	if c.Cookie.Name == "" {
		c.Cookie.Name = sharedsession.DefaultCookieName
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Table == "" {
		c.Store.Table = sharedsession.DefaultTable
	}
	if c.Cache.Timeout == 0 {
		c.Cache.Timeout = time.Second
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return c
}

func (c Config) validate() error {
	if _, err := sameSite(c.Cookie.SameSite); err != nil {
		return err
	}
	if c.MaxLifetime < 0 {
		return errors.New("max_lifetime must not be negative")
	}
	if c.Enabled && c.Store.DSN == "" {
		return errors.New("store.dsn is required when enabled")
	}
	for user, password := range c.HTTP.Admin.Accounts {
		if user == "" || strings.Contains(user, ":") || password == "" {
			return errors.Newf("http.admin.accounts: invalid account %q", user)
		}
	}
	return nil
}

// ApplyEnv overrides fields from SESSIOND_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("SESSIOND_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := getenv("SESSIOND_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := getenv("SESSIOND_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := getenv("SESSIOND_ENABLED"); v != "" {
		c.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	user, password := getenv("SESSIOND_ADMIN_USER"), getenv("SESSIOND_ADMIN_PASSWORD")
	if user != "" && password != "" {
		if c.HTTP.Admin.Accounts == nil {
			c.HTTP.Admin.Accounts = make(map[string]string)
		}
		c.HTTP.Admin.Accounts[user] = password
	}
}

// StoreConfig converts the store and cache sections.
func (c Config) StoreConfig() sharedsession.StoreConfig {
	return sharedsession.StoreConfig{
		Enabled:         c.Enabled,
		Driver:          c.Store.Driver,
		DSN:             c.Store.DSN,
		Table:           c.Store.Table,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
		ConnectTimeout:  c.Store.ConnectTimeout,
		Cache: sharedsession.CacheConfig{
			Driver:   c.Cache.Driver,
			Servers:  c.Cache.Servers,
			Addr:     c.Cache.Addr,
			Password: c.Cache.Password,
			DB:       c.Cache.DB,
			Prefix:   c.Cache.Prefix,
			TTL:      c.Cache.TTL,
			Timeout:  c.Cache.Timeout,
		},
	}
}

// CookieConfig converts the cookie section. HttpOnly defaults to true.
func (c Config) CookieConfig() sharedsession.CookieConfig {
	ss, _ := sameSite(c.Cookie.SameSite)
	httpOnly := true
	if c.Cookie.HttpOnly != nil {
		httpOnly = *c.Cookie.HttpOnly
	}
	return sharedsession.CookieConfig{
		Name:     c.Cookie.Name,
		Path:     c.Cookie.Path,
		Domain:   c.Cookie.Domain,
		Lifetime: c.Cookie.Lifetime,
		Secure:   c.Cookie.Secure,
		HttpOnly: httpOnly,
		SameSite: ss,
	}
}

func sameSite(s string) (http.SameSite, error) {
	switch strings.ToLower(s) {
	case "", "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, errors.Newf("unknown same_site %q", s)
	}
}
