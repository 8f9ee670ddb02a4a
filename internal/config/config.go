// Package config provides configuration management for the fetcher.
// It enumerates every recognized fetch and crawl option together with its default.
package config

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"time"
)

// BasicAuth contains HTTP Basic Authentication credentials
type BasicAuth struct {
	Username    string `mapstructure:"username" yaml:"username"`         // Username for basic auth
	Password    string `mapstructure:"password" yaml:"password"`         // Password for basic auth
	UsernameEnv string `mapstructure:"username_env" yaml:"username_env"` // Environment variable for username
	PasswordEnv string `mapstructure:"password_env" yaml:"password_env"` // Environment variable for password
}

// Credentials resolves the username and password, preferring the
// environment variables when they are named.
func (b *BasicAuth) Credentials() (username, password string) {
	if b == nil {
		return "", ""
	}

	if b.UsernameEnv != "" {
		username = os.Getenv(b.UsernameEnv)
	} else {
		username = b.Username
	}

	if b.PasswordEnv != "" {
		password = os.Getenv(b.PasswordEnv)
	} else {
		password = b.Password
	}

	return username, password
}

// FetchConfig holds fetcher and crawl driver configuration
type FetchConfig struct {
	// Request construction
	UserAgent      string     `mapstructure:"user_agent" yaml:"user_agent"`             // HTTP User-Agent header, omitted when empty
	AcceptCookies  bool       `mapstructure:"accept_cookies" yaml:"accept_cookies"`     // Merge Set-Cookie headers into the jar
	Cookies        string     `mapstructure:"cookies" yaml:"cookies"`                   // Seed cookie string, sent even when AcceptCookies is false
	HTTPBasicAuth  *BasicAuth `mapstructure:"http_basic_auth" yaml:"http_basic_auth"`   // Basic auth for the target server
	Proxy          string     `mapstructure:"proxy" yaml:"proxy"`                       // Proxy URL, takes precedence over ProxyHost/ProxyPort
	ProxyHost      string     `mapstructure:"proxy_host" yaml:"proxy_host"`             // Proxy host name
	ProxyPort      int        `mapstructure:"proxy_port" yaml:"proxy_port"`             // Proxy port
	ProxyBasicAuth *BasicAuth `mapstructure:"proxy_basic_auth" yaml:"proxy_basic_auth"` // Basic auth for the proxy
	ReadTimeout    float64    `mapstructure:"read_timeout" yaml:"read_timeout"`         // Per-request timeout in seconds
	MaxBodySize    int64      `mapstructure:"max_body_size" yaml:"max_body_size"`       // Response bodies are truncated to this many bytes

	// Redirects and retries
	RedirectLimit int     `mapstructure:"redirect_limit" yaml:"redirect_limit"` // Redirects followed per fetch
	RetryLimit    int     `mapstructure:"retry_limit" yaml:"retry_limit"`       // Retries after a transient network fault
	RetryBackoff  float64 `mapstructure:"retry_backoff" yaml:"retry_backoff"`   // Initial backoff interval in seconds

	// Link extraction policy
	SkipNoFollow    bool     `mapstructure:"skip_no_follow" yaml:"skip_no_follow"`     // Honor rel=nofollow and robots noindex,follow
	FollowSubdomain []string `mapstructure:"follow_subdomain" yaml:"follow_subdomain"` // Extra hosts whose links are kept
	ExternalLinks   bool     `mapstructure:"external_links" yaml:"external_links"`     // Keep links to any host

	Verbose bool `mapstructure:"verbose" yaml:"verbose"` // Log retries and captured failures at warn level

	// Crawl driver
	SeedURLs     []string `mapstructure:"seed_urls" yaml:"seed_urls"`         // Starting URLs
	DepthLimit   int      `mapstructure:"depth_limit" yaml:"depth_limit"`     // Maximum link depth from a seed
	Concurrency  int      `mapstructure:"concurrency" yaml:"concurrency"`     // Number of concurrent fetches
	RequestDelay float64  `mapstructure:"request_delay" yaml:"request_delay"` // Minimum delay between requests to one host, in seconds
	Limit        int      `mapstructure:"limit" yaml:"limit"`                 // Stop after N pages (0=unlimited)
	DatabasePath string   `mapstructure:"database_path" yaml:"database_path"` // Path to the snapshot store file
}

// Default values for the options that have one
const (
	DefaultRedirectLimit = 5
	DefaultRetryLimit    = 3
	DefaultReadTimeout   = 10.0
	DefaultRetryBackoff  = 1.0
	DefaultMaxBodySize   = 10 * 1024 * 1024
)

// DefaultConfig returns a configuration with default values
func DefaultConfig() *FetchConfig {
	return &FetchConfig{
		ReadTimeout:   DefaultReadTimeout,
		MaxBodySize:   DefaultMaxBodySize,
		RedirectLimit: DefaultRedirectLimit,
		RetryLimit:    DefaultRetryLimit,
		RetryBackoff:  DefaultRetryBackoff,
		DepthLimit:    2,
		Concurrency:   4,
		RequestDelay:  0.1,
		Limit:         0, // unlimited
		DatabasePath:  "./hopfetch.db",
	}
}

// Validate checks if the configuration is valid
func (c *FetchConfig) Validate() error {
	if c.RedirectLimit < 0 {
		return ErrInvalidRedirectLimit
	}

	if c.RetryLimit < 0 {
		return ErrInvalidRetryLimit
	}

	if c.ReadTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.DatabasePath == "" {
		return ErrEmptyDatabasePath
	}

	if _, err := c.ProxyURL(); err != nil {
		return err
	}

	return nil
}

// ReadTimeoutDuration returns the read timeout, falling back to the default
// when it is not set.
func (c *FetchConfig) ReadTimeoutDuration() time.Duration {
	if c.ReadTimeout <= 0 {
		return seconds(DefaultReadTimeout)
	}
	return seconds(c.ReadTimeout)
}

// RetryBackoffDuration returns the initial retry backoff interval.
func (c *FetchConfig) RetryBackoffDuration() time.Duration {
	if c.RetryBackoff <= 0 {
		return seconds(DefaultRetryBackoff)
	}
	return seconds(c.RetryBackoff)
}

// RequestDelayDuration returns the per-host politeness delay.
func (c *FetchConfig) RequestDelayDuration() time.Duration {
	return seconds(c.RequestDelay)
}

// ProxyURL builds the proxy URL from Proxy or ProxyHost/ProxyPort, attaching
// the proxy basic auth credentials. It returns nil when no proxy is configured.
func (c *FetchConfig) ProxyURL() (*url.URL, error) {
	var raw string
	switch {
	case c.Proxy != "":
		raw = c.Proxy
	case c.ProxyHost != "":
		host := c.ProxyHost
		if c.ProxyPort > 0 {
			host = net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
		}
		raw = "http://" + host
	default:
		return nil, nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, ErrInvalidProxy
	}

	if username, password := c.ProxyBasicAuth.Credentials(); username != "" {
		u.User = url.UserPassword(username, password)
	}

	return u, nil
}

// BasicAuthCredentials returns the target server basic auth credentials.
func (c *FetchConfig) BasicAuthCredentials() (username, password string) {
	return c.HTTPBasicAuth.Credentials()
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
