package config

import "errors"

var (
	// ErrInvalidRedirectLimit is returned when redirect_limit is negative
	ErrInvalidRedirectLimit = errors.New("redirect_limit must not be negative")
	// ErrInvalidRetryLimit is returned when retry_limit is negative
	ErrInvalidRetryLimit = errors.New("retry_limit must not be negative")
	// ErrInvalidTimeout is returned when read timeout is not greater than 0
	ErrInvalidTimeout = errors.New("read_timeout must be greater than 0")
	// ErrInvalidConcurrency is returned when concurrency is not greater than 0
	ErrInvalidConcurrency = errors.New("concurrency must be greater than 0")
	// ErrEmptyDatabasePath is returned when database path is empty
	ErrEmptyDatabasePath = errors.New("database_path cannot be empty")
	// ErrInvalidProxy is returned when the proxy settings do not form a URL with a host
	ErrInvalidProxy = errors.New("proxy must be a URL with a host")
)
