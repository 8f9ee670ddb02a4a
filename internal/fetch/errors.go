package fetch

import "errors"

var (
	// ErrRetriesExhausted is returned when a request keeps failing with transient faults
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrInvalidURL is returned for URLs that cannot be fetched
	ErrInvalidURL = errors.New("invalid URL")

	// ErrNoSeedURLs is returned when a fetcher is created without seed URLs
	ErrNoSeedURLs = errors.New("at least one seed URL is required")
)
