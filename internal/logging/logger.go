// Package logging builds the slog logger used by the CLI: JSON or text
// records to the console and, optionally, to a size-rotated log file.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidLevel is returned for unknown log level names
var ErrInvalidLevel = errors.New("invalid log level")

// ErrInvalidFormat is returned for unknown log formats
var ErrInvalidFormat = errors.New("invalid log format")

// Log formats
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config represents the logging configuration
type Config struct {
	Level      slog.Level
	Format     string    // FormatJSON or FormatText
	FilePath   string    // Optional log file, rotated by size
	MaxSize    int64     // MB
	MaxBackups int       // Rotated files kept next to FilePath
	Console    bool      // Write to Output
	Output     io.Writer // Console destination, os.Stderr when nil
}

// DefaultConfig returns the default logging configuration
func DefaultConfig() Config {
	return Config{
		Level:      slog.LevelInfo,
		Format:     FormatJSON,
		MaxSize:    100, // 100MB
		MaxBackups: 5,
		Console:    true,
	}
}

// ParseLevel converts a level name to slog.Level
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLevel, level)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger creates a logger from config. The returned closer releases the
// log file, if any, and must be called when the logger is no longer used.
func NewLogger(config Config) (*slog.Logger, io.Closer, error) {
	var writers []io.Writer
	var closer io.Closer = nopCloser{}

	if config.Console {
		out := config.Output
		if out == nil {
			out = os.Stderr
		}
		writers = append(writers, out)
	}

	if config.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(config.FilePath), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		fileWriter, err := NewRotatingFileWriter(config.FilePath, config.MaxSize*1024*1024, config.MaxBackups)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, fileWriter)
		closer = fileWriter
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	opts := &slog.HandlerOptions{Level: config.Level}

	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "", FormatJSON:
		handler = slog.NewJSONHandler(writer, opts)
	case FormatText:
		handler = slog.NewTextHandler(writer, opts)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidFormat, config.Format)
	}

	return slog.New(handler), closer, nil
}

// SetDefault creates a logger and installs it as the slog default
func SetDefault(config Config) (io.Closer, error) {
	logger, closer, err := NewLogger(config)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return closer, nil
}
