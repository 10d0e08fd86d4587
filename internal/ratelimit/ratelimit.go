package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidConfig = errors.New("ratelimit: invalid config")
	ErrClosed        = errors.New("ratelimit: limiter closed")
)

// Config is fixed for the lifetime of a limiter.
type Config struct {
	// Window is the trailing interval over which recorded weight is summed.
	Window time.Duration
	// CleanupInterval is how often the background sweep evicts expired entries.
	CleanupInterval time.Duration
	// Capacity is the maximum weight admissible within any Window ending at now.
	Capacity int64
}

func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be > 0", ErrInvalidConfig)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("%w: cleanup interval must be > 0", ErrInvalidConfig)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be > 0", ErrInvalidConfig)
	}
	return nil
}

// Decision is the outcome of an admission check. A rejection is a normal
// outcome, not an error.
type Decision struct {
	Allowed bool
	// RetryAfter is the time until the oldest counted entry leaves the
	// window. Zero when allowed.
	RetryAfter time.Duration
	Weight     int64
	Usage      int64
	Capacity   int64
	// Oversized is set when Weight can never fit, even in an empty window.
	Oversized bool
}

// RetryAfterMillis rounds RetryAfter up to whole milliseconds.
func (d Decision) RetryAfterMillis() int64 {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int64((d.RetryAfter + time.Millisecond - 1) / time.Millisecond)
}

// Remaining is the weight still admissible at decision time.
func (d Decision) Remaining() int64 {
	if r := d.Capacity - d.Usage; r > 0 {
		return r
	}
	return 0
}

type Snapshot struct {
	Bucket    string        `json:"bucket"`
	Window    time.Duration `json:"-"`
	Capacity  int64         `json:"capacity"`
	Usage     int64         `json:"usage"`
	Remaining int64         `json:"remaining"`
	Entries   int           `json:"entries"`
	// OldestAge is how long ago the oldest counted entry was recorded.
	OldestAge time.Duration `json:"-"`
	WindowMS  int64         `json:"window_ms"`
	OldestMS  int64         `json:"oldest_age_ms"`
}

type Limiter interface {
	Check(ctx context.Context, weight int64) (Decision, error)
	Record(weight int64)
	Acquire(ctx context.Context, weight int64) (Decision, error)
	Snapshot(ctx context.Context) (Snapshot, error)
	Config() Config
	Close() error
}
