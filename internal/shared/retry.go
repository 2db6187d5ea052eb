// Package shared provides small cross-cutting helpers.
package shared

import (
	"context"
	"strings"
	"time"
)

// IsConflict reports whether err is one of SQLite's transient
// concurrency failures: SQLITE_BUSY or "database is locked". These
// clear once the competing writer finishes, so they are worth a retry;
// anything else is treated as permanent.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked")
}

// RetryOnConflict runs fn up to attempts times, backing off
// exponentially from baseDelay between tries. Only conflicts per
// IsConflict are retried; any other error (and context cancellation)
// returns immediately.
func RetryOnConflict(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	delay := baseDelay
	for i := 0; i < attempts; i++ {
		err = fn()
		if !IsConflict(err) || i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
