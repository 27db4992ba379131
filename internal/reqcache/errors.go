package reqcache

import (
	"context"
	"errors"
	"fmt"

	jmerrors "github.com/jmgilman/go/errors"
)

var (
	// ErrResourceUnavailable means there was neither a cached entry nor a
	// working network for a read.
	ErrResourceUnavailable = jmerrors.New(jmerrors.CodeUnavailable, "resource unavailable")

	// ErrPartitionCorrupt is returned by the storage layer when a stored
	// entry cannot be decoded. The store deletes the entry and reports a miss.
	ErrPartitionCorrupt = jmerrors.New(jmerrors.CodeInternal, "partition entry corrupt")

	// ErrRetryExhausted is surfaced to the notifier when a retry task runs out
	// of attempts, and returned by Enqueue when the first failure already
	// used them all.
	ErrRetryExhausted = jmerrors.New(jmerrors.CodeExecutionFailed, "retry attempts exhausted")

	ErrClosed = jmerrors.New(jmerrors.CodeUnavailable, "reqcache: manager closed")
)

// transportError marks err as a network-level failure.
func transportError(err error, url string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return jmerrors.Wrapf(err, jmerrors.CodeTimeout, "fetch %s", url)
	}
	return jmerrors.Wrapf(err, jmerrors.CodeNetwork, "fetch %s", url)
}

// IsTransportError reports whether err is a network-level failure (as
// opposed to an HTTP status the origin chose to send).
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	switch jmerrors.GetCode(err) {
	case jmerrors.CodeNetwork, jmerrors.CodeTimeout:
		return true
	}
	return false
}

func unavailable(key CacheKey, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrResourceUnavailable, key)
	}
	return fmt.Errorf("%w: %s: %w", ErrResourceUnavailable, key, cause)
}

func configError(format string, args ...any) error {
	return jmerrors.Newf(jmerrors.CodeInvalidConfig, format, args...)
}
