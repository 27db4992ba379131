package reqcache

import (
	"github.com/rs/zerolog"
)

// Notifier receives events the host application may want to surface to the
// user. Calls are made synchronously from the goroutine that observed the
// event and must not block.
type Notifier interface {
	// RetryExhausted is called once when a queued request is discarded.
	RetryExhausted(task RetryTask, err error)
	// ResourceUnavailable is called when a read had neither a cached entry
	// nor a working network.
	ResourceUnavailable(req Request, class ResourceClass, err error)
}

// LogNotifier writes notifications to a zerolog logger.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) RetryExhausted(task RetryTask, err error) {
	n.Log.Warn().Err(err).
		Str("task", task.ID).
		Str("method", task.Request.Method).
		Str("url", task.Request.URL).
		Int("attempts", task.Attempts).
		Msg("queued request discarded")
}

func (n LogNotifier) ResourceUnavailable(req Request, class ResourceClass, err error) {
	n.Log.Info().Err(err).
		Str("class", class.String()).
		Str("url", req.URL).
		Msg("resource unavailable offline")
}
