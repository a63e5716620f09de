// Package notify delivers operator-facing messages through Telegram.
//
// Delivery is asynchronous: callers enqueue a notification and a small worker
// pool sends it with rate limiting, bounded retry and short-window dedup. A
// failed delivery never blocks the producing job cycle.
package notify

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled  = errors.New("notify disabled")
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify stopped")
)

// Target addresses a chat, optionally a forum topic thread inside it.
type Target struct {
	ChatID   int64
	ThreadID int
}

// Notification is one message to deliver. Kind groups messages for dedup
// (e.g. "idle", "report", "production").
type Notification struct {
	Kind   string
	Target Target
	Text   string

	// DisablePreview suppresses link previews. Text is always sent as HTML.
	DisablePreview bool

	// Photo optionally attaches an image; Text becomes its caption.
	Photo []byte
}

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// NoRetry marks an error as permanent so the pipeline won't retry the send.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter carries a downstream retry hint (e.g. Telegram flood wait).
// The pipeline respects the hint, bounded by RetryMaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
