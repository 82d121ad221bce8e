package inboxsync

import (
	"log/slog"
	"time"

	"github.com/supportdesk/inboxsync/internal/clock"
)

// Option configures the logger and persistence retry policy the sync
// components share.
type Option func(*settings)

type settings struct {
	logger            *slog.Logger
	clock             clock.Clock
	persistRetries    uint64
	persistRetryDelay time.Duration
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:            slog.New(slog.DiscardHandler),
		clock:             clock.Real(),
		persistRetries:    3,
		persistRetryDelay: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// withClock replaces the wall clock. Tests use it with clock.Fake.
func withClock(c clock.Clock) Option {
	return func(s *settings) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithPersistRetry sets how many times a failed local write is retried
// and the pause between attempts.
func WithPersistRetry(retries int, delay time.Duration) Option {
	return func(s *settings) {
		if retries >= 0 {
			s.persistRetries = uint64(retries)
		}
		if delay > 0 {
			s.persistRetryDelay = delay
		}
	}
}
