// Package update implements the download-and-flash pipeline: a capacity gate,
// a bounded streaming loop from a network transport into a flash sink, and the
// finalize/apply step that hands the device over to the new image.
//
// The package performs no I/O of its own. The transport and the sink are
// supplied by the caller, so the whole pipeline runs unchanged on the device
// (lneto transport, RP2350 flash) and on a host (net/http, file-backed flash).
package update

import (
	"context"
	"log/slog"
	"time"
)

// Pipeline limits.
const (
	// BufferSize is the fixed per-iteration working set of the streaming loop.
	BufferSize = 512

	// FallbackLimit bounds the transfer when the server reports no length.
	FallbackLimit = 1 << 20

	// StreamTimeout is the wall-clock ceiling for the streaming phase.
	StreamTimeout = 10 * time.Minute

	// ProgressBytes and ProgressInterval control progress notifications,
	// whichever threshold is crossed first.
	ProgressBytes    = 20 * 1024
	ProgressInterval = 30 * time.Second

	// RestartDelay lets pending output flush before the device restarts.
	RestartDelay = time.Second
)

// StatusOK is the only transport status that lets an update proceed.
const StatusOK = 200

// Transport supplies the firmware byte stream.
//
// Buffered and Connected must not block: the engine polls them once per loop
// iteration and yields when no data is pending.
type Transport interface {
	// Open issues the request for resourceID and returns the protocol status.
	// A non-nil error means no status was received; status is then <= 0.
	Open(ctx context.Context, resourceID string) (status int, err error)
	// ContentLength reports the declared body length, if any.
	ContentLength() (n int64, ok bool)
	// Connected reports the provider's liveness signal. Pending buffered
	// data counts as connected.
	Connected() bool
	// Buffered returns the number of bytes readable without blocking.
	Buffered() int
	Read(p []byte) (int, error)
	Close() error
}

// Sink is the flash update target. Writes are only legal between Begin and
// either Abort or End.
type Sink interface {
	// Capacity returns the free writable space in bytes.
	Capacity() int64
	Begin(size int64) error
	// Write returns the number of bytes accepted. Any count other than
	// len(p) is a failed write.
	Write(p []byte) (int, error)
	Abort()
	// End finalizes the image and, when apply is set, marks it as the next
	// boot target.
	End(apply bool) error
}

// Restarter reboots the device. On hardware Restart does not return.
type Restarter interface {
	Restart()
}

// Clock abstracts time for the pipeline.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// ProgressFunc receives progress notifications. It runs on the streaming
// loop and must return quickly.
type ProgressFunc func(Progress)

// OutcomeFunc receives the terminal result of every session, before any
// restart is attempted.
type OutcomeFunc func(Result)

type config struct {
	logger        *slog.Logger
	clock         Clock
	yield         func()
	progress      ProgressFunc
	outcome       OutcomeFunc
	restarter     Restarter
	streamTimeout time.Duration
	restartDelay  time.Duration
}

func defaultConfig() config {
	return config{
		logger:        slog.New(slog.DiscardHandler),
		clock:         systemClock{},
		yield:         func() { time.Sleep(time.Millisecond) },
		streamTimeout: StreamTimeout,
		restartDelay:  RestartDelay,
	}
}

// Option configures an Updater or an Engine.
type Option func(*config)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clk Clock) Option {
	return func(c *config) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithYield sets the hook run once per streaming iteration. On TinyGo this
// is where the network stack and other goroutines get scheduled.
func WithYield(fn func()) Option {
	return func(c *config) {
		if fn != nil {
			c.yield = fn
		}
	}
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(c *config) {
		c.progress = fn
	}
}

// WithOutcome registers a callback for terminal results.
func WithOutcome(fn OutcomeFunc) Option {
	return func(c *config) {
		c.outcome = fn
	}
}

// WithRestarter sets what runs after a successful finalize. Without one the
// Updater only reports success.
func WithRestarter(r Restarter) Option {
	return func(c *config) {
		c.restarter = r
	}
}

// WithStreamTimeout overrides StreamTimeout.
func WithStreamTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.streamTimeout = d
		}
	}
}

// WithRestartDelay overrides RestartDelay.
func WithRestartDelay(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.restartDelay = d
		}
	}
}
