package update

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Progress is one progress notification.
type Progress struct {
	BytesTransferred int64
	EffectiveLimit   int64
	Elapsed          time.Duration
	// Stalled is set when the notification was triggered by time alone,
	// with no bytes accepted since the previous one.
	Stalled bool
}

// Percent returns the completion percentage.
func (p Progress) Percent() float64 {
	if p.EffectiveLimit <= 0 {
		return 0
	}
	return float64(p.BytesTransferred) / float64(p.EffectiveLimit) * 100
}

// step is the decision taken at the top of each streaming iteration.
type step uint8

const (
	stepYield step = iota
	stepRead
	stepDone
	stepTimeout
	stepDisconnected
)

func (s step) String() string {
	switch s {
	case stepYield:
		return "yield"
	case stepRead:
		return "read"
	case stepDone:
		return "done"
	case stepTimeout:
		return "timeout"
	case stepDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// decide is the streaming state machine. Reaching the limit wins over
// everything, the deadline wins over liveness, and only a live connection
// with pending data is read.
func decide(s *Session, now time.Time, timeout time.Duration, connected bool, available int) step {
	switch {
	case s.Complete():
		return stepDone
	case now.Sub(s.StartTime) >= timeout:
		return stepTimeout
	case !connected:
		return stepDisconnected
	case available > 0:
		return stepRead
	}
	return stepYield
}

// readSize bounds a read by pending data, the buffer and the session limit.
func readSize(available, bufLen int, remaining int64) int {
	n := available
	if n > bufLen {
		n = bufLen
	}
	if int64(n) > remaining {
		n = int(remaining)
	}
	return n
}

// Engine moves bytes from a Transport into a Sink through a fixed buffer.
type Engine struct {
	cfg config
	buf [BufferSize]byte
}

// NewEngine returns an Engine configured by opts.
func NewEngine(opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{cfg: cfg}
}

// Stream runs the streaming phase of s. The sink must already be inside a
// Begin bracket. It returns nil once s.EffectiveLimit bytes were accepted;
// on any other exit the sink has been aborted and s is StateFailed.
func (e *Engine) Stream(ctx context.Context, s *Session, src Transport, dst Sink) error {
	if err := s.advance(StateStreaming); err != nil {
		return err
	}
	log := e.cfg.logger
	now := e.cfg.clock.Now()
	s.StartTime = now
	s.LastProgressTime = now
	s.notifiedAt = now

	log.Info("ota:streaming",
		slog.Int64("limit", s.EffectiveLimit),
		slog.Bool("unknown_size", s.UnknownSize),
		slog.Duration("timeout", e.cfg.streamTimeout),
	)

	for {
		if err := ctx.Err(); err != nil {
			dst.Abort()
			log.Warn("ota:cancelled", slog.Int64("bytes", s.BytesTransferred))
			return s.fail(fmt.Errorf("update: streaming cancelled after %d/%d bytes: %w",
				s.BytesTransferred, s.EffectiveLimit, err))
		}

		now = e.cfg.clock.Now()
		connected := src.Connected()
		available := src.Buffered()

		switch decide(s, now, e.cfg.streamTimeout, connected, available) {
		case stepDone:
			log.Info("ota:stream-complete",
				slog.Int64("bytes", s.BytesTransferred),
				slog.Duration("elapsed", now.Sub(s.StartTime)),
			)
			return nil

		case stepTimeout:
			dst.Abort()
			err := &StreamTimeoutError{
				Transferred: s.BytesTransferred,
				Limit:       s.EffectiveLimit,
				Elapsed:     now.Sub(s.StartTime),
			}
			log.Error("ota:stream-timeout",
				slog.Int64("bytes", s.BytesTransferred),
				slog.Int64("limit", s.EffectiveLimit),
				slog.Bool("connected", connected),
			)
			return s.fail(err)

		case stepDisconnected:
			dst.Abort()
			log.Error("ota:connection-lost",
				slog.Int64("bytes", s.BytesTransferred),
				slog.Int64("limit", s.EffectiveLimit),
			)
			return s.fail(&StreamTimeoutError{
				Transferred:  s.BytesTransferred,
				Limit:        s.EffectiveLimit,
				Elapsed:      now.Sub(s.StartTime),
				Disconnected: true,
			})

		case stepRead:
			if err := e.pump(s, src, dst, available, now); err != nil {
				return err
			}
		}

		if s.progressDue(now, ProgressBytes, ProgressInterval) {
			e.notify(s, now)
		}
		e.cfg.yield()
	}
}

// pump performs one bounded read and the matching write.
func (e *Engine) pump(s *Session, src Transport, dst Sink, available int, now time.Time) error {
	n := readSize(available, len(e.buf), s.Remaining())
	n, rerr := src.Read(e.buf[:n])
	if n > 0 {
		offset := s.BytesTransferred
		w, werr := dst.Write(e.buf[:n])
		if w != n || werr != nil {
			dst.Abort()
			e.cfg.logger.Error("ota:write-failed",
				slog.Int64("offset", offset),
				slog.Int("requested", n),
				slog.Int("accepted", w),
			)
			return s.fail(&WriteError{Offset: offset, Requested: n, Accepted: w, Err: werr})
		}
		s.accept(n, now)
	}
	if rerr != nil && !s.Complete() {
		dst.Abort()
		e.cfg.logger.Error("ota:read-failed",
			slog.Int64("bytes", s.BytesTransferred),
			slog.String("err", rerr.Error()),
		)
		return s.fail(&StreamTimeoutError{
			Transferred:  s.BytesTransferred,
			Limit:        s.EffectiveLimit,
			Elapsed:      now.Sub(s.StartTime),
			Disconnected: true,
			Err:          rerr,
		})
	}
	return nil
}

func (e *Engine) notify(s *Session, now time.Time) {
	p := Progress{
		BytesTransferred: s.BytesTransferred,
		EffectiveLimit:   s.EffectiveLimit,
		Elapsed:          now.Sub(s.StartTime),
		Stalled:          s.sinceNotify == 0,
	}
	s.markNotified(now)

	if p.Stalled {
		e.cfg.logger.Warn("ota:heartbeat",
			slog.Int64("bytes", p.BytesTransferred),
			slog.Int64("limit", p.EffectiveLimit),
			slog.Duration("elapsed", p.Elapsed.Truncate(time.Second)),
		)
	} else {
		e.cfg.logger.Info("ota:progress",
			slog.Int64("kb", p.BytesTransferred/1024),
			slog.Int64("limit_kb", p.EffectiveLimit/1024),
			slog.Int("percent", int(p.Percent())),
		)
	}
	if e.cfg.progress != nil {
		e.cfg.progress(p)
	}
}
