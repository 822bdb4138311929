package update

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Result is the terminal outcome of one Run.
type Result struct {
	ResourceID  string
	State       State
	Err         error
	Transferred int64
	Limit       int64
	Declared    int64
	UnknownSize bool
	Capacity    int64
	Elapsed     time.Duration
	// Restarting is set when a restart follows this result.
	Restarting bool
}

// OK reports whether the update succeeded.
func (r Result) OK() bool { return r.State == StateSucceeded }

// Updater gates a transfer on feasibility, drives the Engine and finalizes
// the image. Runs are serialized: a Run that starts while another is in
// flight fails with ErrBusy without touching the transport or the sink.
type Updater struct {
	transport Transport
	sink      Sink
	engine    *Engine
	cfg       config

	// capacity is the reading taken by the run in flight.
	capacity int64

	mu      sync.Mutex
	running bool
	last    Result
	hasLast bool
}

// New returns an Updater reading from t and writing into s.
func New(t Transport, s Sink, opts ...Option) *Updater {
	if t == nil || s == nil {
		panic("update: nil transport or sink")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Updater{
		transport: t,
		sink:      s,
		engine:    &Engine{cfg: cfg},
		cfg:       cfg,
	}
}

// Running reports whether an update is in flight.
func (u *Updater) Running() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.running
}

// Last returns the result of the most recent finished Run.
func (u *Updater) Last() (Result, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last, u.hasLast
}

// Run performs one complete update from resourceID. On success, with a
// Restarter configured, Run sleeps RestartDelay and restarts the device; on
// hardware it therefore does not return.
func (u *Updater) Run(ctx context.Context, resourceID string) Result {
	if !u.acquire() {
		u.cfg.logger.Warn("ota:busy", slog.String("url", resourceID))
		return Result{ResourceID: resourceID, State: StateFailed, Err: ErrBusy}
	}
	defer u.release()

	s := NewSession(resourceID, u.cfg.clock.Now())
	u.run(ctx, s)

	res := Result{
		ResourceID:  resourceID,
		State:       s.State(),
		Err:         s.Err(),
		Transferred: s.BytesTransferred,
		Limit:       s.EffectiveLimit,
		Declared:    s.DeclaredLength,
		UnknownSize: s.UnknownSize,
		Elapsed:     u.cfg.clock.Now().Sub(s.OpenedAt),
	}
	res.Capacity = u.capacity
	res.Restarting = res.OK() && u.cfg.restarter != nil

	u.mu.Lock()
	u.last, u.hasLast = res, true
	u.mu.Unlock()

	u.report(res)
	if u.cfg.outcome != nil {
		u.cfg.outcome(res)
	}
	if res.Restarting {
		u.cfg.logger.Info("ota:restarting", slog.Duration("delay", u.cfg.restartDelay))
		u.cfg.clock.Sleep(u.cfg.restartDelay)
		u.cfg.restarter.Restart()
	}
	return res
}

func (u *Updater) acquire() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running {
		return false
	}
	u.running = true
	u.capacity = 0
	return true
}

func (u *Updater) release() {
	u.mu.Lock()
	u.running = false
	u.mu.Unlock()
}

// run drives s to a terminal state.
func (u *Updater) run(ctx context.Context, s *Session) {
	log := u.cfg.logger
	s.advance(StateValidating)

	log.Info("ota:requesting", slog.String("url", s.ResourceID))
	status, err := u.transport.Open(ctx, s.ResourceID)
	defer func() {
		if cerr := u.transport.Close(); cerr != nil {
			log.Debug("ota:close-failed", slog.String("err", cerr.Error()))
		}
	}()
	if err != nil || status != StatusOK {
		s.fail(&TransportError{Status: status, Err: err})
		return
	}

	n, ok := u.transport.ContentLength()
	s.setLength(n, ok)
	if s.UnknownSize {
		log.Warn("ota:length-unknown", slog.Int64("limit", s.EffectiveLimit))
	} else {
		log.Info("ota:length", slog.Int64("bytes", s.DeclaredLength))
	}

	capacity := u.sink.Capacity()
	u.capacity = capacity
	log.Info("ota:capacity", slog.Int64("available", capacity))
	if s.EffectiveLimit > capacity {
		s.fail(&InsufficientSpaceError{Needed: s.EffectiveLimit, Available: capacity})
		return
	}

	if err := u.sink.Begin(s.EffectiveLimit); err != nil {
		s.fail(&SinkOpenError{Size: s.EffectiveLimit, Err: err})
		return
	}

	if err := u.engine.Stream(ctx, s, u.transport, u.sink); err != nil {
		return
	}

	s.advance(StateFinalizing)
	log.Info("ota:finalizing", slog.Int64("bytes", s.BytesTransferred))
	if err := u.sink.End(true); err != nil {
		s.fail(&FinalizeError{Transferred: s.BytesTransferred, Err: err})
		return
	}
	s.advance(StateSucceeded)
}

// report logs the terminal state with enough context to tell oversized
// images from network trouble and flash misconfiguration.
func (u *Updater) report(r Result) {
	log := u.cfg.logger
	if r.OK() {
		log.Info("ota:succeeded",
			slog.Int64("bytes", r.Transferred),
			slog.Duration("elapsed", r.Elapsed.Truncate(time.Millisecond)),
		)
		return
	}

	attrs := []any{
		slog.String("reason", Reason(r.Err)),
		slog.String("err", r.Err.Error()),
		slog.Int64("bytes", r.Transferred),
		slog.Int64("limit", r.Limit),
	}
	var (
		te *TransportError
		se *InsufficientSpaceError
	)
	switch {
	case errors.As(r.Err, &te) && te.Status <= 0:
		attrs = append(attrs, slog.String("hint", "connection failed or timed out, check network and server"))
	case errors.As(r.Err, &se):
		attrs = append(attrs,
			slog.Int64("needed", se.Needed),
			slog.Int64("available", se.Available),
			slog.String("hint", "reduce image size or check the partition table"),
		)
	}
	log.Error("ota:failed", attrs...)
}
