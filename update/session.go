package update

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a Session.
type State uint8

const (
	StateIdle State = iota
	StateValidating
	StateStreaming
	StateFinalizing
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Session is the unit of work for one update attempt. It is owned by the
// Run call that created it and is never reused.
type Session struct {
	ResourceID string

	// DeclaredLength is the length reported by the transport, valid when
	// HasLength is set.
	DeclaredLength int64
	HasLength      bool

	// EffectiveLimit is DeclaredLength, or FallbackLimit when the server
	// did not report a usable length (UnknownSize).
	EffectiveLimit int64
	UnknownSize    bool

	// BytesTransferred counts bytes accepted by the sink. It never exceeds
	// EffectiveLimit.
	BytesTransferred int64

	// OpenedAt is when the session was created, StartTime when streaming
	// began and LastProgressTime when the sink last accepted a chunk.
	OpenedAt         time.Time
	StartTime        time.Time
	LastProgressTime time.Time

	// Progress notification bookkeeping.
	notifiedAt  time.Time
	sinceNotify int64
	notifyCount int
	state       State
	err         error
}

// NewSession returns an idle session for resourceID.
func NewSession(resourceID string, now time.Time) *Session {
	return &Session{
		ResourceID: resourceID,
		OpenedAt:   now,
	}
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Err returns the failure reason once the session is StateFailed.
func (s *Session) Err() error { return s.err }

// Remaining returns how many bytes may still be accepted.
func (s *Session) Remaining() int64 {
	if s.BytesTransferred >= s.EffectiveLimit {
		return 0
	}
	return s.EffectiveLimit - s.BytesTransferred
}

// Complete reports whether the size target has been reached.
func (s *Session) Complete() bool {
	return s.BytesTransferred >= s.EffectiveLimit
}

// setLength applies the declared content length. Absent or non-positive
// lengths fall back to FallbackLimit.
func (s *Session) setLength(n int64, ok bool) {
	if ok && n > 0 {
		s.DeclaredLength = n
		s.HasLength = true
		s.EffectiveLimit = n
		return
	}
	s.HasLength = false
	s.DeclaredLength = 0
	s.EffectiveLimit = FallbackLimit
	s.UnknownSize = true
}

// advance moves the session forward. Terminal sessions never change.
func (s *Session) advance(to State) error {
	if s.state.Terminal() {
		return ErrSessionDone
	}
	if to <= s.state {
		return fmt.Errorf("update: invalid transition %s -> %s", s.state, to)
	}
	s.state = to
	return nil
}

// fail records err as the terminal reason and returns it. A session that is
// already terminal keeps its first outcome.
func (s *Session) fail(err error) error {
	if s.state.Terminal() {
		return s.err
	}
	s.state = StateFailed
	s.err = err
	return err
}

// accept records n bytes taken by the sink.
func (s *Session) accept(n int, now time.Time) {
	s.BytesTransferred += int64(n)
	s.sinceNotify += int64(n)
	s.LastProgressTime = now
}

// progressDue reports whether a progress notification is owed, by volume or
// by time since the previous one.
func (s *Session) progressDue(now time.Time, everyBytes int64, every time.Duration) bool {
	return s.sinceNotify >= everyBytes || now.Sub(s.notifiedAt) >= every
}

func (s *Session) markNotified(now time.Time) {
	s.notifiedAt = now
	s.sinceNotify = 0
	s.notifyCount++
}
