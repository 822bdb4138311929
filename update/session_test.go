package update

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSessionSetLength(t *testing.T) {
	tests := []struct {
		name        string
		n           int64
		ok          bool
		wantLimit   int64
		wantUnknown bool
	}{
		{"declared", 102400, true, 102400, false},
		{"absent", 0, false, FallbackLimit, true},
		{"zero", 0, true, FallbackLimit, true},
		{"negative", -1, true, FallbackLimit, true},
		{"larger than fallback", 2000000, true, 2000000, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewSession(testURL, time.Now())
			s.setLength(tc.n, tc.ok)
			if s.EffectiveLimit != tc.wantLimit || s.UnknownSize != tc.wantUnknown {
				t.Errorf("limit=%d unknown=%v, want %d/%v",
					s.EffectiveLimit, s.UnknownSize, tc.wantLimit, tc.wantUnknown)
			}
			if s.HasLength == tc.wantUnknown {
				t.Errorf("HasLength = %v with unknown = %v", s.HasLength, tc.wantUnknown)
			}
		})
	}
}

func TestSessionTransitions(t *testing.T) {
	s := NewSession(testURL, time.Now())
	if s.State() != StateIdle {
		t.Fatalf("new session state = %s", s.State())
	}

	for _, to := range []State{StateValidating, StateStreaming, StateFinalizing, StateSucceeded} {
		if err := s.advance(to); err != nil {
			t.Fatalf("advance(%s): %v", to, err)
		}
	}

	if err := s.advance(StateFailed); !errors.Is(err, ErrSessionDone) {
		t.Errorf("advance from terminal = %v, want ErrSessionDone", err)
	}
	s.fail(errors.New("late"))
	if s.State() != StateSucceeded || s.Err() != nil {
		t.Errorf("terminal session changed: %s, %v", s.State(), s.Err())
	}
}

func TestSessionRejectsBackwardTransition(t *testing.T) {
	s := NewSession(testURL, time.Now())
	s.advance(StateValidating)
	s.advance(StateStreaming)
	if err := s.advance(StateValidating); err == nil {
		t.Error("expected error moving back to validating")
	}
	if s.State() != StateStreaming {
		t.Errorf("state = %s, want streaming", s.State())
	}
}

func TestSessionFailKeepsFirstError(t *testing.T) {
	s := NewSession(testURL, time.Now())
	first := errors.New("first")
	s.fail(first)
	if got := s.fail(errors.New("second")); got != first {
		t.Errorf("fail() returned %v, want the first error", got)
	}
	if s.Err() != first {
		t.Errorf("Err() = %v", s.Err())
	}
}

func TestSessionProgressDue(t *testing.T) {
	now := time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC)
	s := NewSession(testURL, now)
	s.EffectiveLimit = 1 << 20
	s.notifiedAt = now

	if s.progressDue(now, ProgressBytes, ProgressInterval) {
		t.Error("progress due right after notification")
	}
	s.accept(ProgressBytes-1, now)
	if s.progressDue(now, ProgressBytes, ProgressInterval) {
		t.Error("progress due one byte short of the threshold")
	}
	s.accept(1, now)
	if !s.progressDue(now, ProgressBytes, ProgressInterval) {
		t.Error("progress not due at the byte threshold")
	}
	s.markNotified(now)
	if !s.progressDue(now.Add(ProgressInterval), ProgressBytes, ProgressInterval) {
		t.Error("progress not due at the interval")
	}
	if s.Remaining() != (1<<20)-ProgressBytes {
		t.Errorf("Remaining() = %d", s.Remaining())
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrBusy, "busy"},
		{&TransportError{Status: 404}, "transport"},
		{&InsufficientSpaceError{Needed: 2, Available: 1}, "insufficient-space"},
		{&SinkOpenError{Err: errors.New("x")}, "sink-open"},
		{&WriteError{Requested: 512, Accepted: 0}, "write"},
		{&StreamTimeoutError{}, "stream-timeout"},
		{&StreamTimeoutError{Disconnected: true}, "disconnected"},
		{&FinalizeError{Err: errors.New("x")}, "finalize"},
		{fmt.Errorf("stopped: %w", context.Canceled), "cancelled"},
		{errors.New("mystery"), "unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			if got := Reason(tc.err); got != tc.want {
				t.Errorf("Reason(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	if StateFinalizing.String() != "finalizing" {
		t.Errorf("got %q", StateFinalizing.String())
	}
	if !StateFailed.Terminal() || StateStreaming.Terminal() {
		t.Error("Terminal() misclassifies states")
	}
}
