package update

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDecide(t *testing.T) {
	start := time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		transferred int64
		limit       int64
		elapsed     time.Duration
		connected   bool
		available   int
		want        step
	}{
		{"data pending", 0, 1000, 0, true, 200, stepRead},
		{"idle peer", 100, 1000, time.Minute, true, 0, stepYield},
		{"limit reached", 1000, 1000, time.Minute, true, 0, stepDone},
		{"limit beats deadline", 1000, 1000, time.Hour, false, 0, stepDone},
		{"deadline", 10, 1000, StreamTimeout, true, 50, stepTimeout},
		{"deadline beats disconnect", 10, 1000, StreamTimeout + time.Second, false, 0, stepTimeout},
		{"disconnected", 10, 1000, time.Second, false, 0, stepDisconnected},
		{"disconnected with data", 10, 1000, time.Second, false, 20, stepDisconnected},
		{"just before deadline", 10, 1000, StreamTimeout - time.Nanosecond, true, 0, stepYield},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := &Session{EffectiveLimit: tc.limit, BytesTransferred: tc.transferred, StartTime: start}
			got := decide(s, start.Add(tc.elapsed), StreamTimeout, tc.connected, tc.available)
			if got != tc.want {
				t.Errorf("decide() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestReadSize(t *testing.T) {
	tests := []struct {
		available int
		remaining int64
		want      int
	}{
		{available: 100, remaining: 1000, want: 100},
		{available: 4096, remaining: 1 << 20, want: BufferSize},
		{available: 4096, remaining: 37, want: 37},
		{available: 300, remaining: 300, want: 300},
		{available: 1, remaining: 1, want: 1},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprintf("avail=%d/rem=%d", tc.available, tc.remaining), func(t *testing.T) {
			if got := readSize(tc.available, BufferSize, tc.remaining); got != tc.want {
				t.Errorf("readSize() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestStreamRequiresValidating(t *testing.T) {
	s := NewSession(testURL, time.Now())
	s.fail(errors.New("earlier failure"))

	sink := newFakeSink(1 << 20)
	err := NewEngine().Stream(context.Background(), s, newFakeTransport(pattern(10)), sink)
	if !errors.Is(err, ErrSessionDone) {
		t.Fatalf("Stream() on a finished session = %v, want ErrSessionDone", err)
	}
	if sink.writes != 0 || len(sink.calls) != 0 {
		t.Error("sink touched for a finished session")
	}
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		p    Progress
		want float64
	}{
		{Progress{BytesTransferred: 0, EffectiveLimit: 100}, 0},
		{Progress{BytesTransferred: 50, EffectiveLimit: 200}, 25},
		{Progress{BytesTransferred: 100, EffectiveLimit: 100}, 100},
		{Progress{BytesTransferred: 10, EffectiveLimit: 0}, 0},
	}
	for _, tc := range tests {
		if got := tc.p.Percent(); got != tc.want {
			t.Errorf("%+v.Percent() = %v, want %v", tc.p, got, tc.want)
		}
	}
}
