package report

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"openenterprise/otaclient/update"
)

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("invalid JSON %s: %v", b, err)
	}
	return m
}

func TestAppendProgress(t *testing.T) {
	got := AppendProgress(nil, update.Progress{
		BytesTransferred: 40960,
		EffectiveLimit:   102400,
		Elapsed:          1500 * time.Millisecond,
	})
	want := `{"event":"progress","bytes":40960,"limit":102400,"percent":40,"elapsed_ms":1500}`
	if string(got) != want {
		t.Errorf("AppendProgress() = %s, want %s", got, want)
	}

	stalled := decode(t, AppendProgress(nil, update.Progress{EffectiveLimit: 10, Elapsed: time.Minute, Stalled: true}))
	if stalled["stalled"] != true {
		t.Errorf("stalled progress = %v", stalled)
	}
}

func TestAppendOutcome(t *testing.T) {
	tests := []struct {
		name string
		r    update.Result
		want map[string]any
	}{
		{
			name: "succeeded",
			r: update.Result{
				ResourceID: "http://10.0.0.2/fw.bin", State: update.StateSucceeded,
				Transferred: 102400, Limit: 102400, Elapsed: 2 * time.Second, Restarting: true,
			},
			want: map[string]any{
				"event": "outcome", "resource": "http://10.0.0.2/fw.bin", "state": "succeeded",
				"reason": "ok", "bytes": 102400.0, "limit": 102400.0, "elapsed_ms": 2000.0,
				"restarting": true,
			},
		},
		{
			name: "transport",
			r: update.Result{
				ResourceID: "http://10.0.0.2/missing", State: update.StateFailed,
				Err: &update.TransportError{Status: 404},
			},
			want: map[string]any{
				"event": "outcome", "resource": "http://10.0.0.2/missing", "state": "failed",
				"reason": "transport", "bytes": 0.0, "limit": 0.0, "elapsed_ms": 0.0,
				"status": 404.0, "error": "update: request rejected with status 404",
			},
		},
		{
			name: "disconnected unknown size",
			r: update.Result{
				ResourceID: "x", State: update.StateFailed, UnknownSize: true,
				Transferred: 3000, Limit: update.FallbackLimit,
				Err: &update.StreamTimeoutError{Transferred: 3000, Limit: update.FallbackLimit, Disconnected: true},
			},
			want: map[string]any{
				"event": "outcome", "resource": "x", "state": "failed", "reason": "disconnected",
				"bytes": 3000.0, "limit": float64(update.FallbackLimit), "unknown_size": true,
				"elapsed_ms": 0.0, "error": "update: connection lost after 3000/1048576 bytes",
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := decode(t, AppendOutcome(nil, tc.r))
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("outcome (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAppendProgressDoesNotAllocate(t *testing.T) {
	buf := make([]byte, 0, MaxSize)
	p := update.Progress{BytesTransferred: 1, EffectiveLimit: 2}
	allocs := testing.AllocsPerRun(100, func() {
		buf = AppendProgress(buf[:0], p)
		buf = AppendStarted(buf[:0], "http://10.0.0.2/fw.bin")
	})
	if allocs != 0 {
		t.Errorf("allocations per run = %v, want 0", allocs)
	}
}

func TestAppendString(t *testing.T) {
	in := "a\"b\\c\nd\x01e\xff é"
	got := appendString(nil, in)
	var back string
	if err := json.Unmarshal(got, &back); err != nil {
		t.Fatalf("invalid JSON %s: %v", got, err)
	}
	if want := "a\"b\\c\nd\x01e� é"; back != want {
		t.Errorf("round trip = %q, want %q", back, want)
	}
}

func TestAppendHeartbeat(t *testing.T) {
	got := decode(t, AppendHeartbeat(nil, 65*time.Second, "v1 (abc) ota-001", true))
	want := map[string]any{"event": "running", "uptime_s": 65.0, "build": "v1 (abc) ota-001", "updating": true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("heartbeat (-want +got):\n%s", diff)
	}
}
