package update

import (
	"context"
	"fmt"
	"time"
)

// fakeClock is a manually driven clock. Sleep advances it.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeTransport serves a scripted body.
type fakeTransport struct {
	status    int
	openErr   error
	length    int64
	hasLength bool

	data []byte
	// chunk caps what Buffered reports per poll (0 = everything).
	chunk int
	// dropAt drops the connection once that many bytes were read (-1 never).
	dropAt int64
	// stallAt stops delivering data, while staying connected, after that
	// many bytes (-1 never).
	stallAt int64
	// closeWhenDrained reports disconnected once data is exhausted.
	closeWhenDrained bool
	readErr          error

	read    int64
	maxRead int
	opened  int
	closed  int
}

func newFakeTransport(body []byte) *fakeTransport {
	return &fakeTransport{
		status:    StatusOK,
		length:    int64(len(body)),
		hasLength: true,
		data:      body,
		dropAt:    -1,
		stallAt:   -1,
	}
}

func (t *fakeTransport) Open(ctx context.Context, id string) (int, error) {
	t.opened++
	return t.status, t.openErr
}

func (t *fakeTransport) ContentLength() (int64, bool) { return t.length, t.hasLength }

func (t *fakeTransport) Connected() bool {
	if t.dropAt >= 0 && t.read >= t.dropAt {
		return false
	}
	if t.closeWhenDrained && len(t.data) == 0 {
		return false
	}
	return true
}

func (t *fakeTransport) Buffered() int {
	if t.stallAt >= 0 && t.read >= t.stallAt {
		return 0
	}
	n := len(t.data)
	if t.dropAt >= 0 && int64(n) > t.dropAt-t.read {
		n = int(t.dropAt - t.read)
	}
	if t.stallAt >= 0 && int64(n) > t.stallAt-t.read {
		n = int(t.stallAt - t.read)
	}
	if t.chunk > 0 && n > t.chunk {
		n = t.chunk
	}
	return n
}

func (t *fakeTransport) Read(p []byte) (int, error) {
	if len(p) > t.maxRead {
		t.maxRead = len(p)
	}
	n := copy(p, t.data)
	t.data = t.data[n:]
	t.read += int64(n)
	if len(t.data) == 0 && t.readErr != nil {
		return n, t.readErr
	}
	return n, nil
}

func (t *fakeTransport) Close() error {
	t.closed++
	return nil
}

// fakeSink records every call. Writes are counted rather than logged.
type fakeSink struct {
	capacity int64
	beginErr error
	endErr   error
	writeErr error
	// shortAt makes the n-th write (1-based) accept one byte less.
	shortAt int

	calls        []string
	writes       int
	written      []byte
	open         bool
	aborted      bool
	writeOutside int
	writeAfter   int
}

func newFakeSink(capacity int64) *fakeSink {
	return &fakeSink{capacity: capacity}
}

func (s *fakeSink) Capacity() int64 {
	s.calls = append(s.calls, "capacity")
	return s.capacity
}

func (s *fakeSink) Begin(size int64) error {
	s.calls = append(s.calls, fmt.Sprintf("begin(%d)", size))
	if s.beginErr != nil {
		return s.beginErr
	}
	s.open = true
	return nil
}

func (s *fakeSink) Write(p []byte) (int, error) {
	s.writes++
	if !s.open {
		s.writeOutside++
	}
	if s.aborted {
		s.writeAfter++
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	n := len(p)
	if s.shortAt == s.writes {
		n--
	}
	s.written = append(s.written, p[:n]...)
	return n, nil
}

func (s *fakeSink) Abort() {
	s.calls = append(s.calls, "abort")
	s.open = false
	s.aborted = true
}

func (s *fakeSink) End(apply bool) error {
	s.calls = append(s.calls, fmt.Sprintf("end(%t)", apply))
	s.open = false
	return s.endErr
}

// recorder collects callbacks in order.
type recorder struct {
	events   []string
	progress []Progress
	outcomes []Result
}

func (r *recorder) onProgress(p Progress) {
	r.progress = append(r.progress, p)
}

func (r *recorder) onOutcome(res Result) {
	r.events = append(r.events, "outcome:"+res.State.String())
	r.outcomes = append(r.outcomes, res)
}

func (r *recorder) Restart() {
	r.events = append(r.events, "restart")
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i>>8)
	}
	return b
}
