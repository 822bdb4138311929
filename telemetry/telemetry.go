// Package telemetry queues logs and metrics in fixed-size rings and ships
// them to an OpenTelemetry collector as OTLP/JSON. Nothing here allocates
// per record, so it is safe to call from the update path on the device.
package telemetry

import (
	"sync"
	"time"
)

// Configuration constants
const (
	FlushInterval = 30 * time.Second
	HTTPTimeout   = 10 * time.Second
	MaxRetries    = 2
)

// Log severity levels (OTLP standard)
const (
	SeverityDebug = 5
	SeverityInfo  = 9
	SeverityWarn  = 13
	SeverityError = 17
)

// Update metrics.
const (
	MetricOTABytes    = "ota.bytes_transferred"
	MetricOTAResult   = "ota.result"
	MetricOTAProgress = "ota.progress_percent"
	MetricUptime      = "device.uptime_seconds"
)

// LogEntry is a single queued log record.
type LogEntry struct {
	Timestamp int64
	Severity  uint8
	BodyLen   uint8
	Body      [128]byte
}

// MetricPoint is a single queued data point.
type MetricPoint struct {
	Timestamp int64
	Value     int64
	NameLen   uint8
	Name      [32]byte
	IsGauge   bool
}

// ring is a fixed-capacity queue that overwrites its oldest element when
// full.
type ring[T any] struct {
	buf   []T
	head  int
	count int
}

func (r *ring[T]) next() *T {
	idx := (r.head + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
	return &r.buf[idx]
}

func (r *ring[T]) at(i int) *T { return &r.buf[(r.head+i)%len(r.buf)] }

func (r *ring[T]) clear() { r.head, r.count = 0, 0 }

var (
	logBuf    [8]LogEntry
	metricBuf [8]MetricPoint
)

// Telemetry state
var (
	mu      sync.Mutex
	enabled bool
	paused  bool
	logs    = ring[LogEntry]{buf: logBuf[:]}
	metrics = ring[MetricPoint]{buf: metricBuf[:]}
	now     = time.Now

	sentLogs    int
	sentMetrics int
	sendErrors  int
)

// Log queues a record. Messages longer than the entry are truncated.
func Log(severity uint8, msg string) {
	mu.Lock()
	defer mu.Unlock()
	if !enabled || paused {
		return
	}
	e := logs.next()
	e.Timestamp = now().UnixNano()
	e.Severity = severity
	e.BodyLen = uint8(copy(e.Body[:], msg))
}

func LogInfo(msg string)  { Log(SeverityInfo, msg) }
func LogWarn(msg string)  { Log(SeverityWarn, msg) }
func LogError(msg string) { Log(SeverityError, msg) }

// RecordGauge records a point-in-time value.
func RecordGauge(name string, value int64) { record(name, value, true) }

// RecordCounter records a monotonic counter value.
func RecordCounter(name string, value int64) { record(name, value, false) }

func record(name string, value int64, gauge bool) {
	mu.Lock()
	defer mu.Unlock()
	if !enabled || paused {
		return
	}
	p := metrics.next()
	p.Timestamp = now().UnixNano()
	p.Value = value
	p.IsGauge = gauge
	p.NameLen = uint8(copy(p.Name[:], name))
}

// Pause stops queueing and sending, for example while an update owns the
// network. It waits for an in-flight send to finish.
func Pause() {
	mu.Lock()
	paused = true
	mu.Unlock()
	sending.Wait()
}

// Resume undoes Pause.
func Resume() {
	mu.Lock()
	paused = false
	mu.Unlock()
}

// IsPaused reports whether telemetry is paused.
func IsPaused() bool {
	mu.Lock()
	defer mu.Unlock()
	return paused
}

// Enable turns telemetry on.
func Enable() {
	mu.Lock()
	enabled = true
	mu.Unlock()
}

// Disable turns telemetry off. Queued records stay until the next flush.
func Disable() {
	mu.Lock()
	enabled = false
	mu.Unlock()
}

// Stats is a snapshot of the telemetry state for the console.
type Stats struct {
	Enabled       bool
	Paused        bool
	QueuedLogs    int
	QueuedMetrics int
	SentLogs      int
	SentMetrics   int
	SendErrors    int
	Collector     string
}

// Snapshot returns the current counters.
func Snapshot() Stats {
	mu.Lock()
	defer mu.Unlock()
	return Stats{
		Enabled:       enabled,
		Paused:        paused,
		QueuedLogs:    logs.count,
		QueuedMetrics: metrics.count,
		SentLogs:      sentLogs,
		SentMetrics:   sentMetrics,
		SendErrors:    sendErrors,
		Collector:     collectorName,
	}
}
