package telemetry

import (
	"errors"
	"log/slog"
	"sync"
)

// Poster delivers one OTLP/JSON payload to path on the collector.
type Poster func(path string, body []byte) error

var (
	sending       sync.WaitGroup
	flushMu       sync.Mutex // serializes use of BodyBuf
	poster        Poster
	collectorName string
	logger        *slog.Logger
)

var errNoPoster = errors.New("telemetry: no collector configured")

// Start enables telemetry with p as the delivery function.
func Start(p Poster, collector string, l *slog.Logger) {
	mu.Lock()
	poster = p
	collectorName = collector
	logger = l
	enabled = true
	mu.Unlock()
}

// Flush sends everything queued. Queues are cleared even when delivery
// fails, so a dead collector never blocks the device.
func Flush() {
	flushMu.Lock()
	defer flushMu.Unlock()
	flush("/v1/logs", &logs.count, BuildLogsJSON, logs.clear, &sentLogs)
	flush("/v1/metrics", &metrics.count, BuildMetricsJSON, metrics.clear, &sentMetrics)
}

func flush(path string, queued *int, build func() int, clear func(), sent *int) {
	mu.Lock()
	if *queued == 0 || !enabled || paused {
		mu.Unlock()
		return
	}
	n := build()
	count := *queued
	clear()
	p := poster
	sending.Add(1)
	mu.Unlock()
	defer sending.Done()

	if n == 0 {
		return
	}
	err := errNoPoster
	if p != nil {
		err = p(path, BodyBuf[:n])
	}

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		sendErrors++
		if logger != nil {
			logger.Debug("telemetry:send-failed", slog.String("path", path), slog.String("err", err.Error()))
		}
		return
	}
	*sent += count
}
