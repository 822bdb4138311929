package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"openenterprise/otaclient/httpget"
	"openenterprise/otaclient/report"
	"openenterprise/otaclient/telemetry"
	"openenterprise/otaclient/update"
)

var errNoURL = errors.New("no firmware URL given and none configured")

// updateRunner is satisfied by *update.Updater.
type updateRunner interface {
	Run(ctx context.Context, resourceID string) update.Result
}

// statusPublisher ships report payloads, typically over MQTT.
type statusPublisher interface {
	Publish(payload []byte) error
}

// updateWorker owns the single update slot. Triggers from the serial line
// and the console are queued here; a trigger that arrives while an update is
// queued or running is refused.
type updateWorker struct {
	runner     updateRunner
	status     statusPublisher
	logger     *slog.Logger
	defaultURL string
	validate   func(string) error

	requests chan string

	mu   sync.Mutex
	busy bool
	buf  [report.MaxSize]byte
}

func newUpdateWorker(defaultURL string, status statusPublisher, logger *slog.Logger) *updateWorker {
	return &updateWorker{
		status:     status,
		logger:     logger,
		defaultURL: defaultURL,
		requests:   make(chan string, 1),
	}
}

// Submit queues an update of url, or of the configured URL when url is
// empty.
func (w *updateWorker) Submit(url string) (string, error) {
	if url == "" {
		url = w.defaultURL
	}
	if url == "" {
		return "", errNoURL
	}
	if w.validate != nil {
		if err := w.validate(url); err != nil {
			return url, err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return url, update.ErrBusy
	}
	select {
	case w.requests <- url:
		w.busy = true
		return url, nil
	default:
		return url, update.ErrBusy
	}
}

// Busy reports whether an update is queued or running.
func (w *updateWorker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy
}

// Loop runs queued updates until ctx is done.
func (w *updateWorker) Loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case url := <-w.requests:
			w.handle(ctx, url)
		}
	}
}

func (w *updateWorker) handle(ctx context.Context, url string) update.Result {
	defer func() {
		w.mu.Lock()
		w.busy = false
		w.mu.Unlock()
	}()

	w.logger.Info("update:start", slog.String("url", url))
	telemetry.Pause()
	w.publish(report.AppendStarted(w.buf[:0], url))
	return w.runner.Run(ctx, url)
}

// onProgress is registered with the Updater.
func (w *updateWorker) onProgress(p update.Progress) {
	w.publish(report.AppendProgress(w.buf[:0], p))
}

// onOutcome is registered with the Updater and runs before any restart.
func (w *updateWorker) onOutcome(r update.Result) {
	w.publish(report.AppendOutcome(w.buf[:0], r))

	telemetry.Resume()
	telemetry.RecordCounter(telemetry.MetricOTABytes, r.Transferred)
	result := int64(0)
	if r.OK() {
		result = 1
	}
	telemetry.RecordGauge(telemetry.MetricOTAResult, result)
	if r.Restarting {
		telemetry.Flush()
	}
}

func (w *updateWorker) publish(payload []byte) {
	if w.status == nil {
		return
	}
	if err := w.status.Publish(payload); err != nil {
		w.logger.Warn("update:status-publish-failed", slog.String("err", err.Error()))
	}
}

// validateDeviceURL rejects URLs the on-device transport cannot fetch
// before they take the update slot.
func validateDeviceURL(raw string) error {
	u, err := httpget.ParseURL(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" {
		return httpget.ErrScheme
	}
	_, err = u.AddrPort()
	return err
}
