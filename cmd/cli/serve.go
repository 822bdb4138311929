package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const firmwarePath = "/firmware.bin"

// serveMetrics counts what the firmware server hands out.
type serveMetrics struct {
	requests *prometheus.CounterVec
	bytes    prometheus.Counter
	streams  prometheus.Gauge
}

func newServeMetrics(reg prometheus.Registerer) *serveMetrics {
	m := &serveMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otactl",
			Subsystem: "serve",
			Name:      "requests_total",
			Help:      "Firmware requests by status code.",
		}, []string{"code"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "otactl",
			Subsystem: "serve",
			Name:      "bytes_total",
			Help:      "Firmware bytes written to clients.",
		}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "otactl",
			Subsystem: "serve",
			Name:      "active_streams",
			Help:      "Firmware downloads in progress.",
		}),
	}
	reg.MustRegister(m.requests, m.bytes, m.streams)
	return m
}

// firmwareServer serves one image to devices. The fault switches reproduce
// the failure modes a device must survive.
type firmwareServer struct {
	image      []byte
	omitLength bool  // close-delimited body, no Content-Length
	stallAfter int64 // stop sending after this many bytes; 0 disables
	logger     *slog.Logger
	metrics    *serveMetrics
	registry   *prometheus.Registry
}

func newFirmwareServer(image []byte, logger *slog.Logger) *firmwareServer {
	reg := prometheus.NewRegistry()
	return &firmwareServer{
		image:    image,
		logger:   logger,
		metrics:  newServeMetrics(reg),
		registry: reg,
	}
}

func (s *firmwareServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get(firmwarePath, s.handleFirmware)
	r.Head(firmwarePath, s.handleFirmware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *firmwareServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if r.URL.Path == firmwarePath {
			s.metrics.requests.WithLabelValues(strconv.Itoa(status)).Inc()
		}
		s.logger.Info("serve:request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("took", time.Since(start)),
		)
	})
}

func (s *firmwareServer) handleFirmware(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	if s.omitLength {
		// Disables chunking; the server closes the connection after the body.
		w.Header().Set("Transfer-Encoding", "identity")
	} else {
		w.Header().Set("Content-Length", strconv.Itoa(len(s.image)))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}

	s.metrics.streams.Inc()
	defer s.metrics.streams.Dec()

	body := s.image
	if s.stallAfter > 0 && s.stallAfter < int64(len(body)) {
		body = body[:s.stallAfter]
	}
	n, err := w.Write(body)
	s.metrics.bytes.Add(float64(n))
	if err != nil {
		s.logger.Warn("serve:write-failed", slog.String("remote", r.RemoteAddr), slog.String("err", err.Error()))
		return
	}
	if len(body) < len(s.image) {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		s.logger.Info("serve:stalled", slog.Int("sent", n), slog.String("remote", r.RemoteAddr))
		<-r.Context().Done()
	}
}

func newServeCmd(a *app) *cobra.Command {
	var (
		addr       string
		omitLength bool
		stallAfter int64
	)
	cmd := &cobra.Command{
		Use:   "serve <firmware.uf2|firmware.bin>",
		Short: "Serve a firmware image for devices to pull",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := loadFirmware(args[0])
			if err != nil {
				return err
			}
			s := newFirmwareServer(image, a.logger)
			s.omitLength = omitLength
			s.stallAfter = stallAfter

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return s.run(ctx, addr, filepath.Base(args[0]))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().BoolVar(&omitLength, "omit-length", false, "send no Content-Length header")
	cmd.Flags().Int64Var(&stallAfter, "stall-after", 0, "stop sending after this many bytes")
	return cmd
}

// run serves until ctx is done.
func (s *firmwareServer) run(ctx context.Context, addr, name string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("serve:start",
		slog.String("file", name),
		slog.Int("size", len(s.image)),
		slog.String("url", "http://"+ln.Addr().String()+firmwarePath),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			// Stalled streams never go idle.
			return srv.Close()
		}
		return nil
	})
	return g.Wait()
}
