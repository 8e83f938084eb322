// Package gateway serves the box install API: archive uploads, install
// progress (polling and websocket), cancellation and box export.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cordum/barkit/core/bar/export"
	"github.com/cordum/barkit/core/bar/install"
	"github.com/cordum/barkit/core/bar/progress"
	"github.com/cordum/barkit/core/box"
	"github.com/cordum/barkit/core/infra/bus"
	"github.com/cordum/barkit/core/infra/config"
	"github.com/cordum/barkit/core/infra/locks"
	"github.com/cordum/barkit/core/infra/logging"
	infraMetrics "github.com/cordum/barkit/core/infra/metrics"
	"github.com/cordum/barkit/core/infra/redisutil"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	shutdownTimeout     = 30 * time.Second
	defaultPollInterval = 250 * time.Millisecond
	wsWriteWait         = 10 * time.Second
	metricsNamespace    = "barkit"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type server struct {
	installer *install.Installer
	runner    *install.Runner
	cache     progress.Cache
	assembler *export.Assembler
	limits    *config.Limits
	limiter   *rate.Limiter
	metrics   infraMetrics.GatewayMetrics

	stagingDir   string
	exportDir    string
	pollInterval time.Duration
}

// deps are the collaborators shared by the install pipeline and the HTTP
// surface.
type deps struct {
	limits  *config.Limits
	backend box.Backend
	locks   locks.Store
	cache   progress.Cache
	sink    progress.Sink
	metrics infraMetrics.Metrics
	gateway infraMetrics.GatewayMetrics

	stagingDir string
	exportDir  string
}

func newServer(d deps) (*server, *install.Runner) {
	if d.limits == nil {
		d.limits = config.DefaultLimits()
	}
	if d.metrics == nil {
		d.metrics = infraMetrics.Noop{}
	}
	if d.gateway == nil {
		d.gateway = infraMetrics.Noop{}
	}
	runner := install.NewRunner(install.RunnerConfig{
		Limits:  d.limits,
		Backend: d.backend,
		Locks:   d.locks,
		Sink:    d.sink,
		Metrics: d.metrics,
	})
	installer := install.NewInstaller(install.Config{
		Limits:  d.limits,
		Backend: d.backend,
		Locks:   d.locks,
		Cache:   d.cache,
		Sink:    d.sink,
		Metrics: d.metrics,
		Runner:  runner,
	})
	burst := d.limits.InstallBurst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if d.limits.InstallRatePerSec > 0 {
		limit = rate.Limit(d.limits.InstallRatePerSec)
	}
	s := &server{
		installer:    installer,
		runner:       runner,
		cache:        d.cache,
		assembler:    export.NewAssembler(d.backend, d.metrics),
		limits:       d.limits,
		limiter:      rate.NewLimiter(limit, burst),
		metrics:      d.gateway,
		stagingDir:   d.stagingDir,
		exportDir:    d.exportDir,
		pollInterval: defaultPollInterval,
	}
	return s, runner
}

// Run starts the gateway and blocks until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return RunContext(ctx, cfg)
}

// RunContext starts the gateway and blocks until ctx ends. Running installs
// get the shutdown timeout to finish before they are cancelled.
func RunContext(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}
	limits, err := config.LoadLimits(cfg.LimitsPath)
	if err != nil {
		logging.Error("gateway", "limits config unavailable, using defaults", "path", cfg.LimitsPath, "error", err)
	}
	for _, dir := range []string{cfg.StagingDir, cfg.ExportDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("prepare dir %s: %w", dir, err)
		}
	}

	d := deps{
		limits:     limits,
		backend:    box.NewMemoryBackend(),
		metrics:    infraMetrics.NewProm(metricsNamespace),
		gateway:    infraMetrics.NewGatewayProm(metricsNamespace),
		stagingDir: cfg.StagingDir,
		exportDir:  cfg.ExportDir,
	}

	var redisClient redis.UniversalClient
	if client, err := redisutil.Connect(ctx, cfg.RedisURL, cfg.RedisTLS); err != nil {
		logging.Error("gateway", "redis unavailable, using in-process progress cache and locks", "error", err)
		d.cache = progress.NewMemoryCache(limits.ProgressTTL())
		d.locks = locks.NewMemoryStore()
	} else {
		redisClient = client
		d.cache = progress.NewRedisCacheWithClient(client, limits.ProgressTTL())
		d.locks = locks.NewRedisStoreWithClient(client)
	}
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	sinks := progress.MultiSink{progress.LogSink{}}
	if nb, err := bus.NewNatsBus(cfg); err != nil {
		logging.Error("gateway", "nats unavailable, audit events are logged only", "error", err)
	} else {
		defer nb.Close()
		sinks = append(sinks, progress.BusSink{Publisher: nb, Subject: cfg.EventsSubject})
	}
	d.sink = sinks

	s, runner := newServer(d)
	serveErr := serve(ctx, s, cfg.HTTPAddr, cfg.MetricsAddr)

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := runner.Shutdown(drainCtx); err != nil {
		logging.Error("gateway", "installs cancelled at shutdown", "error", err)
	}
	return serveErr
}

// serve listens on both addresses and blocks until ctx ends or the API
// listener fails.
func serve(ctx context.Context, s *server, httpAddr, metricsAddr string) error {
	ln, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", httpAddr, err)
	}
	mln, err := net.Listen("tcp", metricsAddr)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("listen %s: %w", metricsAddr, err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	metricsSrv := &http.Server{
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info("gateway", "metrics listening", "addr", mln.Addr().String()+"/metrics")
		if err := metricsSrv.Serve(mln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("gateway", "metrics server error", "error", err)
		}
	}()

	// Uploads, exports and progress streams are long lived, so only headers
	// are bounded.
	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("gateway", "http listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		_ = metricsSrv.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logging.Error("gateway", "http server error", "error", err)
		return err
	case <-ctx.Done():
	}

	logging.Info("gateway", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /api/v1/boxes/{box}/install", s.instrumented("/api/v1/boxes/{box}/install", s.handleInstall))
	mux.HandleFunc("DELETE /api/v1/boxes/{box}/install", s.instrumented("/api/v1/boxes/{box}/install", s.handleCancel))
	mux.HandleFunc("GET /api/v1/boxes/{box}/progress", s.instrumented("/api/v1/boxes/{box}/progress", s.handleProgress))
	mux.HandleFunc("GET /api/v1/boxes/{box}/progress/stream", s.instrumented("/api/v1/boxes/{box}/progress/stream", s.handleProgressStream))
	mux.HandleFunc("GET /api/v1/boxes/{box}/export", s.instrumented("/api/v1/boxes/{box}/export", s.handleExport))

	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}
