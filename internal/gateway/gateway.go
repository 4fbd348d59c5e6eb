package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/floorwatch/internal/audit"
	"github.com/basket/floorwatch/internal/bus"
	"github.com/basket/floorwatch/internal/cron"
	"github.com/basket/floorwatch/internal/otel"
)

// Trigger runs scheduled jobs on demand and reports their state.
type Trigger interface {
	RunNow(name string) error
	Jobs() []cron.JobStatus
}

// Pinger checks that the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RequestObserver records per-route request metrics.
type RequestObserver interface {
	ObserveRequest(ctx context.Context, route string, status int, d time.Duration)
}

type Config struct {
	Trigger Trigger
	Store   Pinger
	Bus     *bus.Bus

	// MetricsHandler serves /metrics. Nil disables the route.
	MetricsHandler http.Handler
	Metrics        RequestObserver

	AuthToken string
	// AllowOrigins lists accepted Origin headers for browsers. Empty means
	// same-origin only.
	AllowOrigins []string
	// SyncPerMinute limits POST /v1/sync per client. Zero means 6.
	SyncPerMinute int

	// Audit records manual sync triggers. Nil disables it.
	Audit *audit.Log

	// ConfigFingerprint is the hash of the active config shown in /v1/status.
	ConfigFingerprint string

	// Tracer starts one server span per request. Nil disables tracing.
	Tracer trace.Tracer

	Logger *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracker *StatusTracker
	limiter *RateLimiter

	// ctx ends on Close and tears down open streams.
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the server. Call Close to stop its background goroutines.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "gateway"),
		limiter: NewRateLimiter(cfg.SyncPerMinute, 2),
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.Bus != nil {
		s.tracker = NewStatusTracker(cfg.Bus)
		go s.tracker.Run(ctx)
	}
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
	return s
}

func (s *Server) Close() {
	s.cancel()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.cfg.MetricsHandler)
	}
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.Handle("POST /v1/sync/{pass}", s.limiter.Wrap(http.HandlerFunc(s.handleSync)))
	mux.HandleFunc("GET /v1/stream", s.handleStream)

	var h http.Handler = mux
	h = NewAuthMiddleware(s.cfg.AuthToken).Wrap(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	h = RequestSizeLimitMiddleware(64 * 1024)(h)
	return s.instrument(h)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Ping(ctx); err != nil {
			s.logger.Warn("healthz: store ping failed", "error", err)
			dbOK = false
		}
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	})
}

type statusResponse struct {
	ConfigFingerprint string                  `json:"config_fingerprint"`
	Jobs              []cron.JobStatus        `json:"jobs"`
	Passes            map[string]PassSnapshot `json:"passes"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		ConfigFingerprint: s.cfg.ConfigFingerprint,
		Jobs:              []cron.JobStatus{},
		Passes:            map[string]PassSnapshot{},
	}
	if s.cfg.Trigger != nil {
		resp.Jobs = s.cfg.Trigger.Jobs()
	}
	if s.tracker != nil {
		resp.Passes = s.tracker.Latest()
		if fp := s.tracker.Fingerprint(); fp != "" {
			resp.ConfigFingerprint = fp
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSync starts a pass in the background and returns 202. The run
// outlives the request; its outcome shows up in /v1/status and the log.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	pass := r.PathValue("pass")
	if s.cfg.Trigger == nil || !knownJob(s.cfg.Trigger.Jobs(), pass) {
		writeError(w, http.StatusNotFound, "unknown pass "+pass)
		return
	}

	actor := "gateway:" + remoteHost(r)
	go func() {
		err := s.cfg.Trigger.RunNow(pass)
		switch {
		case err == nil:
			s.logger.Info("manual sync finished", "pass", pass)
			s.cfg.Audit.Record(actor, "sync.trigger", pass, audit.OutcomeOK, "")
		case errors.Is(err, cron.ErrSkipped):
			s.logger.Info("manual sync skipped: pass already running", "pass", pass)
			s.cfg.Audit.Record(actor, "sync.trigger", pass, audit.OutcomeSkipped, "already running")
		default:
			s.logger.Error("manual sync failed", "pass", pass, "error", err)
			s.cfg.Audit.Record(actor, "sync.trigger", pass, audit.OutcomeError, err.Error())
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"pass": pass, "status": "accepted"})
}

func knownJob(jobs []cron.JobStatus, name string) bool {
	for _, j := range jobs {
		if j.Name == name {
			return true
		}
	}
	return false
}

func (s *Server) instrument(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil && s.cfg.Tracer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeLabel(r.URL.Path)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		ctx := r.Context()
		if s.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = otel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+route, otel.AttrRoute.String(route))
			defer func() {
				span.SetAttributes(attribute.Int("http.status_code", rec.status))
				span.End()
			}()
		}
		next.ServeHTTP(rec, r.WithContext(ctx))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveRequest(ctx, route, rec.status, time.Since(start))
		}
	})
}

func routeLabel(path string) string {
	switch {
	case path == "/healthz", path == "/metrics", path == "/v1/status", path == "/v1/stream":
		return path
	case strings.HasPrefix(path, "/v1/sync/"):
		return "/v1/sync"
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and websocket.Accept reach the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket upgrade.
func (r *statusRecorder) Hijack() (conn net.Conn, rw *bufio.ReadWriter, err error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("gateway: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var _ RequestObserver = (*otel.Metrics)(nil)
