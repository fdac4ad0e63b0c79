package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/mendan/internal/auth"
	"github.com/lukasbauer/mendan/internal/eventlog"
	"github.com/lukasbauer/mendan/internal/events"
	"github.com/lukasbauer/mendan/internal/generation"
	"github.com/lukasbauer/mendan/internal/notifications"
	"github.com/lukasbauer/mendan/internal/observability/metrics"
	"github.com/lukasbauer/mendan/internal/profile"
	"github.com/lukasbauer/mendan/internal/stt"
)

// Version is reported by /health.
const Version = "0.1.0"

type RouterConfig struct {
	// Upstream transcription. An empty key puts every bridge in mock mode.
	OpenAIAPIKey       string
	TranscriptionModel string
	RealtimeURL        string

	// Default VAD settings; clients may override the silence duration.
	SilenceDurationMs int
	PrefixPaddingMs   int

	// Commits with fewer pending audio bytes are skipped.
	MinCommitBytes int
}

// Deps are the collaborators the router wires into its handlers. Only
// Generator is required.
type Deps struct {
	Generator *generation.Service
	Dialer    stt.Dialer
	Tokens    *auth.Tokens
	Profiles  profile.Store
	EventLog  *eventlog.Logger
	Events    *events.Publisher
	Discord   *notifications.Discord
	Sessions  *SessionRegistry
	Metrics   *metrics.Metrics
}

type Router struct {
	cfg       RouterConfig
	logger    zerolog.Logger
	generator *generation.Service
	dialer    stt.Dialer
	tokens    *auth.Tokens
	profiles  profile.Store
	eventLog  *eventlog.Logger
	events    *events.Publisher
	discord   *notifications.Discord
	sessions  *SessionRegistry
	metrics   *metrics.Metrics
	mux       *http.ServeMux

	profilesMu sync.Mutex
}

func NewRouter(cfg RouterConfig, deps Deps, logger zerolog.Logger) http.Handler {
	return withSentryRecovery(withCORS(newRouter(cfg, deps, logger).mux))
}

func newRouter(cfg RouterConfig, deps Deps, logger zerolog.Logger) *Router {
	if cfg.SilenceDurationMs <= 0 {
		cfg.SilenceDurationMs = 300
	}
	if cfg.PrefixPaddingMs <= 0 {
		cfg.PrefixPaddingMs = 200
	}
	if cfg.MinCommitBytes <= 0 {
		cfg.MinCommitBytes = DefaultMinCommitBytes
	}
	r := &Router{
		cfg:       cfg,
		logger:    logger,
		generator: deps.Generator,
		dialer:    deps.Dialer,
		tokens:    deps.Tokens,
		profiles:  deps.Profiles,
		eventLog:  deps.EventLog,
		events:    deps.Events,
		discord:   deps.Discord,
		sessions:  deps.Sessions,
		metrics:   deps.Metrics,
		mux:       http.NewServeMux(),
	}
	if r.dialer == nil {
		r.dialer = stt.NewRealtimeDialer(logger)
	}
	if r.events == nil {
		r.events = events.New(nil, logger.With().Str("component", "events").Logger())
	}
	if r.sessions == nil {
		r.sessions = NewSessionRegistry()
	}
	if r.metrics == nil {
		r.metrics = metrics.DefaultMetrics
	}
	r.routes()
	return r
}

func (r *Router) routes() {
	// Probes
	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	// Transcription bridge
	r.mux.HandleFunc("GET /ws/transcribe", r.withAuth(r.handleTranscribeWS))

	// Answer generation (NDJSON streams)
	r.mux.HandleFunc("POST /generate-stage1", r.withAuth(r.handleGenerateStage1))
	r.mux.HandleFunc("POST /generate-stage2", r.withAuth(r.handleGenerateStage2))

	// Profiles
	r.mux.HandleFunc("GET /api/profiles", r.withAuth(r.handleListProfiles))
	r.mux.HandleFunc("POST /api/profiles", r.withAuth(r.handleImportProfile))
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	mode := generation.ModeFallback
	if r.generator != nil {
		mode = r.generator.Mode()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"version": Version,
		"mode":    mode,
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if r.sessions.IsDraining() {
		status, code = "draining", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"bridges": r.sessions.ModeCounts(),
	})
}

type ctxKey int

const clientIDKey ctxKey = iota

// clientIDFromContext returns the authenticated client, or "" when auth is off.
func clientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey).(string)
	return id
}

// withAuth requires a valid bearer token when a JWT secret is configured.
func (r *Router) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.tokens.Enabled() {
			next(w, req)
			return
		}
		token, err := auth.FromHeader(req.Header.Get("Authorization"))
		if err != nil {
			msg := "invalid authorization format"
			if errors.Is(err, auth.ErrMissingToken) {
				msg = "missing authorization header"
			}
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": msg})
			return
		}
		claims, err := r.tokens.Verify(token)
		if err != nil {
			r.logger.Debug().Err(err).Msg("rejected token")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		ctx := context.WithValue(req.Context(), clientIDKey, claims.ClientID)
		next(w, req.WithContext(ctx))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		if req != nil {
			scope.SetRequest(req)
		}
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
