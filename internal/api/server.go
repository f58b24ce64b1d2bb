package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vitalwatch/internal/auth"
	"vitalwatch/internal/config"
	"vitalwatch/internal/ingest"
	"vitalwatch/internal/metrics"
	"vitalwatch/internal/model"
	"vitalwatch/internal/normalize"
	"vitalwatch/internal/query"
)

type Ingester interface {
	Ingest(ctx context.Context, payload normalize.Payload, principal auth.Principal) error
}

type Authenticator interface {
	Authenticate(r *http.Request) (auth.Principal, error)
}

type IngestAuthorizer interface {
	AuthorizeIngest(ctx context.Context, p auth.Principal) error
}

type Server struct {
	cfg     *config.Manager
	ingest  Ingester
	query   *query.Service
	authn   Authenticator
	authz   IngestAuthorizer
	metrics *metrics.Collector
	logger  *slog.Logger
	version string

	limitMu  sync.Mutex
	limiter  *rate.Limiter
	limitCfg config.RateLimitConfig
}

type Deps struct {
	Ingester      Ingester
	Query         *query.Service
	Authenticator Authenticator
	Authorizer    IngestAuthorizer
	Metrics       *metrics.Collector
}

func NewServer(cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:     cfg,
		ingest:  deps.Ingester,
		query:   deps.Query,
		authn:   deps.Authenticator,
		authz:   deps.Authorizer,
		metrics: deps.Metrics,
		logger:  logger,
		version: version,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("POST /api/ingest/readings", s.handleIngest)
	mux.Handle("GET /api/dashboard/patients", s.requireUser(s.handleDashboard))
	mux.Handle("GET /api/patients/{patientId}", s.requireUser(s.handlePatient))
	mux.Handle("GET /api/patients/{patientId}/latest", s.requireUser(s.handleLatest))
	mux.Handle("GET /api/patients/{patientId}/history", s.requireUser(s.handleHistory))
	mux.Handle("GET /api/patients/{patientId}/alerts", s.requireUser(s.handleAlerts))
	return s.withRequestLog(s.withCORS(withJSONFallback(mux)))
}

var routeMethods = []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

// withJSONFallback answers unmatched requests with a {message} body instead
// of the mux's plain-text 404 and 405 responses.
func withJSONFallback(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, pattern := mux.Handler(r); pattern != "" {
			mux.ServeHTTP(w, r)
			return
		}
		var allowed []string
		for _, m := range routeMethods {
			alt := r.Clone(r.Context())
			alt.Method = m
			if _, pattern := mux.Handler(alt); pattern != "" {
				allowed = append(allowed, m)
			}
		}
		if len(allowed) > 0 {
			w.Header().Set("Allow", strings.Join(allowed, ", "))
			writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		writeMessage(w, http.StatusNotFound, "Not found")
	})
}

func Start(ctx context.Context, cfg *config.Manager, srv *Server, logger *slog.Logger) *http.Server {
	addr := cfg.Get().API.Addr
	logger.Info("api enabled", "addr", addr)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", "err", err)
		}
	}()
	return httpServer
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "Vital-sign monitoring backend is running")
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339Nano),
		"version": s.version,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	principal := auth.IngestPrincipal(r)
	// Rejected callers do not consume the rate budget.
	if err := s.authz.AuthorizeIngest(r.Context(), principal); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.allowIngest() {
		writeMessage(w, http.StatusTooManyRequests, "Too many requests")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Get().API.MaxBodyBytes))
	var payload normalize.Payload
	if err == nil {
		payload, err = ingest.DecodePayload(body)
	} else {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = model.Invalid("body", "too large")
		} else {
			err = model.Invalid("body", "unreadable")
		}
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ingest.Ingest(r.Context(), payload, principal); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	onlyWarnings := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("onlyWarnings")), "true")
	list, err := s.query.ListCurrentStates(r.Context(), query.Filter{OnlyWarnings: onlyWarnings})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patients": list})
}

func (s *Server) handlePatient(w http.ResponseWriter, r *http.Request) {
	p, err := s.query.GetPatient(r.Context(), patientID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patient": p})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest, err := s.query.GetCurrentState(r.Context(), patientID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"latest": latest})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := query.ParseLimit(r.URL.Query().Get("limit"), query.DefaultHistoryLimit)
	list, err := s.query.ListHistory(r.Context(), patientID(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": list})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := query.ParseLimit(r.URL.Query().Get("limit"), query.DefaultAlertLimit)
	list, err := s.query.ListAlerts(r.Context(), patientID(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list})
}

func patientID(r *http.Request) string {
	return strings.TrimSpace(r.PathValue("patientId"))
}

func (s *Server) requireUser(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.authn.Authenticate(r); err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r)
	})
}

// allowIngest applies the configured ingest rate. The limiter is rebuilt when
// a config reload changes the rate.
func (s *Server) allowIngest() bool {
	current := s.cfg.Get().Ingest.RateLimit
	if current.RPS <= 0 {
		return true
	}
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	if s.limiter == nil || s.limitCfg != current {
		s.limiter = rate.NewLimiter(rate.Limit(current.RPS), current.Burst)
		s.limitCfg = current
	}
	return s.limiter.Allow()
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeMessage(w, http.StatusBadRequest, validationMessage(verr))
	case errors.Is(err, model.ErrValidation):
		writeMessage(w, http.StatusBadRequest, "Invalid request")
	case errors.Is(err, model.ErrAuthDenied):
		writeMessage(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, model.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "Not found")
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestID(r.Context()),
			"err", err,
		)
		writeMessage(w, http.StatusInternalServerError, "Server error")
	}
}

func validationMessage(err *model.ValidationError) string {
	switch err.Field {
	case "patientId", "patientName":
		return "Missing patientId or patientName"
	case "timestamp":
		return "Invalid timestamp"
	case "body":
		if err.Reason == "too large" {
			return "Request body too large"
		}
		return "Invalid JSON body"
	}
	return "Invalid field " + err.Field
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
