// Package server exposes checkers over HTTP. Caller identity comes from
// headers set by a trusted gateway in front of the service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/joss/comply/internal/checker"
	"github.com/joss/comply/internal/domain"
	"github.com/joss/comply/internal/logging"
	"github.com/joss/comply/internal/metrics"
	"github.com/joss/comply/internal/plan"
	"github.com/joss/comply/internal/store"
)

// Identity headers.
const (
	HeaderUserID    = "X-User-ID"
	HeaderPlan      = "X-User-Plan"
	HeaderSessionID = "X-Session-ID"
)

// maxBodyBytes leaves room for an inline base64 image.
const maxBodyBytes = 10 << 20

type ctxKey struct{}

// CheckRequest is the body of POST /api/v1/checks.
type CheckRequest struct {
	Content     string        `json:"content"`
	ContentType string        `json:"contentType,omitempty"`
	Platform    string        `json:"platform,omitempty"`
	Image       *domain.Image `json:"image,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Server routes API requests to per-user checkers.
type Server struct {
	registry *checker.Registry
	plans    plan.Tables
	metrics  *metrics.Metrics
	log      *logging.Logger

	mu      sync.Mutex
	httpSrv *http.Server
	health  []healthCheck
}

type healthCheck struct {
	name  string
	store store.Store
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// New creates a server. Nil metrics and logger use the process defaults.
func New(registry *checker.Registry, plans plan.Tables, m *metrics.Metrics, log *logging.Logger) *Server {
	if m == nil {
		m = metrics.Global()
	}
	if log == nil {
		log = logging.New("server")
	}
	if plans.Limits == nil {
		plans = plan.Default()
	}
	return &Server{registry: registry, plans: plans, metrics: m, log: log}
}

// Router builds the HTTP routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/plans", s.handlePlans)

		r.Group(func(r chi.Router) {
			r.Use(s.identify)

			r.Get("/state", s.handleState)
			r.Post("/checks", s.handleCheck)
			r.Delete("/checks/{id}", s.handleDelete)
			r.Get("/history", s.handleHistory)
			r.Get("/usage", s.handleUsage)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/reset", s.handleReset)
		})
	})

	return r
}

// ListenAndServe serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.httpSrv != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.httpSrv = srv
	s.mu.Unlock()

	s.log.Info("listening", map[string]interface{}{"addr": addr})
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/health" {
			return
		}
		s.log.TimedEvent("request", start, map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"request_id": middleware.GetReqID(r.Context()),
		}, nil)
	})
}

// identify resolves the caller's checker from the identity headers.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(HeaderUserID)
		if err := store.ValidateID(userID); err != nil {
			respondWithError(w, http.StatusBadRequest, "missing_user", HeaderUserID+" header is required")
			return
		}
		cfg := checker.Config{
			UserID:    userID,
			Plan:      plan.Parse(r.Header.Get(HeaderPlan)),
			SessionID: r.Header.Get(HeaderSessionID),
		}
		c, err := s.registry.Get(r.Context(), cfg)
		if err != nil {
			s.log.Error("checker.create_failed", nil, err)
			respondWithError(w, http.StatusInternalServerError, "internal", "Internal server error")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, c)))
	})
}

func checkerFrom(r *http.Request) *checker.Checker {
	return r.Context().Value(ctxKey{}).(*checker.Checker)
}

// AddHealthCheck makes /health ping st.
func (s *Server) AddHealthCheck(name string, st store.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = append(s.health, healthCheck{name: name, store: st})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	checks := append([]healthCheck(nil), s.health...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok"}
	code := http.StatusOK
	for _, hc := range checks {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(checks))
		}
		if err := hc.store.Ping(ctx); err != nil {
			resp.Checks[hc.name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[hc.name] = "ok"
	}
	respondWithJSON(w, code, resp)
}

type planRow struct {
	Plan         plan.Plan  `json:"plan"`
	MonthlyLimit plan.Limit `json:"monthlyLimit"`
	HistoryDepth int        `json:"historyDepth"`
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	rows := make([]planRow, 0, len(s.plans.Limits))
	for _, p := range s.plans.Plans() {
		rows = append(rows, planRow{Plan: p, MonthlyLimit: s.plans.MonthlyLimit(p), HistoryDepth: s.plans.Depth(p)})
	}
	respondWithJSON(w, http.StatusOK, rows)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, checkerFrom(r).Snapshot())
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}

	creq := checker.Request{Content: req.Content, Platform: req.Platform, Image: req.Image}
	if req.ContentType != "" {
		ct, err := domain.ParseContentType(req.ContentType)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		creq.ContentType = ct
	}
	if req.Image != nil && (req.Image.Base64 == "" || req.Image.MimeType == "") {
		respondWithError(w, http.StatusBadRequest, "bad_request", "image needs base64 and mimeType")
		return
	}

	record, err := checkerFrom(r).RunCheck(r.Context(), creq)
	if err != nil {
		s.respondWithCheckError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, record)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := checkerFrom(r).DeleteCheck(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondWithCheckError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records := checkerFrom(r).History()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondWithError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		if n < len(records) {
			records = records[:n]
		}
	}
	respondWithJSON(w, http.StatusOK, records)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, checkerFrom(r).Usage())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c := checkerFrom(r)
	if err := c.Refresh(r.Context()); err != nil {
		s.log.Error("refresh_failed", nil, err)
		respondWithError(w, http.StatusBadGateway, "store_unavailable", "Could not reach the history store")
		return
	}
	respondWithJSON(w, http.StatusOK, c.Snapshot())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	c := checkerFrom(r)
	c.Reset(r.Context())
	respondWithJSON(w, http.StatusOK, c.Snapshot())
}

// statusFor maps a checker error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, checker.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "quota_exceeded"
	case errors.Is(err, checker.ErrOffTopic):
		return http.StatusUnprocessableEntity, "off_topic"
	case errors.Is(err, checker.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, checker.ErrPendingSync):
		return http.StatusConflict, "pending_sync"
	case errors.Is(err, checker.ErrEmptyContent), errors.Is(err, store.ErrInvalidID):
		return http.StatusBadRequest, "bad_request"
	case store.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case store.IsConnection(err):
		return http.StatusServiceUnavailable, "store_unavailable"
	}
	var ae *checker.AnalysisError
	if errors.As(err, &ae) {
		return http.StatusBadGateway, "analysis_failed"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) respondWithCheckError(w http.ResponseWriter, err error) {
	code, errCode := statusFor(err)
	msg := checker.Message(err)
	switch code {
	case http.StatusNotFound:
		msg = "Check not found"
	case http.StatusServiceUnavailable:
		s.log.Error("store_unavailable", nil, err)
		msg = "The history store is unavailable. Please try again."
	case http.StatusInternalServerError:
		s.log.Error("request_failed", nil, err)
		msg = "Internal server error"
	case http.StatusBadRequest:
		if !errors.Is(err, checker.ErrEmptyContent) {
			msg = err.Error()
		}
	}
	respondWithError(w, code, errCode, msg)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "internal", "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, errCode, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: errCode, Message: message})
}
