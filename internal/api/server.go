package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kekewolf/web-fetcher/internal/domain"
	"github.com/kekewolf/web-fetcher/internal/manual"
	"github.com/kekewolf/web-fetcher/internal/metrics"
	"github.com/kekewolf/web-fetcher/internal/queue"
	"github.com/kekewolf/web-fetcher/internal/webfetch"
)

// Sessions exposes the manual session to operators.
type Sessions interface {
	Views() (current, last *manual.View)
	Complete() error
}

// Deps are the collaborators behind the routes. Nil Sessions, Jobs or
// Persist disable the matching feature.
type Deps struct {
	Sessions Sessions
	Domains  *domain.Classifier
	// Persist saves the domain list when a POST asks for it.
	Persist func(entries []string) error
	Jobs    queue.Producer
	IDs     webfetch.IDGenerator
	Logger  *zap.Logger
}

// Server wires HTTP handlers to the fetcher's runtime state.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Domains == nil {
		deps.Domains = domain.New(nil)
	}
	s := &Server{deps: deps, logger: deps.Logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/complete", s.completeSession)
		})
		r.Route("/domains", func(r chi.Router) {
			r.Get("/", s.listDomains)
			r.Post("/", s.addDomain)
			r.Get("/check", s.checkDomain)
		})
		r.Post("/fetch", s.submitFetch)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionResponse struct {
	Active  bool         `json:"active"`
	Session *manual.View `json:"session"`
}

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Sessions == nil {
		s.writeError(w, http.StatusNotFound, "manual sessions are disabled")
		return
	}
	current, last := s.deps.Sessions.Views()
	switch {
	case current != nil:
		s.writeJSON(w, http.StatusOK, sessionResponse{Active: true, Session: current})
	case last != nil:
		s.writeJSON(w, http.StatusOK, sessionResponse{Active: false, Session: last})
	default:
		s.writeError(w, http.StatusNotFound, "no manual session")
	}
}

func (s *Server) completeSession(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Sessions == nil {
		s.writeError(w, http.StatusNotFound, "manual sessions are disabled")
		return
	}
	err := s.deps.Sessions.Complete()
	switch {
	case errors.Is(err, manual.ErrNoSession):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, manual.ErrNotWaiting):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	current, _ := s.deps.Sessions.Views()
	s.logger.Info("manual session completed by operator")
	s.writeJSON(w, http.StatusAccepted, sessionResponse{Active: current != nil, Session: current})
}

func (s *Server) listDomains(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"entries": s.deps.Domains.Entries()})
}

type addDomainRequest struct {
	Entry   string `json:"entry"`
	Persist bool   `json:"persist"`
}

func (s *Server) addDomain(w http.ResponseWriter, r *http.Request) {
	var req addDomainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Entry) == "" {
		s.writeError(w, http.StatusBadRequest, "entry required")
		return
	}
	added := s.deps.Domains.Add(req.Entry)
	if req.Persist {
		if s.deps.Persist == nil {
			s.writeError(w, http.StatusBadRequest, "domain persistence is not configured")
			return
		}
		if err := s.deps.Persist(s.deps.Domains.Entries()); err != nil {
			s.logger.Error("persist domain list failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "persist domain list failed")
			return
		}
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
		s.logger.Info("problematic domain added", zap.String("entry", req.Entry), zap.Bool("persisted", req.Persist))
	}
	s.writeJSON(w, status, map[string]any{"added": added, "entries": s.deps.Domains.Entries()})
}

func (s *Server) checkDomain(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		s.writeError(w, http.StatusBadRequest, "url query parameter required")
		return
	}
	entry, matched := s.deps.Domains.Match(rawURL)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"url":         rawURL,
		"host":        domain.NormalizeHost(rawURL),
		"problematic": matched,
		"match":       entry,
		"route":       s.deps.Domains.Route(rawURL),
	})
}

type fetchRequest struct {
	URLs []string `json:"urls"`
}

type queuedJob struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (s *Server) submitFetch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "background fetching is disabled")
		return
	}
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	jobs, err := s.enqueueJobs(r.Context(), req.URLs)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusRequestTimeout
		case errors.Is(err, queue.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string][]queuedJob{"jobs": jobs})
}

func (s *Server) enqueueJobs(ctx context.Context, urls []string) ([]queuedJob, error) {
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	jobs := make([]queuedJob, 0, len(urls))
	for _, rawURL := range urls {
		rawURL = strings.TrimSpace(rawURL)
		if rawURL == "" {
			continue
		}
		id := ""
		if s.deps.IDs != nil {
			var err error
			if id, err = s.deps.IDs.NewID(); err != nil {
				return jobs, fmt.Errorf("generate job id: %w", err)
			}
		}
		if err := s.deps.Jobs.Enqueue(queueCtx, queue.Job{ID: id, URL: rawURL}); err != nil {
			return jobs, fmt.Errorf("enqueue job: %w", err)
		}
		jobs = append(jobs, queuedJob{ID: id, URL: rawURL})
	}
	return jobs, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
