// Package health serves the agent's /health, /ready, /live, and /metrics
// endpoints, following the teacher's plain net/http handler style.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const serviceName = "zn-vault-agent"

// Response is the JSON body returned by /health, /ready, and /live.
type Response struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
	Detail    string `json:"detail,omitempty"`
}

// Checker reports whether a dependency the agent relies on is currently
// reachable. Readiness fails closed: any registered checker returning
// false makes /ready report unhealthy, even though /live stays healthy.
type Checker func() (ok bool, detail string)

// Server wires the four probe endpoints onto an http.ServeMux.
type Server struct {
	version  string
	logger   *slog.Logger
	checkers map[string]Checker
	mux      *http.ServeMux
}

// New builds a Server. version is reported in every response body.
func New(version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		version:  version,
		logger:   logger,
		checkers: make(map[string]Checker),
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.HandleFunc("/live", s.handleLive)
	s.mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	return s
}

// RegisterChecker adds a named readiness dependency check, e.g. "vault"
// or "event_channel".
func (s *Server) RegisterChecker(name string, c Checker) {
	s.checkers[name] = c
}

// Handler returns the composed http.Handler for all four endpoints.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{
		Status:    "ok",
		Service:   serviceName,
		Version:   s.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{
		Status:    "ok",
		Service:   serviceName,
		Version:   s.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	for name, check := range s.checkers {
		ok, detail := check()
		if !ok {
			s.logger.Warn("readiness check failed", "checker", name, "detail", detail)
			s.writeJSON(w, http.StatusServiceUnavailable, Response{
				Status:    "unhealthy",
				Service:   serviceName,
				Version:   s.version,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Detail:    name + ": " + detail,
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, Response{
		Status:    "ok",
		Service:   serviceName,
		Version:   s.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode health response", "error", err)
	}
}
