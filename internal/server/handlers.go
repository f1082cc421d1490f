package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/esnunes/pagesmith/internal/models"
	"github.com/esnunes/pagesmith/internal/pipeline"
	"github.com/esnunes/pagesmith/internal/publish"
)

const requestIDHeader = "X-Request-ID"

// maxLogBytes is how much of the end of the log file /logs returns.
const maxLogBytes = 256 << 10

type errorResponse struct {
	Error  string              `json:"error"`
	Fields []models.FieldError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleProcessTask(w http.ResponseWriter, r *http.Request) {
	var req models.TaskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "malformed request body: " + err.Error()})
		return
	}

	outcome, err := s.tasks.Handle(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *pipeline.ValidationError
	var perr *publish.PublishError
	switch {
	case errors.Is(err, pipeline.ErrUnauthorized):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "invalid secret"})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation failed", Fields: verr.Fields})
	case errors.Is(err, pipeline.ErrUnknownTask):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &perr):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: perr.Error()})
	case errors.Is(err, pipeline.ErrBusy):
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		s.log.Error("processing task", "request_id", w.Header().Get(requestIDHeader), "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

type healthResponse struct {
	Status           string   `json:"status"`
	AIAvailable      bool     `json:"ai_available"`
	AIProviders      []string `json:"ai_providers"`
	GitHubConfigured bool     `json:"github_configured"`
	ConfigLoaded     bool     `json:"config_loaded"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := s.status.AIProviders
	if providers == nil {
		providers = []string{}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:           "healthy",
		AIAvailable:      len(providers) > 0,
		AIProviders:      providers,
		GitHubConfigured: s.status.GitHubConfigured,
		ConfigLoaded:     s.status.ConfigLoaded,
	})
}

type rootResponse struct {
	Service     string            `json:"service"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	Endpoints   map[string]string `json:"endpoints"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{
		Service:     "pagesmith",
		Version:     Version,
		Description: "Generates static web applications from task briefs and publishes them to GitHub Pages",
		Endpoints: map[string]string{
			"process_task": "POST /process_task",
			"health":       "GET /health",
			"metrics":      "GET /metrics",
			"logs":         "GET /logs",
		},
	})
}

// handleLogs returns the tail of the log file.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logFile == "" {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "log file not configured"})
		return
	}
	f, err := os.Open(s.logFile)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "log file not available"})
		return
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > maxLogBytes {
		if _, err := f.Seek(-maxLogBytes, io.SeekEnd); err != nil {
			s.log.Warn("seeking log file", "error", err)
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.Copy(w, f)
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// requestID tags every response with X-Request-ID, reusing the caller's
// value when present, and logs one line per request.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.log.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
