package server

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/bidcraft/bidcraft/internal/blob"
	"github.com/bidcraft/bidcraft/internal/dispatch"
	"github.com/bidcraft/bidcraft/internal/metrics"
	"github.com/bidcraft/bidcraft/internal/store"
	"github.com/bidcraft/bidcraft/internal/validation"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Store      store.Store
	Dispatcher *dispatch.Dispatcher
	Validator  *validation.Validator
	Blobs      blob.ObjectStore
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Server exposes the proposal workflow over HTTP.
type Server struct {
	deps Deps
}

// New creates the API server.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the routed HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /submit-assessment", s.handleSubmitAssessment)
	mux.HandleFunc("GET /agent-status/{session_id}", s.handleAgentStatus)
	mux.HandleFunc("GET /results/{session_id}", s.handleResults)
	mux.HandleFunc("POST /upload-template", s.handleUploadTemplate)
	mux.HandleFunc("GET /blob/{key...}", s.handleBlob)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	return withCORS(mux)
}

// withCORS applies a permissive CORS policy and answers preflight
// requests directly. The API is consumed by browser frontends hosted
// anywhere, so every origin is allowed.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
