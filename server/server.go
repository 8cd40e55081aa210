// Package server exposes the pipeline over HTTP: project and document
// management, the six phase endpoints, job polling, recalc, export download
// and the admin prompt surface.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/planforge/planforge/pipeline"
	"github.com/planforge/planforge/prompt"
	"github.com/planforge/planforge/store"
)

// Version is reported by the health endpoint.
const Version = "0.3.0"

// maxJSONBodySize caps plain JSON request bodies.
const maxJSONBodySize = 1 << 20 // 1 MB

// maxUploadSize caps document uploads. Crossing it yields 413 FILE_TOO_LARGE.
const maxUploadSize = 20 << 20 // 20 MiB

// Server is the HTTP layer. It holds no business logic; everything routes to
// the controller, the store or the prompt registry.
type Server struct {
	store      store.Store
	controller *pipeline.Controller
	prompts    *prompt.Registry
	auth       *adminAuth
	logger     *slog.Logger
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAdminCredentials enables the admin surface with the given id/password
// pair. Without credentials every admin call is refused.
func WithAdminCredentials(id, password string) Option {
	return func(s *Server) { s.auth = newAdminAuth(id, password) }
}

// New assembles the server.
func New(st store.Store, controller *pipeline.Controller, prompts *prompt.Registry, opts ...Option) *Server {
	s := &Server{
		store:      st,
		controller: controller,
		prompts:    prompts,
		auth:       newAdminAuth("", ""),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/projects", func(r chi.Router) {
			r.Post("/", s.handleCreateProject)
			r.Get("/", s.handleListProjects)
			r.Get("/{id}", s.handleGetProject)
			r.Patch("/{id}", s.handleUpdateProject)
			r.Get("/{id}/state", s.handleProjectState)
			r.Post("/{id}/edits", s.handleSaveEdit)
			r.Get("/{id}/history", s.handleHistory)
		})

		r.Post("/documents/upload", s.handleUpload)

		r.Post("/phase1/scan", s.handleScan)
		r.Post("/phase2/analyze", s.handlePhase2)
		r.Post("/phase3/map", s.handlePhase3)
		r.Post("/phase4/design", s.handlePhase4)
		r.Post("/phase5/extract", s.handlePhase5)

		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/recalc", s.handleRecalc)

		r.Post("/export/excel", s.handleExport)
		r.Get("/export/download/{job_id}", s.handleDownload)

		r.Post("/admin/auth", s.handleAdminAuth)
		r.Route("/admin/prompts", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/", s.handleListPrompts)
			r.Post("/activate", s.handleActivatePrompt)
			r.Get("/{key}/history", s.handlePromptHistory)
			r.Post("/{key}", s.handleSavePrompt)
			r.Post("/{key}/reset", s.handleResetPrompt)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": Version,
	})
}
