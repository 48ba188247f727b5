package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MimeLyc/vidgen-client/internal/jobs"
)

// Server is an in-memory stand-in for the generation backend. It serves the
// REST API under /api/v1 and the per-user push channel under /ws/jobs, and
// can walk submitted jobs through their lifecycle on its own.
type Server struct {
	token     string
	userID    string
	publicURL string
	step      time.Duration

	mu    sync.Mutex
	jobs  map[string]*jobs.Job
	order []string

	hub *hub

	stop   chan struct{}
	wg     sync.WaitGroup
	router chi.Router
	server *http.Server
}

type Option func(*Server)

// WithAuth requires "Bearer token" on REST calls and accepts push
// connections for userID only.
func WithAuth(token, userID string) Option {
	return func(s *Server) {
		s.token = token
		s.userID = userID
	}
}

// WithSimulation advances every submitted job one stage per step.
func WithSimulation(step time.Duration) Option {
	return func(s *Server) {
		s.step = step
	}
}

// WithPublicURL sets the origin used in upload and video URLs.
func WithPublicURL(u string) Option {
	return func(s *Server) {
		s.publicURL = strings.TrimRight(u, "/")
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		publicURL: "http://localhost:8000",
		jobs:      make(map[string]*jobs.Job),
		hub:       newHub(),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		return http.ErrServerClosed
	default:
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()
	return srv.ListenAndServe()
}

// Shutdown stops the simulation, closes push connections and, if it was
// started with ListenAndServe, the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Close()
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Close stops the simulation and drops every push connection.
func (s *Server) Close() {
	s.mu.Lock()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.hub.closeAll()
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws/jobs/{user_id}", s.handlePush)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/generate/{mode}", s.handleGenerate)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)
		r.Post("/upload", s.handleUpload)
	})
	s.router = r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PutJob stores job as if the backend had created it.
func (s *Server) PutJob(job jobs.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		s.order = append([]string{job.ID}, s.order...)
	}
	stored := job
	s.jobs[job.ID] = &stored
}

func (s *Server) Job(id string) (jobs.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return jobs.Job{}, false
	}
	return *job, true
}

// UpdateJob applies patch to a stored job without publishing it.
func (s *Server) UpdateJob(id string, patch jobs.Patch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.OutputVideoURL != nil {
		job.OutputVideoURL = *patch.OutputVideoURL
	}
	if patch.ThumbnailURL != nil {
		job.ThumbnailURL = *patch.ThumbnailURL
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
	return true
}

// Publish sends payload to every push connection of userID and returns how
// many received it.
func (s *Server) Publish(userID string, payload any) int {
	return s.hub.publish(userID, payload)
}

// Subscribers is the number of open push connections of userID.
func (s *Server) Subscribers(userID string) int {
	return s.hub.count(userID)
}

// DisconnectAll closes every push connection, as a backend restart would.
func (s *Server) DisconnectAll() {
	s.hub.closeAll()
}
