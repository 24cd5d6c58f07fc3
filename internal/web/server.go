// Package web provides the HTTP status server for the filament-sensor daemon.
package web

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/filament-sensor/internal/jobctl"
	"github.com/sweeney/filament-sensor/internal/status"
)

// JobHandler receives job lifecycle events posted to /job/{event}.
type JobHandler func(ctx context.Context, ev jobctl.Event) error

// Reloader re-reads the configuration file and applies it.
type Reloader func() error

// Option configures a Server.
type Option func(*Server)

// WithHub serves live updates from hub on /ws.
func WithHub(hub *Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithJobHandler accepts job events on POST /job/{event}.
func WithJobHandler(fn JobHandler) Option {
	return func(s *Server) { s.onJob = fn }
}

// WithReloader accepts POST /config/reload.
func WithReloader(fn Reloader) Option {
	return func(s *Server) { s.reload = fn }
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	hub        *Hub
	onJob      JobHandler
	reload     Reloader
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a Server that reads state from the given tracker.
func New(addr string, tracker *status.Tracker, opts ...Option) *Server {
	s := &Server{tracker: tracker}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleJSON)
	r.Get("/status", s.handleLegacy)
	r.Get("/api/status", s.handleAPIStatus)
	r.Post("/job/{event}", s.handleJob)
	r.Post("/config/reload", s.handleReload)
	if s.hub != nil {
		r.Get("/ws", s.handleWS)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		log.WithError(err).Warn("web: render index")
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

// handleLegacy serves the numeric indicator: -1 disabled, 0 empty, 1 loaded.
func (s *Server) handleLegacy(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	render.JSON(w, r, map[string]string{"status": status.LegacyCode(snap.Filament)})
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, status.Build(s.tracker.Snapshot()))
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.onJob == nil {
		fail(w, r, http.StatusServiceUnavailable, "job events not accepted")
		return
	}
	ev, err := jobctl.ParseEvent(chi.URLParam(r, "event"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, err.Error())
		return
	}

	log.WithField("event", ev).Info("web: job event")
	if err := s.onJob(r.Context(), ev); err != nil {
		fail(w, r, http.StatusBadGateway, err.Error())
		return
	}
	render.JSON(w, r, map[string]string{"event": string(ev)})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		fail(w, r, http.StatusServiceUnavailable, "reload not supported")
		return
	}
	if err := s.reload(); err != nil {
		fail(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}
	render.JSON(w, r, status.Build(s.tracker.Snapshot()).Status.Config)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.serve(w, r, status.Build(s.tracker.Snapshot()))
}

func fail(w http.ResponseWriter, r *http.Request, code int, msg string) {
	render.Status(r, code)
	render.JSON(w, r, errorResponse{Error: msg})
}
