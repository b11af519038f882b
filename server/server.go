// Package server exposes the job queue, stored records and live job events
// over HTTP.
package server

import (
	"database/sql"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/stevecastle/lightfield/auth"
	"github.com/stevecastle/lightfield/jobqueue"
	"github.com/stevecastle/lightfield/logging"
	"github.com/stevecastle/lightfield/stream"
	"github.com/stevecastle/lightfield/tasks"
)

// Authenticator issues and checks API tokens.
type Authenticator interface {
	Login(username, password string) (string, error)
	VerifyToken(token string) (*auth.Claims, error)
}

// Options wires a Server to the rest of the service.
type Options struct {
	Queue *jobqueue.Queue
	DB    *sql.DB
	Auth  Authenticator
	Hub   *stream.Hub
	// Tasks are the commands jobs may run. Nil means the built-in tasks.
	Tasks tasks.TaskMap
	// SubmitRate limits job submissions per second across all clients.
	// Zero or less disables the limit.
	SubmitRate float64
	Logger     *logging.Logger
}

// Server serves the HTTP API.
type Server struct {
	queue   *jobqueue.Queue
	db      *sql.DB
	auth    Authenticator
	hub     *stream.Hub
	tasks   tasks.TaskMap
	limiter *rate.Limiter
	log     *logging.Logger
}

// New returns a Server for opts.
func New(opts Options) *Server {
	if opts.Tasks == nil {
		opts.Tasks = tasks.GetTasks()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	return &Server{
		queue:   opts.Queue,
		db:      opts.DB,
		auth:    opts.Auth,
		hub:     opts.Hub,
		tasks:   opts.Tasks,
		limiter: newLimiter(opts.SubmitRate),
		log:     opts.Logger.WithComponent("server"),
	}
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Handler returns the routed handler with logging, CORS and panic recovery
// applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc, role AuthRole) {
		mux.Handle(pattern, s.protect(h, role))
	}

	route("GET /{$}", s.jobsPageHandler, RolePublic)
	route("GET /records/{id}", s.recordPageHandler, RolePublic)

	route("POST /api/login", s.loginHandler, RolePublic)
	route("GET /api/tasks", s.tasksHandler, RolePublic)

	route("GET /api/jobs", s.jobsListHandler, RolePublic)
	route("POST /api/jobs", s.createJobHandler, RoleUser)
	route("POST /api/jobs/clear", s.clearJobsHandler, RoleUser)
	route("GET /api/jobs/{id}", s.jobHandler, RolePublic)
	route("POST /api/jobs/{id}/cancel", s.cancelHandler, RoleUser)
	route("POST /api/jobs/{id}/retry", s.retryHandler, RoleUser)
	route("DELETE /api/jobs/{id}", s.removeJobHandler, RoleUser)

	route("GET /api/records", s.recordsHandler, RolePublic)
	route("GET /api/records/{id}", s.recordHandler, RolePublic)
	route("DELETE /api/records/{id}", s.removeRecordHandler, RoleUser)

	route("GET /healthz", s.healthHandler, RolePublic)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.hub != nil {
		mux.Handle("GET /stream", s.hub)
	}

	return Logger(s.log, Recover(s.log, CORS(mux)))
}
