// Package api serves the job status HTTP API. Producers and watchers use
// namespace scoped API keys on the /jobs routes; dashboard users use bearer
// tokens on the /api routes.
package api

import (
	"context"
	"net/http"
	"sync/atomic"

	"filippo.io/csrf"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/jobwatch/internal/accept"
	"github.com/wolfeidau/jobwatch/internal/auth"
	httpmw "github.com/wolfeidau/jobwatch/internal/http"
	"github.com/wolfeidau/jobwatch/internal/models"
	"github.com/wolfeidau/jobwatch/internal/stream"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// APIKeyHeader carries the namespace scoped API key.
	APIKeyHeader = "API_KEY"

	maxRequestBodySize = 256
)

// JobStore is the job lifecycle the API exposes.
type JobStore interface {
	Create(ctx context.Context, key models.JobKey, input *models.CreateInput) (*models.Job, error)
	Get(ctx context.Context, key models.JobKey) (*models.Job, error)
	GetAll(ctx context.Context, namespace string) ([]*models.Job, error)
	Update(ctx context.Context, key models.JobKey, status models.Status) (*models.Job, error)
	Delete(ctx context.Context, key models.JobKey) error
	Namespaces(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) bool
}

// Option configures a Server.
type Option func(*Server)

// WithCORSOrigins sets the browser origins allowed to call the API.
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// Server holds the handlers' dependencies.
type Server struct {
	jobs    JobStore
	streams *stream.Server
	keys    *auth.KeySigner
	users   auth.Authenticator

	corsOrigins []string
	metrics     http.Handler

	ready atomic.Bool
}

func New(jobs JobStore, streams *stream.Server, keys *auth.KeySigner, users auth.Authenticator, opts ...Option) *Server {
	s := &Server{
		jobs:    jobs,
		streams: streams,
		keys:    keys,
		users:   users,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetReady marks the server ready to take traffic.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler(logger zerolog.Logger) (http.Handler, error) {
	mux := http.NewServeMux()

	route := func(pattern, module string, h http.HandlerFunc) {
		mux.Handle(pattern, httpmw.Route(module, h))
	}

	route("GET /jobs", "get-all-jobs", s.getJobs)
	route("GET /jobs/{id}", "get-job", s.getJob)
	route("POST /jobs/{id}", "create-job", s.createJob)
	route("DELETE /jobs/{id}", "delete-job", s.deleteJob)
	route("GET /jobs/{id}/status", "get-job-status", s.getJobStatus)
	route("PUT /jobs/{id}/status", "set-job-status", s.setJobStatus)
	for _, status := range []models.Status{models.StatusSuccess, models.StatusFailed, models.StatusRunning} {
		name := statusPath(status)
		route("GET /jobs/{id}/"+name, "get-job-"+name, s.isJobStatus(status))
		route("PUT /jobs/{id}/"+name, "set-job-"+name, s.setJobStatusTo(status))
	}

	protection := csrf.New()
	for _, origin := range s.corsOrigins {
		if err := protection.AddTrustedOrigin(origin); err != nil {
			return nil, err
		}
	}
	userRoute := func(pattern, module string, h http.HandlerFunc) {
		mux.Handle(pattern, protection.Handler(httpmw.Route(module, h)))
	}

	userRoute("GET /api/namespaces", "user-get-namespaces", s.userNamespaces)
	userRoute("GET /api/jobs/{namespace}", "user-get-namespace-jobs", s.userNamespaceJobs)
	userRoute("GET /namespaces/{namespace}/jobs", "user-get-namespace-jobs", s.userNamespaceJobs)
	userRoute("DELETE /api/namespaces/{namespace}/jobs/{id}", "user-delete-job", s.userDeleteJob)
	userRoute("GET /api/namespaces/{namespace}/keys", "user-get-namespace-keys", s.userNamespaceKeys)

	route("GET /isAlive", "is-alive", s.isAlive)
	route("GET /isReady", "is-ready", s.isReady)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	gzipWrapper, err := gzhttp.NewWrapper(gzhttp.ExceptContentTypes([]string{stream.ContentType}))
	if err != nil {
		return nil, err
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{APIKeyHeader, "Authorization", "Content-Type", "Accept"},
		ExposedHeaders:   []string{"ETag"},
		AllowCredentials: false,
	})

	var handler http.Handler = mux
	handler = compress(gzipWrapper, handler)
	handler = c.Handler(handler)
	handler = httpmw.RequestLogger(logger)(handler)
	handler = otelhttp.NewHandler(handler, "jobwatch")

	return handler, nil
}

// compress gzips responses except event streams, which are never buffered.
func compress(wrap func(http.Handler) http.HandlerFunc, next http.Handler) http.Handler {
	gzipped := wrap(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t, ok := accept.Negotiate(r.Header.Get("Accept"), accept.SSE, accept.JSON); ok && t == accept.SSE {
			next.ServeHTTP(w, r)
			return
		}
		gzipped.ServeHTTP(w, r)
	})
}

func statusPath(status models.Status) string {
	switch status {
	case models.StatusSuccess:
		return "success"
	case models.StatusFailed:
		return "failed"
	default:
		return "running"
	}
}
