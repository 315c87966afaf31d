// Package api exposes the engine over HTTP: notification submission,
// job and outcome lookups, queue control and recipient compliance.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/xraph/herald/engine"
)

// API wires the HTTP handlers for one engine.
type API struct {
	eng      *engine.Engine
	logger   *slog.Logger
	clients  *clientLimiter
	maxBulk  int
	maxBytes int64
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger for request errors.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithClientRate throttles each client to r requests per second with the
// given burst. A zero rate disables the throttle.
func WithClientRate(r rate.Limit, burst int) Option {
	return func(a *API) {
		if r <= 0 {
			a.clients = nil
			return
		}
		a.clients = newClientLimiter(r, burst, 10*time.Minute)
	}
}

// WithMaxBulk caps the number of requests in one bulk submission.
func WithMaxBulk(n int) Option {
	return func(a *API) { a.maxBulk = n }
}

// New creates an API over eng.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:      eng,
		logger:   slog.Default(),
		clients:  newClientLimiter(50, 100, 10*time.Minute),
		maxBulk:  500,
		maxBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		if a.clients != nil {
			r.Use(a.clients.middleware)
		}
		a.RegisterRoutes(r)
	})
	return r
}

// RegisterRoutes registers every herald route on r, relative to its mount
// point.
func (a *API) RegisterRoutes(r chi.Router) {
	a.registerNotificationRoutes(r)
	a.registerQueueRoutes(r)
	a.registerComplianceRoutes(r)
}

func (a *API) registerNotificationRoutes(r chi.Router) {
	r.Post("/notifications", a.submit)
	r.Post("/notifications/bulk", a.submitBulk)
	r.Get("/notifications/{jobID}", a.getJob)
	r.Get("/notifications/{jobID}/outcome", a.getOutcome)
	r.Get("/outcomes", a.listOutcomes)
}

func (a *API) registerQueueRoutes(r chi.Router) {
	r.Get("/stats", a.stats)
	r.Post("/queue/pause", a.pause)
	r.Post("/queue/resume", a.resume)
	r.Post("/queue/drain", a.drain)
}

func (a *API) registerComplianceRoutes(r chi.Router) {
	r.Get("/compliance/{recipient}", a.getCompliance)
	r.Post("/compliance/{recipient}/opt-out", a.optOut)
	r.Post("/compliance/{recipient}/opt-in", a.optIn)
}
