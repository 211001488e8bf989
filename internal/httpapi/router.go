// Package httpapi exposes the research engine over HTTP: session chat for
// the buyer and task pickup and result push for the item collector.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Options configures the router.
type Options struct {
	AllowedOrigins []string
}

// NewRouter mounts the API routes on a chi router.
func NewRouter(h *Handler, opts Options) http.Handler {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Content-Type", "Content-Disposition"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(api chi.Router) {
		api.Route("/sessions", func(s chi.Router) {
			s.Get("/", h.ListSessions)
			s.Post("/", h.StartSession)
			s.Route("/{id}", func(one chi.Router) {
				one.Get("/", h.GetSession)
				one.Post("/messages", h.PostMessage)
				one.Post("/confirm", h.ConfirmSchema)
				one.Post("/analyze", h.Analyze)
				one.Get("/export", h.Export)
			})
		})
		api.Route("/tasks", func(t chi.Router) {
			t.Get("/next", h.NextTask)
			t.Post("/{id}/results", h.SubmitResults)
		})
	})

	return r
}

// requestLogger logs each request through the global zap logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("httpapi: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}
