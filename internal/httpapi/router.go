package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/motorworks/enginesync/internal/auth"
	"github.com/motorworks/enginesync/internal/config"
	"github.com/motorworks/enginesync/internal/schema"
	"github.com/motorworks/enginesync/internal/service/syncservice"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	DB         *pgxpool.Pool
	Cfg        *config.Config
	Descriptor *schema.Descriptor
	Pusher     *syncservice.Pusher
	Puller     *syncservice.Puller
}

// NewServer wires the handler dependencies from configuration.
func NewServer(db *pgxpool.Pool, cfg *config.Config) *Server {
	return &Server{
		DB:         db,
		Cfg:        cfg,
		Descriptor: &schema.Descriptor{},
		Pusher:     &syncservice.Pusher{DB: db, MaxBatch: cfg.Sync.PushMaxBatch},
		Puller:     &syncservice.Puller{DB: db, MaxBatch: cfg.Sync.PullMaxBatch},
	}
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes creates the HTTP router with all sync endpoints
func (s *Server) Routes() http.Handler {
	jwt := auth.JWTCfg{
		HS256Secret: s.Cfg.Auth.HS256Secret,
		DevMode:     s.Cfg.Auth.DevMode,
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	// Capability discovery (unauthenticated)
	r.Get("/v1/sync/info", s.Info)

	// Everything else requires authentication
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.DB, jwt))
		r.Use(RateLimitMiddleware(s.Cfg.RateLimit))

		r.Get("/v1/sync/schema", s.GetSchema)
		r.Get("/v1/sync/state", s.GetSyncState)

		// Data exchange is gated on schema agreement
		r.Group(func(r chi.Router) {
			r.Use(s.SchemaRequired)
			r.Post("/v1/sync/push", s.Push)
			r.Post("/v1/sync/pull", s.Pull)
		})

		// Change request review
		r.Get("/v1/changes/pending", s.ListPendingChanges)
		r.Post("/v1/changes/{id}/apply", s.ApplyChange)
		r.Post("/v1/changes/{id}/reject", s.RejectChange)

		// Administration
		r.Post("/v1/admin/owners/reassign", s.ReassignOwners)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
