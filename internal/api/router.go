// Package api provides the HTTP surface of the gateway: the dataset
// index, the listing/detail/tile endpoints per table, and the health
// probes. Handlers resolve the dataset and table from the URL against
// the current schema snapshot, pass the request through the
// authorization gate, and hand off to the query planner or the remote
// proxy. All errors leave as application/problem+json.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/datastelsel/dsogateway/internal/auth"
	"github.com/datastelsel/dsogateway/internal/cache"
	"github.com/datastelsel/dsogateway/internal/query"
	"github.com/datastelsel/dsogateway/internal/remote"
	"github.com/datastelsel/dsogateway/internal/schema"
)

// Server holds the dependencies of all handlers.
type Server struct {
	Registry *schema.Registry
	DB       query.Querier
	Gate     *auth.Gate
	Remote   *remote.Client

	// Profiles returns the currently loaded profile set. Captured as a
	// function so the reload job can swap profiles without a restart.
	Profiles func() []*auth.Profile

	// BaseURL is the external URL prefix of the v1 API, without
	// trailing slash, e.g. "https://api.data.amsterdam.nl/v1".
	BaseURL string

	CORSOrigins []string
	Log         *slog.Logger

	DBHealth HealthChecker

	// TileJSONCache keeps rendered tilejson documents per table. Keyed
	// by snapshot fingerprint + table, so a schema reload invalidates
	// naturally.
	TileJSONCache *cache.Cache[string, map[string]any]
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Server) profiles() []*auth.Profile {
	if s.Profiles == nil {
		return nil
	}
	return s.Profiles()
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// NewRouter creates a configured chi router with all routes mounted.
func NewRouter(srv *Server) chi.Router {
	if srv.TileJSONCache == nil {
		srv.TileJSONCache = cache.New[string, map[string]any](cache.Options{})
	}

	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Accept-Crs", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{
			"Content-Crs", "X-Request-ID",
			"X-Pagination-Page", "X-Pagination-Limit", "X-Pagination-Count", "X-Total-Count",
		},
		MaxAge: 300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	// Health probes, outside the versioned API and unauthenticated.
	r.Get("/health", srv.HandleHealthLive)
	r.Get("/health/live", srv.HandleHealthLive)
	r.Get("/health/ready", srv.HandleHealthReady)

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(srv.profiles))

		r.Get("/", srv.HandleIndex)

		// Canonical tile URLs; the per-table /tiles routes below serve
		// the same handlers for map clients that discovered them via
		// the dataset index.
		r.Route("/mvt/{dataset}", func(r chi.Router) {
			r.Get("/tilejson.json", srv.HandleDatasetTileJSON)
			r.Get("/{table}/{z}/{x}/{y}.pbf", srv.HandleTile)
		})

		r.Route("/{dataset}", func(r chi.Router) {
			r.Get("/", srv.HandleDatasetIndex)
			r.Route("/{table}", func(r chi.Router) {
				r.Get("/", srv.HandleList)
				r.Get("/tiles", srv.HandleTileJSON)
				r.Get("/tiles/{z}/{x}/{y}.pbf", srv.HandleTile)
				r.Get("/{id}", srv.HandleDetail)
				r.Get("/{id}/", srv.HandleDetail)
			})
		})
	})

	return r
}
