// Package api implements the federation HTTP surface using the chi router:
// the /_matrix/key/v2 key endpoints, the /_matrix/federation/v1 transaction
// and room endpoints, and the media upload/download/thumbnail routes. It
// provides the X-Matrix authentication middleware and the Redis-backed rate
// limit enforcement hook.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/continuum/internal/cache"
	"github.com/amityvox/continuum/internal/config"
	"github.com/amityvox/continuum/internal/events"
	"github.com/amityvox/continuum/internal/keyring"
	"github.com/amityvox/continuum/internal/media"
	cmw "github.com/amityvox/continuum/internal/middleware"
	"github.com/amityvox/continuum/internal/models"
	"github.com/amityvox/continuum/internal/rooms"
	"github.com/amityvox/continuum/internal/sending"
)

// Rate limit tiers for the federation surface.
const (
	// Per-client-IP limit on the federation routes: generous, since a busy
	// peer batches up to 50 PDUs per request.
	federationRateLimit  = 600
	federationRateWindow = 1 * time.Minute

	// Media route limit (upload, download, thumbnail) per client IP.
	mediaRateLimit  = 300
	mediaRateWindow = 1 * time.Minute
)

// Server is the federation HTTP server.
type Server struct {
	Router  *chi.Mux
	Pool    *pgxpool.Pool
	Config  *config.Config
	Keyring *keyring.Service
	Rooms   *rooms.Service
	Store   *rooms.Store
	Media   *media.Service
	Sender  *sending.Service
	Cache   *cache.Shared
	Bus     *events.Bus
	Logger  *slog.Logger

	serverName string
	server     *http.Server
}

// NewServer creates the federation API server with all routes and middleware
// registered.
func NewServer(pool *pgxpool.Pool, cfg *config.Config, keys *keyring.Service, roomsSvc *rooms.Service, store *rooms.Store, mediaSvc *media.Service, sender *sending.Service, shared *cache.Shared, bus *events.Bus, logger *slog.Logger) *Server {
	s := &Server{
		Router:     chi.NewRouter(),
		Pool:       pool,
		Config:     cfg,
		Keyring:    keys,
		Rooms:      roomsSvc,
		Store:      store,
		Media:      mediaSvc,
		Sender:     sender,
		Cache:      shared,
		Bus:        bus,
		Logger:     logger,
		serverName: cfg.Server.Name,
	}

	s.registerMiddleware()
	s.registerRoutes()

	return s
}

// registerMiddleware adds global middleware to the router.
func (s *Server) registerMiddleware() {
	s.Router.Use(cmw.CorrelationID)
	s.Router.Use(middleware.RealIP)
	s.Router.Use(cmw.TracingLogger(s.Logger))
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(middleware.Timeout(2 * time.Minute))

	maxBody, err := s.Config.Server.MaxRequestSizeBytes()
	if err != nil || maxBody <= 0 {
		maxBody = 20 << 20
	}
	s.Router.Use(maxBodySize(maxBody))
}

// registerRoutes mounts the key, federation, and media route groups.
func (s *Server) registerRoutes() {
	s.Router.Get("/_matrix/key/v2/server", s.handleOwnKeys)
	s.Router.Get("/_matrix/key/v2/query/{serverName}", s.handleNotaryQueryOne)
	s.Router.Post("/_matrix/key/v2/query", s.handleNotaryQuery)

	s.Router.Route("/_matrix/federation", func(r chi.Router) {
		r.Use(s.rateLimitFederation)
		r.Get("/v1/version", s.handleVersion)

		r.Group(func(r chi.Router) {
			r.Use(s.requireXMatrixAuth)
			r.Put("/v1/send/{txnID}", s.handleSendTransaction)
			r.Get("/v1/event/{eventID}", s.handleGetEvent)
			r.Post("/v1/get_missing_events/{roomID}", s.handleGetMissingEvents)
			r.Get("/v1/event_auth/{roomID}/{eventID}", s.handleGetEventAuth)
			r.Get("/v1/state/{roomID}", s.handleGetState)
			r.Get("/v1/state_ids/{roomID}", s.handleGetStateIDs)
			r.Get("/v1/make_join/{roomID}/{userID}", s.handleMakeJoin)
			r.Put("/v1/send_join/{roomID}/{eventID}", s.handleSendJoinV1)
			r.Put("/v2/send_join/{roomID}/{eventID}", s.handleSendJoinV2)
			r.Put("/v2/invite/{roomID}/{eventID}", s.handleInvite)
			r.Get("/v1/user/devices/{userID}", s.handleUserDevices)
			r.Post("/v1/user/keys/query", s.handleUserKeysQuery)
			r.Post("/v1/user/keys/claim", s.handleUserKeysClaim)
			r.Get("/v1/query/directory", s.handleQueryDirectory)
			r.Get("/v1/query/profile", s.handleQueryProfile)
			r.Get("/v1/media/download/{mediaID}", s.handleFederationMediaDownload)
		})
	})

	s.Router.Route("/_matrix/media/v3", func(r chi.Router) {
		r.Use(s.rateLimitMedia)
		r.Post("/upload", s.handleMediaUpload)
		r.Get("/download/{serverName}/{mediaID}", s.handleMediaDownload)
		r.Get("/thumbnail/{serverName}/{mediaID}", s.handleMediaThumbnail)
	})
}

// Start runs the HTTP server until shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.Config.Server.Listen,
		Handler:      s.Router,
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.Logger.Info("federation server starting", slog.String("listen", s.Config.Server.Listen))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("federation server shutting down")
	return s.server.Shutdown(ctx)
}

// writeMatrixError writes the wire form of a MatrixError (or a generic
// M_UNKNOWN for other errors).
func writeMatrixError(w http.ResponseWriter, err error) {
	var me *models.MatrixError
	if !errors.As(err, &me) {
		me = models.NewError(models.ErrUnknown, "internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(me.HTTPStatus())
	json.NewEncoder(w).Encode(map[string]string{
		"errcode": me.Errcode(),
		"error":   me.Message,
	})
}

// writeJSON writes a raw JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// handleVersion serves the trivial server version probe.
func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"server": map[string]string{
			"name":    "continuum",
			"version": "0.1.0",
		},
	})
}

// maxBodySize bounds request bodies.
func maxBodySize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitFederation enforces the federation rate limit per client IP using
// the shared Redis counters. It runs before X-Matrix authentication, so the
// origin server is not part of the key. The limiter fails open when the cache
// is down.
func (s *Server) rateLimitFederation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Cache == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := "fed:" + clientIP(r)
		result, err := s.Cache.CheckRateLimit(r.Context(), key, federationRateLimit, federationRateWindow)
		if err != nil {
			s.Logger.Debug("rate limit check failed", slog.String("error", err.Error()))
			next.ServeHTTP(w, r)
			return
		}
		setRateLimitHeaders(w, result, federationRateWindow)
		if !result.Allowed {
			writeMatrixError(w, models.NewError(models.ErrRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMedia enforces the media route limit per client IP.
func (s *Server) rateLimitMedia(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Cache == nil {
			next.ServeHTTP(w, r)
			return
		}
		result, err := s.Cache.CheckRateLimit(r.Context(), "media:"+clientIP(r), mediaRateLimit, mediaRateWindow)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		setRateLimitHeaders(w, result, mediaRateWindow)
		if !result.Allowed {
			writeMatrixError(w, models.NewError(models.ErrRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// setRateLimitHeaders sets X-RateLimit-* headers on every response so peers
// can track their remaining quota proactively.
func setRateLimitHeaders(w http.ResponseWriter, result cache.RateLimitResult, window time.Duration) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(window).Unix()))
}

// clientIP extracts the client IP from the request. Chi's RealIP middleware
// already sets r.RemoteAddr from trusted proxy headers, so we just strip the
// port from RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
