package server

import (
	"context"
	"database/sql"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/clock"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/dispatch"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/hub"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/lifecycle"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/pairing"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/state"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server wires the coordinator together and serves it.
type Server struct {
	cfg        *Config
	log        zerolog.Logger
	clock      clock.Clock
	deviceAPI  dispatch.DeviceAPI
	store      *store.StateStore
	state      *state.Accessor
	hub        *hub.Hub
	dispatcher *dispatch.Dispatcher
	resolver   *dispatch.Resolver
	coalescer  *dispatch.Coalescer
	lifecycle  *lifecycle.Manager
	pairing    *pairing.Coordinator
	auth       *AdminAuth
	router     *chi.Mux
	wsUpgrader *websocket.Upgrader
	httpServer *http.Server

	// Context for background loops (created in New, canceled in Shutdown)
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures optional server behavior.
type Option func(*Server)

// WithClock replaces the wall clock used by every timer.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) {
		s.clock = clk
	}
}

// WithDeviceAPI replaces the HTTP device-control client.
func WithDeviceAPI(api dispatch.DeviceAPI) Option {
	return func(s *Server) {
		s.deviceAPI = api
	}
}

// New creates the server and starts its background loops. db may be nil,
// in which case all state is kept in memory.
func New(cfg *Config, db *sql.DB, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:   cfg,
		log:   log.With().Str("component", "server").Logger(),
		clock: clock.Real(),
		auth:  NewAdminAuth(cfg),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.deviceAPI == nil {
		s.deviceAPI = dispatch.NewHTTPDeviceAPI(cfg.DeviceTimeout)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var durable state.Durable
	if db != nil {
		s.store = store.New(log, db)
		durable = s.store
	}
	s.state = state.NewAccessor(log, durable, s.clock)
	s.hub = hub.New(log)

	governor := dispatch.NewGovernor(log, s.clock, cfg.GovernorCooldown)
	s.dispatcher = dispatch.NewDispatcher(log, s.deviceAPI, governor, s.hub, cfg.DeviceToken, cfg.DeviceEndpoints)
	s.resolver = dispatch.NewResolver(log, s.state, s.dispatcher)
	s.coalescer = dispatch.NewCoalescer(log, s.clock, cfg.CoalesceCooldown, func(cmd dispatch.Command) {
		go s.resolver.Perform(s.ctx, cmd)
	})

	s.lifecycle = lifecycle.New(log, cfg.Lifecycle(), s.clock, s.state, s.hub, s.coalescer)
	s.pairing = pairing.New(log, s.hub, s.state, s.lifecycle, s.coalescer, s.resolver)
	s.hub.SetHandler(s.pairing)

	s.wsUpgrader = &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRouter()
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.hub.Run(s.ctx)
	go s.lifecycle.Run(s.ctx)

	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	// Public routes
	r.Get("/health", s.handleHealth)

	// WebSocket (host pages and controller pages)
	r.Get("/ws", s.handleWebSocket)

	// Identity is verified by the presentation tier in front of us.
	r.Route("/api", func(r chi.Router) {
		r.Post("/hosts/{uid}/sessions", s.handleCreateSession)
		r.Put("/hosts/{uid}", s.handleUpdateHost)
		r.Get("/sessions/{slug}", s.handleGetSession)
		r.Post("/sessions/{slug}/terminate", s.handleTerminateSession)
		r.Post("/device-callback", s.handleDeviceCallback)
	})

	// Operator routes
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)

		r.Post("/sweep", s.handleSweep)
		r.Delete("/sessions/{slug}", s.handlePurgeSession)
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin allows any origin unless an allow-list is configured.
// Requests without an Origin header (non-browser clients) are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.ContainsFunc(s.cfg.AllowedOrigins, func(allowed string) bool {
		return strings.EqualFold(strings.TrimRight(allowed, "/"), origin)
	})
}

// Run starts the server.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down server...")

	// Cancel background loops first
	s.cancel()
	s.lifecycle.Stop()

	return s.httpServer.Shutdown(ctx)
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
