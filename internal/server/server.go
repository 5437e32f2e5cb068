package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/blinktest/blinktest/internal/auth"
	"github.com/blinktest/blinktest/internal/flow"
	"github.com/blinktest/blinktest/internal/metrics"
	"github.com/blinktest/blinktest/internal/objectstore"
	"github.com/blinktest/blinktest/internal/ratelimit"
	"github.com/blinktest/blinktest/internal/realtime"
	"github.com/blinktest/blinktest/internal/store"
	"github.com/blinktest/blinktest/internal/thumbnail"
	"github.com/blinktest/blinktest/internal/web"
)

const (
	thumbnailFetchTimeout = 15 * time.Second
	shutdownTimeout       = 10 * time.Second
)

// Options wires the server to its collaborators. Nil fields get in-process
// defaults.
type Options struct {
	Store         *store.SQLiteStore
	Auth          *auth.Service
	Objects       objectstore.Store
	Broker        realtime.Broker
	Limiter       *ratelimit.Limiter
	Registry      *flow.Registry
	Images        flow.ImageLoader
	Clock         clockwork.Clock
	Addr          string
	LoadTimeout   time.Duration
	SitePasswords []string
	// LimiterSweep is how often expired rate limit windows are dropped.
	LimiterSweep time.Duration
	// CleanupOrphans removes the test record when a publish fails part way.
	CleanupOrphans bool
}

type Server struct {
	store         *store.SQLiteStore
	auth          *auth.Service
	objects       objectstore.Store
	broker        realtime.Broker
	limiter       *ratelimit.Limiter
	registry      *flow.Registry
	images        flow.ImageLoader
	publisher     *flow.Publisher
	clock         clockwork.Clock
	flowConfig    flow.Config
	addr          string
	sitePasswords []string
	limiterSweep  time.Duration
	router        *http.ServeMux
	handler       http.Handler
	startTime     time.Time
}

func New(opts Options) *Server {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.Broker == nil {
		opts.Broker = realtime.NewMemory()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(ratelimit.DefaultMax, ratelimit.DefaultWindow, clock)
	}
	if opts.Registry == nil {
		opts.Registry = flow.NewRegistry(clock, flow.DefaultIdleTimeout)
	}
	if opts.Images == nil {
		opts.Images = thumbnail.NewLoader(opts.Objects, &http.Client{Timeout: thumbnailFetchTimeout})
	}

	srv := &Server{
		store:         opts.Store,
		auth:          opts.Auth,
		objects:       opts.Objects,
		broker:        opts.Broker,
		limiter:       opts.Limiter,
		registry:      opts.Registry,
		images:        opts.Images,
		publisher:     flow.NewPublisher(opts.Store, opts.Objects, opts.CleanupOrphans),
		clock:         clock,
		flowConfig:    flow.Config{Clock: clock, LoadTimeout: opts.LoadTimeout},
		addr:          opts.Addr,
		sitePasswords: opts.SitePasswords,
		limiterSweep:  opts.LimiterSweep,
		router:        http.NewServeMux(),
		startTime:     clock.Now(),
	}

	srv.setupRoutes()
	srv.handler = srv.middleware(srv.router)
	return srv
}

func (s *Server) setupRoutes() {
	// Public endpoints
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.Handle("GET /metrics", metrics.Handler())
	s.router.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS()))))
	s.router.Handle("GET /thumbnails/", http.StripPrefix("/thumbnails", objectstore.Handler(s.objects)))

	// Session pages
	s.router.HandleFunc("GET /login", s.handleLoginPage)
	s.router.HandleFunc("POST /login", s.handleLogin)
	s.router.HandleFunc("GET /register", s.handleRegisterPage)
	s.router.HandleFunc("POST /register", s.handleRegister)
	s.router.HandleFunc("POST /logout", s.handleLogout)
	s.router.HandleFunc("GET /gate", s.handleGatePage)
	s.router.HandleFunc("POST /gate", s.handleGate)

	// Pages
	s.router.HandleFunc("GET /{$}", s.handleHome)
	s.router.HandleFunc("GET /test/{id}", s.handleTestPage)
	s.router.Handle("GET /feed", s.requireUser(s.handleFeed))
	s.router.Handle("GET /review", s.requireUser(s.handleReview))
	s.router.Handle("GET /my-tests", s.requireUser(s.handleMyTests))
	s.router.Handle("GET /results/{id}", s.requireUser(s.handleResultsPage))
	s.router.Handle("POST /tests/{id}/archive", s.requireUser(s.handleArchive))
	s.router.Handle("GET /admin", s.requireAdmin(s.handleAdmin))
	s.router.Handle("GET /admin/users", s.requireAdmin(s.handleAdminUsers))
	s.router.Handle("POST /admin/users/{id}/role", s.requireAdmin(s.handleAdminRole))

	// Flow API
	s.router.Handle("POST /api/self-tests", s.requireAPIUser(s.handleCreateSelfTest))
	s.router.HandleFunc("POST /api/tests/{id}/flows", s.handleCreateParticipant)
	s.router.HandleFunc("GET /api/flows/{id}", s.handleGetFlow)
	s.router.HandleFunc("DELETE /api/flows/{id}", s.handleDeleteFlow)
	s.router.HandleFunc("GET /api/flows/{id}/image", s.handleFlowImage)
	s.router.HandleFunc("POST /api/flows/{id}/{action}", s.handleFlowAction)

	// Results API
	s.router.Handle("GET /api/tests/{id}/results", s.requireAPIUser(s.handleResultsAPI))
	s.router.Handle("GET /api/tests/{id}/events", s.requireAPIUser(s.handleEvents))

	s.router.HandleFunc("/", s.handleNotFound)
}

func staticFS() fs.FS {
	sub, err := fs.Sub(web.Assets, "assets")
	if err != nil {
		panic(fmt.Sprintf("embedded assets missing: %v", err))
	}
	return sub
}

// Start serves until ctx is cancelled, then drains in-flight requests and
// stops the background sweepers.
func (s *Server) Start(ctx context.Context) error {
	s.limiter.Start(s.limiterSweep)
	s.registry.Start(flow.DefaultSweepInterval)
	defer s.limiter.Stop()
	defer s.registry.Stop()

	httpSrv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		// WriteTimeout stays zero: results events are a long-lived stream.
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	log.Info().Str("addr", s.addr).Msg("blinktest listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info().Msg("shutting down")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Registry() *flow.Registry {
	return s.registry
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

// isStaticPath reports paths that are neither rate limited nor gated.
func isStaticPath(p string) bool {
	return strings.HasPrefix(p, "/static/") || strings.HasPrefix(p, "/thumbnails/")
}
