// ABOUTME: Local HTTP control surface for the gateway bridge and provider registry
// ABOUTME: chi router with CORS, optional JWT scopes, request logging and Prometheus metrics

package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-bridge/internal/auth"
	"github.com/2389/coven-bridge/internal/bridge"
	"github.com/2389/coven-bridge/internal/provider"
)

// Gateway is the bridge surface the API drives.
type Gateway interface {
	Info() bridge.Info
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	RPC(ctx context.Context, method string, params any, timeout time.Duration) bridge.Result
	CheckHealth(ctx context.Context) bridge.HealthResult
	Subscribe(kind bridge.EventKind, fn bridge.Observer) (*bridge.Subscription, error)
}

// Providers is the registry surface the API exposes. The raw key read is
// deliberately absent.
type Providers interface {
	ListWithKeyInfo(ctx context.Context) ([]provider.KeyInfo, error)
	Get(ctx context.Context, id string) (provider.Config, error)
	Save(ctx context.Context, cfg provider.Config, apiKey string) (provider.Config, error)
	Delete(ctx context.Context, id string) error
	SetAPIKey(ctx context.Context, id, key string) error
	DeleteAPIKey(ctx context.Context, id string) error
	HasAPIKey(ctx context.Context, id string) (bool, error)
	SetDefault(ctx context.Context, id string) error
	ClearDefault(ctx context.Context) error
	Default(ctx context.Context) (string, error)
	ValidateKey(ctx context.Context, id, key string) (provider.Validation, error)
	EncryptionAvailable() bool
}

// Options configures a Server.
type Options struct {
	Gateway   Gateway
	Providers Providers
	// Verifier enables bearer authentication when set.
	Verifier       auth.TokenVerifier
	AllowedOrigins []string
	MetricsEnabled bool
	MetricsPath    string
	// ProvidersChanged runs after a successful provider mutation.
	ProvidersChanged func(ctx context.Context)
	// KeepAlive is the event stream comment interval.
	KeepAlive time.Duration
	Logger    *slog.Logger
}

// Server serves the control API.
type Server struct {
	opts    Options
	handler http.Handler
	logger  *slog.Logger
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	s := &Server{opts: opts, logger: opts.Logger.With("component", "api")}
	s.handler = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(metricsMiddleware)
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.MetricsEnabled {
		r.Handle(s.opts.MetricsPath, promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if s.opts.Verifier != nil {
			r.Use(auth.Authenticate(s.opts.Verifier))
		}
		read := s.scope(auth.ScopeRead)
		control := s.scope(auth.ScopeControl)

		r.Route("/gateway", func(r chi.Router) {
			r.With(read).Get("/status", s.handleStatus)
			r.With(read).Get("/health", s.handleHealth)
			r.With(read).Get("/events", s.handleEvents)
			r.With(control).Post("/start", s.lifecycle(s.opts.Gateway.Start))
			r.With(control).Post("/stop", s.lifecycle(s.opts.Gateway.Stop))
			r.With(control).Post("/restart", s.lifecycle(s.opts.Gateway.Restart))
			r.With(control).Post("/rpc", s.handleRPC)
		})

		r.Route("/providers", func(r chi.Router) {
			r.With(read).Get("/", s.handleListProviders)
			r.With(read).Get("/default", s.handleGetDefault)
			r.With(control).Put("/default", s.handleSetDefault)
			r.With(control).Delete("/default", s.handleClearDefault)
			r.With(read).Get("/{id}", s.handleGetProvider)
			r.With(control).Put("/{id}", s.handleSaveProvider)
			r.With(control).Delete("/{id}", s.handleDeleteProvider)
			r.With(read).Get("/{id}/key", s.handleHasKey)
			r.With(control).Put("/{id}/key", s.handleSetKey)
			r.With(control).Delete("/{id}/key", s.handleDeleteKey)
			r.With(read).Post("/{id}/validate", s.handleValidateKey)
		})
	})
	return r
}

// scope enforces want when authentication is enabled.
func (s *Server) scope(want auth.Scope) func(http.Handler) http.Handler {
	if s.opts.Verifier == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return auth.RequireScope(want)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Serve runs the API on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("control API listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("control API stopped")
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) providersChanged(ctx context.Context) {
	if s.opts.ProvidersChanged != nil {
		s.opts.ProvidersChanged(context.WithoutCancel(ctx))
	}
}
