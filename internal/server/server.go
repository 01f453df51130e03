package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"flipdeploy/internal/deployment"
	"flipdeploy/internal/history"
	"flipdeploy/internal/project"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware
	RequestTimeout = 60 * time.Second

	// Rate limits, requests per minute per client IP
	GlobalRateLimit  = 12
	WebhookRateLimit = 4
)

// Deployer runs one deployment.
type Deployer interface {
	Deploy(ctx context.Context, req project.DeploymentRequest) (*deployment.Run, error)
}

// DeployFunc adapts a function to Deployer.
type DeployFunc func(ctx context.Context, req project.DeploymentRequest) (*deployment.Run, error)

// Deploy calls f.
func (f DeployFunc) Deploy(ctx context.Context, req project.DeploymentRequest) (*deployment.Run, error) {
	return f(ctx, req)
}

// StatusSource reports the state of an app.
type StatusSource interface {
	Status(ctx context.Context, app string, limit int) (*history.AppStatus, error)
}

// Server is the webhook receiver.
type Server struct {
	Registry    *project.Registry
	Deployer    Deployer
	Status      StatusSource // nil disables /status
	LockManager *deployment.LockManager
	Logger      *slog.Logger
	TestMode    bool // disables rate limiting

	deployCtx    context.Context
	cancelDeploy context.CancelFunc
	deployWg     sync.WaitGroup
}

// NewServer creates a new server instance
func NewServer(registry *project.Registry, deployer Deployer, status StatusSource, logger *slog.Logger, testMode bool) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Registry:     registry,
		Deployer:     deployer,
		Status:       status,
		LockManager:  deployment.NewLockManager(),
		Logger:       logger,
		TestMode:     testMode,
		deployCtx:    ctx,
		cancelDeploy: cancel,
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))
	r.Use(s.logRequests)

	if !s.TestMode {
		r.Use(NewRateLimitMiddleware(GlobalRateLimit, "global", s.Logger))
	}

	r.Get("/health", s.HandleHealth)
	r.Get("/status/{app}", s.HandleStatus)

	if !s.TestMode {
		r.With(NewRateLimitMiddleware(WebhookRateLimit, "webhook", s.Logger)).Post("/in/{app}", s.HandleWebhook)
	} else {
		r.Post("/in/{app}", s.HandleWebhook)
	}

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.Logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"request_id", middleware.GetReqID(r.Context()),
				"duration_ms", time.Since(start).Milliseconds())
		}()

		next.ServeHTTP(ww, r)
	})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("starting server", "addr", addr, "apps", s.Registry.List())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.Logger.Warn("http shutdown incomplete", "error", err)
	}
	return s.Shutdown(shutdownCtx)
}

// WaitForDeployments waits for all in-flight async deployments to complete.
func (s *Server) WaitForDeployments() {
	s.deployWg.Wait()
}

// Shutdown waits for in-flight deployments. When ctx expires first the
// deployments are cancelled and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.deployWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancelDeploy()
		<-done
		return ctx.Err()
	}
}
