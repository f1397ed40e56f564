// Package web exposes the face engine over HTTP.
package web

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/andresmejia3/facegate/internal/detect"
	"github.com/andresmejia3/facegate/internal/log"
	"github.com/andresmejia3/facegate/internal/types"
)

// Engine is the part of the face engine the HTTP surface needs.
type Engine interface {
	Available() bool
	Err() error
	DetectorBackend() detect.Backend
	Accelerated() bool
	Recognize(ctx context.Context, img image.Image) (types.MatchResult, error)
	Register(ctx context.Context, img image.Image, name string, replace bool) (types.RegisterResult, error)
	RegisteredIdentities() ([]string, error)
	Count() (int, error)
}

// Options configures the server.
type Options struct {
	Addr      string
	FacesDir  string // served under /registered_faces when set
	Version   string
	MaxUpload int64 // bytes, 20 MiB when zero
}

// Server represents the web server
type Server struct {
	engine     Engine
	opts       Options
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer creates a new web server
func NewServer(eng Engine, opts Options) *Server {
	if opts.MaxUpload <= 0 {
		opts.MaxUpload = 20 << 20
	}
	r := chi.NewRouter()
	s := &Server{engine: eng, opts: opts, router: r}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(2 * time.Minute))
	r.Use(cors)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/", s.root)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.health)
		r.Post("/recognize", s.recognize)
		r.Post("/register", s.register)
		r.Get("/registered-faces", s.registeredFaces)
	})

	if s.opts.FacesDir != "" {
		fs := http.StripPrefix("/registered_faces/", http.FileServer(http.Dir(s.opts.FacesDir)))
		s.router.Handle("/registered_faces/*", fs)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info(log.Fields{"addr": s.httpServer.Addr}, "starting web server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to start server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info(nil, "shutting down web server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return <-errCh
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
