package app

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/markdave123-py/contexta-gateway/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/contexta-gateway/internal/api/middlewares"
	"github.com/markdave123-py/contexta-gateway/internal/config"
	"github.com/markdave123-py/contexta-gateway/internal/services"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	logger     *zap.SugaredLogger

	// endStreams cancels the base context of every request, ending jobs
	// that outlive a graceful shutdown.
	endStreams context.CancelFunc
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, svc *services.ExtractionService, logger *zap.SugaredLogger) *Server {
	extractionHandler := handlers.NewExtractionHandler(svc, cfg.MaxUploadMB, logger)
	jobHandler := handlers.NewJobHandler(svc)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appMiddleware.RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(api chi.Router) {
		// public endpoints
		api.With(middleware.Timeout(10*time.Second)).Get("/health", jobHandler.Health)

		// protected endpoints
		api.Group(func(protected chi.Router) {
			protected.Use(appMiddleware.JWTMiddleware(cfg.JWTSecret, logger))

			// The stream stays open for the life of the job, which has its
			// own deadline.
			protected.Post("/ws-connection", extractionHandler.StreamJob)
			protected.With(middleware.Timeout(60*time.Second)).Delete("/jobs/{clientId}", jobHandler.CancelJob)
		})
	})

	streams, endStreams := context.WithCancel(context.Background())
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return streams },
	}

	return &Server{httpServer: httpSrv, logger: logger, endStreams: endStreams}
}

// Handler is the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Infow("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight jobs until ctx
// expires, then cuts the remaining streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infow("Shutting down HTTP server")
	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		s.endStreams()
		return nil
	}

	s.logger.Warnw("Graceful shutdown incomplete, closing open streams", "error", err)
	s.endStreams()
	return errors.CombineErrors(err, s.httpServer.Close())
}
