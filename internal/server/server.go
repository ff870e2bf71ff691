package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polypool/internal/domain"
	"github.com/alanyoungcy/polypool/internal/server/handler"
	"github.com/alanyoungcy/polypool/internal/server/middleware"
	"github.com/alanyoungcy/polypool/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// VoteRateLimit votes per VoteRateWindow per client IP. Zero, or a nil
	// limiter, disables limiting.
	VoteRateLimit  int
	VoteRateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Markets *handler.MarketHandler
	Votes   *handler.VoteHandler
}

// Server is the HTTP and websocket API for the prediction pool.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	logger     *slog.Logger
}

// NewServer creates a Server with every route registered and the middleware
// chain applied. hub and limiter may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http_server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/predictions/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/predictions/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/predictions/markets/{id}/stats", handlers.Markets.GetMarketStats)
	mux.HandleFunc("GET /api/predictions/markets/{id}/votes", handlers.Markets.ListMarketVotes)
	mux.HandleFunc("GET /api/predictions/users/{wallet}/votes", handlers.Markets.ListWalletVotes)

	var vote http.Handler = http.HandlerFunc(handlers.Votes.PlaceVote)
	if limiter != nil && cfg.VoteRateLimit > 0 {
		vote = middleware.RateLimit(limiter, "vote", cfg.VoteRateLimit, cfg.VoteRateWindow, logger)(vote)
	}
	mux.Handle("POST /api/predictions/vote", vote)

	if hub != nil {
		mux.HandleFunc("GET /api/predictions/ws/markets", hub.HandleStream)
		mux.HandleFunc("GET /api/predictions/ws/markets/{id}", hub.HandleStream)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		hub:        hub,
		logger:     logger,
	}
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown closes streaming sessions with a going-away frame, then stops
// the HTTP server, waiting for in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	var errs []error
	if s.hub != nil {
		if err := s.hub.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server: close streams: %w", err))
		}
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server: shutdown: %w", err))
	}
	return errors.Join(errs...)
}
