// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/portfolio-rebalancer/internal/indexer"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/service"
	"github.com/portfolio-rebalancer/internal/storage"
)

// Service interfaces for dependency injection and testing

// PortfolioServiceInterface defines the portfolio operations the API exposes
type PortfolioServiceInterface interface {
	CreatePortfolio(ctx context.Context, input *service.CreatePortfolioInput) (*models.Portfolio, error)
	GetPortfolio(ctx context.Context, id string) (*service.PortfolioView, error)
	Deposit(ctx context.Context, id string, input *service.DepositInput) (*models.Portfolio, error)
	GetHistory(ctx context.Context, id string, input *service.HistoryInput) ([]*models.RebalanceEvent, error)
	GetRisk(ctx context.Context, id string) (*service.RiskView, error)
	SetEmergencyStop(ctx context.Context, stopped bool) error
	TriggerRebalance(ctx context.Context, id string) (*service.RebalanceOutcome, error)
}

// IdempotencyStore records responses of write requests for replay
type IdempotencyStore interface {
	Begin(ctx context.Context, key, fingerprint string) (storage.IdempotencyState, *storage.IdempotencyRecord, error)
	Complete(ctx context.Context, key, fingerprint string, statusCode int, body []byte) error
	Release(ctx context.Context, key string) error
}

// IndexerStatus reports the chain indexer's progress
type IndexerStatus interface {
	Status() indexer.Status
}

// Server represents the HTTP API server.
type Server struct {
	router           *mux.Router
	httpServer       *http.Server
	portfolioService PortfolioServiceInterface
	idempotency      IdempotencyStore
	indexer          IndexerStatus
	logger           *logging.Logger
	config           *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestsPerSec  float64 // per client
	Burst           int
}

// NewServer creates a new API server instance. idempotency and idx may be
// nil; without a store Idempotency-Key headers are ignored.
func NewServer(
	config *ServerConfig,
	portfolioService PortfolioServiceInterface,
	idempotency IdempotencyStore,
	idx IndexerStatus,
	logger *logging.Logger,
) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:           mux.NewRouter(),
		portfolioService: portfolioService,
		idempotency:      idempotency,
		indexer:          idx,
		logger:           logger.WithField("component", "api"),
		config:           config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSec, s.config.Burst)

	// order matters: the logger must be in the context before anything logs
	s.router.Use(RequestLoggerMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	if s.idempotency != nil {
		api.Use(IdempotencyMiddleware(s.idempotency))
	}

	// Portfolio endpoints
	api.HandleFunc("/portfolios", s.handleCreatePortfolio).Methods("POST")
	api.HandleFunc("/portfolios/{id}", s.handleGetPortfolio).Methods("GET")
	api.HandleFunc("/portfolios/{id}/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/portfolios/{id}/rebalance", s.handleTriggerRebalance).Methods("POST")
	api.HandleFunc("/portfolios/{id}/history", s.handleGetHistory).Methods("GET")
	api.HandleFunc("/portfolios/{id}/risk", s.handleGetRisk).Methods("GET")

	// Admin endpoints
	api.HandleFunc("/admin/emergency-stop", s.handleEmergencyStop).Methods("PUT")
	api.HandleFunc("/admin/indexer", s.handleIndexerStatus).Methods("GET")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "portfolio-rebalancer",
	})
}

// Handler returns the configured router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
