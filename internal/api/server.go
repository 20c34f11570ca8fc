// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/property-exchange/internal/logging"
	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/service"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
)

// Service interfaces for dependency injection and testing

// TradingServiceInterface defines the trading operations exposed over HTTP
type TradingServiceInterface interface {
	ValidateTrade(ctx context.Context, req *models.TradeRequest) (*service.ValidationResult, error)
	ExecuteTrade(ctx context.Context, req *models.TradeRequest) *service.TradeResult
	GetMarketPrice(ctx context.Context, propertyID string) (decimal.Decimal, error)
	GetTradeHistory(ctx context.Context, userID string, limit int) ([]*models.TransactionRecord, error)
	Compensate(ctx context.Context, attemptID, reason string) (*service.CompensationResult, error)
}

// ReconcilerInterface defines the reconciliation operations exposed to operators
type ReconcilerInterface interface {
	Unresolved(ctx context.Context) ([]*models.TransactionRecord, error)
	RunOnce(ctx context.Context) (*service.ReconciliationReport, error)
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	trading      TradingServiceInterface
	reconciler   ReconcilerInterface
	healthChecks map[string]HealthCheck
	config       *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	AdminToken      string
	RequestsPerSec  float64 // Per-user request rate
	Burst           int
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	trading TradingServiceInterface,
	reconciler ReconcilerInterface,
	healthChecks map[string]HealthCheck,
) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		trading:      trading,
		reconciler:   reconciler,
		healthChecks: healthChecks,
		config:       config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSec, s.config.Burst)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", userIDHeader, adminTokenHeader},
		MaxAge:         3600,
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      c.Handler(s.router),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Trade endpoints
	api.HandleFunc("/trades/validate", s.handleValidateTrade).Methods("POST")
	api.HandleFunc("/trades", s.handleExecuteTrade).Methods("POST")
	api.HandleFunc("/properties/{id}/price", s.handleGetMarketPrice).Methods("GET")
	api.HandleFunc("/users/{id}/trades", s.handleGetTradeHistory).Methods("GET")

	// Operator endpoints
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(AdminMiddleware(s.config.AdminToken))
	admin.HandleFunc("/reconciliation", s.handleListUnresolved).Methods("GET")
	admin.HandleFunc("/reconciliation/run", s.handleRunReconciliation).Methods("POST")
	admin.HandleFunc("/attempts/{id}/compensate", s.handleCompensate).Methods("POST")
}

// Handler returns the root handler including CORS
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.healthChecks))
	for name, check := range s.healthChecks {
		if err := check(ctx); err != nil {
			logging.FromContext(ctx).WithField("dependency", name).WithError(err).Warn("Health check failed")
			checks[name] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "healthy"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	respondJSON(w, status, map[string]interface{}{
		"status":  overall,
		"service": "property-exchange",
		"checks":  checks,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
