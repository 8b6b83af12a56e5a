// Package http provides the VendorScope REST API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ShalakaSonawane1/vendorscope/internal/compare"
	"github.com/ShalakaSonawane1/vendorscope/internal/config"
	"github.com/ShalakaSonawane1/vendorscope/internal/rag"
	"github.com/ShalakaSonawane1/vendorscope/internal/store"
)

// Store is the persistence the API reads and writes directly.
type Store interface {
	CreateVendor(ctx context.Context, v *store.Vendor) error
	GetVendor(ctx context.Context, id string) (*store.Vendor, error)
	ListVendors(ctx context.Context, filter store.VendorFilter, page, pageSize int) ([]store.Vendor, int, error)
	UpdateVendor(ctx context.Context, id string, u store.VendorUpdate) (*store.Vendor, error)
	DeleteVendor(ctx context.Context, id string) error
	ListDocuments(ctx context.Context, vendorID string, latestOnly bool) ([]store.Document, error)
	ListJobs(ctx context.Context, vendorID string, limit int) ([]store.CrawlJob, error)
	Ping(ctx context.Context) error
}

// Index is the part of the similarity index the API touches.
type Index interface {
	DeleteVendor(ctx context.Context, vendorID string) error
	Health(ctx context.Context) error
}

// Crawls queues crawl jobs.
type Crawls interface {
	Trigger(ctx context.Context, vendorID string, trigger store.Trigger) (*store.CrawlJob, bool, error)
}

// Answerer answers questions about vendors.
type Answerer interface {
	Ask(ctx context.Context, req rag.Request) (*rag.Answer, error)
}

// Comparator compares vendors.
type Comparator interface {
	Compare(ctx context.Context, req compare.Request) (*compare.Result, error)
}

// Deps are the components behind the API.
type Deps struct {
	Store       Store
	Index       Index
	Crawls      Crawls
	Answers     Answerer
	Comparisons Comparator
}

// Config holds HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	// AllowedSeedHosts lists foreign hosts accepted as vendor seed URLs.
	AllowedSeedHosts []string
	Version          string
}

// ConfigFromSettings converts the loaded configuration sections.
func ConfigFromSettings(srv config.ServerConfig, crawl config.CrawlerConfig) *Config {
	return &Config{
		Host:             srv.Host,
		Port:             srv.Port,
		ShutdownTimeout:  srv.ShutdownTimeout.Duration(),
		AllowedSeedHosts: crawl.AllowedSeedHosts,
	}
}

// Server provides HTTP endpoints for VendorScope.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	config *Config
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Store == nil || deps.Crawls == nil || deps.Answers == nil || deps.Comparisons == nil {
		return nil, fmt.Errorf("store, crawls, answers and comparisons are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8000,
		}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Resolve the status before logging.
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	vendors := s.echo.Group("/vendors")
	vendors.GET("", s.handleListVendors)
	vendors.POST("", s.handleCreateVendor)
	vendors.GET("/:id", s.handleGetVendor)
	vendors.PATCH("/:id", s.handleUpdateVendor)
	vendors.DELETE("/:id", s.handleDeleteVendor)
	vendors.POST("/:id/crawl", s.handleTriggerCrawl)
	vendors.GET("/:id/documents", s.handleListDocuments)
	vendors.GET("/:id/jobs", s.handleListJobs)

	queries := s.echo.Group("/queries")
	queries.POST("/ask", s.handleAsk)
	queries.POST("/compare", s.handleCompare)
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
