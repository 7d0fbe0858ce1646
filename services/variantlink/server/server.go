// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes a catalog.Store over HTTP.
//
// # Endpoints
//
//	GET  /health
//	GET  /metrics
//	GET  /v1/products/:productId/variants
//	GET  /v1/products/:productId/groups
//	GET  /v1/products/:productId/groups/:groupId
//	GET  /v1/products/:productId/groups/:groupId/violations
//	POST /v1/products/:productId/groups/:groupId/options/:optionId/link
//	POST /v1/products/:productId/groups/:groupId/options/:optionId/unlink
//	POST /v1/products/:productId/groups/:groupId/options/:optionId/reconcile
//
// Errors use ErrorResponse: {"error": "...", "code": "..."}.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/variantlink/services/variantlink/catalog"
	"github.com/AleutianAI/variantlink/services/variantlink/reconcile"
)

// Version is reported by /health.
const Version = "0.1.0"

// Config configures a Server.
type Config struct {
	// Addr is the listen address, e.g. ":8088".
	Addr string

	// ReadTimeout and WriteTimeout bound each request.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ServiceName tags traces. Default "variantlink".
	ServiceName string

	// MaxParallel bounds concurrent source unlinks in the reconcile endpoint.
	MaxParallel int

	// Registry receives the server and reconcile metrics and backs /metrics.
	// Nil uses a fresh registry.
	Registry *prometheus.Registry

	Logger *slog.Logger
}

// Server is the HTTP front of a catalog.Store.
type Server struct {
	cfg      Config
	engine   *gin.Engine
	handlers *Handlers
	logger   *slog.Logger
}

// httpMetrics counts requests by route template.
type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	factory := promauto.With(reg)
	return &httpMetrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "variantlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "variantlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *httpMetrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// New builds the server around store.
func New(store *catalog.Store, cfg Config) *Server {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "variantlink"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics := reconcile.NewMetrics(cfg.Registry)
	reconciler := reconcile.NewReconciler(store,
		reconcile.WithLogger(logger),
		reconcile.WithMetrics(metrics),
		reconcile.WithMaxParallel(cfg.MaxParallel),
	)
	handlers := NewHandlers(store, reconciler, metrics, Version).WithLogger(logger)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(cfg.ServiceName))
	engine.Use(newHTTPMetrics(cfg.Registry).middleware())

	engine.GET("/health", handlers.HandleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})))
	RegisterRoutes(engine.Group("/v1"), handlers)

	return &Server{cfg: cfg, engine: engine, handlers: handlers, logger: logger}
}

// RegisterRoutes registers the /v1 catalog routes on rg.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	products := rg.Group("/products/:productId")
	{
		products.GET("/variants", h.HandleListVariants)
		products.GET("/groups", h.HandleListGroups)
		products.GET("/groups/:groupId", h.HandleGetGroup)
		products.GET("/groups/:groupId/violations", h.HandleViolations)

		options := products.Group("/groups/:groupId/options/:optionId")
		{
			options.POST("/link", h.HandleLink)
			options.POST("/unlink", h.HandleUnlink)
			options.POST("/reconcile", h.HandleReconcile)
		}
	}
}

// Handler returns the http.Handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
