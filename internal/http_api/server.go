package http_api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pfennig/pfennig/internal/models"
	"github.com/pfennig/pfennig/pkg/logger"
)

const (
	ShutdownTimeout   = 10 * time.Second
	ReadHeaderTimeout = 5 * time.Second
)

// HTTPServer exposes invoices, watched addresses and prices over JSON.
type HTTPServer struct {
	logger   *logger.Logger
	treasury models.TreasuryI

	router *gin.Engine
	server *http.Server
}

// allowAnyOrigin lets checkout pages on other origins call the API.
func allowAnyOrigin() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
		header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}

// NewHTTPServer wires the routes; gin runs in release mode unless development
// is set.
func NewHTTPServer(treasury models.TreasuryI, port int, development bool, log *logger.Logger) models.APIServer {
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), allowAnyOrigin(), requestLogger(log))

	s := &HTTPServer{
		logger:   log,
		treasury: treasury,
		router:   router,
		server: &http.Server{
			Addr:              net.JoinHostPort("0.0.0.0", strconv.Itoa(port)),
			Handler:           router,
			ReadHeaderTimeout: ReadHeaderTimeout,
		},
	}
	s.routes()
	return s
}

// Start blocks until the server is shut down. A listen failure is fatal.
func (s *HTTPServer) Start() {
	s.logger.Info("HTTP API listening", "address", s.server.Addr)
	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Fatal("HTTP API stopped", "error", err)
	}
}

// Shutdown drains in-flight requests for at most ShutdownTimeout.
func (s *HTTPServer) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down HTTP API: %w", err)
	}
	s.logger.Info("HTTP API stopped")
	return nil
}
