// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api serves the engine over HTTP: the published snapshot, the
// answers to user questions and new pending operations.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/syncengine/pkg/config"
	"github.com/united-manufacturing-hub/syncengine/pkg/constants"
	"github.com/united-manufacturing-hub/syncengine/pkg/control"
	"github.com/united-manufacturing-hub/syncengine/pkg/logger"
	"github.com/united-manufacturing-hub/syncengine/pkg/pending"
	"github.com/united-manufacturing-hub/syncengine/pkg/protocontrol"
)

// Backend is the part of the engine the API drives.
type Backend interface {
	Snapshot() control.Snapshot
	Enqueue(ctx context.Context, accountID string, kind pending.Kind, payload any, opts protocontrol.EnqueueOptions) (string, error)
	CredResp(accountID, protocol string, cred protocontrol.Credentials) error
	ServerConfResp(accountID, protocol string, server protocontrol.ServerConfig, force bool) error
	CertAskResp(accountID, protocol string, accept bool) error
	SetDesiredState(ctx context.Context, accountID string, state config.DesiredState) error
	Validate(ctx context.Context, accountID string, p config.ProtocolConfig) (protocontrol.ValidateResult, error)
}

type ServerConfig struct {
	Addr        string
	Debug       bool
	CORSOrigins []string
	// ValidateTimeout bounds a validate request.
	ValidateTimeout time.Duration
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:            constants.DefaultAPIAddr,
		ValidateTimeout: 2 * constants.CommandTimeout,
	}
}

func (c *ServerConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("address is required")
	}

	if c.ValidateTimeout <= 0 {
		return fmt.Errorf("validate timeout must be positive, got %v", c.ValidateTimeout)
	}

	return nil
}

type Server struct {
	server  *http.Server
	router  *gin.Engine
	backend Backend
	config  *ServerConfig
	logger  *zap.SugaredLogger
	health  *healthProbe
}

func NewServer(backend Backend, cfg *ServerConfig, log *zap.SugaredLogger) (*Server, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}

	if cfg == nil {
		cfg = DefaultServerConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	if log == nil {
		log = logger.For(logger.ComponentAPI)
	}

	s := &Server{
		backend: backend,
		config:  cfg,
		logger:  log,
		health:  newHealthProbe(),
	}
	s.router = s.routes()

	return s, nil
}

// Handler exposes the router, for tests and for embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	if s.config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.loggingMiddleware())

	if len(s.config.CORSOrigins) > 0 {
		router.Use(s.corsMiddleware())
	}

	router.GET("/health", s.getHealth)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.POST("/validate", s.postValidate)

		acc := v1.Group("/accounts/:account")
		acc.POST("/operations", s.postOperation)
		acc.POST("/park", s.postDesired(config.DesiredParked))
		acc.POST("/resume", s.postDesired(config.DesiredActive))
		acc.GET("/:protocol", s.getController)
		acc.POST("/:protocol/credentials", s.postCredentials)
		acc.POST("/:protocol/serverconfig", s.postServerConfig)
		acc.POST("/:protocol/certificate", s.postCertificate)
	}

	return router
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.config.ValidateTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Infow("Starting API server",
		"addr", s.config.Addr,
		"debug", s.config.Debug,
		"cors_origins", s.config.CORSOrigins,
	)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("Stopping API server")

	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		s.logger.Debugw("API request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		for _, allowed := range s.config.CORSOrigins {
			if allowed == "*" || allowed == origin {
				c.Header("Access-Control-Allow-Origin", allowed)
				c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

				break
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)

			return
		}

		c.Next()
	}
}
