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

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/united-manufacturing-hub/syncengine/pkg/config"
	"github.com/united-manufacturing-hub/syncengine/pkg/control"
	"github.com/united-manufacturing-hub/syncengine/pkg/metrics"
	"github.com/united-manufacturing-hub/syncengine/pkg/pending"
	"github.com/united-manufacturing-hub/syncengine/pkg/protocontrol"
)

var knownKinds = map[pending.Kind]bool{
	pending.KindSendEmail:    true,
	pending.KindMarkRead:     true,
	pending.KindMoveEmail:    true,
	pending.KindDeleteEmail:  true,
	pending.KindDownloadBody: true,
}

type operationRequest struct {
	Kind            pending.Kind   `json:"kind"            binding:"required"`
	Payload         map[string]any `json:"payload"         binding:"required"`
	Hot             bool           `json:"hot"`
	DelayNotAllowed bool           `json:"delayNotAllowed"`
	Predecessor     string         `json:"predecessor"`
}

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password"`
}

type serverConfigRequest struct {
	Host  string `json:"host" binding:"required"`
	Port  int    `json:"port"`
	TLS   bool   `json:"tls"`
	Force bool   `json:"force"`
}

type certificateRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

type validateRequest struct {
	AccountID   string `json:"accountId"   binding:"required"`
	Protocol    string `json:"protocol"    binding:"required"`
	BaseURL     string `json:"baseUrl"     binding:"required"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	TLS         bool   `json:"tls"`
	InsecureTLS bool   `json:"insecureTls"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

func (r validateRequest) protocolConfig() config.ProtocolConfig {
	return config.ProtocolConfig{
		Protocol:    r.Protocol,
		BaseURL:     r.BaseURL,
		Host:        r.Host,
		Port:        r.Port,
		TLS:         r.TLS,
		InsecureTLS: r.InsecureTLS,
		Username:    r.Username,
		Password:    r.Password,
	}
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Snapshot())
}

func (s *Server) getController(c *gin.Context) {
	account, protocol := c.Param("account"), c.Param("protocol")

	snap, ok := s.backend.Snapshot().Find(account, protocol)
	if !ok {
		s.handleError(c, control.ErrNoController)

		return
	}

	c.JSON(http.StatusOK, snap)
}

func (s *Server) postOperation(c *gin.Context) {
	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	if !knownKinds[req.Kind] {
		s.handleInvalidInput(c, errors.New("unknown operation kind "+string(req.Kind)))

		return
	}

	token, err := s.backend.Enqueue(c.Request.Context(), c.Param("account"), req.Kind, req.Payload, protocontrol.EnqueueOptions{
		Hot:             req.Hot,
		DelayNotAllowed: req.DelayNotAllowed,
		Predecessor:     req.Predecessor,
	})
	if err != nil {
		s.handleError(c, err)

		return
	}

	c.JSON(http.StatusAccepted, gin.H{"token": token})
}

func (s *Server) postCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	err := s.backend.CredResp(c.Param("account"), c.Param("protocol"), protocontrol.Credentials{
		Username: req.Username,
		Password: req.Password,
	})
	s.respond(c, err)
}

func (s *Server) postServerConfig(c *gin.Context) {
	var req serverConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	err := s.backend.ServerConfResp(c.Param("account"), c.Param("protocol"), protocontrol.ServerConfig{
		Host: req.Host,
		Port: req.Port,
		TLS:  req.TLS,
	}, req.Force)
	s.respond(c, err)
}

func (s *Server) postCertificate(c *gin.Context) {
	var req certificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	s.respond(c, s.backend.CertAskResp(c.Param("account"), c.Param("protocol"), *req.Accept))
}

func (s *Server) postDesired(state config.DesiredState) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.respond(c, s.backend.SetDesiredState(c.Request.Context(), c.Param("account"), state))
	}
}

func (s *Server) postValidate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	p := req.protocolConfig()
	if err := p.Validate(); err != nil {
		s.handleInvalidInput(c, err)

		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.ValidateTimeout)
	defer cancel()

	result, err := s.backend.Validate(ctx, req.AccountID, p)
	if err != nil {
		s.handleError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result.String()})
}

// respond answers 204 for a nil error.
func (s *Server) respond(c *gin.Context, err error) {
	if err != nil {
		s.handleError(c, err)

		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, control.ErrNoController), errors.Is(err, config.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   err.Error(),
			"status":  http.StatusNotFound,
			"message": "The account or protocol does not exist.",
		})
	case errors.Is(err, config.ErrInvalid), errors.Is(err, protocontrol.ErrInvalidConfig),
		errors.Is(err, protocontrol.ErrUnsupported):
		s.handleInvalidInput(c, err)
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":   err.Error(),
			"status":  http.StatusGatewayTimeout,
			"message": "The request did not finish in time.",
		})
	default:
		metrics.IncErrorCountAndLog(metrics.ComponentAPI, c.FullPath(), err, s.logger)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   err.Error(),
			"status":  http.StatusInternalServerError,
			"message": "The server had an internal error.",
		})
	}
}

func (s *Server) handleInvalidInput(c *gin.Context, err error) {
	s.logger.Debugw("Invalid input", "path", c.Request.URL.Path, "error", err)

	c.JSON(http.StatusBadRequest, gin.H{
		"error":   err.Error(),
		"status":  http.StatusBadRequest,
		"message": "You have provided a wrong input. Please check your parameters.",
	})
}
