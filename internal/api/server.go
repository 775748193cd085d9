// Package api serves the daemon's status surface: read-only views of the
// watcher, agents, and model server, an event stream, and a message endpoint
// that writes trigger files.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentos/agentos/internal/agent"
	"github.com/agentos/agentos/internal/common/config"
	"github.com/agentos/agentos/internal/common/logger"
	"github.com/agentos/agentos/internal/events/bus"
	"github.com/agentos/agentos/internal/history"
	"github.com/agentos/agentos/internal/modelserver"
	"github.com/agentos/agentos/internal/registry"
	"github.com/agentos/agentos/internal/watcher"
)

// Deps are the daemon components the API reads from. Everything here is a
// snapshot reader or a trigger-file write: the API never calls into a live
// agent conversation.
type Deps struct {
	Registry      *registry.Registry
	Agents        *agent.Manager
	Arbiter       *modelserver.Server
	Watcher       *watcher.Watcher
	History       *history.Store
	Bus           bus.EventBus
	TranscriptDir string
}

// Server is the status HTTP server.
type Server struct {
	cfg    config.APIConfig
	deps   Deps
	logger *logger.Logger
	router *gin.Engine

	upgrader  websocket.Upgrader
	startedAt time.Time
	httpSrv   *http.Server
}

// NewServer creates the status API server.
func NewServer(cfg config.APIConfig, deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: log.WithFields(zap.String("component", "api-server")),
		router: gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // the API binds to loopback
			},
		},
		startedAt: time.Now(),
	}

	s.setupRoutes()
	return s
}

// Router returns the HTTP router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/channels", s.handleChannels)
		api.GET("/history/:channel", s.handleHistory)
		api.GET("/events/stream", s.handleEventStreamWS)

		api.POST("/message", s.handleMessage)
		api.POST("/agents/:name/restart", s.handleAgentRestart)
	}
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	s.logger.Info("status API listening", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("status API shutdown error", zap.Error(err))
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status API failed: %w", err)
		}
		return nil
	}
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// StatusResponse is the daemon-wide status snapshot.
type StatusResponse struct {
	Uptime   string                 `json:"uptime"`
	Agents   []agent.State          `json:"agents"`
	Server   modelserver.State      `json:"server"`
	Channels []watcher.ChannelState `json:"channels"`
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Uptime:   time.Since(s.startedAt).Round(time.Second).String(),
		Agents:   s.deps.Agents.States(),
		Server:   s.deps.Arbiter.State(),
		Channels: s.deps.Watcher.States(),
	})
}

// ChannelsResponse lists channel bindings merged with watch state.
type ChannelsResponse struct {
	Channels []watcher.ChannelState `json:"channels"`
}

func (s *Server) handleChannels(c *gin.Context) {
	c.JSON(http.StatusOK, ChannelsResponse{Channels: s.deps.Watcher.States()})
}

// HistoryResponse carries completion-log entries for one channel.
type HistoryResponse struct {
	Channel string          `json:"channel"`
	Entries []history.Entry `json:"entries"`
}

func (s *Server) handleHistory(c *gin.Context) {
	name := c.Param("channel")
	ch, err := s.deps.Registry.Get(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown channel %q", name)})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		limit = 50
	}

	entries := []history.Entry{}
	if ch.History != "" {
		entries = s.deps.History.Entries(ch.History, limit)
	}
	c.JSON(http.StatusOK, HistoryResponse{Channel: name, Entries: entries})
}

// MessageRequest writes text into a channel's trigger file.
type MessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// MessageResponse confirms a trigger write.
type MessageResponse struct {
	Success bool   `json:"success"`
	Channel string `json:"channel"`
	File    string `json:"file"`
}

func (s *Server) handleMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	ch, err := s.deps.Registry.Get(req.Channel)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown channel %q", req.Channel)})
		return
	}

	path := filepath.Join(s.deps.TranscriptDir, ch.File)
	if err := os.MkdirAll(s.deps.TranscriptDir, 0755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := os.WriteFile(path, []byte(req.Text), 0644); err != nil {
		s.logger.Error("failed to write trigger file", zap.String("file", ch.File), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info("message written to trigger", zap.String("channel", ch.File))
	c.JSON(http.StatusOK, MessageResponse{Success: true, Channel: req.Channel, File: path})
}

// RestartResponse confirms an agent stop.
type RestartResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleAgentRestart(c *gin.Context) {
	name := c.Param("name")
	handle, exists := s.deps.Agents.Get(name)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown agent %q", name)})
		return
	}

	handle.Stop()
	c.JSON(http.StatusOK, RestartResponse{
		Success: true,
		Message: "agent stopped; the next request restarts it",
	})
}
