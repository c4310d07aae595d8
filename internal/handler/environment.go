package handler

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/web-casa/dad/internal/model"
	"github.com/web-casa/dad/internal/service"
)

// EnvironmentHandler serves the environment lifecycle API.
type EnvironmentHandler struct {
	svc     *service.EnvironmentService
	history *service.History
	logger  *slog.Logger
}

// NewEnvironmentHandler creates a new EnvironmentHandler
func NewEnvironmentHandler(svc *service.EnvironmentService, history *service.History, logger *slog.Logger) *EnvironmentHandler {
	return &EnvironmentHandler{svc: svc, history: history, logger: logger}
}

// Register mounts the handler's routes on the /api group.
func (h *EnvironmentHandler) Register(api *gin.RouterGroup) {
	api.GET("/health", h.Health)
	api.GET("/catalog", h.Catalog)
	api.GET("/environments", h.List)
	api.POST("/environments", h.Create)
	api.GET("/environments/:id", h.Get)
	api.DELETE("/environments/:id", h.Delete)
	api.GET("/environments/:id/events", h.Events)
	api.GET("/environments/:id/logs", h.Logs)
	api.GET("/environments/:id/logs/ws", h.LogsWS)
}

// errorStatus maps service errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInProgress), errors.Is(err, service.ErrNotDeployed):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// Health is the liveness probe.
func (h *EnvironmentHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Catalog lists the database engines and topologies that can be created.
func (h *EnvironmentHandler) Catalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"db_types":          model.Kinds,
		"replication_types": model.Topologies,
		"combinations":      h.svc.Catalog(),
	})
}

// List returns every environment, failed ones included.
func (h *EnvironmentHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.List(c.Request.Context()))
}

// Get returns a single environment
func (h *EnvironmentHandler) Get(c *gin.Context) {
	env, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, env)
}

// Create provisions a new environment. With ?async=true it answers 202 as
// soon as the record exists; otherwise it blocks until compose up finished.
// Provisioning failures are reported on the returned record.
func (h *EnvironmentHandler) Create(c *gin.Context) {
	var req model.CreateEnvironmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		env, err := h.svc.CreateAsync(req)
		if err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, env)
		return
	}

	env, err := h.svc.Create(c.Request.Context(), req)
	if env == nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Warn("environment created in error state", "id", env.ID, "err", err)
	}
	c.JSON(http.StatusCreated, env)
}

// Delete tears an environment down.
func (h *EnvironmentHandler) Delete(c *gin.Context) {
	res, err := h.svc.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	body := gin.H{"message": "Environment deleted", "id": res.ID}
	if res.Warning != "" {
		body["warning"] = res.Warning
	}
	c.JSON(http.StatusOK, body)
}

// Events returns the lifecycle history of an environment. History outlives
// the environment, so deleted ids still answer.
func (h *EnvironmentHandler) Events(c *gin.Context) {
	id := c.Param("id")
	limit, _ := strconv.Atoi(c.Query("limit"))

	events, err := h.history.List(id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(events) == 0 {
		if _, err := h.svc.Get(c.Request.Context(), id); err != nil {
			c.JSON(errorStatus(err), gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

// Logs returns the tail of the environment's container output.
func (h *EnvironmentHandler) Logs(c *gin.Context) {
	tail, _ := strconv.Atoi(c.DefaultQuery("tail", "200"))
	logs, err := h.svc.Logs(c.Request.Context(), c.Param("id"), tail)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.HasSuffix(origin, "://"+r.Host)
	},
}

// LogsWS streams the environment's container output via WebSocket.
func (h *EnvironmentHandler) LogsWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	tail, _ := strconv.Atoi(c.DefaultQuery("tail", "100"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Detect client disconnect
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	reader, err := h.svc.LogsFollow(ctx, c.Param("id"), tail)
	if err != nil {
		conn.WriteMessage(websocket.TextMessage, []byte("Error: "+err.Error()))
		return
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := conn.WriteMessage(websocket.TextMessage, scanner.Bytes()); err != nil {
			return
		}
	}
}
