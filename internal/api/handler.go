// Package api exposes the sandbox orchestrator's HTTP control surface over
// echo, translating Lifecycle Manager calls and apperr.Kind into the
// documented status codes.
package api

import (
	"crypto/hmac"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/akshayaggarwal99/boxed/internal/apperr"
	"github.com/akshayaggarwal99/boxed/internal/driver"
	"github.com/akshayaggarwal99/boxed/internal/lifecycle"
	"github.com/akshayaggarwal99/boxed/internal/registry"
	"github.com/akshayaggarwal99/boxed/internal/storage"
)

const (
	defaultExecTimeout = 30 * time.Second
	defaultExecUser    = "agent"
)

// Handler wires HTTP routes to the Lifecycle Manager, the container
// driver (for logs/stats), and the storage manager (for pre-create prefix
// provisioning).
type Handler struct {
	manager             *lifecycle.Manager
	drv                 driver.Driver
	storageMgr          *storage.Manager
	apiKey              string
	apiKeyHeader        string
	shutdownTimeoutSecs int
	startedAt           time.Time
}

// NewHandler builds a Handler. apiKey empty disables authentication
// (intended for local development only).
func NewHandler(manager *lifecycle.Manager, drv driver.Driver, storageMgr *storage.Manager, apiKey, apiKeyHeader string, shutdownTimeoutSecs int) *Handler {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &Handler{
		manager:             manager,
		drv:                 drv,
		storageMgr:          storageMgr,
		apiKey:              apiKey,
		apiKeyHeader:        apiKeyHeader,
		shutdownTimeoutSecs: shutdownTimeoutSecs,
		startedAt:           time.Now(),
	}
}

// RegisterRoutes mounts every route in the HTTP control surface. /health is
// always public; everything under /sandboxes requires the API key.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.health)

	sandboxes := e.Group("/sandboxes")
	if h.apiKey != "" {
		sandboxes.Use(h.authMiddleware)
	}

	sandboxes.POST("", h.create)
	sandboxes.GET("", h.list)
	sandboxes.GET("/:id", h.get)
	sandboxes.POST("/:id/exec", h.exec)
	sandboxes.POST("/:id/access", h.access)
	sandboxes.POST("/:id/heartbeat", h.heartbeat)
	sandboxes.POST("/:id/complete", h.complete)
	sandboxes.POST("/:id/error", h.reportError)
	sandboxes.DELETE("/:id", h.destroy)
	sandboxes.GET("/:id/logs", h.logs)
	sandboxes.GET("/:id/stats", h.stats)
}

// authMiddleware accepts the key via the configured header or as a bearer
// token, comparing in constant time. A missing key is 401; a present but
// wrong key is 403.
func (h *Handler) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get(h.apiKeyHeader)
		if key == "" {
			if auth := c.Request().Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
				key = auth[7:]
			}
		}
		if key == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing API key")
		}
		if !hmac.Equal([]byte(key), []byte(h.apiKey)) {
			return echo.NewHTTPError(http.StatusForbidden, "invalid API key")
		}
		return next(c)
	}
}

// writeDomainError translates an apperr.Kind into the matching status
// code. Unclassified errors are treated as 500s.
func writeDomainError(c echo.Context, err error) error {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case apperr.KindNotFound:
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("request failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

type sandboxResponse struct {
	SandboxID       string         `json:"sandbox_id"`
	UserID          string         `json:"user_id"`
	Status          string         `json:"status"`
	ContainerID     *string        `json:"container_id"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	StoppedAt       *time.Time     `json:"stopped_at,omitempty"`
	LastHeartbeatAt *time.Time     `json:"last_heartbeat_at,omitempty"`
	ExpiresAt       time.Time      `json:"expires_at"`
	TTLSeconds      int            `json:"ttl_seconds"`
	StopReason      *string        `json:"stop_reason,omitempty"`
	HotPath         string         `json:"hot_path"`
	ColdPath        string         `json:"cold_path"`
	SSHPort         *int           `json:"ssh_port"`
	Config          map[string]any `json:"config,omitempty"`
}

func toSandboxResponse(rec *registry.Record) sandboxResponse {
	resp := sandboxResponse{
		SandboxID:       rec.SandboxID,
		UserID:          rec.UserID,
		Status:          string(rec.Status),
		ContainerID:     rec.ContainerID,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
		StoppedAt:       rec.StoppedAt,
		LastHeartbeatAt: rec.LastHeartbeatAt,
		ExpiresAt:       rec.ExpiresAt,
		TTLSeconds:      rec.TTLSeconds,
		HotPath:         rec.HotPath,
		ColdPath:        rec.ColdPath,
		SSHPort:         rec.SSHPort,
		Config:          rec.Config,
	}
	if rec.StopReason != nil {
		reason := string(*rec.StopReason)
		resp.StopReason = &reason
	}
	return resp
}

type createSandboxRequest struct {
	UserID string         `json:"user_id"`
	Config map[string]any `json:"config"`
	TTL    int            `json:"ttl_seconds"`
}

func (h *Handler) create(c echo.Context) error {
	var req createSandboxRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "invalid request body"})
	}
	if _, err := uuid.Parse(req.UserID); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "user_id must be a valid UUID"})
	}

	ctx := c.Request().Context()
	log.Info().Str("user_id", req.UserID).Msg("sandbox creation requested")

	if h.storageMgr != nil {
		if err := h.storageMgr.EnsureUserStorage(ctx, req.UserID); err != nil {
			return writeDomainError(c, apperr.Runtime("ensure user storage", err))
		}
	}

	rec, err := h.manager.Create(ctx, req.UserID, req.Config, req.TTL)
	if err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusCreated, toSandboxResponse(rec))
}

func (h *Handler) list(c echo.Context) error {
	userID := c.QueryParam("user_id")
	recs, err := h.manager.List(c.Request().Context(), userID)
	if err != nil {
		return writeDomainError(c, err)
	}
	out := make([]sandboxResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toSandboxResponse(rec))
	}
	return c.JSON(http.StatusOK, map[string]any{"sandboxes": out, "total": len(out)})
}

func (h *Handler) get(c echo.Context) error {
	rec, err := h.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, toSandboxResponse(rec))
}

type execRequest struct {
	Command string `json:"command"`
	User    string `json:"user"`
	Timeout int    `json:"timeout"`
	Cwd     string `json:"cwd"`
}

func (h *Handler) exec(c echo.Context) error {
	id := c.Param("id")
	var req execRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "invalid request body"})
	}

	user := req.User
	if user == "" {
		user = defaultExecUser
	}
	timeout := defaultExecTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	result, err := h.manager.Exec(c.Request().Context(), id, req.Command, user, timeout, req.Cwd)
	if err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"exit_code": result.ExitCode,
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
	})
}

func (h *Handler) access(c echo.Context) error {
	id := c.Param("id")
	creds, err := h.manager.GenerateAccess(c.Request().Context(), id)
	if err != nil {
		return writeDomainError(c, err)
	}
	sshCommand := fmt.Sprintf("ssh -p %d %s@%s", creds.Port, creds.Username, creds.Host)
	return c.JSON(http.StatusOK, map[string]any{
		"private_key": creds.PrivateKeyPEM,
		"username":    creds.Username,
		"host":        creds.Host,
		"port":        creds.Port,
		"ssh_command": sshCommand,
	})
}

func (h *Handler) heartbeat(c echo.Context) error {
	id := c.Param("id")
	ok, err := h.manager.Heartbeat(c.Request().Context(), id)
	if err != nil {
		return writeDomainError(c, err)
	}
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": fmt.Sprintf("sandbox %s not found", id)})
	}
	return c.JSON(http.StatusOK, map[string]any{"acknowledged": true, "sandbox_id": id})
}

func (h *Handler) complete(c echo.Context) error {
	id := c.Param("id")
	if _, err := h.manager.Destroy(c.Request().Context(), id, true, registry.StopReasonGracefulShutdown, h.shutdownTimeoutSecs); err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "shutting_down", "sandbox_id": id})
}

type errorReportRequest struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

func (h *Handler) reportError(c echo.Context) error {
	id := c.Param("id")
	var req errorReportRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "invalid request body"})
	}

	rec, err := h.manager.Get(c.Request().Context(), id)
	if err != nil {
		return writeDomainError(c, err)
	}
	log.Error().Str("sandbox_id", id).Str("user_id", rec.UserID).Str("error", req.Error).Msg("sandbox reported error")

	if _, err := h.manager.Destroy(c.Request().Context(), id, true, registry.StopReasonError, h.shutdownTimeoutSecs); err != nil {
		return writeDomainError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "shutting_down", "sandbox_id": id, "error_received": true})
}

func (h *Handler) destroy(c echo.Context) error {
	id := c.Param("id")
	graceful := true
	if v := c.QueryParam("graceful"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			graceful = parsed
		}
	}

	ok, err := h.manager.Destroy(c.Request().Context(), id, graceful, registry.StopReasonUserRequested, h.shutdownTimeoutSecs)
	if err != nil {
		return writeDomainError(c, err)
	}
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to destroy sandbox"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) logs(c echo.Context) error {
	id := c.Param("id")
	tail := 200
	if v := c.QueryParam("tail"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			tail = parsed
		}
	}

	rec, err := h.manager.Get(c.Request().Context(), id)
	if err != nil {
		return writeDomainError(c, err)
	}
	if rec.ContainerID == nil {
		return c.JSON(http.StatusOK, map[string]any{"stdout": "", "stderr": "", "lines": 0})
	}

	raw, err := h.drv.Logs(c.Request().Context(), *rec.ContainerID, tail)
	if err != nil {
		return writeDomainError(c, apperr.Runtime("read container logs", err))
	}
	return c.JSON(http.StatusOK, map[string]any{"stdout": string(raw), "stderr": "", "lines": tail})
}

func (h *Handler) stats(c echo.Context) error {
	id := c.Param("id")
	rec, err := h.manager.Get(c.Request().Context(), id)
	if err != nil {
		return writeDomainError(c, err)
	}
	if rec.ContainerID == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "sandbox has no container"})
	}

	stats, err := h.drv.Stats(c.Request().Context(), *rec.ContainerID)
	if err != nil {
		return writeDomainError(c, apperr.Runtime("read container stats", err))
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) health(c echo.Context) error {
	active, err := h.manager.List(c.Request().Context(), "")
	count := 0
	if err == nil {
		for _, rec := range active {
			if !rec.Status.Terminal() {
				count++
			}
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":           "ok",
		"active_sandboxes": count,
		"uptime_seconds":   int(time.Since(h.startedAt).Seconds()),
	})
}
