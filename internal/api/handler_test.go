package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshayaggarwal99/boxed/internal/driver"
	"github.com/akshayaggarwal99/boxed/internal/driver/drivertest"
	"github.com/akshayaggarwal99/boxed/internal/lifecycle"
	"github.com/akshayaggarwal99/boxed/internal/registry/memory"
)

func newTestHandler(t *testing.T, apiKey string) (*Handler, *drivertest.Fake) {
	t.Helper()
	fake := drivertest.New()
	fake.ExecFunc = func(ctx context.Context, id string, argv []string, user string, demux bool) (driver.ExecResult, error) {
		return driver.ExecResult{ExitCode: 0}, nil
	}
	manager := lifecycle.NewManager(memory.New(), fake, "sandboxes.example.com", lifecycle.ContainerSpec{
		Image:               "agent:latest",
		ShutdownTimeoutSecs: 10,
	})
	return NewHandler(manager, fake, nil, apiKey, "X-API-Key", 10), fake
}

func newTestEcho(h *Handler) *echo.Echo {
	e := echo.New()
	h.RegisterRoutes(e)
	return e
}

func TestHealthIsAlwaysPublic(t *testing.T) {
	h, _ := newTestHandler(t, "secret-key")
	e := newTestEcho(h)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateRequiresAPIKeyWhenConfigured(t *testing.T) {
	h, _ := newTestHandler(t, "secret-key")
	e := newTestEcho(h)

	body, _ := json.Marshal(createSandboxRequest{UserID: uuid.NewString()})
	req := httptest.NewRequest(http.MethodPost, "/sandboxes", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateRejectsWrongAPIKey(t *testing.T) {
	h, _ := newTestHandler(t, "secret-key")
	e := newTestEcho(h)

	body, _ := json.Marshal(createSandboxRequest{UserID: uuid.NewString()})
	req := httptest.NewRequest(http.MethodPost, "/sandboxes", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "wrong-key")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateSucceedsWithValidAPIKey(t *testing.T) {
	h, _ := newTestHandler(t, "secret-key")
	e := newTestEcho(h)

	userID := uuid.NewString()
	body, _ := json.Marshal(createSandboxRequest{UserID: userID})
	req := httptest.NewRequest(http.MethodPost, "/sandboxes", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "secret-key")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp sandboxResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, userID, resp.UserID)
	assert.Equal(t, "ready", resp.Status)
}

func TestCreateRejectsInvalidUserID(t *testing.T) {
	h, _ := newTestHandler(t, "")
	e := newTestEcho(h)

	body, _ := json.Marshal(createSandboxRequest{UserID: "not-a-uuid"})
	req := httptest.NewRequest(http.MethodPost, "/sandboxes", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetMissingSandboxReturns404(t *testing.T) {
	h, _ := newTestHandler(t, "")
	e := newTestEcho(h)

	req := httptest.NewRequest(http.MethodGet, "/sandboxes/sbx-missing", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFullLifecycleViaHTTP(t *testing.T) {
	h, _ := newTestHandler(t, "")
	e := newTestEcho(h)

	userID := uuid.NewString()
	createBody, _ := json.Marshal(createSandboxRequest{UserID: userID})
	createReq := httptest.NewRequest(http.MethodPost, "/sandboxes", bytes.NewReader(createBody))
	createReq.Header.Set("Content-Type", "application/json")
	createRec := httptest.NewRecorder()
	e.ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created sandboxResponse
	require.NoError(t, json.NewDecoder(createRec.Body).Decode(&created))

	execBody, _ := json.Marshal(execRequest{Command: "echo hi"})
	execReq := httptest.NewRequest(http.MethodPost, "/sandboxes/"+created.SandboxID+"/exec", bytes.NewReader(execBody))
	execReq.Header.Set("Content-Type", "application/json")
	execRec := httptest.NewRecorder()
	e.ServeHTTP(execRec, execReq)
	assert.Equal(t, http.StatusOK, execRec.Code)

	heartbeatReq := httptest.NewRequest(http.MethodPost, "/sandboxes/"+created.SandboxID+"/heartbeat", nil)
	heartbeatRec := httptest.NewRecorder()
	e.ServeHTTP(heartbeatRec, heartbeatReq)
	assert.Equal(t, http.StatusOK, heartbeatRec.Code)

	destroyReq := httptest.NewRequest(http.MethodDelete, "/sandboxes/"+created.SandboxID, nil)
	destroyRec := httptest.NewRecorder()
	e.ServeHTTP(destroyRec, destroyReq)
	assert.Equal(t, http.StatusNoContent, destroyRec.Code)
}
