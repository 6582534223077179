package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/analytics-engine/internal/catalog"
	"carbon-scribe/analytics-engine/internal/notifications/websocket"
	"carbon-scribe/analytics-engine/internal/plugin"
	"carbon-scribe/analytics-engine/internal/records"
	"carbon-scribe/analytics-engine/pkg/errdefs"
	"carbon-scribe/analytics-engine/pkg/security"
)

const testSecret = "0123456789abcdef0123"

// setupConfig writes a config pointing at the test catalog and moves into
// its directory so no stray .env is read.
func setupConfig(t *testing.T) string {
	t.Helper()
	catalogPath, err := filepath.Abs("../../internal/catalog/testdata/catalog.json")
	require.NoError(t, err)

	dir := t.TempDir()
	body, err := json.Marshal(map[string]any{
		"catalog": map[string]any{"path": catalogPath},
		"logging": map[string]any{"level": "error"},
		"auth":    map[string]any{"jwt_secret": testSecret},
	})
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"minAge=3", "status = open", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"minAge": "3", "status": " open", "note": "a=b"}, params)

	for _, bad := range [][]string{{"minAge"}, {"=3"}, {"a=1", "a=2"}} {
		_, err := parseParams(bad)
		assert.True(t, errdefs.IsValidation(err), "%v", bad)
	}
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, ExitSuccess, classifyError(nil))
	assert.Equal(t, ExitInvalidArg, classifyError(errdefs.Validation("x", "bad", "bad")))
	assert.Equal(t, ExitNotFound, classifyError(fmt.Errorf("report: %w", errdefs.ErrNotFound)))
	assert.Equal(t, ExitNotFound, classifyError(fmt.Errorf("read: %w", os.ErrNotExist)))
	assert.Equal(t, ExitStartup, classifyError(&errdefs.PluginStartupError{Reason: "no host"}))
	assert.Equal(t, ExitInternal, classifyError(errors.New("boom")))
}

func TestValidateCommand(t *testing.T) {
	path := setupConfig(t)

	out, err := execute(t, "--config", path, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "1 objects, 2 reports, 1 dashboards, 1 schedules")
}

func TestRunCommand(t *testing.T) {
	path := setupConfig(t)

	out, err := execute(t, "--config", path, "run", "open-by-owner", "--param", "minAge=0", "--format", "csv")
	require.NoError(t, err)
	// columns default to sorted field names
	assert.Contains(t, out, "count,owner\n1,a\n1,b\n")

	_, err = execute(t, "--config", path, "run", "open-by-owner")
	assert.Equal(t, ExitInvalidArg, classifyError(err))

	_, err = execute(t, "--config", path, "run", "ghost")
	assert.Equal(t, ExitNotFound, classifyError(err))

	_, err = execute(t, "--config", path, "run", "open-by-owner", "--format", "xml")
	assert.Equal(t, ExitInvalidArg, classifyError(err))
}

func TestRunCommandWritesFile(t *testing.T) {
	path := setupConfig(t)
	target := filepath.Join(t.TempDir(), "out.json")

	_, err := execute(t, "--config", path, "run", "task-count", "--format", "json", "--output", target)
	require.NoError(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	var payload struct {
		Columns  []string         `json:"columns"`
		Rows     []map[string]any `json:"rows"`
		RowCount int              `json:"row_count"`
	}
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, []string{"count", "status"}, payload.Columns)
	assert.Equal(t, 2, payload.RowCount)
}

func startedPlugin(t *testing.T) *plugin.Plugin {
	t.Helper()
	cat, err := catalog.Load("../../internal/catalog/testdata/catalog.json")
	require.NoError(t, err)
	reg, err := cat.Registry()
	require.NoError(t, err)
	store := records.NewMemoryStore()
	require.NoError(t, cat.Seed(store, reg))

	p := plugin.New(plugin.Options{Name: "analytics", Version: "test", Catalog: cat})
	h := &host{
		manifest: plugin.HostManifest{Capabilities: []string{plugin.CapabilityRecordQuery, plugin.CapabilitySecurityContext}},
		store:    store,
		logger:   zap.NewNop(),
	}
	_, err = p.Start(context.Background(), h)
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p
}

func TestRouterHealthAndAuth(t *testing.T) {
	p := startedPlugin(t)
	ws := websocket.NewManager(zap.NewNop())
	t.Cleanup(ws.Close)
	parser := security.NewTokenParser(testSecret, "")
	r := newRouter("test", zap.NewNop(), p, ws, parser, time.Minute)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var health plugin.HealthReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	// the scheduler loop is not started in this test
	assert.Equal(t, plugin.HealthDegraded, health.Status)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/reports", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := parser.Sign(security.Context{UserID: "u1", TenantID: "t1"}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)

	for _, path := range []string{"/api/v1/reports", "/api/v1/dashboards/ops", "/api/v1/schedules", "/api/v1/plugin/capabilities"} {
		w = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestRouterRejectsUnhealthyPlugin(t *testing.T) {
	p := startedPlugin(t)
	ws := websocket.NewManager(zap.NewNop())
	t.Cleanup(ws.Close)
	r := newRouter("test", zap.NewNop(), p, ws, security.NewTokenParser(testSecret, ""), 0)
	p.Stop()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
