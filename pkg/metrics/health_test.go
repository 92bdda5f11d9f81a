package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(version string) {
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
		version:    version,
	}
}

func registerAllCritical() {
	RegisterComponent(ComponentGCS, true, "registered")
	RegisterComponent(ComponentNodeManager, true, "")
	RegisterComponent(ComponentObjectStore, true, "")
}

func TestRegisterComponent(t *testing.T) {
	resetHealth("")

	RegisterComponent(ComponentAcceptor, true, "listening")

	require.Len(t, healthChecker.components, 1)
	comp := healthChecker.components[ComponentAcceptor]
	assert.True(t, comp.Healthy)
	assert.Equal(t, "listening", comp.Message)
	assert.False(t, comp.Updated.IsZero())
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		setup      func()
		wantStatus string
		wantComp   map[string]string
	}{
		{
			name: "all healthy",
			setup: func() {
				RegisterComponent(ComponentNodeManager, true, "")
				RegisterComponent(ComponentGCS, true, "")
			},
			wantStatus: "healthy",
			wantComp: map[string]string{
				ComponentNodeManager: "healthy",
				ComponentGCS:         "healthy",
			},
		},
		{
			name: "one unhealthy",
			setup: func() {
				RegisterComponent(ComponentNodeManager, true, "")
				RegisterComponent(ComponentGCS, false, "lease lost")
			},
			wantStatus: "unhealthy",
			wantComp: map[string]string{
				ComponentNodeManager: "healthy",
				ComponentGCS:         "unhealthy: lease lost",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("1.0.0")
			tt.setup()

			health := GetHealth()
			assert.Equal(t, tt.wantStatus, health.Status)
			assert.Equal(t, tt.wantComp, health.Components)
			assert.Equal(t, "1.0.0", health.Version)
		})
	}
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name        string
		setup       func()
		wantStatus  string
		wantMessage string
	}{
		{
			name:       "all critical components ready",
			setup:      registerAllCritical,
			wantStatus: "ready",
		},
		{
			name: "registration missing",
			setup: func() {
				RegisterComponent(ComponentNodeManager, true, "")
				RegisterComponent(ComponentObjectStore, true, "")
			},
			wantStatus:  "not_ready",
			wantMessage: "waiting for gcs initialization",
		},
		{
			name: "object store unhealthy",
			setup: func() {
				registerAllCritical()
				UpdateComponent(ComponentObjectStore, false, "stopped")
			},
			wantStatus:  "not_ready",
			wantMessage: "waiting for object_store",
		},
		{
			name: "non critical component does not block readiness",
			setup: func() {
				registerAllCritical()
				RegisterComponent(ComponentAcceptor, false, "closed")
			},
			wantStatus: "ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("")
			tt.setup()

			readiness := GetReadiness()
			assert.Equal(t, tt.wantStatus, readiness.Status)
			assert.Equal(t, tt.wantMessage, readiness.Message)
		})
	}
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name     string
		healthy  bool
		wantCode int
	}{
		{name: "healthy", healthy: true, wantCode: http.StatusOK},
		{name: "unhealthy", healthy: false, wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("test")
			RegisterComponent(ComponentGCS, tt.healthy, "")

			rec := httptest.NewRecorder()
			HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body HealthStatus
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, "test", body.Version)
		})
	}
}

func TestReadyHandler(t *testing.T) {
	resetHealth("")
	RegisterComponent(ComponentNodeManager, true, "")

	rec := httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	registerAllCritical()
	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
}

func TestLivenessHandler(t *testing.T) {
	resetHealth("")
	RegisterComponent(ComponentGCS, false, "down")

	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["uptime"])
}
