package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Config"
	container "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Container"
	logger "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Logger"
)

func TestHealthReportsDisconnectedBroker(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer api.Close()

	cfg := &config.IngestorConfig{
		MQTT:          config.MQTTConfig{Topic: "sensors/#"},
		ApiServiceURL: api.URL,
		QueueSize:     8,
	}
	ctr := container.NewIngestorContainerWith(cfg, logger.NewNop())

	w := httptest.NewRecorder()
	healthHandler(ctr).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
		Circuit  map[string]any    `json:"circuit_breaker"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "disconnected", body.Services["mqtt"])
	assert.Equal(t, "connected", body.Services["api_service"])
	assert.Equal(t, "closed", body.Circuit["state"])
}
