package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clock "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Clock"
	config "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Config"
	container "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Container"
	logger "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models"
)

func testConfig(staticDir string) *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Port: "0"},
		Storage: config.StorageConfig{Backend: config.BackendMemory},
		Retention: config.RetentionConfig{
			Window:        config.DefaultRetentionWindow,
			SweepInterval: time.Hour,
		},
		Live: config.LiveConfig{
			BufferSize:   16,
			WriteTimeout: 2 * time.Second,
			PingInterval: time.Second,
		},
		Dashboard: config.DashboardConfig{StaticDir: staticDir},
		CORS: config.CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Origin", "Content-Type"},
		},
	}
}

func newTestRouter(t *testing.T) (*gin.Engine, *container.ApiContainer, *clock.Fake) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	staticDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staticDir, "index.html"), []byte("<html>dashboard</html>"), 0o644))

	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ctr := container.NewApiContainerWith(testConfig(staticDir), logger.NewNop(), fake)
	require.NoError(t, ctr.Initialize(context.Background()))
	t.Cleanup(func() { _ = ctr.Shutdown(context.Background()) })

	return newRouter(ctr), ctr, fake
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"online"}`, w.Body.String())

	w = do(router, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"backend":"memory"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestIngestAndQueryLatest(t *testing.T) {
	router, _, fake := newTestRouter(t)

	w := do(router, http.MethodPost, "/api/sensordata", `{"device_id":"101","room":"Lab A","temperature":22.5,"humidity":40.0,"pressure":1012.0}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var ack struct {
		Status  string                `json:"status"`
		Reading mqtmodels.LatestEntry `json:"reading"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, "101", ack.Reading.DeviceID)
	assert.Equal(t, 22.5, ack.Reading.Temperature)
	assert.True(t, fake.Now().Equal(ack.Reading.Timestamp))

	w = do(router, http.MethodPost, "/api/sensordata", `{"id":202,"room":"Lab B","temp":19.0,"hum":55.0,"pres":1008.5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(router, http.MethodGet, "/api/latest", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all []mqtmodels.LatestEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	require.Len(t, all, 2)
	assert.Equal(t, "101", all[0].DeviceID)
	assert.Equal(t, "Lab A", all[0].Room)
	assert.Equal(t, "202", all[1].DeviceID)
	assert.Equal(t, "Lab B", all[1].Room)
	assert.Equal(t, 1008.5, all[1].Pressure)

	w = do(router, http.MethodGet, "/api/latest/202", "")
	require.Equal(t, http.StatusOK, w.Code)
	var one mqtmodels.LatestEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.Equal(t, 55.0, one.Humidity)

	w = do(router, http.MethodGet, "/api/latest/999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"device not found"}`, w.Body.String())
}

func TestLatestIsEmptyArrayWithoutDevices(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/api/latest", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestIngestRejectsInvalidPayload(t *testing.T) {
	router, ctr, _ := newTestRouter(t)

	testCases := []struct {
		name string
		body string
	}{
		{"non numeric temperature", `{"device_id":"1","room":"a","temperature":"hot","humidity":1,"pressure":1}`},
		{"missing room", `{"device_id":"1","temperature":1,"humidity":1,"pressure":1}`},
		{"not json", `hello`},
		{"empty body", ``},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(router, http.MethodPost, "/api/sensordata", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "invalid reading")
		})
	}

	assert.Empty(t, ctr.GetStore().LatestAll())
}

func TestMetricsExposition(t *testing.T) {
	router, _, _ := newTestRouter(t)

	do(router, http.MethodPost, "/api/sensordata", `{"id":"1","room":"a","temp":1,"hum":1,"pres":1}`)
	do(router, http.MethodPost, "/api/sensordata", `{"id":"1","room":"a"}`)

	w := do(router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	body := w.Body.String()
	assert.Contains(t, body, "# HELP envmon_ingest_accepted_total Readings accepted\n")
	assert.Contains(t, body, "# TYPE envmon_ingest_accepted_total counter")
	assert.Contains(t, body, "# TYPE envmon_live_viewers gauge")
	assert.Contains(t, body, "envmon_ingest_accepted_total 1\n")
	assert.Contains(t, body, "envmon_ingest_rejected_total 1\n")
	assert.Contains(t, body, "envmon_devices_active 1\n")
}

func TestDashboardFallback(t *testing.T) {
	router, _, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dashboard")

	w = do(router, http.MethodGet, "/devices/101", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dashboard")

	w = do(router, http.MethodGet, "/api/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"not found"}`, w.Body.String())
}

func dialLive(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestLiveFeed(t *testing.T) {
	router, ctr, _ := newTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	do(router, http.MethodPost, "/api/sensordata", `{"id":"101","room":"Lab A","temp":22.5,"hum":40,"pres":1012}`)

	conn := dialLive(t, srv)

	var snapshot mqtmodels.SnapshotMessage
	readJSON(t, conn, &snapshot)
	assert.Equal(t, "initial", snapshot.Type)
	require.Len(t, snapshot.Data, 1)
	assert.Equal(t, "101", snapshot.Data[0].DeviceID)

	require.Eventually(t, func() bool { return ctr.GetHub().Count() == 1 }, time.Second, 10*time.Millisecond)

	do(router, http.MethodPost, "/api/sensordata", `{"id":"202","room":"Lab B","temp":19,"hum":55,"pres":1008.5}`)

	var event map[string]any
	readJSON(t, conn, &event)
	assert.Equal(t, "reading", event["type"])
	assert.Equal(t, "202", event["device_id"])
	assert.Equal(t, "Lab B", event["room"])
	assert.Equal(t, 19.0, event["temperature"])
	assert.Equal(t, 55.0, event["humidity"])
	assert.Equal(t, 1008.5, event["pressure"])
	assert.Contains(t, event, "timestamp")

	// closing the client frees the viewer
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return ctr.GetHub().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLiveFeedSnapshotOnlySession(t *testing.T) {
	router, _, _ := newTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn := dialLive(t, srv)

	var snapshot mqtmodels.SnapshotMessage
	readJSON(t, conn, &snapshot)
	assert.Equal(t, "initial", snapshot.Type)
	assert.Empty(t, snapshot.Data)
}

func TestLiveFeedClosedOnShutdown(t *testing.T) {
	router, ctr, _ := newTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn := dialLive(t, srv)
	var snapshot mqtmodels.SnapshotMessage
	readJSON(t, conn, &snapshot)

	require.Eventually(t, func() bool { return ctr.GetHub().Count() == 1 }, time.Second, 10*time.Millisecond)
	ctr.GetHub().Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
}
