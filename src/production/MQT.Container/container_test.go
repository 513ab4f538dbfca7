package container

import (
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clock "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Clock"
	config "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Logger"
)

func testConfig(backend, dataDir string) *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Backend: backend, DataDir: dataDir},
		Retention: config.RetentionConfig{
			Window:        config.DefaultRetentionWindow,
			SweepInterval: time.Hour,
		},
		Live: config.LiveConfig{BufferSize: 4},
	}
}

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	ctr := NewApiContainerWith(testConfig(config.BackendMemory, ""), logger.NewNop(), nil)
	require.NoError(t, ctr.Initialize(ctx))
	require.NoError(t, ctr.Initialize(ctx))

	repo, err := ctr.OpenRepository(ctx)
	require.NoError(t, err)
	assert.Nil(t, repo)

	assert.NotNil(t, ctr.GetStore())
	assert.NotNil(t, ctr.GetHub())
	assert.NotNil(t, ctr.GetSweeper())
	assert.NotNil(t, ctr.GetIngestService())
	assert.NotNil(t, ctr.GetHealthChecker())

	families, err := ctr.GetMetricsRegistry().Gather()
	require.NoError(t, err)
	types := map[string]dto.MetricType{}
	for _, mf := range families {
		types[mf.GetName()] = mf.GetType()
	}
	assert.Len(t, types, 11)
	assert.Equal(t, dto.MetricType_GAUGE, types["envmon_devices"])
	assert.Equal(t, dto.MetricType_GAUGE, types["envmon_live_viewers"])
	assert.Equal(t, dto.MetricType_COUNTER, types["envmon_sweeps_total"])
	assert.Equal(t, dto.MetricType_COUNTER, types["envmon_ingest_accepted_total"])

	require.NoError(t, ctr.Shutdown(ctx))
}

func TestFileBackendSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	first := NewApiContainerWith(testConfig(config.BackendFile, dir), logger.NewNop(), fake)
	require.NoError(t, first.Initialize(ctx))
	first.GetStore().Ingest(ctx, "101", "Lab A", 22.5, 40, 1012)
	require.NoError(t, first.Shutdown(ctx))

	second := NewApiContainerWith(testConfig(config.BackendFile, dir), logger.NewNop(), fake)
	require.NoError(t, second.Initialize(ctx))
	defer second.Shutdown(ctx)

	entry, ok := second.GetStore().Latest("101")
	require.True(t, ok)
	assert.Equal(t, "Lab A", entry.Room)
	assert.Equal(t, 22.5, entry.Temperature)
}

func TestUnknownBackend(t *testing.T) {
	ctr := NewApiContainerWith(testConfig("redis", ""), logger.NewNop(), nil)
	assert.Error(t, ctr.Initialize(context.Background()))
}

func TestCleanupRunsInReverseOrder(t *testing.T) {
	ctr := NewApiContainerWith(testConfig(config.BackendMemory, ""), logger.NewNop(), nil)

	var order []int
	ctr.AddCleanupFunc(func() error { order = append(order, 1); return nil })
	ctr.AddCleanupFunc(func() error { order = append(order, 2); return nil })

	require.NoError(t, ctr.Shutdown(context.Background()))
	assert.Equal(t, []int{2, 1}, order)

	// a second shutdown has nothing left to run
	require.NoError(t, ctr.Shutdown(context.Background()))
	assert.Equal(t, []int{2, 1}, order)
}

func TestIngestorContainer(t *testing.T) {
	cfg := &config.IngestorConfig{
		MQTT:          config.MQTTConfig{Topic: "sensors/#", SharedGroup: "envmon"},
		ApiServiceURL: "http://localhost:8000",
		QueueSize:     8,
	}
	ctr := NewIngestorContainerWith(cfg, logger.NewNop())

	assert.NotNil(t, ctr.GetAPIClient())
	assert.Equal(t, "$share/envmon/sensors/#", ctr.GetIngestor().Subscription())
	assert.False(t, ctr.GetIngestor().IsConnected())
	require.NoError(t, ctr.Shutdown(context.Background()))
}
