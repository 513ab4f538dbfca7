package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	broadcast "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Broadcast"
	clock "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Clock"
	mqtmodels "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models"
	api_models "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models/api"
	store "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Store"
)

func newService(t *testing.T) (*IngestService, *store.Store, *broadcast.Hub) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.New(store.Options{Clock: fake})
	hub := broadcast.NewHub(st, 8, nil)
	return NewIngestService(st, hub, nil), st, hub
}

func TestIngestPayloadStoresAndPublishes(t *testing.T) {
	svc, st, hub := newService(t)

	viewer, err := hub.Subscribe()
	require.NoError(t, err)
	<-viewer.Messages()

	event, err := svc.IngestPayload(context.Background(),
		[]byte(`{"id":"101","room":"Lab A","temp":22.5,"hum":40,"pres":1012}`))
	require.NoError(t, err)
	assert.Equal(t, mqtmodels.LiveMessageReading, event.Type)
	assert.Equal(t, "101", event.DeviceID)

	latest, ok := st.Latest("101")
	require.True(t, ok)
	assert.Equal(t, 22.5, latest.Temperature)
	assert.Equal(t, event.Reading, latest.Reading)

	var published mqtmodels.ReadingEvent
	require.NoError(t, json.Unmarshal(<-viewer.Messages(), &published))
	assert.Equal(t, event, published)

	assert.Equal(t, Counters{Accepted: 1}, svc.Counters())
}

func TestIngestPayloadRejectsInvalid(t *testing.T) {
	svc, st, hub := newService(t)

	viewer, err := hub.Subscribe()
	require.NoError(t, err)
	<-viewer.Messages()

	_, err = svc.IngestPayload(context.Background(), []byte(`{"id":"1","room":"a","temp":"warm","hum":1,"pres":1}`))
	var verr *mqtmodels.ValidationError
	require.True(t, errors.As(err, &verr))

	assert.Empty(t, st.LatestAll())
	assert.Len(t, viewer.Messages(), 0)
	assert.Equal(t, Counters{Rejected: 1}, svc.Counters())
}

func TestIngestWithoutHub(t *testing.T) {
	st := store.New(store.Options{})
	svc := NewIngestService(st, nil, nil)

	_, err := svc.IngestPayload(context.Background(), []byte(`{"device_id":7,"room":"Lab","temperature":1,"humidity":2,"pressure":3}`))
	require.NoError(t, err)

	_, ok := st.Latest("7")
	assert.True(t, ok)
}

func TestConcurrentIngestPublishesInAppendOrder(t *testing.T) {
	const writers = 64

	st := store.New(store.Options{})
	hub := broadcast.NewHub(st, writers+1, nil)
	svc := NewIngestService(st, hub, nil)

	viewer, err := hub.Subscribe()
	require.NoError(t, err)
	<-viewer.Messages()

	var wg sync.WaitGroup
	for n := 0; n < writers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			svc.Ingest(context.Background(), api_models.IngestCommand{
				DeviceID: "101", Room: "Lab A", Temperature: float64(n), Humidity: 40, Pressure: 1012,
			})
		}(n)
	}
	wg.Wait()

	record, ok := st.Record("101")
	require.True(t, ok)
	require.Len(t, record.Readings, writers)
	require.Len(t, viewer.Messages(), writers)

	for i := 0; i < writers; i++ {
		var event mqtmodels.ReadingEvent
		require.NoError(t, json.Unmarshal(<-viewer.Messages(), &event))
		assert.Equal(t, record.Readings[i].Temperature, event.Temperature, "event %d out of append order", i)
	}

	latest, ok := st.Latest("101")
	require.True(t, ok)
	assert.Equal(t, record.Readings[writers-1].Temperature, latest.Temperature)
}
