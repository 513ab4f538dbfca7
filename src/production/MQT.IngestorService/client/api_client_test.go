package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api_models "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models/api"
)

var sample = api_models.IngestCommand{DeviceID: "101", Room: "Lab A", Temperature: 22.5, Humidity: 40, Pressure: 1012}

func newClient(url string) *APIClient {
	c := NewAPIClient(url)
	c.SetRetryPolicy(2, time.Millisecond)
	return c
}

func TestSubmitReading(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/sensordata", r.URL.Path)

		var got api_models.IngestCommand
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, sample, got)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","reading":{"device_id":"101","room":"Lab A","temperature":22.5,"humidity":40,"pressure":1012,"timestamp":"2025-06-01T12:00:00Z","last_seen":"2025-06-01T12:00:00Z"}}`))
	}))
	defer srv.Close()

	resp, err := newClient(srv.URL + "/").SubmitReading(context.Background(), sample)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "101", resp.Reading.DeviceID)
}

func TestSubmitReadingRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	_, err := c.SubmitReading(context.Background(), sample)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "closed", c.GetCircuitBreakerStatus()["state"])
}

func TestSubmitReadingDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid reading"}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).SubmitReading(context.Background(), sample)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusBadRequest, serr.StatusCode)
	assert.Contains(t, serr.Body, "invalid reading")
	assert.Equal(t, int32(1), calls.Load())
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	var healthy atomic.Bool
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := NewAPIClient(srv.URL)
	c.SetRetryPolicy(0, time.Millisecond)
	c.SetCircuitBreaker(2, 50*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.SubmitReading(ctx, sample)
		require.Error(t, err)
	}
	assert.Equal(t, "open", c.GetCircuitBreakerStatus()["state"])

	_, err := c.SubmitReading(ctx, sample)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())

	healthy.Store(true)
	time.Sleep(60 * time.Millisecond)

	_, err = c.SubmitReading(ctx, sample)
	require.NoError(t, err)
	assert.Equal(t, "closed", c.GetCircuitBreakerStatus()["state"])
}

func TestSubmitReadingHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewAPIClient(srv.URL)
	c.SetRetryPolicy(5, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.SubmitReading(ctx, sample)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health/live" {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	assert.NoError(t, NewAPIClient(srv.URL).Health(context.Background()))

	srv.Close()
	assert.Error(t, NewAPIClient(srv.URL).Health(context.Background()))
}
