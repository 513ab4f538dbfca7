package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	api_models "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models/api"
)

// ErrCircuitOpen is returned while the circuit breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker implements circuit breaker pattern for resilience
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	state        CircuitBreakerState
	failureCount int
	lastFailTime time.Time
	mutex        sync.Mutex
}

// StatusError is a non-2xx answer from the API Service
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying cannot help (the request itself was rejected)
func (e *StatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// IsPermanent reports whether err is a rejection that must not be retried
func IsPermanent(err error) bool {
	var serr *StatusError
	return errors.As(err, &serr) && serr.Permanent()
}

// APIClient handles communication with the API Service
type APIClient struct {
	baseURL        string
	httpClient     *http.Client
	circuitBreaker *CircuitBreaker
	maxRetries     int
	retryDelay     time.Duration
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		circuitBreaker: &CircuitBreaker{
			maxFailures:  5,
			resetTimeout: 30 * time.Second,
			state:        StateClosed,
		},
		maxRetries: 3,
		retryDelay: 1 * time.Second,
	}
}

// SetRetryPolicy overrides the retry count and the initial backoff delay
func (c *APIClient) SetRetryPolicy(maxRetries int, retryDelay time.Duration) {
	c.maxRetries = maxRetries
	c.retryDelay = retryDelay
}

// SetCircuitBreaker overrides the breaker thresholds
func (c *APIClient) SetCircuitBreaker(maxFailures int, resetTimeout time.Duration) {
	c.circuitBreaker.mutex.Lock()
	defer c.circuitBreaker.mutex.Unlock()
	c.circuitBreaker.maxFailures = maxFailures
	c.circuitBreaker.resetTimeout = resetTimeout
}

// Circuit breaker methods
func (cb *CircuitBreaker) canExecute() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.lastFailTime) > cb.resetTimeout {
			// let one trial request through
			cb.state = StateHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount = 0
	cb.state = StateClosed
}

func (cb *CircuitBreaker) onFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount++
	cb.lastFailTime = time.Now()

	if cb.state == StateHalfOpen || cb.failureCount >= cb.maxFailures {
		cb.state = StateOpen
	}
}

// retryWithBackoff executes a function with exponential backoff retry logic.
// Permanent rejections end the loop at once and do not trip the breaker.
func (c *APIClient) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		// Check circuit breaker
		if !c.circuitBreaker.canExecute() {
			return ErrCircuitOpen
		}

		// Execute operation
		err := operation()
		if err == nil {
			c.circuitBreaker.onSuccess()
			return nil
		}
		if IsPermanent(err) {
			c.circuitBreaker.onSuccess()
			return err
		}

		lastErr = err
		c.circuitBreaker.onFailure()

		// Don't retry on last attempt
		if attempt == c.maxRetries {
			break
		}

		// Calculate backoff delay
		delay := time.Duration(float64(c.retryDelay) * math.Pow(2, float64(attempt)))

		// Check if context is cancelled
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			// Continue to next attempt
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// SubmitReading forwards one validated reading to POST /api/sensordata
func (c *APIClient) SubmitReading(ctx context.Context, cmd api_models.IngestCommand) (*api_models.IngestResponse, error) {
	var result api_models.IngestResponse

	err := c.retryWithBackoff(ctx, func() error {
		resp, err := c.makeRequest(ctx, http.MethodPost, "/api/sensordata", cmd)
		if err != nil {
			return fmt.Errorf("failed to submit reading: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// makeRequest makes an HTTP request to the API Service
func (c *APIClient) makeRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "envmon-mqtt-ingestor")

	return c.httpClient.Do(req)
}

// Health checks if the API Service is healthy
func (c *APIClient) Health(ctx context.Context) error {
	resp, err := c.makeRequest(ctx, http.MethodGet, "/health/live", nil)
	if err != nil {
		return fmt.Errorf("failed to check API health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API health check failed with status %d", resp.StatusCode)
	}

	return nil
}

// GetCircuitBreakerStatus returns the current circuit breaker status for monitoring
func (c *APIClient) GetCircuitBreakerStatus() map[string]interface{} {
	c.circuitBreaker.mutex.Lock()
	defer c.circuitBreaker.mutex.Unlock()

	return map[string]interface{}{
		"state":          c.circuitBreaker.state.String(),
		"failure_count":  c.circuitBreaker.failureCount,
		"last_fail_time": c.circuitBreaker.lastFailTime,
		"max_failures":   c.circuitBreaker.maxFailures,
		"reset_timeout":  c.circuitBreaker.resetTimeout.String(),
	}
}
