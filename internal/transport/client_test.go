package transport

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
)

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func newTestClient(cfg Config, rec *sleepRecorder) *Client {
	return New(cfg,
		WithSleep(rec.sleep),
		WithJitter(func(lo, _ float64) float64 { return lo }),
	)
}

// flakyServer fails the first n requests with status, then answers 200.
func flakyServer(t *testing.T, n int32, status int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= n {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestDo_TransientStatusThenSuccess(t *testing.T) {
	for k := 0; k <= 3; k++ {
		srv, calls := flakyServer(t, int32(k), http.StatusServiceUnavailable)
		rec := &sleepRecorder{}
		c := newTestClient(DefaultConfig(), rec)

		resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
		require.NoError(t, err, "k=%d", k)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, k, resp.Attempts, "recorded retries")
		assert.Equal(t, int32(k+1), atomic.LoadInt32(calls))
		assert.Len(t, rec.waits, k)
	}
}

func TestDo_RetryStatusesExhausted(t *testing.T) {
	for _, status := range DefaultConfig().RetryStatuses {
		srv, calls := flakyServer(t, 100, status)
		rec := &sleepRecorder{}
		c := newTestClient(DefaultConfig(), rec)

		resp, err := c.Do(context.Background(), Request{Method: http.MethodPost, URL: srv.URL, Body: map[string]any{}})
		require.Error(t, err, "status %d", status)
		assert.Nil(t, resp)

		var se *StatusError
		require.True(t, errors.As(err, &se), "status %d should surface as StatusError", status)
		assert.Equal(t, status, se.StatusCode)
		assert.Equal(t, 3, se.Attempts)
		assert.Equal(t, int32(4), atomic.LoadInt32(calls))
	}
}

func TestDo_BackoffDoublesAndCaps(t *testing.T) {
	srv, _ := flakyServer(t, 100, http.StatusBadGateway)
	rec := &sleepRecorder{}
	c := New(Config{
		MaxRetries:     4,
		BackoffInitial: 100 * time.Millisecond,
		BackoffMax:     300 * time.Millisecond,
		JitterMin:      2,
		JitterMax:      2,
	}, WithSleep(rec.sleep), WithJitter(func(lo, _ float64) float64 { return lo }))

	_, err := c.Do(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		600 * time.Millisecond,
		600 * time.Millisecond,
	}, rec.waits)
}

func TestDo_TransportErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	rec := &sleepRecorder{}
	c := newTestClient(Config{MaxRetries: 2}, rec)

	_, err := c.Do(context.Background(), Request{URL: url})
	require.Error(t, err)

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 2, te.Attempts)
	assert.Len(t, rec.waits, 2)
}

func TestDo_OKStatusesReturnedAsIs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(DefaultConfig(), &sleepRecorder{})

	resp, err := c.Do(context.Background(), Request{URL: srv.URL, OKStatuses: []int{200, 404, 405}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = c.Do(context.Background(), Request{URL: srv.URL})
	assert.True(t, IsStatus(err, http.StatusNotFound))
}

func TestDo_RetryableStatusInAllowListStillRetried(t *testing.T) {
	srv, calls := flakyServer(t, 1, http.StatusTooManyRequests)
	c := newTestClient(DefaultConfig(), &sleepRecorder{})

	resp, err := c.Do(context.Background(), Request{URL: srv.URL, OKStatuses: []int{429}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestDo_SendsJSONParamsAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "yes", r.Header.Get("X-Guard"))
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	c := newTestClient(DefaultConfig(), &sleepRecorder{})
	resp, err := c.Do(context.Background(), Request{
		Method:  http.MethodPost,
		URL:     srv.URL,
		Headers: map[string]string{"X-Guard": "yes"},
		Params:  map[string]string{"limit": "3"},
		Body:    map[string]any{"hello": "world"},
	})
	require.NoError(t, err)

	var echoed map[string]string
	require.NoError(t, resp.JSON(&echoed))
	assert.Equal(t, "world", echoed["hello"])
}

func TestDo_PerRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient(Config{MaxRetries: 0}, &sleepRecorder{})
	start := time.Now()
	_, err := c.Do(context.Background(), Request{URL: srv.URL, Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	srv, calls := flakyServer(t, 100, http.StatusServiceUnavailable)
	ctx, cancel := context.WithCancel(context.Background())

	c := New(DefaultConfig(), WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := c.Do(ctx, Request{URL: srv.URL})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}
