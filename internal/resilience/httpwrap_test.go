package resilience_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paytrail-merchant/internal/resilience"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestHTTPClientDoesNotRetryServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cl := resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 3, BaseBackoff: time.Millisecond}
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"a":1}`))
	require.NoError(t, err)

	resp, err := cl.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestHTTPClientRetriesTransportErrorsWithSameBody(t *testing.T) {
	var calls int32
	var bodies []string
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(data))
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("connection reset")
		}
		return &http.Response{StatusCode: http.StatusCreated, Body: io.NopCloser(strings.NewReader("{}")), Header: http.Header{}}, nil
	})

	cl := resilience.HTTPClient{Client: &http.Client{Transport: transport}, MaxAttempts: 3, BaseBackoff: time.Millisecond}
	req, err := http.NewRequest(http.MethodPost, "http://gateway.invalid/payments", strings.NewReader(`{"stamp":"s"}`))
	require.NoError(t, err)

	resp, err := cl.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, []string{`{"stamp":"s"}`, `{"stamp":"s"}`, `{"stamp":"s"}`}, bodies)
}

func TestHTTPClientGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("dial tcp: refused")
	})
	cl := resilience.HTTPClient{Client: &http.Client{Transport: transport}, MaxAttempts: 2, BaseBackoff: time.Millisecond}
	req, err := http.NewRequest(http.MethodGet, "http://gateway.invalid", nil)
	require.NoError(t, err)

	_, err = cl.Do(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPClientPerAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cl := resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1, Timeout: 20 * time.Millisecond}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = cl.Do(context.Background(), req)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestHTTPClientOpenBreakerShortCircuits(t *testing.T) {
	var calls int32
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("unreachable")
	})
	breaker := resilience.NewBreaker(1, 0.5, time.Minute).WithTarget("test_gateway")
	cl := resilience.HTTPClient{Client: &http.Client{Transport: transport}, Breaker: breaker, MaxAttempts: 3, BaseBackoff: time.Millisecond}
	req, err := http.NewRequest(http.MethodGet, "http://gateway.invalid", nil)
	require.NoError(t, err)

	_, err = cl.Do(context.Background(), req)
	require.ErrorIs(t, err, resilience.ErrOpenCircuit)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
