package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paytrail-merchant/internal/ratelimit"
)

type denyAll struct{}

func (denyAll) Allow(context.Context, string, time.Duration, int) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, ResetAt: time.Now().Add(time.Minute)}, nil
}

func TestCreateOnlyThrottlesEveryCreateSpelling(t *testing.T) {
	reached := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reached++
		w.WriteHeader(http.StatusOK)
	})
	limit := ratelimit.Handler{
		Limiter: denyAll{},
		Config:  ratelimit.Config{Key: ratelimit.ByClientIP("create"), Window: time.Minute, Max: 1},
	}
	h := createOnly(limit.Middleware)(next)

	for _, target := range []string{"/", "/?action=create", "/?action=CREATE", "/?action=%20create", "/index?action=Create%20"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusTooManyRequests, rr.Code, target)
	}
	require.Zero(t, reached)

	for _, target := range []string{"/?action=callback", "/?action=SUCCESS", "/?action=cancel"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusOK, rr.Code, target)
	}
	require.Equal(t, 3, reached)
}
