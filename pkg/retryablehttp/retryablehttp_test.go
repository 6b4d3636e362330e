package retryablehttp

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/datascout/datascout/pkg/logger"
)

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	log, logs := logger.NewObserverLogger("debug")
	client := New(WithRetryMax(3), WithRetryWait(time.Millisecond, 2*time.Millisecond), WithLogger(log))

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int32(3), calls.Load())

	var retries int
	for _, entry := range logs.All() {
		if entry.Level == zapcore.DebugLevel && entry.Message == "retrying request" {
			retries++
		}
	}
	require.NotZero(t, retries)
}

func TestClientGivesUpAfterRetryMax(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := New(WithRetryMax(1), WithRetryWait(time.Millisecond, time.Millisecond))

	_, err := client.Get(srv.URL)
	require.Error(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestFields(t *testing.T) {
	got := fields([]interface{}{"url", "http://x", 42, "dropped", "dangling"})
	require.Len(t, got, 1)
	require.Equal(t, "url", got[0].Key)
}
