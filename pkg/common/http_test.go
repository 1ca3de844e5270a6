package common

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "EVSync/"+Version(), r.Header.Get("User-Agent"), "User-Agent should match expected format")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	timeout := 5 * time.Second
	client := HTTPClient(timeout)

	assert.Equal(t, timeout, client.Timeout, "Timeout should be set correctly")
	assert.NotNil(t, client.Transport, "Transport should not be nil")

	req, err := http.NewRequest("GET", server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLimitedHTTPClient(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "EVSync/"+Version(), r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	t.Run("burst passes", func(t *testing.T) {
		client := LimitedHTTPClient(5*time.Second, 1, 2)
		for i := 0; i < 2; i++ {
			resp, err := client.Get(server.URL)
			require.NoError(t, err)
			resp.Body.Close()
		}
		assert.EqualValues(t, 2, hits.Load())
	})

	t.Run("canceled while waiting", func(t *testing.T) {
		client := LimitedHTTPClient(5*time.Second, 0.001, 1)
		resp, err := client.Get(server.URL)
		require.NoError(t, err)
		resp.Body.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, "GET", server.URL, nil)
		require.NoError(t, err)
		_, err = client.Do(req)
		assert.Error(t, err)
	})

	t.Run("zero rate is unlimited", func(t *testing.T) {
		client := LimitedHTTPClient(5*time.Second, 0, 0)
		_, ok := client.Transport.(*userAgentTransport)
		assert.True(t, ok)
	})
}
