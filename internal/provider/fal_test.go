package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFalTestServer(t *testing.T, handler http.HandlerFunc) *FalAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a := NewFalAdapter(srv.URL, "test-key")
	return a
}

func TestFalStart(t *testing.T) {
	a := newFalTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fal-ai/flux/dev", r.URL.Path)
		assert.Equal(t, "Key test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a cat", body["prompt"])

		json.NewEncoder(w).Encode(map[string]any{"request_id": "req-1", "status": "IN_QUEUE"})
	})

	handle, err := a.Start(context.Background(), "fal-ai/flux/dev", map[string]any{"prompt": "a cat"})
	require.NoError(t, err)
	assert.Equal(t, "req-1", handle.CorrelationID)
	assert.Equal(t, "IN_QUEUE", handle.InitialStatus)
}

func TestFalStart_ServerErrorIsTransient(t *testing.T) {
	a := newFalTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	_, err := a.Start(context.Background(), "fal-ai/flux/dev", nil)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestFalPoll(t *testing.T) {
	status := "IN_PROGRESS"
	a := newFalTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fal-ai/flux/dev/requests/req-1/status", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"status": status})
	})

	res, err := a.Poll(context.Background(), "fal-ai/flux/dev", "req-1")
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, "IN_PROGRESS", res.Status)

	status = "COMPLETED"
	res, err = a.Poll(context.Background(), "fal-ai/flux/dev", "req-1")
	require.NoError(t, err)
	assert.True(t, res.Completed)
}

func TestFalFetchResult(t *testing.T) {
	a := newFalTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fal-ai/flux/dev/requests/req-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"images": []any{
				map[string]any{"url": "https://fal.media/a.png"},
			},
			"timings": map[string]any{"inference": 4.2},
		})
	})

	res, err := a.FetchResult(context.Background(), "fal-ai/flux/dev", "req-1", 90*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"https://fal.media/a.png"}, res.OutputRefs)
	assert.Equal(t, "image", res.MediaType)
	// Provider-reported inference time wins over wall clock.
	assert.Equal(t, 4.2, res.ProcessingTime)
}

func TestFalFetchResult_ProviderError(t *testing.T) {
	a := newFalTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": "NSFW content detected"})
	})

	res, err := a.FetchResult(context.Background(), "m", "req-1", time.Second)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "NSFW content detected", res.Err)
}

func TestFalFetchResult_NoOutput(t *testing.T) {
	a := newFalTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"seed": float64(42)})
	})

	res, err := a.FetchResult(context.Background(), "m", "req-1", time.Second)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "no output in provider response", res.Err)
}
