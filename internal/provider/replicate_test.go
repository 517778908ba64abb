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

func newReplicateTestServer(t *testing.T, handler http.HandlerFunc) *ReplicateAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewReplicateAdapter(srv.URL, "test-token")
}

func TestReplicateStart_VersionHash(t *testing.T) {
	a := newReplicateTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predictions", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "abc123", body["version"])
		input := body["input"].(map[string]any)
		assert.Equal(t, "a cat", input["prompt"])

		json.NewEncoder(w).Encode(map[string]any{"id": "pred-1", "status": "starting"})
	})

	handle, err := a.Start(context.Background(), "abc123", map[string]any{"prompt": "a cat"})
	require.NoError(t, err)
	assert.Equal(t, "pred-1", handle.CorrelationID)
}

func TestReplicateStart_ModelPath(t *testing.T) {
	a := newReplicateTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/stability-ai/sdxl/predictions", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasVersion := body["version"]
		assert.False(t, hasVersion, "model-path predictions carry no version field")

		json.NewEncoder(w).Encode(map[string]any{"id": "pred-2", "status": "starting"})
	})

	handle, err := a.Start(context.Background(), "stability-ai/sdxl", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "pred-2", handle.CorrelationID)
}

func TestReplicatePoll_TerminalStatuses(t *testing.T) {
	status := "processing"
	a := newReplicateTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predictions/pred-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"id": "pred-1", "status": status})
	})

	res, err := a.Poll(context.Background(), "", "pred-1")
	require.NoError(t, err)
	assert.False(t, res.Completed)

	// failed is terminal for polling; FetchResult decides the outcome.
	status = "failed"
	res, err = a.Poll(context.Background(), "", "pred-1")
	require.NoError(t, err)
	assert.True(t, res.Completed)
}

func TestReplicateFetchResult_Succeeded(t *testing.T) {
	a := newReplicateTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "pred-1",
			"status":  "succeeded",
			"output":  []any{"https://replicate.delivery/a.png"},
			"metrics": map[string]any{"predict_time": 2.5},
		})
	})

	res, err := a.FetchResult(context.Background(), "", "pred-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"https://replicate.delivery/a.png"}, res.OutputRefs)
	assert.Equal(t, 2.5, res.ProcessingTime)
}

func TestReplicateFetchResult_Failed(t *testing.T) {
	a := newReplicateTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "pred-1",
			"status": "failed",
			"error":  "CUDA out of memory",
		})
	})

	res, err := a.FetchResult(context.Background(), "", "pred-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "CUDA out of memory", res.Err)
}

func TestReplicateFetchResult_CanceledWithoutError(t *testing.T) {
	a := newReplicateTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "pred-1", "status": "canceled"})
	})

	res, err := a.FetchResult(context.Background(), "", "pred-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "prediction canceled", res.Err)
}

func TestReplicateTransportErrorIsTransient(t *testing.T) {
	a := NewReplicateAdapter("http://127.0.0.1:1", "t")
	a.Client.Timeout = 200 * time.Millisecond

	_, err := a.Poll(context.Background(), "", "pred-1")
	require.ErrorIs(t, err, ErrUnavailable)
}
