package provider

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageInlineInputs_ReplacesDataURIs(t *testing.T) {
	var uploaded [][]byte
	upload := func(_ context.Context, contentType string, data []byte) (string, error) {
		assert.Equal(t, "image/png", contentType)
		uploaded = append(uploaded, data)
		return "https://storage.test/staged-1", nil
	}

	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	inputs := map[string]any{
		"prompt": "a cat",
		"image":  "data:image/png;base64," + payload,
		"steps":  float64(20),
	}

	staged, err := stageInlineInputs(context.Background(), inputs, upload)
	require.NoError(t, err)

	assert.Equal(t, "a cat", staged["prompt"])
	assert.Equal(t, float64(20), staged["steps"])
	assert.Equal(t, "https://storage.test/staged-1", staged["image"])
	require.Len(t, uploaded, 1)
	assert.Equal(t, []byte("png-bytes"), uploaded[0])
}

func TestStageInlineInputs_ArrayElements(t *testing.T) {
	upload := func(_ context.Context, _ string, _ []byte) (string, error) {
		return "https://storage.test/staged", nil
	}

	inputs := map[string]any{
		"frames": []any{
			"data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("a")),
			"https://already-hosted.test/b.png",
			float64(3),
		},
	}

	staged, err := stageInlineInputs(context.Background(), inputs, upload)
	require.NoError(t, err)

	frames := staged["frames"].([]any)
	assert.Equal(t, "https://storage.test/staged", frames[0])
	assert.Equal(t, "https://already-hosted.test/b.png", frames[1])
	assert.Equal(t, float64(3), frames[2])
}

func TestStageInlineInputs_UploadFailure(t *testing.T) {
	upload := func(_ context.Context, _ string, _ []byte) (string, error) {
		return "", assert.AnError
	}

	inputs := map[string]any{"image": "data:image/png;base64,aGk="}
	_, err := stageInlineInputs(context.Background(), inputs, upload)
	require.ErrorIs(t, err, assert.AnError)
}

func TestParseDataURI(t *testing.T) {
	ct, data, err := parseDataURI("data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpg")))
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", ct)
	assert.Equal(t, []byte("jpg"), data)

	// Raw (non-base64) payload.
	ct, data, err = parseDataURI("data:text/plain,hello")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", ct)
	assert.Equal(t, []byte("hello"), data)

	// Missing media type defaults.
	ct, _, err = parseDataURI("data:,x")
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", ct)

	_, _, err = parseDataURI("data:no-comma")
	require.Error(t, err)
}
