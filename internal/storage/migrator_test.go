package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUploader records uploads and serves deterministic URLs.
type fakeUploader struct {
	mu      sync.Mutex
	uploads []uploadRecord
	err     error
}

type uploadRecord struct {
	key         string
	contentType string
	size        int
}

func (f *fakeUploader) Upload(_ context.Context, key, contentType string, body io.Reader) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.uploads = append(f.uploads, uploadRecord{key: key, contentType: contentType, size: len(data)})
	return "https://cdn.flowforge.test/" + key, nil
}

func TestMigrate_RehostsOutputs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprint(w, "png-bytes")
	}))
	defer srv.Close()

	up := &fakeUploader{}
	m := NewMigrator(up)

	got := m.Migrate(context.Background(), []string{srv.URL + "/a.png", srv.URL + "/b.png"}, "Flux Image", "image")

	require.Len(t, got, 2)
	for _, url := range got {
		assert.True(t, strings.HasPrefix(url, "https://cdn.flowforge.test/flux-image-"), "url = %s", url)
	}
	require.Len(t, up.uploads, 2)
	assert.Equal(t, "image/png", up.uploads[0].contentType)
	assert.Equal(t, len("png-bytes"), up.uploads[0].size)
}

func TestMigrate_UploadFailureKeepsProviderURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "bytes")
	}))
	defer srv.Close()

	up := &fakeUploader{err: errors.New("bucket unavailable")}
	m := NewMigrator(up)

	ref := srv.URL + "/x.png"
	got := m.Migrate(context.Background(), []string{ref}, "wf", "image")

	require.Len(t, got, 1)
	assert.Equal(t, ref, got[0], "failed migration must fall back to the provider url")
}

func TestMigrate_MixedResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/broken") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, "bytes")
	}))
	defer srv.Close()

	up := &fakeUploader{}
	m := NewMigrator(up)

	broken := srv.URL + "/broken"
	got := m.Migrate(context.Background(), []string{srv.URL + "/ok", broken}, "wf", "video")

	require.Len(t, got, 2)
	assert.True(t, strings.HasPrefix(got[0], "https://cdn.flowforge.test/"))
	assert.Equal(t, broken, got[1])
}

func TestMigrate_MediaTypeFallbackMIME(t *testing.T) {
	// No Content-Type from the provider.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		w.Write([]byte("raw"))
	}))
	defer srv.Close()

	up := &fakeUploader{}
	m := NewMigrator(up)

	m.Migrate(context.Background(), []string{srv.URL + "/clip"}, "wf", "video")

	require.Len(t, up.uploads, 1)
	assert.Equal(t, "video/mp4", up.uploads[0].contentType)
}

func TestMigrate_Empty(t *testing.T) {
	m := NewMigrator(&fakeUploader{})
	got := m.Migrate(context.Background(), nil, "wf", "image")
	assert.Empty(t, got)
}

func TestObjectKey(t *testing.T) {
	k := objectKey("Flux / Image Gen!", 0)
	assert.True(t, strings.HasPrefix(k, "flux-image-gen-"), "key = %s", k)
	assert.False(t, strings.Contains(k, "/"))

	k2 := objectKey("", 2)
	assert.True(t, strings.HasPrefix(k2, "output-"), "key = %s", k2)
	assert.True(t, strings.HasSuffix(k2, "-2"), "key = %s", k2)
}
