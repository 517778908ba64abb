package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// mediaMIME maps a workflow media type to a fallback MIME type when the
// provider response carries no Content-Type header.
var mediaMIME = map[string]string{
	"image": "image/png",
	"video": "video/mp4",
	"audio": "audio/mpeg",
	"model": "model/gltf-binary",
}

var keyUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Migrator copies provider-hosted outputs into platform storage. Migration
// is best effort: any element that cannot be copied keeps its original
// provider URL, and the run still completes.
type Migrator struct {
	uploader Uploader
	client   *http.Client
	log      *logrus.Entry
}

func NewMigrator(uploader Uploader) *Migrator {
	return &Migrator{
		uploader: uploader,
		client:   &http.Client{Timeout: 120 * time.Second},
		log:      logrus.WithField("component", "migrator"),
	}
}

// Migrate re-hosts each reference and returns the stable URLs, element-wise
// parallel. Mixed results (some migrated, some original) are allowed.
func (m *Migrator) Migrate(ctx context.Context, refs []string, workflowName, mediaType string) []string {
	out := make([]string, len(refs))
	copy(out, refs)

	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		g.Go(func() error {
			migrated, err := m.migrateOne(gctx, ref, workflowName, mediaType, i)
			if err != nil {
				m.log.WithError(err).WithField("ref", ref).Warn("output migration failed, keeping provider url")
				return nil
			}
			out[i] = migrated
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (m *Migrator) migrateOne(ctx context.Context, ref, workflowName, mediaType string, idx int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("download: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		if mt, ok := mediaMIME[mediaType]; ok {
			contentType = mt
		} else if contentType == "" {
			contentType = "application/octet-stream"
		}
	}

	key := objectKey(workflowName, idx)
	url, err := m.uploader.Upload(ctx, key, contentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return url, nil
}

// objectKey builds a unique storage key, {workflowName}-{timestamp} with an
// element suffix for multi-asset outputs.
func objectKey(workflowName string, idx int) string {
	name := keyUnsafe.ReplaceAllString(strings.ToLower(workflowName), "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "output"
	}
	key := fmt.Sprintf("%s-%d", name, time.Now().UnixMilli())
	if idx > 0 {
		key = fmt.Sprintf("%s-%d", key, idx)
	}
	return key
}
