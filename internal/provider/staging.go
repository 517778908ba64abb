package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
)

// stagingUploader pushes raw bytes to a provider's own staging storage and
// returns the hosted URL.
type stagingUploader func(ctx context.Context, contentType string, data []byte) (string, error)

// stageInlineInputs replaces data-URI values in the input payload with
// provider-hosted URLs. Failures here count as Start failures; no remote
// job exists yet.
func stageInlineInputs(ctx context.Context, inputs map[string]any, upload stagingUploader) (map[string]any, error) {
	staged := make(map[string]any, len(inputs))
	for k, v := range inputs {
		switch val := v.(type) {
		case string:
			out, err := stageValue(ctx, val, upload)
			if err != nil {
				return nil, fmt.Errorf("stage input %q: %w", k, err)
			}
			staged[k] = out
		case []any:
			arr := make([]any, len(val))
			for i, item := range val {
				s, ok := item.(string)
				if !ok {
					arr[i] = item
					continue
				}
				out, err := stageValue(ctx, s, upload)
				if err != nil {
					return nil, fmt.Errorf("stage input %q[%d]: %w", k, i, err)
				}
				arr[i] = out
			}
			staged[k] = arr
		default:
			staged[k] = v
		}
	}
	return staged, nil
}

func stageValue(ctx context.Context, v string, upload stagingUploader) (string, error) {
	if !strings.HasPrefix(v, "data:") {
		return v, nil
	}
	contentType, data, err := parseDataURI(v)
	if err != nil {
		return "", err
	}
	return upload(ctx, contentType, data)
}

func parseDataURI(uri string) (contentType string, data []byte, err error) {
	rest := strings.TrimPrefix(uri, "data:")
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return "", nil, fmt.Errorf("malformed data uri")
	}
	meta, payload := rest[:comma], rest[comma+1:]

	contentType = meta
	base64Encoded := false
	if idx := strings.Index(meta, ";base64"); idx >= 0 {
		contentType = meta[:idx]
		base64Encoded = true
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if base64Encoded {
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, fmt.Errorf("decode data uri: %w", err)
		}
	} else {
		data = []byte(payload)
	}
	return contentType, data, nil
}
