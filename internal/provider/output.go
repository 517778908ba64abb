package provider

// extractOutputRefs pulls asset URLs out of a provider result payload. The
// two backends (and different models on each) wrap outputs in a handful of
// shapes; the key that matched doubles as the media-type hint.
func extractOutputRefs(payload map[string]any) (refs []string, mediaType string) {
	type probe struct {
		key   string
		media string
	}
	probes := []probe{
		{"images", "image"},
		{"image", "image"},
		{"videos", "video"},
		{"video", "video"},
		{"audio", "audio"},
		{"audio_file", "audio"},
		{"audio_url", "audio"},
		{"model_mesh", "model"},
		{"mesh", "model"},
		{"output", ""},
	}

	for _, p := range probes {
		v, ok := payload[p.key]
		if !ok {
			continue
		}
		if urls := urlsFromValue(v); len(urls) > 0 {
			return urls, p.media
		}
	}
	return nil, ""
}

func urlsFromValue(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case map[string]any:
		if u, ok := val["url"].(string); ok && u != "" {
			return []string{u}
		}
	case []any:
		var urls []string
		for _, item := range val {
			urls = append(urls, urlsFromValue(item)...)
		}
		return urls
	}
	return nil
}
