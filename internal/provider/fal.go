package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FalAdapter talks to fal's queue API: submit a request, poll its status
// endpoint, then fetch the response payload.
type FalAdapter struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewFalAdapter(baseURL, apiKey string) *FalAdapter {
	if baseURL == "" {
		baseURL = "https://queue.fal.run"
	}
	return &FalAdapter{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type falSubmitResp struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

type falStatusResp struct {
	Status        string `json:"status"`
	QueuePosition int    `json:"queue_position"`
}

type falUploadResp struct {
	FileURL string `json:"file_url"`
}

func (a *FalAdapter) Start(ctx context.Context, model string, inputs map[string]any) (*JobHandle, error) {
	staged, err := stageInlineInputs(ctx, inputs, a.uploadToStorage)
	if err != nil {
		return nil, fmt.Errorf("fal: %v: %w", err, ErrUnavailable)
	}

	b, err := json.Marshal(staged)
	if err != nil {
		return nil, fmt.Errorf("fal: marshal inputs: %w", err)
	}

	url := fmt.Sprintf("%s/%s", a.BaseURL, strings.TrimPrefix(model, "/"))
	body, err := a.do(ctx, http.MethodPost, url, bytes.NewReader(b), "application/json")
	if err != nil {
		return nil, err
	}

	var decoded falSubmitResp
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("fal: decode submit response: %w", err)
	}
	if decoded.RequestID == "" {
		return nil, fmt.Errorf("fal: submit returned no request id: %w", ErrUnavailable)
	}
	return &JobHandle{CorrelationID: decoded.RequestID, InitialStatus: decoded.Status}, nil
}

func (a *FalAdapter) Poll(ctx context.Context, model, correlationID string) (*PollResult, error) {
	url := fmt.Sprintf("%s/%s/requests/%s/status", a.BaseURL, strings.TrimPrefix(model, "/"), correlationID)
	body, err := a.do(ctx, http.MethodGet, url, nil, "")
	if err != nil {
		return nil, err
	}

	var decoded falStatusResp
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("fal: decode status response: %w", err)
	}
	return &PollResult{
		Completed:    decoded.Status == "COMPLETED",
		Status:       decoded.Status,
		ProgressHint: -1,
	}, nil
}

func (a *FalAdapter) FetchResult(ctx context.Context, model, correlationID string, elapsed time.Duration) (*Result, error) {
	url := fmt.Sprintf("%s/%s/requests/%s", a.BaseURL, strings.TrimPrefix(model, "/"), correlationID)
	body, err := a.do(ctx, http.MethodGet, url, nil, "")
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("fal: decode result: %w", err)
	}

	if errMsg, ok := payload["error"].(string); ok && errMsg != "" {
		return &Result{Success: false, Err: errMsg}, nil
	}

	refs, mediaType := extractOutputRefs(payload)
	if len(refs) == 0 {
		return &Result{Success: false, Err: "no output in provider response"}, nil
	}

	processingTime := elapsed.Seconds()
	if timings, ok := payload["timings"].(map[string]any); ok {
		if inference, ok := timings["inference"].(float64); ok && inference > 0 {
			processingTime = inference
		}
	}

	return &Result{
		Success:        true,
		OutputRefs:     refs,
		MediaType:      mediaType,
		ProcessingTime: processingTime,
	}, nil
}

// uploadToStorage stages inline bytes on fal's CDN so the model request can
// reference them by URL.
func (a *FalAdapter) uploadToStorage(ctx context.Context, contentType string, data []byte) (string, error) {
	url := fmt.Sprintf("%s/storage/upload", a.BaseURL)
	body, err := a.do(ctx, http.MethodPost, url, bytes.NewReader(data), contentType)
	if err != nil {
		return "", err
	}
	var decoded falUploadResp
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("fal: decode upload response: %w", err)
	}
	if decoded.FileURL == "" {
		return "", fmt.Errorf("fal: upload returned no file url")
	}
	return decoded.FileURL, nil
}

func (a *FalAdapter) do(ctx context.Context, method, url string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Key "+a.APIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fal: %v: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fal: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fal: status %d: %s: %w", resp.StatusCode, truncate(string(b), 200), ErrUnavailable)
	}
	return b, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
