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

// ReplicateAdapter talks to Replicate's prediction API: create a prediction
// for a model version, then poll it until it reaches a terminal status.
type ReplicateAdapter struct {
	BaseURL  string
	APIToken string
	Client   *http.Client
}

func NewReplicateAdapter(baseURL, apiToken string) *ReplicateAdapter {
	if baseURL == "" {
		baseURL = "https://api.replicate.com/v1"
	}
	return &ReplicateAdapter{
		BaseURL:  baseURL,
		APIToken: apiToken,
		Client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type replicatePrediction struct {
	ID      string         `json:"id"`
	Status  string         `json:"status"`
	Output  any            `json:"output"`
	Error   any            `json:"error"`
	Metrics map[string]any `json:"metrics"`
}

type replicateFileResp struct {
	URLs struct {
		Get string `json:"get"`
	} `json:"urls"`
}

func replicateTerminal(status string) bool {
	return status == "succeeded" || status == "failed" || status == "canceled"
}

// Start creates a prediction. The model identifier is the version hash when
// it contains no slash, otherwise an owner/name model path.
func (a *ReplicateAdapter) Start(ctx context.Context, model string, inputs map[string]any) (*JobHandle, error) {
	staged, err := stageInlineInputs(ctx, inputs, a.uploadFile)
	if err != nil {
		return nil, fmt.Errorf("replicate: %v: %w", err, ErrUnavailable)
	}

	var url string
	reqBody := map[string]any{"input": staged}
	if strings.Contains(model, "/") {
		url = fmt.Sprintf("%s/models/%s/predictions", a.BaseURL, model)
	} else {
		url = fmt.Sprintf("%s/predictions", a.BaseURL)
		reqBody["version"] = model
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("replicate: marshal inputs: %w", err)
	}

	body, err := a.do(ctx, http.MethodPost, url, bytes.NewReader(b), "application/json")
	if err != nil {
		return nil, err
	}

	var decoded replicatePrediction
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("replicate: decode prediction: %w", err)
	}
	if decoded.ID == "" {
		return nil, fmt.Errorf("replicate: create returned no prediction id: %w", ErrUnavailable)
	}
	return &JobHandle{CorrelationID: decoded.ID, InitialStatus: decoded.Status}, nil
}

func (a *ReplicateAdapter) Poll(ctx context.Context, _ string, correlationID string) (*PollResult, error) {
	decoded, err := a.getPrediction(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	return &PollResult{
		Completed:    replicateTerminal(decoded.Status),
		Status:       decoded.Status,
		ProgressHint: -1,
	}, nil
}

func (a *ReplicateAdapter) FetchResult(ctx context.Context, _ string, correlationID string, elapsed time.Duration) (*Result, error) {
	decoded, err := a.getPrediction(ctx, correlationID)
	if err != nil {
		return nil, err
	}

	if decoded.Status != "succeeded" {
		errMsg := fmt.Sprintf("prediction %s", decoded.Status)
		if s, ok := decoded.Error.(string); ok && s != "" {
			errMsg = s
		}
		return &Result{Success: false, Err: errMsg}, nil
	}

	refs := urlsFromValue(decoded.Output)
	if len(refs) == 0 {
		if m, ok := decoded.Output.(map[string]any); ok {
			refs, _ = extractOutputRefs(m)
		}
	}
	if len(refs) == 0 {
		return &Result{Success: false, Err: "no output in prediction"}, nil
	}

	processingTime := elapsed.Seconds()
	if decoded.Metrics != nil {
		if pt, ok := decoded.Metrics["predict_time"].(float64); ok && pt > 0 {
			processingTime = pt
		}
	}

	return &Result{
		Success:        true,
		OutputRefs:     refs,
		ProcessingTime: processingTime,
	}, nil
}

func (a *ReplicateAdapter) getPrediction(ctx context.Context, id string) (*replicatePrediction, error) {
	url := fmt.Sprintf("%s/predictions/%s", a.BaseURL, id)
	body, err := a.do(ctx, http.MethodGet, url, nil, "")
	if err != nil {
		return nil, err
	}
	var decoded replicatePrediction
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("replicate: decode prediction: %w", err)
	}
	return &decoded, nil
}

// uploadFile stages inline bytes through Replicate's files API.
func (a *ReplicateAdapter) uploadFile(ctx context.Context, contentType string, data []byte) (string, error) {
	url := fmt.Sprintf("%s/files", a.BaseURL)
	body, err := a.do(ctx, http.MethodPost, url, bytes.NewReader(data), contentType)
	if err != nil {
		return "", err
	}
	var decoded replicateFileResp
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("replicate: decode file response: %w", err)
	}
	if decoded.URLs.Get == "" {
		return "", fmt.Errorf("replicate: upload returned no url")
	}
	return decoded.URLs.Get, nil
}

func (a *ReplicateAdapter) do(ctx context.Context, method, url string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.APIToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("replicate: %v: %w", err, ErrUnavailable)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("replicate: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("replicate: status %d: %s: %w", resp.StatusCode, truncate(string(b), 200), ErrUnavailable)
	}
	return b, nil
}
