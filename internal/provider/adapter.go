package provider

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks transport-level failures: the remote API is
// unreachable or rejected the request outright. Eligible for pipeline-level
// retry; never means the job itself ran and failed.
var ErrUnavailable = errors.New("provider: unavailable")

// JobHandle identifies a remote job right after dispatch.
type JobHandle struct {
	CorrelationID string
	InitialStatus string
}

// PollResult is a side-effect-free snapshot of a remote job.
type PollResult struct {
	Completed bool
	Status    string
	// ProgressHint is a provider-reported completion fraction in [0,1],
	// negative when the provider reports none.
	ProgressHint float64
}

// Result is the terminal outcome of a remote job.
type Result struct {
	Success bool
	// OutputRefs are provider-hosted URLs for the generated assets.
	OutputRefs []string
	// MediaType is the asset kind inferred from the provider payload
	// (image, video, audio, model); empty when the payload gave no hint.
	MediaType string
	// ProcessingTime is provider-reported seconds, falling back to
	// elapsed wall time when absent.
	ProcessingTime float64
	Err            string
}

// Adapter is the uniform contract over heterogeneous inference backends.
// Start uploads any inline data-URI inputs to the provider's staging
// storage first; neither backend accepts inline binaries.
type Adapter interface {
	Start(ctx context.Context, model string, inputs map[string]any) (*JobHandle, error)
	Poll(ctx context.Context, model, correlationID string) (*PollResult, error)
	FetchResult(ctx context.Context, model, correlationID string, elapsed time.Duration) (*Result, error)
}
