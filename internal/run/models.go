package run

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a run in this status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

type Provider string

const (
	ProviderFal       Provider = "fal"
	ProviderReplicate Provider = "replicate"
)

// JSON stores an opaque JSON document in a text/json column while keeping
// it raw in API responses.
type JSON json.RawMessage

func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSON) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = JSON(append([]byte(nil), v...))
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("run: cannot scan %T into JSON", value)
	}
	return nil
}

func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return errors.New("run: UnmarshalJSON on nil JSON")
	}
	*j = JSON(append([]byte(nil), data...))
	return nil
}

// PathList is the outputPath field of a normalized output: a single URL for
// most workflows, an array for multi-asset ones. It marshals a bare string
// when it holds exactly one element.
type PathList []string

func (p PathList) MarshalJSON() ([]byte, error) {
	if len(p) == 1 {
		return json.Marshal(p[0])
	}
	return json.Marshal([]string(p))
}

func (p *PathList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*p = PathList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*p = PathList(many)
	return nil
}

// Output is the provider-independent result shape stored on a complete run.
type Output struct {
	OutputPath     PathList `json:"outputPath"`
	Type           string   `json:"type"`
	ProcessingTime float64  `json:"processingTime"`
	Provider       string   `json:"provider"`
}

// Run is one attempt to execute a workflow against a provider.
type Run struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	// EventID is returned to the client at enqueue time and used for
	// status polling. ULID length.
	EventID string `gorm:"type:varchar(26);uniqueIndex;not null" json:"event_id"`

	// ProviderJobID is the provider-assigned correlation id (request id
	// for fal, prediction id for replicate). Filled after dispatch.
	ProviderJobID string `gorm:"type:varchar(128);index" json:"provider_job_id,omitempty"`

	UserID     uint64   `gorm:"index:idx_runs_user_status,priority:1;index:uniq_runs_idempo,unique,priority:1;not null" json:"-"`
	WorkflowID string   `gorm:"type:varchar(128);index:idx_runs_dedup,priority:1;not null" json:"workflow_id"`
	Provider   Provider `gorm:"type:varchar(16);not null" json:"provider"`
	Status     Status   `gorm:"type:varchar(16);index:idx_runs_user_status,priority:2;not null" json:"status"`

	// InputHash is sha256 over {workflowID, normalized inputs}, used for
	// exact-match dedup.
	InputHash string `gorm:"type:varchar(64);index:idx_runs_dedup,priority:2;not null" json:"-"`

	// IdempotencyKey lets clients retry executeWorkflow safely; a retry
	// with the same key returns the already-created run.
	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_runs_idempo,unique,priority:2" json:"idempotency_key,omitempty"`

	Inputs JSON    `gorm:"type:json" json:"inputs,omitempty"`
	Output JSON    `gorm:"type:json" json:"output,omitempty"`
	Error  *string `gorm:"type:text" json:"error,omitempty"`

	// CreditsCharged keeps the amount debited at creation, for audit.
	// Refunds are recorded via RefundedAt plus a balance credit; the
	// charge itself is never rewritten.
	CreditsCharged int64      `gorm:"not null;default:0" json:"credits_charged"`
	RefundedAt     *time.Time `json:"refunded_at,omitempty"`

	// Progress is a heuristic percent persisted during polling so UI
	// observers see motion between status changes.
	Progress int `gorm:"not null;default:0" json:"progress"`

	Archived bool `gorm:"not null;default:false;index" json:"archived"`

	RanAt       time.Time  `gorm:"autoCreateTime;index" json:"ran_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (Run) TableName() string { return "workflow_runs" }

// DecodeOutput unmarshals the stored normalized output.
func (r *Run) DecodeOutput() (*Output, error) {
	if len(r.Output) == 0 {
		return nil, errors.New("run: no output recorded")
	}
	var out Output
	if err := json.Unmarshal(r.Output, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
