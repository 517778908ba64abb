package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flowforgehq/flowforge/internal/catalog"
	"github.com/flowforgehq/flowforge/internal/credits"
	"github.com/flowforgehq/flowforge/internal/provider"
	"github.com/flowforgehq/flowforge/internal/run"
	"github.com/flowforgehq/flowforge/internal/webhook"
)

// Dispatcher enqueues a run pipeline for asynchronous execution.
type Dispatcher interface {
	PublishRun(ctx context.Context, eventID string) error
}

// Migrator re-hosts provider output URLs; best effort, never fails a run.
type Migrator interface {
	Migrate(ctx context.Context, refs []string, workflowName, mediaType string) []string
}

type Orchestrator struct {
	runs        *run.Repo
	accountant  *credits.Accountant
	providers   *provider.Registry
	catalog     catalog.Catalog
	migrator    Migrator
	checkpoints *CheckpointStore
	dispatcher  Dispatcher
	notifier    webhook.Notifier

	pollInterval    time.Duration
	pollMaxAttempts int

	log *logrus.Entry
}

type Config struct {
	Runs        *run.Repo
	Accountant  *credits.Accountant
	Providers   *provider.Registry
	Catalog     catalog.Catalog
	Migrator    Migrator
	Checkpoints *CheckpointStore
	Dispatcher  Dispatcher
	Notifier    webhook.Notifier

	PollInterval    time.Duration
	PollMaxAttempts int
}

func New(cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.PollMaxAttempts <= 0 {
		cfg.PollMaxAttempts = 300
	}
	if cfg.Notifier == nil {
		cfg.Notifier = webhook.Noop{}
	}
	return &Orchestrator{
		runs:            cfg.Runs,
		accountant:      cfg.Accountant,
		providers:       cfg.Providers,
		catalog:         cfg.Catalog,
		migrator:        cfg.Migrator,
		checkpoints:     cfg.Checkpoints,
		dispatcher:      cfg.Dispatcher,
		notifier:        cfg.Notifier,
		pollInterval:    cfg.PollInterval,
		pollMaxAttempts: cfg.PollMaxAttempts,
		log:             logrus.WithField("component", "orchestrator"),
	}
}

// Execute debits the workflow's cost, creates the ledger row and enqueues
// the pipeline. The returned run is pending unless it was served from a
// cached identical run (cached=true, no new debit, no new pipeline).
//
// Order matters: the debit precedes the ledger row, so a rejected debit
// leaves no trace, and any failure after the debit refunds it.
func (o *Orchestrator) Execute(ctx context.Context, userID uint64, workflowID string, inputs []byte, idempotencyKey *string) (*run.Run, bool, error) {
	wf, err := o.catalog.Resolve(ctx, workflowID)
	if err != nil {
		return nil, false, err
	}

	normalized, err := run.NormalizeInputs(inputs)
	if err != nil {
		return nil, false, fmt.Errorf("invalid inputs: %w", err)
	}
	inputHash := run.InputHash(workflowID, normalized)

	// Client retry with the same idempotency key returns the run the
	// first attempt created, whatever state it reached.
	if idempotencyKey != nil && *idempotencyKey != "" {
		existing, err := o.runs.GetByUserAndIdempotencyKey(ctx, userID, *idempotencyKey)
		if err == nil {
			return existing, true, nil
		}
	}

	if wf.Dedup {
		cached, err := o.runs.FindCachedComplete(ctx, workflowID, inputHash)
		if err != nil {
			return nil, false, err
		}
		if cached != nil {
			return cached, true, nil
		}
	}

	if wf.CreditCost > 0 {
		if _, err := o.accountant.Debit(ctx, userID, wf.CreditCost); err != nil {
			return nil, false, err
		}
	}

	eventID, err := run.NewEventID()
	if err != nil {
		o.undoDebit(ctx, userID, wf.CreditCost)
		return nil, false, err
	}

	r := &run.Run{
		EventID:        eventID,
		UserID:         userID,
		WorkflowID:     workflowID,
		Provider:       run.Provider(wf.Provider),
		Status:         run.StatusPending,
		InputHash:      inputHash,
		IdempotencyKey: idempotencyKey,
		Inputs:         run.JSON(normalized),
		CreditsCharged: wf.CreditCost,
		RanAt:          time.Now(),
	}

	created, isNew, err := o.runs.CreateOrGetExisting(ctx, r)
	if err != nil {
		o.undoDebit(ctx, userID, wf.CreditCost)
		return nil, false, err
	}
	if !isNew {
		// Lost an idempotency race; the winning request carries the
		// charge for this execution.
		o.undoDebit(ctx, userID, wf.CreditCost)
		return created, true, nil
	}

	if err := o.dispatcher.PublishRun(ctx, eventID); err != nil {
		o.failRun(ctx, created, "failed to enqueue run")
		return nil, false, fmt.Errorf("enqueue run: %w", err)
	}

	o.log.WithFields(logrus.Fields{
		"event_id": eventID,
		"workflow": workflowID,
		"provider": wf.Provider,
		"credits":  wf.CreditCost,
	}).Info("run enqueued")

	return created, false, nil
}

func (o *Orchestrator) undoDebit(ctx context.Context, userID uint64, amount int64) {
	if amount <= 0 {
		return
	}
	if err := o.accountant.Refund(ctx, userID, amount); err != nil {
		o.log.WithError(err).WithField("user_id", userID).Error("refund of unused debit failed")
	}
}

// pollOutcome is the result of driving the poll loop to a decision.
type pollOutcome int

const (
	pollCompleted pollOutcome = iota
	pollTimedOut
	pollCancelled
)

type pollCheckpoint struct {
	Attempt int  `json:"attempt"`
	Done    bool `json:"done"`
}

// Process drives one run's pipeline to a terminal ledger state. A returned
// error means a transient failure: the caller requeues the message
// (bounded) and a later delivery resumes from the last checkpoint.
// Business failures never return an error; they finalize the run as failed
// and refund in place.
func (o *Orchestrator) Process(ctx context.Context, eventID string) error {
	r, err := o.runs.GetByEventID(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", eventID, err)
	}
	if r.Status.Terminal() {
		// Redelivery after finalize, or cancelled before pickup.
		return nil
	}

	wf, err := o.catalog.Resolve(ctx, r.WorkflowID)
	if err != nil {
		return o.failRun(ctx, r, fmt.Sprintf("unknown workflow %s", r.WorkflowID))
	}

	adapter, err := o.providers.Get(string(r.Provider))
	if err != nil {
		return o.failRun(ctx, r, err.Error())
	}

	var inputs map[string]any
	if err := json.Unmarshal(r.Inputs, &inputs); err != nil {
		return o.failRun(ctx, r, "corrupt inputs")
	}

	p := &pipeline{
		ctx:   ctx,
		runID: r.ID,
		store: o.checkpoints,
		log:   o.log.WithField("event_id", eventID),
	}

	// Dispatched: start the remote job. Transport failures bubble up for
	// framework retry; anything else is terminal here.
	handle, err := stepWithResult(p, "dispatch", func(ctx context.Context) (*provider.JobHandle, error) {
		return adapter.Start(ctx, wf.Model, inputs)
	})
	if err != nil {
		if errors.Is(err, provider.ErrUnavailable) {
			return err
		}
		return o.failRun(ctx, r, err.Error())
	}

	if err := o.runs.SetProviderJobID(ctx, r.ID, handle.CorrelationID); err != nil {
		return err
	}
	if err := o.runs.MarkProcessing(ctx, r.ID); err != nil {
		return err
	}

	// Polling: bounded attempts, resumable at the persisted attempt count.
	outcome, err := o.pollRun(p, adapter, wf.Model, handle.CorrelationID, r.ID)
	if err != nil {
		return err
	}
	switch outcome {
	case pollCancelled:
		return nil
	case pollTimedOut:
		return o.failRun(ctx, r, "timed out")
	}

	elapsed := time.Since(r.RanAt)
	if r.StartedAt != nil {
		elapsed = time.Since(*r.StartedAt)
	}

	// Finalizing: fetch the terminal result. A provider-reported failure
	// is a business outcome, never retried.
	result, err := stepWithResult(p, "fetch-result", func(ctx context.Context) (*provider.Result, error) {
		return adapter.FetchResult(ctx, wf.Model, handle.CorrelationID, elapsed)
	})
	if err != nil {
		if errors.Is(err, provider.ErrUnavailable) {
			return err
		}
		return o.failRun(ctx, r, err.Error())
	}
	if !result.Success {
		return o.failRun(ctx, r, result.Err)
	}

	mediaType := result.MediaType
	if mediaType == "" {
		mediaType = wf.MediaType
	}

	paths, err := stepWithResult(p, "migrate", func(ctx context.Context) ([]string, error) {
		return o.migrator.Migrate(ctx, result.OutputRefs, wf.Title, mediaType), nil
	})
	if err != nil {
		return err
	}

	return p.Step("finalize", func(ctx context.Context) error {
		output, err := json.Marshal(run.Output{
			OutputPath:     run.PathList(paths),
			Type:           mediaType,
			ProcessingTime: result.ProcessingTime,
			Provider:       string(r.Provider),
		})
		if err != nil {
			return err
		}
		changed, err := o.runs.MarkComplete(ctx, r.ID, run.JSON(output))
		if err != nil {
			return err
		}
		if changed {
			o.log.WithField("event_id", eventID).Info("run complete")
			o.notifier.Notify(ctx, webhook.Event{
				EventID:    r.EventID,
				WorkflowID: r.WorkflowID,
				UserID:     r.UserID,
				Status:     string(run.StatusComplete),
			})
		}
		return nil
	})
}

// pollRun waits for the remote job, one timer tick per attempt. The attempt
// count is checkpointed so a redelivered message resumes where the previous
// delivery stopped rather than restarting the 300-attempt budget. Every 5th
// attempt persists a heuristic progress snapshot for UI observers.
func (o *Orchestrator) pollRun(p *pipeline, adapter provider.Adapter, model, correlationID string, runID uint64) (pollOutcome, error) {
	var state pollCheckpoint
	if data, err := p.store.Get(p.ctx, runID, "poll"); err != nil {
		return 0, err
	} else if data != nil {
		if err := json.Unmarshal(data, &state); err != nil {
			return 0, fmt.Errorf("decode poll checkpoint: %w", err)
		}
	}
	if state.Done {
		return pollCompleted, nil
	}

	save := func(s pollCheckpoint) error {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return p.store.Save(p.ctx, runID, "poll", data)
	}

	for attempt := state.Attempt; attempt < o.pollMaxAttempts; attempt++ {
		// The cancel path flips the ledger row directly; observing it
		// here is what makes cancellation stop the pipeline.
		current, err := o.runs.GetByID(p.ctx, runID)
		if err != nil {
			return 0, err
		}
		if current.Status.Terminal() {
			return pollCancelled, nil
		}

		res, err := adapter.Poll(p.ctx, model, correlationID)
		if err != nil {
			// Persist the attempt count before surfacing the
			// transient error so the retry resumes here.
			if saveErr := save(pollCheckpoint{Attempt: attempt}); saveErr != nil {
				return 0, saveErr
			}
			return 0, err
		}
		if res.Completed {
			if err := save(pollCheckpoint{Attempt: attempt, Done: true}); err != nil {
				return 0, err
			}
			return pollCompleted, nil
		}

		if attempt > 0 && attempt%5 == 0 {
			percent := 50 + attempt*40/o.pollMaxAttempts
			if percent > 90 {
				percent = 90
			}
			if err := o.runs.UpdateProgress(p.ctx, runID, percent); err != nil {
				return 0, err
			}
			if err := save(pollCheckpoint{Attempt: attempt}); err != nil {
				return 0, err
			}
		}

		timer := time.NewTimer(o.pollInterval)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			_ = save(pollCheckpoint{Attempt: attempt})
			return 0, p.ctx.Err()
		case <-timer.C:
		}
	}
	return pollTimedOut, nil
}

// FailRun is the terminal-failure hook: it finalizes the ledger row and
// refunds the charge. The worker calls it when a pipeline message exhausts
// its transient retries, and Process calls it for business failures. Safe
// to invoke any number of times; the ledger guard and the refunded_at flip
// each make their half idempotent.
func (o *Orchestrator) FailRun(ctx context.Context, eventID, errText string) error {
	r, err := o.runs.GetByEventID(ctx, eventID)
	if err != nil {
		return err
	}
	return o.failRun(ctx, r, errText)
}

func (o *Orchestrator) failRun(ctx context.Context, r *run.Run, errText string) error {
	changed, err := o.runs.MarkFailed(ctx, r.ID, errText)
	if err != nil {
		return err
	}

	// Refund runs even when the mark was a no-op: a crash between the
	// failed mark and the refund must still pay out on the next attempt.
	refunded, err := o.accountant.RefundRun(ctx, r)
	if err != nil {
		return err
	}

	if changed {
		o.log.WithFields(logrus.Fields{
			"event_id": r.EventID,
			"error":    errText,
			"refunded": refunded,
		}).Warn("run failed")
		o.notifier.Notify(ctx, webhook.Event{
			EventID:    r.EventID,
			WorkflowID: r.WorkflowID,
			UserID:     r.UserID,
			Status:     string(run.StatusFailed),
			Error:      errText,
		})
	}
	return nil
}

// Cancel flips a non-terminal run to cancelled. Advisory: neither backend
// gets a remote cancel, so the remote job may still finish, but the poller
// observes the terminal row and discards the result.
func (o *Orchestrator) Cancel(ctx context.Context, runID, userID uint64) (bool, error) {
	r, err := o.runs.GetByID(ctx, runID)
	if err != nil {
		return false, err
	}
	if r.UserID != userID {
		return false, fmt.Errorf("run %d not owned by user %d", runID, userID)
	}
	return o.runs.MarkCancelled(ctx, r.ID)
}
