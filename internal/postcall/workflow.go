// Package postcall persists the call record and its recording after a call
// ends, tolerating partial failure at each step.
package postcall

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dialhouse/callengine/internal/metrics"
)

// Step names one stage of the persistence workflow.
type Step string

const (
	StepDetail   Step = "call_detail"
	StepRelocate Step = "recording_relocation"
	StepFinalize Step = "record_finalize"
)

// StepError reports which workflow step failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("persistence step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// CallDetail is the provider's post-call view of the call.
type CallDetail struct {
	RecordingURL    string
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds int
}

// DetailFetcher retrieves call detail from the telephony backend by call
// reference.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, callRef string) (*CallDetail, error)
}

// Relocator pushes the provider's recording artifact to long-term storage and
// returns the relocated reference.
type Relocator interface {
	Relocate(ctx context.Context, recordingURL, sessionID string) (string, error)
}

// FinalRecord is the completed call record written in the last step.
type FinalRecord struct {
	SessionID       string
	AgentID         string
	PhoneNumber     string
	CallRef         string
	RecordingURL    string
	DurationSeconds int
}

// Finalizer writes or updates the persisted call record.
type Finalizer interface {
	Finalize(ctx context.Context, rec FinalRecord) error
}

// Job identifies the ended session the workflow runs for.
type Job struct {
	SessionID       string
	AgentID         string
	PhoneNumber     string
	CallRef         string
	DurationSeconds int
}

// Workflow runs the three persistence steps in strict order, each gated on
// the previous. No step is retried automatically; a failure aborts the rest.
// The settle delay between detail fetch and relocation gives the provider
// time to make the recording artifact available.
type Workflow struct {
	detail      DetailFetcher
	relocator   Relocator
	finalizer   Finalizer
	settleDelay time.Duration
}

// New creates a workflow with the default 2-second recording settle delay.
func New(detail DetailFetcher, relocator Relocator, finalizer Finalizer) *Workflow {
	return &Workflow{
		detail:      detail,
		relocator:   relocator,
		finalizer:   finalizer,
		settleDelay: 2 * time.Second,
	}
}

// WithSettleDelay overrides the delay between steps 1 and 2. Test hook.
func (w *Workflow) WithSettleDelay(d time.Duration) *Workflow {
	w.settleDelay = d
	return w
}

// Run executes the workflow for one ended session. The returned error is a
// *StepError naming the failing step; callers log it and move on, since a
// persistence failure never reopens the call.
func (w *Workflow) Run(ctx context.Context, job Job) error {
	detail, err := w.detail.FetchDetail(ctx, job.CallRef)
	if err != nil {
		return w.fail(job, StepDetail, err)
	}

	// Let the provider finish writing the recording artifact.
	select {
	case <-time.After(w.settleDelay):
	case <-ctx.Done():
		return w.fail(job, StepRelocate, ctx.Err())
	}

	relocated, err := w.relocator.Relocate(ctx, detail.RecordingURL, job.SessionID)
	if err != nil {
		return w.fail(job, StepRelocate, err)
	}

	duration := job.DurationSeconds
	if detail.DurationSeconds > 0 {
		duration = detail.DurationSeconds
	}

	err = w.finalizer.Finalize(ctx, FinalRecord{
		SessionID:       job.SessionID,
		AgentID:         job.AgentID,
		PhoneNumber:     job.PhoneNumber,
		CallRef:         job.CallRef,
		RecordingURL:    relocated,
		DurationSeconds: duration,
	})
	if err != nil {
		return w.fail(job, StepFinalize, err)
	}

	slog.Info("call record persisted", "session_id", job.SessionID, "call_ref", job.CallRef, "recording_url", relocated, "duration_s", duration)
	return nil
}

func (w *Workflow) fail(job Job, step Step, err error) error {
	metrics.PersistenceStepFailures.WithLabelValues(string(step)).Inc()
	slog.Error("post-call persistence aborted", "session_id", job.SessionID, "call_ref", job.CallRef, "step", string(step), "error", err)
	return &StepError{Step: step, Err: err}
}
