// Package journal persists one record per workflow execution so a turn can
// be resumed after a crash without repeating committed steps.
package journal

import (
	"encoding/json"
	"time"
)

// Step names one activity of a turn.
type Step string

const (
	StepPrecondition    Step = "precondition"
	StepSession         Step = "session"
	StepMarkGenerating  Step = "mark_generating"
	StepStream          Step = "stream"
	StepConsolidate     Step = "consolidate"
	StepClearGenerating Step = "clear_generating"
)

// Steps lists every step in execution order.
var Steps = []Step{
	StepPrecondition,
	StepSession,
	StepMarkGenerating,
	StepStream,
	StepConsolidate,
	StepClearGenerating,
}

// Position returns the zero-based order of s, or -1.
func (s Step) Position() int {
	for i, step := range Steps {
		if step == s {
			return i
		}
	}
	return -1
}

// State is the lifecycle of a record.
type State string

const (
	StateRunning       State = "running"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateStatusPending State = "status_pending"
)

// Open reports whether the record still needs work.
func (s State) Open() bool {
	return s == StateRunning || s == StateStatusPending
}

// ResultKind tags the variant held by a StepResult.
type ResultKind string

const (
	// ResultOK: the step succeeded and produced nothing worth keeping.
	ResultOK ResultKind = "ok"
	// ResultRevision: the step wrote the chat and holds its new revision.
	ResultRevision ResultKind = "revision"
	// ResultAbsorbed: a conflict on an advisory field was tolerated.
	ResultAbsorbed ResultKind = "absorbed"
	// ResultStream: streaming finished; ChunkCount chunks are persisted and
	// StreamError is set if generation failed.
	ResultStream ResultKind = "stream"
	// ResultWritten: the final assistant or error document exists.
	ResultWritten ResultKind = "written"
	// ResultDeferred: the step gave up and left work for the recovery sweep.
	ResultDeferred ResultKind = "deferred"
)

// StepResult is the durable outcome of one step.
type StepResult struct {
	Kind        ResultKind `json:"kind"`
	Revision    string     `json:"revision,omitempty"`
	ChunkCount  int        `json:"chunkCount,omitempty"`
	StreamError string     `json:"streamError,omitempty"`
	Note        string     `json:"note,omitempty"`
	At          time.Time  `json:"at"`
}

// Record is the journal entry of one execution, keyed by idempotency key.
type Record struct {
	ExecutionID       string              `json:"executionId"`
	IdempotencyKey    string              `json:"idempotencyKey"`
	ChatID            string              `json:"chatId"`
	TurnIndex         int                 `json:"turnIndex"`
	UserID            string              `json:"userId"`
	Payload           json.RawMessage     `json:"payload,omitempty"`
	State             State               `json:"state"`
	LastCompletedStep Step                `json:"lastCompletedStep,omitempty"`
	Results           map[Step]StepResult `json:"results,omitempty"`
	Attempts          int                 `json:"attempts"`
	Error             string              `json:"error,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
}

// Done reports whether step has a durable result.
func (r *Record) Done(step Step) bool {
	_, ok := r.Results[step]
	return ok
}

// Result returns the stored result of step.
func (r *Record) Result(step Step) (StepResult, bool) {
	res, ok := r.Results[step]
	return res, ok
}

// Complete stores the result of step and advances LastCompletedStep.
func (r *Record) Complete(step Step, res StepResult) {
	if r.Results == nil {
		r.Results = make(map[Step]StepResult)
	}
	if res.At.IsZero() {
		res.At = time.Now().UTC()
	}
	r.Results[step] = res
	if step.Position() > r.LastCompletedStep.Position() {
		r.LastCompletedStep = step
	}
}

// Reset clears every step result so the execution restarts from scratch.
func (r *Record) Reset() {
	r.Results = nil
	r.LastCompletedStep = ""
	r.Error = ""
	r.State = StateRunning
}
