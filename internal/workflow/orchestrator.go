// Package workflow drives one turn of a chat through its steps: check the
// history, resolve the session, mark the chat generating, stream and persist
// the response, consolidate it and restore the chat status.
//
// Every execution is journaled under its idempotency key. A step whose
// result is in the journal is skipped, so re-running an execution after a
// crash or a duplicate submission never repeats a committed side effect.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/turnflow/internal/docstore"
	"github.com/zhouzirui/turnflow/internal/journal"
	"github.com/zhouzirui/turnflow/internal/metrics"
	"github.com/zhouzirui/turnflow/internal/model/chat"
	"github.com/zhouzirui/turnflow/internal/observability"
	"github.com/zhouzirui/turnflow/internal/persister"
	"github.com/zhouzirui/turnflow/internal/retry"
	"github.com/zhouzirui/turnflow/internal/service/ai"
	chatsvc "github.com/zhouzirui/turnflow/internal/service/chat"
	"github.com/zhouzirui/turnflow/internal/session"
)

// forcedStatusAttempts bounds the status restore run by the recovery sweep.
const forcedStatusAttempts = 10

// Options wires an Orchestrator.
type Options struct {
	Journal   *journal.Journal
	Opener    docstore.Opener
	Sessions  session.Resolver
	Generator ai.Generator
	Persister *persister.Persister
	// CleanupPolicy governs the final write of a turn. Conflicts and
	// transport errors are retried.
	CleanupPolicy retry.Policy
	// StatusMaxAttempts bounds the conditional updates restoring the chat
	// status before the work is left to the recovery sweep.
	StatusMaxAttempts int
	Logger            zerolog.Logger
}

// Orchestrator runs turns.
type Orchestrator struct {
	journal        *journal.Journal
	opener         docstore.Opener
	sessions       session.Resolver
	gen            ai.Generator
	persister      *persister.Persister
	cleanup        retry.Policy
	statusAttempts int
	flight         singleflight.Group
	now            func() time.Time
	log            zerolog.Logger
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.StatusMaxAttempts <= 0 {
		opts.StatusMaxAttempts = 3
	}
	if opts.Persister == nil {
		opts.Persister = persister.New(persister.Options{Policy: retry.DefaultPolicy(), Logger: opts.Logger})
	}
	return &Orchestrator{
		journal:        opts.Journal,
		opener:         opts.Opener,
		sessions:       opts.Sessions,
		gen:            opts.Generator,
		persister:      opts.Persister,
		cleanup:        opts.CleanupPolicy,
		statusAttempts: opts.StatusMaxAttempts,
		now:            func() time.Time { return time.Now().UTC() },
		log:            opts.Logger.With().Str("component", "workflow").Logger(),
	}
}

// Execute runs the turn described by p under key. A completed execution is
// a no-op; a partial one resumes after its last committed step. Concurrent
// calls with the same key share one run. Only precondition and session
// failures are returned; every later failure is recorded in the store.
func (o *Orchestrator) Execute(ctx context.Context, p Payload, key string) error {
	if key == "" {
		return ErrMissingKey
	}
	if !chat.ValidChatID(p.Chat.ID) || p.UserID == "" {
		return fmt.Errorf("%w: chat id and user id are required", ErrInvalidPayload)
	}

	_, err, shared := o.flight.Do(key, func() (any, error) {
		return nil, o.execute(ctx, p, key)
	})
	if shared {
		o.log.Debug().Str("idempotency_key", key).Msg("execution shared with a concurrent caller")
	}
	return err
}

func (o *Orchestrator) execute(ctx context.Context, p Payload, key string) error {
	rec, err := o.journal.Load(key)
	switch {
	case errors.Is(err, journal.ErrNotFound):
		rec, err = o.newRecord(p, key)
		if err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("load journal record: %w", err)
	case rec.State == journal.StateCompleted:
		metrics.WorkflowExecutions.WithLabelValues("deduplicated").Inc()
		o.log.Info().Str("idempotency_key", key).Str("execution_id", rec.ExecutionID).Msg("execution already completed")
		return nil
	case rec.State == journal.StateFailed:
		// Fatal steps write nothing, so a failed execution starts over.
		raw, err := encodePayload(p)
		if err != nil {
			return err
		}
		rec.Reset()
		rec.Payload = raw
		rec.ChatID = p.Chat.ID
		rec.UserID = p.UserID
	}
	return o.drive(ctx, rec, p)
}

// Resume continues a journaled execution from its stored payload. Records
// that are no longer open are left alone.
func (o *Orchestrator) Resume(ctx context.Context, key string) error {
	_, err, _ := o.flight.Do(key, func() (any, error) {
		rec, err := o.journal.Load(key)
		if err != nil {
			return nil, fmt.Errorf("load journal record: %w", err)
		}
		if !rec.State.Open() {
			return nil, nil
		}
		p, err := decodePayload(rec.Payload)
		if err != nil {
			return nil, err
		}
		return nil, o.drive(ctx, rec, p)
	})
	return err
}

func (o *Orchestrator) newRecord(p Payload, key string) (*journal.Record, error) {
	raw, err := encodePayload(p)
	if err != nil {
		return nil, err
	}
	rec := &journal.Record{
		ExecutionID:    uuid.NewString(),
		IdempotencyKey: key,
		ChatID:         p.Chat.ID,
		UserID:         p.UserID,
		Payload:        raw,
		State:          journal.StateRunning,
	}
	if err := o.journal.Save(rec); err != nil {
		return nil, fmt.Errorf("create journal record: %w", err)
	}
	return rec, nil
}

// run is the state of one pass over a record.
type run struct {
	o      *Orchestrator
	rec    *journal.Record
	p      Payload
	repo   *chatsvc.Repository
	forced bool
	span   trace.Span
	log    zerolog.Logger
}

func (o *Orchestrator) drive(ctx context.Context, rec *journal.Record, p Payload) error {
	ctx, span := observability.StartExecutionSpan(ctx, rec.ExecutionID, rec.ChatID, rec.TurnIndex)
	defer span.End()

	rec.Attempts++
	r := &run{
		o:      o,
		rec:    rec,
		p:      p,
		forced: rec.State == journal.StateStatusPending,
		span:   span,
		log: o.log.With().
			Str("execution_id", rec.ExecutionID).
			Str("idempotency_key", rec.IdempotencyKey).
			Str("chat_id", rec.ChatID).
			Logger(),
	}
	rec.State = journal.StateRunning

	if err := r.step(ctx, journal.StepPrecondition, r.precondition); err != nil {
		return r.abort(err)
	}
	r.log = r.log.With().Int("turn", rec.TurnIndex).Logger()
	span.SetAttributes(attribute.Int("turn.index", rec.TurnIndex))

	if err := r.step(ctx, journal.StepSession, r.openStore); err != nil {
		return r.abort(err)
	}
	// The credential is never journaled, so a resumed run resolves it again.
	if r.repo == nil {
		if _, err := r.openStore(ctx); err != nil {
			return r.abort(err)
		}
	}

	_ = r.step(ctx, journal.StepMarkGenerating, r.markGenerating)
	_ = r.step(ctx, journal.StepStream, r.stream)
	cleanupErr := r.step(ctx, journal.StepConsolidate, r.consolidate)
	_ = r.step(ctx, journal.StepClearGenerating, r.clearGenerating)

	return r.finish(cleanupErr)
}

func (r *run) done(step journal.Step) bool {
	res, ok := r.rec.Result(step)
	return ok && res.Kind != journal.ResultDeferred
}

// step runs fn unless step already has a durable result, then journals the
// result fn returns.
func (r *run) step(ctx context.Context, step journal.Step, fn func(ctx context.Context) (journal.StepResult, error)) error {
	if r.done(step) {
		r.log.Debug().Str("step", string(step)).Msg("step already completed, skipping")
		return nil
	}

	ctx, span := observability.StartStepSpan(ctx, string(step), r.rec.Attempts > 1)
	defer span.End()
	start := time.Now()

	res, err := fn(ctx)
	metrics.ObserveStep(string(step), start)
	if err != nil {
		observability.RecordError(span, err)
		return err
	}

	r.rec.Complete(step, res)
	r.save()
	r.log.Debug().Str("step", string(step)).Str("result", string(res.Kind)).Msg("step completed")
	return nil
}

func (r *run) save() {
	if err := r.o.journal.Save(r.rec); err != nil {
		r.log.Error().Err(err).Msg("failed to save journal record")
	}
}

// abort ends the run on a fatal error. Before anything was written the
// record is failed and may be restarted; afterwards it stays open for the
// recovery sweep.
func (r *run) abort(err error) error {
	observability.RecordError(r.span, err)
	r.rec.Error = err.Error()
	outcome := "failed"
	if r.done(journal.StepMarkGenerating) {
		outcome = "interrupted"
	} else {
		r.rec.State = journal.StateFailed
	}
	r.save()
	metrics.WorkflowExecutions.WithLabelValues(outcome).Inc()
	r.log.Warn().Err(err).Str("outcome", outcome).Msg("execution aborted")
	return err
}

func (r *run) finish(cleanupErr error) error {
	outcome := "succeeded"
	r.rec.Error = ""
	cleared, _ := r.rec.Result(journal.StepClearGenerating)
	switch {
	case cleanupErr != nil:
		// Chunks are kept; the sweep retries consolidation.
		outcome = "cleanup_pending"
		r.rec.Error = cleanupErr.Error()
	case cleared.Kind == journal.ResultDeferred:
		outcome = "status_pending"
		r.rec.State = journal.StateStatusPending
		r.rec.Error = cleared.Note
	default:
		r.rec.State = journal.StateCompleted
	}
	r.save()
	metrics.WorkflowExecutions.WithLabelValues(outcome).Inc()
	r.log.Info().Str("outcome", outcome).Int("attempts", r.rec.Attempts).Msg("execution finished")
	return nil
}

func (r *run) precondition(context.Context) (journal.StepResult, error) {
	turn, err := turnOf(r.p)
	if err != nil {
		return journal.StepResult{}, err
	}
	r.rec.TurnIndex = turn
	return journal.StepResult{Kind: journal.ResultOK}, nil
}

func (r *run) openStore(ctx context.Context) (journal.StepResult, error) {
	repo, err := r.o.openRepo(ctx, r.rec.UserID)
	if err != nil {
		return journal.StepResult{}, err
	}
	r.repo = repo
	return journal.StepResult{Kind: journal.ResultOK}, nil
}

func (o *Orchestrator) openRepo(ctx context.Context, userID string) (*chatsvc.Repository, error) {
	sess, err := o.sessions.Resolve(ctx, userID)
	if err != nil {
		return nil, &SessionError{UserID: userID, Err: err}
	}
	if sess.Token == "" {
		return nil, &SessionError{UserID: userID, Err: session.ErrNoSession}
	}
	store, err := o.opener.Open(ctx, sess.UserID, sess.Token)
	if err != nil {
		return nil, &SessionError{UserID: userID, Err: err}
	}
	return chatsvc.NewRepository(store), nil
}

// markGenerating flags the chat with the revision the caller saw. The flag
// is advisory, so a conflict or any other failure is absorbed.
func (r *run) markGenerating(ctx context.Context) (journal.StepResult, error) {
	c := r.p.Chat
	updated, err := r.repo.SetStatus(ctx, c, chat.StatusGenerating)
	if err == nil {
		observability.AddStatusTransition(trace.SpanFromContext(ctx), string(c.Status), string(chat.StatusGenerating))
		return journal.StepResult{Kind: journal.ResultRevision, Revision: updated.Revision}, nil
	}
	if docstore.IsConflict(err) {
		metrics.StatusConflicts.WithLabelValues("mark").Inc()
	}
	r.log.Warn().Err(err).Msg("mark generating absorbed")
	return journal.StepResult{Kind: journal.ResultAbsorbed, Revision: c.Revision, Note: err.Error()}, nil
}

// stream generates and persists the response. A failure is recorded in the
// result for the consolidate step instead of being returned. When chunks of
// the turn already exist a previous run was interrupted mid-stream; those
// chunks are consolidated and generation is not restarted.
func (r *run) stream(ctx context.Context) (journal.StepResult, error) {
	chatID, turn := r.rec.ChatID, r.rec.TurnIndex

	chunks, err := r.repo.TurnChunks(ctx, chatID, turn)
	if err == nil && len(chunks) > 0 {
		r.log.Info().Int("chunks", len(chunks)).Msg("resuming from persisted chunks")
		return journal.StepResult{Kind: journal.ResultStream, ChunkCount: len(chunks), Note: "resumed"}, nil
	}

	req := ai.Request{Profile: r.p.Profile, Messages: r.p.Messages, Target: r.p.SelectedModel}
	res, err := r.o.persister.Run(ctx, r.repo, chatID, turn, func(ctx context.Context) (*schema.StreamReader[*schema.Message], error) {
		return r.o.gen.Stream(ctx, req)
	})
	if err != nil {
		se := &StreamError{ChatID: chatID, Turn: turn, Err: err}
		var sf *persister.StreamFailure
		if errors.As(err, &sf) {
			se.Chunks = sf.Chunks
			se.Err = sf.Err
		}
		return r.streamFailed(se), nil
	}
	return journal.StepResult{Kind: journal.ResultStream, ChunkCount: res.Chunks}, nil
}

func (r *run) streamFailed(se *StreamError) journal.StepResult {
	observability.RecordError(r.span, se)
	r.log.Warn().Err(se).Int("chunks", se.Chunks).Msg("generation failed, recording error")
	return journal.StepResult{Kind: journal.ResultStream, ChunkCount: se.Chunks, StreamError: se.Err.Error()}
}

func (r *run) consolidate(ctx context.Context) (journal.StepResult, error) {
	streamed, _ := r.rec.Result(journal.StepStream)
	out, err := r.o.finalize(ctx, r.repo, r.rec.ChatID, r.rec.TurnIndex, streamed.StreamError, true)
	if err != nil {
		ce := &CleanupError{ChatID: r.rec.ChatID, Turn: r.rec.TurnIndex, Err: err}
		r.log.Error().Err(ce).Msg("consolidation gave up, chunks kept for recovery")
		return journal.StepResult{}, ce
	}
	note := string(out.Kind)
	if out.AlreadyWritten {
		note = "already written"
	}
	return journal.StepResult{Kind: journal.ResultWritten, ChunkCount: out.Chunks, Note: note}, nil
}

// clearGenerating restores the chat to active. It never fails the turn:
// once its attempts are spent the result is deferred and the recovery sweep
// finishes the job.
func (r *run) clearGenerating(ctx context.Context) (journal.StepResult, error) {
	known := r.p.Chat
	known.Status = chat.StatusGenerating
	if res, ok := r.rec.Result(journal.StepMarkGenerating); ok && res.Kind == journal.ResultRevision {
		known.Revision = res.Revision
	}
	attempts := r.o.statusAttempts
	if r.forced {
		attempts = forcedStatusAttempts
	}
	return r.o.restoreStatus(ctx, r.repo, known, attempts, r.forced, r.log), nil
}

// restoreStatus sets the chat active with up to attempts conditional
// updates, re-fetching the chat after each failure and patching only its
// status. With refetch the first attempt also starts from a fresh read.
func (o *Orchestrator) restoreStatus(ctx context.Context, repo *chatsvc.Repository, known chat.Chat, attempts int, refetch bool, log zerolog.Logger) journal.StepResult {
	span := trace.SpanFromContext(ctx)
	c := known
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 || refetch {
			if lastErr != nil && docstore.IsTransient(lastErr) {
				if err := sleep(ctx, o.cleanup.Delay(i)); err != nil {
					lastErr = err
					break
				}
			}
			fresh, err := repo.GetChat(ctx, known.ID)
			if errors.Is(err, docstore.ErrNotFound) {
				return journal.StepResult{Kind: journal.ResultOK, Note: "chat deleted"}
			}
			if err != nil {
				lastErr = err
				continue
			}
			if fresh.Status == chat.StatusActive {
				return journal.StepResult{Kind: journal.ResultRevision, Revision: fresh.Revision, Note: "already active"}
			}
			c = fresh
		}

		updated, err := repo.SetStatus(ctx, c, chat.StatusActive)
		if err == nil {
			observability.AddStatusTransition(span, string(c.Status), string(chat.StatusActive))
			return journal.StepResult{Kind: journal.ResultRevision, Revision: updated.Revision}
		}
		lastErr = err
		if docstore.IsConflict(err) {
			metrics.StatusConflicts.WithLabelValues("clear").Inc()
		}
		observability.AddRetryEvent(span, "status", i+1, err.Error())
		log.Debug().Err(err).Int("attempt", i+1).Msg("status restore failed")
	}

	note := "status restore attempts exhausted"
	if lastErr != nil {
		note = lastErr.Error()
	}
	log.Warn().Str("reason", note).Msg("status restore deferred to recovery")
	return journal.StepResult{Kind: journal.ResultDeferred, Note: note}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
