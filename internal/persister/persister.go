// Package persister writes a streamed response to the store one fragment
// at a time, so the partial output of a turn survives a process crash.
package persister

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/turnflow/internal/docstore"
	"github.com/zhouzirui/turnflow/internal/metrics"
	"github.com/zhouzirui/turnflow/internal/model/chat"
	"github.com/zhouzirui/turnflow/internal/model/response"
	"github.com/zhouzirui/turnflow/internal/observability"
	"github.com/zhouzirui/turnflow/internal/retry"
	chatsvc "github.com/zhouzirui/turnflow/internal/service/chat"
)

// Phase says where a stream failure happened.
type Phase string

const (
	PhaseGenerate Phase = "generate"
	PhasePersist  Phase = "persist"
)

// Result is a fully persisted stream.
type Result struct {
	Chunks   int
	Response response.Response
}

// StreamFailure reports a stream that stopped early. Chunks documents were
// persisted before it stopped; Partial is their fold.
type StreamFailure struct {
	Phase   Phase
	Chunks  int
	Partial response.Response
	Err     error
}

func (e *StreamFailure) Error() string {
	return fmt.Sprintf("stream failed during %s after %d chunks: %v", e.Phase, e.Chunks, e.Err)
}

func (e *StreamFailure) Unwrap() error {
	return e.Err
}

// Options configures a Persister.
type Options struct {
	// Policy governs chunk write retries. Only transport errors are retried.
	Policy retry.Policy
	// Buffer is how many fragments may be read ahead of the writer.
	Buffer int
	Logger zerolog.Logger
}

// Persister is the chunk persister.
type Persister struct {
	policy retry.Policy
	buffer int
	log    zerolog.Logger
}

// New creates a persister.
func New(opts Options) *Persister {
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	return &Persister{
		policy: opts.Policy,
		buffer: opts.Buffer,
		log:    opts.Logger.With().Str("component", "persister").Logger(),
	}
}

// Persist drains stream into chunk documents {chat}_chunk_{turn}_{seq}.
// Fragments are read ahead into a bounded buffer and written by a single
// writer, so chunk n is never visible without chunks 0..n-1. The stream is
// always closed.
func (p *Persister) Persist(ctx context.Context, repo *chatsvc.Repository, chatID string, turn int, stream *schema.StreamReader[*schema.Message]) (Result, error) {
	return p.persist(ctx, nil, repo, chatID, turn, stream)
}

// StartFunc begins generation under ctx.
type StartFunc func(ctx context.Context) (*schema.StreamReader[*schema.Message], error)

// Run starts generation and persists it like Persist. Generation runs under
// a context that is cancelled as soon as a chunk write fails, so a stalled
// provider is released instead of holding the turn open.
func (p *Persister) Run(ctx context.Context, repo *chatsvc.Repository, chatID string, turn int, start StartFunc) (Result, error) {
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := start(genCtx)
	if err != nil {
		return Result{}, &StreamFailure{Phase: PhaseGenerate, Err: err}
	}
	return p.persist(ctx, cancel, repo, chatID, turn, stream)
}

func (p *Persister) persist(ctx context.Context, abort context.CancelFunc, repo *chatsvc.Repository, chatID string, turn int, stream *schema.StreamReader[*schema.Message]) (Result, error) {
	defer stream.Close()

	frags := make(chan response.Response, p.buffer)
	g, gctx := errgroup.WithContext(ctx)

	var genErr error
	g.Go(func() error {
		defer close(frags)
		for {
			if err := gctx.Err(); err != nil {
				return err
			}
			msg, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				// Fragments already buffered are still written.
				genErr = err
				return nil
			}
			frag := response.FromMessage(msg)
			if frag.IsEmpty() {
				continue
			}
			select {
			case frags <- frag:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	var (
		written int
		acc     response.Response
		saveErr error
	)
	g.Go(func() error {
		for frag := range frags {
			if err := p.write(gctx, repo, chat.ChunkKey(chatID, turn, written), frag); err != nil {
				saveErr = err
				if abort != nil {
					abort()
				}
				return err
			}
			written++
			acc = response.Merge(acc, frag)
		}
		return nil
	})

	err := g.Wait()
	switch {
	case saveErr != nil:
		return Result{}, &StreamFailure{Phase: PhasePersist, Chunks: written, Partial: acc, Err: saveErr}
	case genErr != nil:
		return Result{}, &StreamFailure{Phase: PhaseGenerate, Chunks: written, Partial: acc, Err: genErr}
	case err != nil:
		return Result{}, &StreamFailure{Phase: PhaseGenerate, Chunks: written, Partial: acc, Err: err}
	}

	p.log.Debug().Str("chat_id", chatID).Int("turn", turn).Int("chunks", written).Msg("stream persisted")
	return Result{Chunks: written, Response: acc}, nil
}

func (p *Persister) write(ctx context.Context, repo *chatsvc.Repository, key chat.Key, frag response.Response) error {
	msg := chat.AssistantMessageChunk{ID: key.String(), Fragment: frag}
	span := trace.SpanFromContext(ctx)

	result := "written"
	err := retry.Do(ctx, p.policy, docstore.IsTransient, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			metrics.StoreRetries.WithLabelValues("chunk").Inc()
			observability.AddRetryEvent(span, "chunk", attempt, "transport")
		}
		_, err := repo.PutMessage(ctx, msg, "")
		if docstore.IsConflict(err) && p.alreadyWritten(ctx, repo, msg) {
			result = "duplicate"
			return nil
		}
		return err
	})
	if err != nil {
		metrics.ChunkWrites.WithLabelValues("failed").Inc()
		p.log.Warn().Err(err).Str("chunk_id", msg.ID).Msg("chunk write failed")
		return err
	}
	metrics.ChunkWrites.WithLabelValues(result).Inc()
	return nil
}

// alreadyWritten reports whether the conflicting document holds the same
// fragment, which happens when the acknowledgement of an earlier attempt was
// lost in transit.
func (p *Persister) alreadyWritten(ctx context.Context, repo *chatsvc.Repository, msg chat.AssistantMessageChunk) bool {
	stored, err := repo.GetMessage(ctx, msg.ID)
	if err != nil {
		return false
	}
	existing, ok := stored.Message.(chat.AssistantMessageChunk)
	return ok && reflect.DeepEqual(normalize(existing.Fragment), normalize(msg.Fragment))
}

// normalize maps nil and empty slices to the same value for comparison.
func normalize(r response.Response) response.Response {
	return response.Merge(response.Response{}, r)
}
