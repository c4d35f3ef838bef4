package workflow

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zhouzirui/turnflow/internal/docstore"
	"github.com/zhouzirui/turnflow/internal/metrics"
	"github.com/zhouzirui/turnflow/internal/model/chat"
	"github.com/zhouzirui/turnflow/internal/model/response"
	"github.com/zhouzirui/turnflow/internal/observability"
	"github.com/zhouzirui/turnflow/internal/retry"
	chatsvc "github.com/zhouzirui/turnflow/internal/service/chat"
)

// Outcome describes what consolidating a turn wrote.
type Outcome struct {
	// Kind is KindAssistant or KindError.
	Kind chat.Kind `json:"kind"`
	// Chunks is how many chunk documents were deleted.
	Chunks int `json:"chunks"`
	// AlreadyWritten is set when the final document existed and only
	// leftover chunks were removed.
	AlreadyWritten bool   `json:"alreadyWritten"`
	Content        string `json:"content,omitempty"`
}

// Consolidate folds the persisted chunks of a turn into its assistant
// message and deletes them. It needs no journal record: the chunks are the
// only input. Running it on a finished turn only removes leftover chunks.
// A chat left generating is restored to active.
func (o *Orchestrator) Consolidate(ctx context.Context, userID, chatID string, turn int) (Outcome, error) {
	repo, err := o.openRepo(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	log := o.log.With().Str("chat_id", chatID).Int("turn", turn).Logger()

	out, err := o.finalize(ctx, repo, chatID, turn, "", false)
	if err != nil {
		if errors.Is(err, ErrNothingToConsolidate) {
			return Outcome{}, err
		}
		return Outcome{}, &CleanupError{ChatID: chatID, Turn: turn, Err: err}
	}

	c, err := repo.GetChat(ctx, chatID)
	if err == nil && c.Status == chat.StatusGenerating {
		o.restoreStatus(ctx, repo, c, o.statusAttempts, false, log)
	}
	log.Info().Str("kind", string(out.Kind)).Int("chunks", out.Chunks).Bool("already_written", out.AlreadyWritten).Msg("turn consolidated")
	return out, nil
}

// finalize writes the final document of a turn and deletes its chunks in
// one bulk write. With streamErr set the final document is an
// AssistantMessageError; otherwise the chunks are folded into an
// AssistantMessage. allowEmpty permits an empty assistant message when no
// chunk exists. Conflicts and transport errors re-read the turn and retry.
func (o *Orchestrator) finalize(ctx context.Context, repo *chatsvc.Repository, chatID string, turn int, streamErr string, allowEmpty bool) (Outcome, error) {
	span := trace.SpanFromContext(ctx)
	onRetry := func(attempt int, err error, _ time.Duration) {
		metrics.StoreRetries.WithLabelValues("consolidate").Inc()
		observability.AddRetryEvent(span, "consolidate", attempt, err.Error())
		o.log.Debug().Err(err).Str("chat_id", chatID).Int("turn", turn).Int("attempt", attempt).Msg("retrying consolidation")
	}
	return retry.DoResult(ctx, o.cleanup, retryableCleanup, onRetry, func(ctx context.Context, _ int) (Outcome, error) {
		return o.finalizeOnce(ctx, repo, chatID, turn, streamErr, allowEmpty)
	})
}

func retryableCleanup(err error) bool {
	return docstore.IsConflict(err) || docstore.IsTransient(err)
}

func (o *Orchestrator) finalizeOnce(ctx context.Context, repo *chatsvc.Repository, chatID string, turn int, streamErr string, allowEmpty bool) (Outcome, error) {
	stored, err := repo.ListMessages(ctx, chatID)
	if err != nil {
		return Outcome{}, err
	}

	var (
		chunks []chatsvc.StoredMessage
		final  *chatsvc.StoredMessage
	)
	for i := range stored {
		sm := stored[i]
		if sm.Key.Index != turn {
			continue
		}
		switch sm.Key.Kind {
		case chat.KindChunk:
			chunks = append(chunks, sm)
		case chat.KindAssistant, chat.KindError:
			final = &sm
		}
	}

	docs := make([]docstore.Document, 0, len(chunks)+1)
	out := Outcome{Chunks: len(chunks)}

	switch {
	case final != nil:
		out.Kind = final.Key.Kind
		out.AlreadyWritten = true
		if am, ok := final.Message.(chat.AssistantMessage); ok {
			out.Content = am.Content
		}
	case streamErr != "":
		doc, err := chatsvc.EncodeMessage(chat.AssistantMessageError{
			ID:        chat.ErrorKey(chatID, turn).String(),
			CreatedAt: o.now(),
			Message:   streamErr,
		}, "")
		if err != nil {
			return Outcome{}, err
		}
		docs = append(docs, doc)
		out.Kind = chat.KindError
	default:
		if len(chunks) == 0 && !allowEmpty {
			return Outcome{}, ErrNothingToConsolidate
		}
		resp := o.foldChunks(chunks)
		doc, err := chatsvc.EncodeMessage(chat.AssistantMessage{
			ID:        chat.AssistantKey(chatID, turn).String(),
			CreatedAt: o.now(),
			Content:   resp.Text(),
			Parts:     resp.Parts,
		}, "")
		if err != nil {
			return Outcome{}, err
		}
		docs = append(docs, doc)
		out.Kind = chat.KindAssistant
		out.Content = resp.Text()
	}

	for _, c := range chunks {
		docs = append(docs, docstore.Tombstone(c.Message.MessageID(), c.Revision))
	}
	if len(docs) == 0 {
		return out, nil
	}
	if _, err := repo.Bulk(ctx, docs); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// foldChunks merges chunk fragments in sequence order. A gap in the
// sequence is logged; the fold still uses what exists.
func (o *Orchestrator) foldChunks(chunks []chatsvc.StoredMessage) response.Response {
	var acc response.Response
	gap := false
	for i, c := range chunks {
		if c.Key.Sub != i && !gap {
			gap = true
			o.log.Warn().Str("chunk_id", c.Message.MessageID()).Int("want_seq", i).Msg("chunk sequence has a gap")
		}
		if m, ok := c.Message.(chat.AssistantMessageChunk); ok {
			acc = response.Merge(acc, m.Fragment)
		}
	}
	return acc
}
