package persister

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/turnflow/internal/docstore"
	"github.com/zhouzirui/turnflow/internal/docstore/badgerstore"
	"github.com/zhouzirui/turnflow/internal/docstore/docstoretest"
	"github.com/zhouzirui/turnflow/internal/model/chat"
	"github.com/zhouzirui/turnflow/internal/model/response"
	"github.com/zhouzirui/turnflow/internal/retry"
	chatsvc "github.com/zhouzirui/turnflow/internal/service/chat"
)

func newFaulty(t *testing.T) *docstoretest.Faulty {
	t.Helper()
	db, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return docstoretest.Wrap(db.Namespace("test"))
}

func newPersister() *Persister {
	return New(Options{
		Policy: retry.Policy{MaxRetries: 3, InitialDelay: time.Millisecond, Backoff: retry.BackoffExponential},
		Buffer: 2,
		Logger: zerolog.Nop(),
	})
}

func scripted(deltas []string, failErr error) *schema.StreamReader[*schema.Message] {
	sr, sw := schema.Pipe[*schema.Message](0)
	go func() {
		defer sw.Close()
		for _, d := range deltas {
			if sw.Send(schema.AssistantMessage(d, nil), nil) {
				return
			}
		}
		if failErr != nil {
			sw.Send(nil, failErr)
		}
	}()
	return sr
}

func chunkTexts(t *testing.T, repo *chatsvc.Repository, chatID string, turn int) []string {
	t.Helper()
	chunks, err := repo.TurnChunks(context.Background(), chatID, turn)
	require.NoError(t, err)
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Message.(chat.AssistantMessageChunk).Fragment.Text()
	}
	return out
}

func TestPersistWritesOneChunkPerFragmentInOrder(t *testing.T) {
	store := newFaulty(t)
	repo := chatsvc.NewRepository(store)

	res, err := newPersister().Persist(context.Background(), repo, "c1", 2, scripted([]string{"Hel", "lo", " there"}, nil))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, "Hello there", res.Response.Text())
	assert.Len(t, res.Response.Parts, 1)

	assert.Equal(t, []string{"Hel", "lo", " there"}, chunkTexts(t, repo, "c1", 2))
	_, err = repo.GetMessage(context.Background(), "c1_chunk_00000002_000002")
	assert.NoError(t, err)
}

func TestPersistSkipsEmptyFragments(t *testing.T) {
	repo := chatsvc.NewRepository(newFaulty(t))

	res, err := newPersister().Persist(context.Background(), repo, "c1", 2, scripted([]string{"a", "", "b"}, nil))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, []string{"a", "b"}, chunkTexts(t, repo, "c1", 2))
}

func TestPersistReportsGenerationFailureWithWrittenChunks(t *testing.T) {
	repo := chatsvc.NewRepository(newFaulty(t))

	_, err := newPersister().Persist(context.Background(), repo, "c1", 2, scripted([]string{"Par", "tial"}, errors.New("upstream reset")))
	var sf *StreamFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, PhaseGenerate, sf.Phase)
	assert.Equal(t, 2, sf.Chunks)
	assert.Equal(t, "Partial", sf.Partial.Text())
	assert.Equal(t, []string{"Par", "tial"}, chunkTexts(t, repo, "c1", 2))
}

func TestPersistRetriesTransportErrors(t *testing.T) {
	store := newFaulty(t)
	store.Add(docstoretest.Rule{Op: docstoretest.OpPut, IDPrefix: "c1_chunk_00000002_000001", Times: 2, Err: &docstore.TransportError{Message: "unavailable", StatusCode: 503}})
	repo := chatsvc.NewRepository(store)

	res, err := newPersister().Persist(context.Background(), repo, "c1", 2, scripted([]string{"a", "b", "c"}, nil))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 5, store.Calls(docstoretest.OpPut))
}

func TestPersistTreatsLostAckAsWritten(t *testing.T) {
	store := newFaulty(t)
	store.Add(docstoretest.Rule{Op: docstoretest.OpPut, IDPrefix: "c1_chunk_00000002_000000", Times: 1, AfterWrite: true, Err: &docstore.TransportError{Message: "timeout"}})
	repo := chatsvc.NewRepository(store)

	res, err := newPersister().Persist(context.Background(), repo, "c1", 2, scripted([]string{"a", "b"}, nil))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, []string{"a", "b"}, chunkTexts(t, repo, "c1", 2))
}

func TestPersistFailsOnForeignConflict(t *testing.T) {
	store := newFaulty(t)
	repo := chatsvc.NewRepository(store)
	_, err := repo.PutMessage(context.Background(), chat.AssistantMessageChunk{ID: "c1_chunk_00000002_000000", Fragment: response.Text("other")}, "")
	require.NoError(t, err)

	_, err = newPersister().Persist(context.Background(), repo, "c1", 2, scripted([]string{"a", "b"}, nil))
	var sf *StreamFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, PhasePersist, sf.Phase)
	assert.Equal(t, 0, sf.Chunks)
	assert.True(t, docstore.IsConflict(err))
}

func TestPersistDoesNotRetryInvalidDocuments(t *testing.T) {
	store := newFaulty(t)
	store.Add(docstoretest.Rule{Op: docstoretest.OpPut, Times: -1, Err: &docstore.InvalidDocumentError{Reason: "bad"}})
	repo := chatsvc.NewRepository(store)

	_, err := newPersister().Persist(context.Background(), repo, "c1", 2, scripted([]string{"a"}, nil))
	var sf *StreamFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, PhasePersist, sf.Phase)
	assert.Equal(t, 1, store.Calls(docstoretest.OpPut))
}

func TestPersistGivesUpAfterRetryBudget(t *testing.T) {
	store := newFaulty(t)
	store.Add(docstoretest.Rule{Op: docstoretest.OpPut, Times: -1, Err: &docstore.TransportError{Message: "down"}})
	repo := chatsvc.NewRepository(store)

	_, err := newPersister().Persist(context.Background(), repo, "c1", 2, scripted([]string{"a", "b"}, nil))
	assert.True(t, docstore.IsTransient(err))
	assert.Equal(t, 4, store.Calls(docstoretest.OpPut))
}

// stalling sends deltas, then holds the stream open until ctx is cancelled.
func stalling(deltas ...string) StartFunc {
	return func(ctx context.Context) (*schema.StreamReader[*schema.Message], error) {
		sr, sw := schema.Pipe[*schema.Message](0)
		go func() {
			defer sw.Close()
			for _, d := range deltas {
				if sw.Send(schema.AssistantMessage(d, nil), nil) {
					return
				}
			}
			<-ctx.Done()
			sw.Send(nil, ctx.Err())
		}()
		return sr, nil
	}
}

func TestRunWritesChunks(t *testing.T) {
	repo := chatsvc.NewRepository(newFaulty(t))
	start := func(context.Context) (*schema.StreamReader[*schema.Message], error) {
		return scripted([]string{"a", "b"}, nil), nil
	}

	res, err := newPersister().Run(context.Background(), repo, "c1", 2, start)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, []string{"a", "b"}, chunkTexts(t, repo, "c1", 2))
}

func TestRunReportsStartFailureAsGeneration(t *testing.T) {
	repo := chatsvc.NewRepository(newFaulty(t))
	boom := errors.New("provider unavailable")
	start := func(context.Context) (*schema.StreamReader[*schema.Message], error) {
		return nil, boom
	}

	_, err := newPersister().Run(context.Background(), repo, "c1", 2, start)
	var sf *StreamFailure
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, PhaseGenerate, sf.Phase)
	assert.ErrorIs(t, err, boom)
}

func TestRunCancelsStalledGenerationOnWriteFailure(t *testing.T) {
	store := newFaulty(t)
	store.Add(docstoretest.Rule{Op: docstoretest.OpPut, Times: -1, Err: &docstore.InvalidDocumentError{Reason: "bad"}})
	repo := chatsvc.NewRepository(store)

	done := make(chan error, 1)
	go func() {
		_, err := newPersister().Run(context.Background(), repo, "c1", 2, stalling("a"))
		done <- err
	}()

	select {
	case err := <-done:
		var sf *StreamFailure
		require.ErrorAs(t, err, &sf)
		assert.Equal(t, PhasePersist, sf.Phase)
		assert.Equal(t, 0, sf.Chunks)
	case <-time.After(5 * time.Second):
		t.Fatal("Run stayed blocked on a stalled stream after the write failed")
	}
}
