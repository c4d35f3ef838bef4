package chat_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/turnflow/internal/docstore"
	"github.com/zhouzirui/turnflow/internal/docstore/badgerstore"
	model "github.com/zhouzirui/turnflow/internal/model/chat"
	"github.com/zhouzirui/turnflow/internal/model/response"
	chat "github.com/zhouzirui/turnflow/internal/service/chat"
	"github.com/zhouzirui/turnflow/internal/session"
)

func newService(t *testing.T) (*chat.Service, *badgerstore.DB) {
	t.Helper()
	db, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	resolver := session.ResolverFunc(func(_ context.Context, userID string) (session.Session, error) {
		return session.Session{UserID: userID, Token: "t"}, nil
	})
	return chat.NewService(db, resolver, zerolog.Nop()), db
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.MessageID()
	}
	return out
}

func TestCreateAndGetChat(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	c, err := svc.CreateChat(ctx, "alice", "", "  Trip planning ")
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.NotEmpty(t, c.Revision)
	assert.Equal(t, model.StatusActive, c.Status)

	got, err := svc.GetChat(ctx, "alice", c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Trip planning", got.Name)
	assert.Equal(t, c.Revision, got.Revision)

	_, err = svc.GetChat(ctx, "alice", "missing")
	assert.ErrorIs(t, err, chat.ErrChatNotFound)

	_, err = svc.CreateChat(ctx, "alice", "bad_id", "")
	assert.ErrorIs(t, err, chat.ErrInvalidChatID)
}

func TestAppendAllocatesIndicesAroundAssistantSlot(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	c, first, err := svc.AppendUserMessage(ctx, "alice", "c1", "hello there")
	require.NoError(t, err)
	assert.Equal(t, "c1_user_00000001", first.ID)
	assert.Equal(t, 2, c.Sequence)
	assert.Equal(t, "hello there", c.Name)

	c, second, err := svc.AppendUserMessage(ctx, "alice", "c1", "again")
	require.NoError(t, err)
	assert.Equal(t, "c1_user_00000003", second.ID)
	assert.Equal(t, 4, c.Sequence)

	_, _, err = svc.AppendUserMessage(ctx, "alice", "c1", "   ")
	assert.ErrorIs(t, err, chat.ErrEmptyContent)
}

func TestAppendSkipsIndicesWrittenByAReplica(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.AppendUserMessage(ctx, "alice", "c1", "hi")
	require.NoError(t, err)

	// A replica wrote index 7 without bumping the sequence we can see.
	repo, err := svc.Open(ctx, "alice")
	require.NoError(t, err)
	_, err = repo.PutMessage(ctx, model.UserMessage{ID: model.UserKey("c1", 7).String(), Content: "remote"}, "")
	require.NoError(t, err)

	_, msg, err := svc.AppendUserMessage(ctx, "alice", "c1", "local")
	require.NoError(t, err)
	assert.Equal(t, "c1_user_00000008", msg.ID)
}

func TestTranscriptIsOrdered(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.AppendUserMessage(ctx, "alice", "c1", "hi")
	require.NoError(t, err)
	repo, err := svc.Open(ctx, "alice")
	require.NoError(t, err)
	_, err = repo.PutMessage(ctx, model.AssistantMessage{ID: model.AssistantKey("c1", 2).String(), Content: "hello"}, "")
	require.NoError(t, err)
	_, _, err = svc.AppendUserMessage(ctx, "alice", "c1", "more")
	require.NoError(t, err)

	msgs, err := svc.Transcript(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1_user_00000001", "c1_assistant_00000002", "c1_user_00000003"}, ids(msgs))

	other, err := svc.Transcript(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestEditTruncatesAndAppendsAtFreshIndex(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.AppendUserMessage(ctx, "alice", "c1", "first")
	require.NoError(t, err)
	repo, err := svc.Open(ctx, "alice")
	require.NoError(t, err)
	_, err = repo.PutMessage(ctx, model.AssistantMessage{ID: model.AssistantKey("c1", 2).String(), Content: "answer"}, "")
	require.NoError(t, err)
	_, _, err = svc.AppendUserMessage(ctx, "alice", "c1", "second")
	require.NoError(t, err)

	c, history, err := svc.EditMessage(ctx, "alice", "c1", 1, "first, edited")
	require.NoError(t, err)
	require.Len(t, history, 1)
	edited, ok := history[0].(model.UserMessage)
	require.True(t, ok)
	assert.Equal(t, "first, edited", edited.Content)
	assert.Equal(t, "c1_user_00000005", edited.ID)
	assert.Equal(t, 6, c.Sequence)

	_, _, err = svc.EditMessage(ctx, "alice", "c1", 2, "nope")
	assert.ErrorIs(t, err, chat.ErrMessageNotFound)
}

func TestPrepareRetryDeletesTurnAndEverythingAfter(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.AppendUserMessage(ctx, "alice", "c1", "hi")
	require.NoError(t, err)
	repo, err := svc.Open(ctx, "alice")
	require.NoError(t, err)
	_, err = repo.PutMessage(ctx, model.AssistantMessage{ID: model.AssistantKey("c1", 2).String(), Content: "hello"}, "")
	require.NoError(t, err)
	_, err = repo.PutMessage(ctx, model.AssistantMessageChunk{ID: model.ChunkKey("c1", 2, 0).String(), Fragment: response.Text("stale")}, "")
	require.NoError(t, err)
	_, _, err = svc.AppendUserMessage(ctx, "alice", "c1", "follow up")
	require.NoError(t, err)
	_, err = repo.PutMessage(ctx, model.AssistantMessageError{ID: model.ErrorKey("c1", 4).String(), Message: "boom", CreatedAt: time.Now()}, "")
	require.NoError(t, err)

	plan, err := svc.PrepareRetry(ctx, "alice", "c1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Turn)
	assert.Equal(t, []string{"c1_user_00000001"}, ids(plan.History))
	assert.Equal(t, 4, plan.Chat.Sequence)

	remaining, err := repo.ListMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	_, err = repo.GetMessage(ctx, model.AssistantKey("c1", 2).String())
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	_, err = svc.PrepareRetry(ctx, "alice", "c1", 3)
	assert.ErrorIs(t, err, chat.ErrInvalidTurn)
}

func TestOpenFailsWithoutSession(t *testing.T) {
	db, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	svc := chat.NewService(db, session.NewJWTIssuer("", time.Minute), zerolog.Nop())

	_, err = svc.Transcript(context.Background(), "alice", "c1")
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestSetStatusPatchesOnlyStatus(t *testing.T) {
	_, db := newService(t)
	ctx := context.Background()
	repo := chat.NewRepository(db.Namespace("direct"))

	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	c, err := repo.SaveChat(ctx, model.Chat{ID: "c1", Name: "n", Status: model.StatusActive, Pinned: true, Sequence: 6, CreatedAt: created})
	require.NoError(t, err)

	partial := model.Chat{ID: "c1", Revision: c.Revision}
	updated, err := repo.SetStatus(ctx, partial, model.StatusGenerating)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGenerating, updated.Status)
	assert.Equal(t, 6, updated.Sequence)
	assert.True(t, updated.Pinned)
	assert.Equal(t, "n", updated.Name)

	got, err := repo.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 6, got.Sequence)
	assert.True(t, created.Equal(got.CreatedAt))

	_, err = repo.SetStatus(ctx, partial, model.StatusActive)
	assert.True(t, docstore.IsConflict(err), "stale revision must conflict")

	_, err = repo.SetStatus(ctx, model.Chat{ID: "missing"}, model.StatusActive)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}
