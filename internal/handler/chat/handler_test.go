package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/turnflow/internal/docstore/badgerstore"
	"github.com/zhouzirui/turnflow/internal/middleware"
	chatService "github.com/zhouzirui/turnflow/internal/service/chat"
	"github.com/zhouzirui/turnflow/internal/session"
)

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	db, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	resolver := session.ResolverFunc(func(_ context.Context, userID string) (session.Session, error) {
		return session.Session{UserID: userID, Token: "t"}, nil
	})
	r := chi.NewRouter()
	r.Use(middleware.RequireUser)
	New(chatService.NewService(db, resolver, zerolog.Nop()), zerolog.Nop()).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(middleware.UserHeader, "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func messageIDs(t *testing.T, out map[string]any) []string {
	t.Helper()
	raw, ok := out["messages"].([]any)
	require.True(t, ok)
	ids := make([]string, 0, len(raw))
	for _, m := range raw {
		ids = append(ids, m.(map[string]any)["id"].(string))
	}
	return ids
}

func TestCreateChatAndAppend(t *testing.T) {
	h := newRouter(t)

	rec, out := do(t, h, http.MethodPost, "/chats", `{"id":"c1","name":"Plans"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "c1", out["id"])
	assert.Equal(t, "active", out["status"])

	rec, out = do(t, h, http.MethodPost, "/chats/c1/messages", `{"content":"hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	msg := out["message"].(map[string]any)
	assert.Equal(t, "c1_user_00000001", msg["id"])
	assert.Equal(t, "user", msg["type"])
	assert.EqualValues(t, 2, out["chat"].(map[string]any)["sequence"])

	rec, out = do(t, h, http.MethodGet, "/chats/c1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"c1_user_00000001"}, messageIDs(t, out))
}

func TestEditMessageReplacesTail(t *testing.T) {
	h := newRouter(t)
	do(t, h, http.MethodPost, "/chats/c1/messages", `{"content":"first"}`)
	do(t, h, http.MethodPost, "/chats/c1/messages", `{"content":"second"}`)

	rec, out := do(t, h, http.MethodPut, "/chats/c1/messages/1", `{"content":"first, again"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"c1_user_00000005"}, messageIDs(t, out))

	rec, _ = do(t, h, http.MethodPut, "/chats/c1/messages/2", `{"content":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodPut, "/chats/c1/messages/abc", `{"content":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestErrors(t *testing.T) {
	h := newRouter(t)

	rec, out := do(t, h, http.MethodPost, "/chats/c1/messages", `{"content":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, out["error"], "Content")

	rec, _ = do(t, h, http.MethodPost, "/chats", `{"id":"bad_id"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/chats/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/chats/c1", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusOf(chatService.ErrMessageNotFound))
	assert.Equal(t, http.StatusBadRequest, StatusOf(chatService.ErrInvalidTurn))
	assert.Equal(t, http.StatusUnauthorized, StatusOf(session.ErrNoSession))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(context.Canceled))
}
