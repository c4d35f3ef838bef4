package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIChatModelStreamsDeltas(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"Hel", "lo", " there"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	m, err := NewOpenAIChatModel("sk-test", srv.URL+"/v1", "gpt-test")
	require.NoError(t, err)

	sr, err := m.Stream(context.Background(), []*schema.Message{
		schema.SystemMessage("be brief"),
		schema.UserMessage("hi"),
	}, model.WithTemperature(0.3))
	require.NoError(t, err)

	text, err := drain(t, sr)
	require.NoError(t, err)
	assert.Equal(t, "Hello there", text)

	assert.Equal(t, "gpt-test", got["model"])
	assert.Equal(t, true, got["stream"])
	assert.InDelta(t, 0.3, got["temperature"], 1e-6)
	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestNewOpenAIChatModelRequiresKeyAndModel(t *testing.T) {
	_, err := NewOpenAIChatModel("", "", "gpt")
	assert.Error(t, err)
	_, err = NewOpenAIChatModel("k", "", "")
	assert.Error(t, err)
}
