package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type body struct {
	Content string `json:"content" validate:"required"`
}

func TestDecodeJSONValidates(t *testing.T) {
	var b body
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"content":"hi"}`))
	require.NoError(t, DecodeJSON(req, &b, false))
	assert.Equal(t, "hi", b.Content)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	err := DecodeJSON(req, &body{}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "body.Content failed required")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	assert.ErrorContains(t, DecodeJSON(req, &body{}, false), "invalid request body")
}

func TestDecodeJSONAllowsEmptyBody(t *testing.T) {
	type opt struct {
		Model string `json:"model"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	assert.NoError(t, DecodeJSON(req, &opt{}, true))
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	assert.Error(t, DecodeJSON(req, &opt{}, false))
}

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusNotFound, "chat not found")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"chat not found"}`, rec.Body.String())
}
