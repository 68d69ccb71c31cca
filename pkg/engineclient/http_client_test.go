package engineclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/forzeo/forzeo-core/pkg/engineclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_DecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"success": true,
			"citation_present": true,
			"raw_mention": {"value": "mentioned", "score": 81}
		}`))
	}))
	defer srv.Close()

	client := engineclient.NewHTTPClient(map[string]engineclient.Endpoint{
		"chatgpt": {URL: srv.URL, APIKey: "secret"},
	})

	res, err := client.Query(context.Background(), "chatgpt", engineclient.Request{
		PromptID: "p-1", Prompt: "best crm", Brand: "acme",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.CitationPresent)
	assert.NotZero(t, res.ResponseTime)
	assert.JSONEq(t, `{"value":"mentioned","score":81}`, string(res.RawMention))
}

func TestHTTPClient_Non200IsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := engineclient.NewHTTPClient(map[string]engineclient.Endpoint{
		"gemini": {URL: srv.URL},
	})

	res, err := client.Query(context.Background(), "gemini", engineclient.Request{PromptID: "p-1"})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
}

func TestHTTPClient_UnknownEngine(t *testing.T) {
	client := engineclient.NewHTTPClient(nil)
	_, err := client.Query(context.Background(), "nope", engineclient.Request{})
	assert.ErrorIs(t, err, engineclient.ErrUnknownEngine)
}
