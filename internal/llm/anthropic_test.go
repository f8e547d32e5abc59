package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/expense-flow/internal/common"
)

func TestAnthropicClient_Classify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, systemPrompt, body["system"])

		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"normalizedText\":\"Marriott lodging\",\"glCode\":\"6200\",\"department\":\"Travel\",\"confidence\":0.8}"}]}`))
	}))
	defer server.Close()

	client, err := newAnthropicClient(Config{APIKey: "test-key", BaseURL: server.URL})
	require.NoError(t, err)

	got, err := client.Classify(context.Background(), "MARRIOTT DOWNTOWN")
	require.NoError(t, err)
	assert.Equal(t, "Marriott lodging", got.NormalizedText)
	assert.Equal(t, "6200", got.GLCode)
	assert.InDelta(t, 0.8, got.Confidence, 1e-9)
}

func TestAnthropicClient_EmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"content":[]}`))
	}))
	defer server.Close()

	client, err := newAnthropicClient(Config{APIKey: "test-key", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Classify(context.Background(), "anything")
	assert.ErrorIs(t, err, common.ErrProviderFailure)
	assert.False(t, common.IsRetryable(err))
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(Config{Provider: "bogus", APIKey: "k"})
	require.ErrorIs(t, err, common.ErrInvalidConfig)

	c, err := NewClient(Config{Provider: "Anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &anthropicClient{}, c)
}
