package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbets/smallbot/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateClient_SendsFixedSamplingAndBearer(t *testing.T) {
	var seenAuth, seenPath, seenOrg string
	var req map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path
		seenOrg = r.Header.Get("OpenAI-Organization")
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,
			"choices":[{"index":0,"message":{"role":"assistant","content":"hi!"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":5,"completion_tokens":1,"total_tokens":6}}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Providers.OpenAI.APIKey = "sk-test"
	cfg.Providers.OpenAI.APIBase = server.URL
	cfg.Providers.OpenAI.Organization = "org_1"

	client, err := CreateClient(cfg)
	require.NoError(t, err)

	resp, err := client.Chat(context.Background(), []Message{SystemMessage("seed"), UserMessage("hello")})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, AssistantMessage("hi!"), resp.Choices[0].Message)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 6, resp.Usage.TotalTokens)

	assert.Equal(t, "Bearer sk-test", seenAuth)
	assert.Equal(t, "/chat/completions", seenPath)
	assert.Equal(t, "org_1", seenOrg)

	assert.Equal(t, "gpt-4", req["model"])
	assert.Equal(t, 0.9, req["temperature"])
	assert.Equal(t, 1.0, req["top_p"])
	assert.Equal(t, 0.0, req["frequency_penalty"])
	assert.Equal(t, 0.6, req["presence_penalty"])
	msgs, ok := req["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, map[string]interface{}{"role": "system", "content": "seed"}, msgs[0])
}

func TestCreateClient_RequiresKey(t *testing.T) {
	_, err := CreateClient(config.DefaultConfig())
	assert.ErrorContains(t, err, "API key is required")
}

func TestChat_NonSuccessCarriesReasonPhrase(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests"}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, time.Second)
	_, err := client.Chat(context.Background(), []Message{UserMessage("hi")})
	require.Error(t, err)

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
	assert.Equal(t, "Too Many Requests", pe.Reason)
	assert.Equal(t, "Rate limit reached", pe.Detail)
	assert.False(t, pe.Timeout)
}

func TestChat_ZeroChoicesIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"c","choices":[]}`))
	}))
	defer server.Close()

	resp, err := newTestClient(t, server.URL, time.Second).Chat(context.Background(), []Message{UserMessage("hi")})
	require.NoError(t, err)
	assert.Empty(t, resp.Choices)
}

func TestChat_MalformedBodies(t *testing.T) {
	bodies := map[string]string{
		"not-json":        `<html>oops</html>`,
		"missing-choices": `{"id":"c"}`,
		"null-choices":    `{"choices":null}`,
		"wrong-shape":     `{"choices":{"message":"x"}}`,
		"unknown-role":    `{"choices":[{"index":0,"message":{"role":"robot","content":"x"}}]}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer server.Close()

			_, err := newTestClient(t, server.URL, time.Second).Chat(context.Background(), []Message{UserMessage("hi")})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedResponse)
			var pe *ProviderError
			assert.True(t, errors.As(err, &pe))
		})
	}
}

func TestChat_TimeoutIsClassified(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	_, err := newTestClient(t, server.URL, 50*time.Millisecond).Chat(context.Background(), []Message{UserMessage("hi")})
	require.Error(t, err)
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.True(t, pe.Timeout)
}

func TestReasonPhrase(t *testing.T) {
	assert.Equal(t, "Bad Gateway", reasonPhrase(&http.Response{Status: "502 Bad Gateway", StatusCode: 502}))
	assert.Equal(t, "Service Unavailable", reasonPhrase(&http.Response{Status: "", StatusCode: 503}))
	assert.Equal(t, "status 599", reasonPhrase(&http.Response{Status: "599", StatusCode: 599}))
}

func TestExtractAPIError(t *testing.T) {
	assert.Equal(t, "empty response body", extractAPIError(nil))
	assert.Equal(t, "bad key", extractAPIError([]byte(`{"error":{"message":"bad key"}}`)))
	assert.Equal(t, "top", extractAPIError([]byte(`{"message":"top"}`)))
	assert.Equal(t, "plain text", extractAPIError([]byte("plain text")))
}

func newTestClient(t *testing.T, base string, timeout time.Duration) *ChatCompletionsClient {
	t.Helper()
	client, err := NewChatCompletionsClient(ClientOptions{
		APIBase:  base,
		Sampling: DefaultSampling("gpt-4"),
		Auth:     NewBearerAuth(StaticKey("sk", "test")),
		Timeout:  timeout,
	})
	require.NoError(t, err)
	return client
}
