package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphapilot/internal/config"
)

func completionResponse(content string) string {
	raw, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(raw)
}

func TestCallWithMessagesSuccess(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionResponse(`{"decisions":[]}`)))
	}))
	defer srv.Close()

	client := &OpenAIChatClient{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-4o"}
	out, err := client.CallWithMessages(context.Background(), ChatPayload{
		System:    "you are a strategist",
		User:      "decide",
		MaxTokens: 2048,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"decisions":[]}`, out)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "gpt-4o", gotBody["model"])
	assert.EqualValues(t, 2048, gotBody["max_tokens"])
	messages := gotBody["messages"].([]any)
	require.Len(t, messages, 2)
}

func TestEndpointNormalization(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "https://api.openai.com/v1/chat/completions"},
		{"https://api.x.ai/v1", "https://api.x.ai/v1/chat/completions"},
		{"https://api.x.ai/v1/", "https://api.x.ai/v1/chat/completions"},
		{"https://api.x.ai/v1/chat/completions", "https://api.x.ai/v1/chat/completions"},
	}
	for _, tc := range cases {
		c := &OpenAIChatClient{BaseURL: tc.in}
		assert.Equal(t, tc.want, c.endpoint(), "base %q", tc.in)
	}
}

func TestRetryableStatusBecomesTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	client := &OpenAIChatClient{BaseURL: srv.URL, Model: "gpt-4o"}
	_, err := client.CallWithMessages(context.Background(), ChatPayload{User: "x"})
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, http.StatusTooManyRequests, transient.Status)
	assert.Equal(t, 7*time.Second, transient.RetryAfter)
	assert.Contains(t, transient.Error(), "rate limited")
}

func TestClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	client := &OpenAIChatClient{BaseURL: srv.URL, Model: "gpt-4o"}
	_, err := client.CallWithMessages(context.Background(), ChatPayload{User: "x"})
	require.Error(t, err)
	var transient *TransientError
	assert.False(t, errors.As(err, &transient), "auth failures must not be retried")
}

func TestTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(completionResponse("late")))
	}))
	defer srv.Close()

	client := &OpenAIChatClient{BaseURL: srv.URL, Model: "gpt-4o", Timeout: 30 * time.Millisecond}
	_, err := client.CallWithMessages(context.Background(), ChatPayload{User: "x"})
	var transient *TransientError
	assert.ErrorAs(t, err, &transient)
}

func TestBuildProvidersFromConfig(t *testing.T) {
	models := []config.AIModelConfig{
		{ID: "primary", Model: "gpt-4o", Enabled: true},
		{Model: "deepseek-chat", Enabled: true},
		{ID: "off", Model: "o3", Enabled: false},
	}
	providers := BuildProvidersFromConfig(models, 10*time.Second)
	require.Len(t, providers, 2)
	assert.Equal(t, "primary", providers[0].ID())
	assert.Equal(t, "openai:deepseek-chat", providers[1].ID())
	assert.True(t, providers[0].Enabled())
}
