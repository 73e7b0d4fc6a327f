package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_Generate(t *testing.T) {
	t.Run("posts model, messages, and tools", func(t *testing.T) {
		var got chatCompletionRequest
		var contentType string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			contentType = r.Header.Get("Content-Type")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			writeChatText(w, "done")
		}))
		defer server.Close()

		client := NewHTTPClient(Config{URL: server.URL, Model: "test-model"})
		resp, err := client.Generate(context.Background(), &GenerateInput{
			Messages: []Message{
				{Role: RoleSystem, Content: "be helpful"},
				{Role: RoleUser, Content: "write a file"},
			},
			Tools: []ToolDefinition{{
				Name:        "create_file",
				Description: "Create a file",
				Parameters:  json.RawMessage(`{"type":"object"}`),
			}},
		})
		require.NoError(t, err)

		assert.Equal(t, "application/json", contentType)
		assert.Equal(t, "test-model", got.Model)
		require.Len(t, got.Messages, 2)
		assert.Equal(t, "system", got.Messages[0].Role)
		assert.Equal(t, "be helpful", got.Messages[0].Content)
		assert.Equal(t, "user", got.Messages[1].Role)
		require.Len(t, got.Tools, 1)
		assert.Equal(t, "function", got.Tools[0].Type)
		assert.Equal(t, "create_file", got.Tools[0].Function.Name)
		assert.JSONEq(t, `{"type":"object"}`, string(got.Tools[0].Function.Parameters))
		assert.Equal(t, "done", resp.Content)
	})

	t.Run("replays assistant tool calls and tool results", func(t *testing.T) {
		var got chatCompletionRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			writeChatText(w, "ok")
		}))
		defer server.Close()

		client := NewHTTPClient(Config{URL: server.URL, Model: "test-model"})
		_, err := client.Generate(context.Background(), &GenerateInput{
			Messages: []Message{
				{Role: RoleAssistant, ToolCalls: []ToolCall{{
					ID:        "call_1",
					Name:      "run_bash",
					Arguments: json.RawMessage(`{"commands":"ls"}`),
				}}},
				{Role: RoleTool, Content: `{"status":"ok"}`, ToolCallID: "call_1", ToolName: "run_bash"},
			},
		})
		require.NoError(t, err)

		require.Len(t, got.Messages, 2)
		require.Len(t, got.Messages[0].ToolCalls, 1)
		assert.Equal(t, "call_1", got.Messages[0].ToolCalls[0].ID)
		assert.Equal(t, "function", got.Messages[0].ToolCalls[0].Type)
		assert.Equal(t, "run_bash", got.Messages[0].ToolCalls[0].Function.Name)
		assert.JSONEq(t, `{"commands":"ls"}`, got.Messages[0].ToolCalls[0].Function.Arguments)
		assert.Equal(t, "call_1", got.Messages[1].ToolCallID)
		assert.Equal(t, "run_bash", got.Messages[1].Name)
	})

	t.Run("bearer header sent when key present", func(t *testing.T) {
		var gotAuth string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			writeChatText(w, "ok")
		}))
		defer server.Close()

		client := NewHTTPClient(Config{URL: server.URL, Model: "m", APIKey: "sk-test-123"})
		_, err := client.Generate(context.Background(), &GenerateInput{})
		require.NoError(t, err)
		assert.Equal(t, "Bearer sk-test-123", gotAuth)
	})

	t.Run("no auth header when key empty", func(t *testing.T) {
		var gotAuth string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			writeChatText(w, "ok")
		}))
		defer server.Close()

		client := NewHTTPClient(Config{URL: server.URL, Model: "m"})
		_, err := client.Generate(context.Background(), &GenerateInput{})
		require.NoError(t, err)
		assert.Empty(t, gotAuth)
	})

	t.Run("decodes native tool calls", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":null,` +
				`"tool_calls":[{"id":"call_abc","type":"function","function":` +
				`{"name":"open_file","arguments":"{\"path\":\"main.go\"}"}}]},` +
				`"finish_reason":"tool_calls"}]}`))
		}))
		defer server.Close()

		client := NewHTTPClient(Config{URL: server.URL, Model: "m"})
		resp, err := client.Generate(context.Background(), &GenerateInput{})
		require.NoError(t, err)

		assert.Empty(t, resp.Content)
		require.Len(t, resp.ToolCalls, 1)
		assert.Equal(t, "call_abc", resp.ToolCalls[0].ID)
		assert.Equal(t, "open_file", resp.ToolCalls[0].Name)
		assert.JSONEq(t, `{"path":"main.go"}`, string(resp.ToolCalls[0].Arguments))
	})

	t.Run("decodes usage and reasoning", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant",` +
				`"content":"answer","reasoning_content":"thinking it over"},"finish_reason":"stop"}],` +
				`"usage":{"prompt_tokens":140,"completion_tokens":12,"total_tokens":152}}`))
		}))
		defer server.Close()

		client := NewHTTPClient(Config{URL: server.URL, Model: "m"})
		resp, err := client.Generate(context.Background(), &GenerateInput{})
		require.NoError(t, err)

		assert.Equal(t, "answer", resp.Content)
		assert.Equal(t, "thinking it over", resp.Thinking)
		require.NotNil(t, resp.Usage)
		assert.Equal(t, 140, resp.Usage.PromptTokens)
		assert.Equal(t, 12, resp.Usage.CompletionTokens)
		assert.Equal(t, 152, resp.Usage.TotalTokens)
	})

	t.Run("error envelope surfaces message", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"rate_limit_error"}}`))
		}))
		defer server.Close()

		client := NewHTTPClient(Config{URL: server.URL, Model: "m"})
		_, err := client.Generate(context.Background(), &GenerateInput{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "429")
		assert.Contains(t, err.Error(), "rate limit exceeded")
	})

	t.Run("empty choices is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}))
		defer server.Close()

		client := NewHTTPClient(Config{URL: server.URL, Model: "m"})
		_, err := client.Generate(context.Background(), &GenerateInput{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no choices")
	})

	t.Run("context cancellation aborts the call", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		client := NewHTTPClient(Config{URL: server.URL, Model: "m"})
		_, err := client.Generate(ctx, &GenerateInput{})
		require.Error(t, err)
	})
}

// writeChatText responds with a minimal successful completion carrying text.
func writeChatText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	resp := chatCompletionResponse{
		Choices: []chatChoice{{
			Message:      chatResponseMessage{Role: "assistant", Content: text},
			FinishReason: "stop",
		}},
	}
	_ = json.NewEncoder(w).Encode(resp)
}
