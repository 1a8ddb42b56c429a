package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
)

func newCompletionServer(t *testing.T, reply string, got *openai.ChatCompletionRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got != nil {
			_ = json.NewDecoder(r.Body).Decode(got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:     "chatcmpl-1",
			Object: "chat.completion",
			Model:  "tinyllama",
			Choices: []openai.ChatCompletionChoice{{
				Index:        0,
				Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply},
				FinishReason: openai.FinishReasonStop,
			}},
			Usage: openai.Usage{PromptTokens: 50, CompletionTokens: 20, TotalTokens: 70},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func ollamaConfig(baseURL string) config.AIConfig {
	return config.AIConfig{
		Enabled:     true,
		Provider:    config.AIProviderOllama,
		BaseURL:     baseURL + "/v1",
		Model:       "tinyllama",
		MaxTokens:   256,
		Temperature: 0.7,
		Timeout:     5 * time.Second,
	}
}

func TestOpenAIBackendComplete(t *testing.T) {
	var req openai.ChatCompletionRequest
	srv := newCompletionServer(t, `{"summary":"s","mitigation":"m"}`, &req)

	backend, err := NewOpenAIBackend(ollamaConfig(srv.URL), logger.NewNop())
	require.NoError(t, err)

	out, err := backend.Complete(context.Background(), "sys", "usr")
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"s","mitigation":"m"}`, out)

	assert.Equal(t, "tinyllama", req.Model)
	assert.Equal(t, 256, req.MaxTokens)
	assert.InDelta(t, 0.7, req.Temperature, 0.001)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, "usr", req.Messages[1].Content)
}

func TestOpenAIBackendSendsZeroTemperature(t *testing.T) {
	var raw map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "{}"}}},
		})
	}))
	defer srv.Close()

	cfg := ollamaConfig(srv.URL)
	cfg.Temperature = 0
	backend, err := NewOpenAIBackend(cfg, logger.NewNop())
	require.NoError(t, err)

	_, err = backend.Complete(context.Background(), "sys", "usr")
	require.NoError(t, err)
	require.Contains(t, raw, "temperature")
	assert.InDelta(t, 0, raw["temperature"], 0.0001)
}

func TestOpenAIBackendRateLimit(t *testing.T) {
	srv := newCompletionServer(t, "{}", nil)

	cfg := ollamaConfig(srv.URL)
	cfg.RequestsPerSecond = 0.01
	backend, err := NewOpenAIBackend(cfg, logger.NewNop())
	require.NoError(t, err)

	_, err = backend.Complete(context.Background(), "sys", "usr")
	require.NoError(t, err)

	// The next token is 100s away.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = backend.Complete(ctx, "sys", "usr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestEnricherAgainstServer(t *testing.T) {
	srv := newCompletionServer(t, "<|assistant|>\n{\"summary\":\"XSS in search.\",\"mitigation\":\"Encode output.\"}", nil)

	e := New(ollamaConfig(srv.URL), logger.NewNop())
	require.True(t, e.Available())

	summary, mitigation := e.Analyze(context.Background(), "Reflected XSS", "https://a.example.com/?q=1")
	assert.Equal(t, "XSS in search.", summary)
	assert.Equal(t, "Encode output.", mitigation)
}

func TestEnricherServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"model not loaded"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := New(ollamaConfig(srv.URL), logger.NewNop())
	summary, mitigation := e.Analyze(context.Background(), "n", "u")
	assert.Equal(t, MsgAnalysisFailed, summary)
	assert.Equal(t, MsgMitigationFailed, mitigation)
}

func TestNewOpenAIBackendProviders(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.AIConfig
		wantErr bool
	}{
		{"disabled", config.AIConfig{}, true},
		{"openai without key", config.AIConfig{Enabled: true, Provider: "openai"}, true},
		{"openai with key", config.AIConfig{Enabled: true, Provider: "openai", APIKey: "sk-test"}, false},
		{"azure without endpoint", config.AIConfig{Enabled: true, Provider: "azure", APIKey: "k"}, true},
		{"azure", config.AIConfig{Enabled: true, Provider: "azure", APIKey: "k", BaseURL: "https://x.openai.azure.com/", AzureDeployment: "gpt-4"}, false},
		{"ollama without key", config.AIConfig{Enabled: true, Provider: "ollama", BaseURL: "http://localhost:11434/v1"}, false},
		{"unknown", config.AIConfig{Enabled: true, Provider: "bard"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOpenAIBackend(tt.cfg, logger.NewNop())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
