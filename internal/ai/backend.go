package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/ratelimit"
)

var ErrDisabled = errors.New("AI enrichment is disabled")

// Backend turns a system and user prompt into the model's raw text reply.
type Backend interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// OpenAIBackend talks to any endpoint that speaks the OpenAI chat completions
// API: OpenAI itself, Azure OpenAI, or a local Ollama server.
type OpenAIBackend struct {
	client *openai.Client
	cfg    config.AIConfig
	// limiter paces completions per model; nil means unlimited.
	limiter *ratelimit.Limiter
	logger  *logger.Logger
}

func NewOpenAIBackend(cfg config.AIConfig, log *logger.Logger) (*OpenAIBackend, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	var clientCfg openai.ClientConfig
	switch strings.ToLower(cfg.Provider) {
	case config.AIProviderAzure:
		if cfg.BaseURL == "" || cfg.APIKey == "" {
			return nil, fmt.Errorf("azure endpoint and API key required for Azure OpenAI")
		}
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
		if cfg.AzureDeployment != "" {
			deployment := cfg.AzureDeployment
			clientCfg.AzureModelMapperFunc = func(string) string { return deployment }
		}

	case config.AIProviderOllama:
		// Ollama ignores the key but the client insists on sending one.
		key := cfg.APIKey
		if key == "" {
			key = "ollama"
		}
		clientCfg = openai.DefaultConfig(key)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}

	case config.AIProviderOpenAI, "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("API key required for OpenAI")
		}
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}

	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 256
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	log = log.WithComponent("ai")
	log.Infow("AI backend initialized",
		"provider", cfg.Provider,
		"model", cfg.Model,
		"max_tokens", cfg.MaxTokens,
	)

	b := &OpenAIBackend{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: log,
	}
	if cfg.RequestsPerSecond > 0 {
		b.limiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: cfg.RequestsPerSecond})
	}
	return b, nil
}

// requestTemperature keeps an explicit 0 on the wire. go-openai omits a zero
// temperature, which makes the server fall back to its own default.
func requestTemperature(t float32) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}

func (b *OpenAIBackend) Complete(ctx context.Context, system, user string) (string, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx, b.cfg.Model); err != nil {
			return "", fmt.Errorf("AI rate limit wait: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       b.cfg.Model,
		MaxTokens:   b.cfg.MaxTokens,
		Temperature: requestTemperature(b.cfg.Temperature),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("AI completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}

	content := resp.Choices[0].Message.Content
	b.logger.Debugw("AI completion generated",
		"model", b.cfg.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration_ms", time.Since(start).Milliseconds(),
		"response_length", len(content),
	)
	return content, nil
}
