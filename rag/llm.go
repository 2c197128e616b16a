package rag

import (
	"context"
	"fmt"
	"os"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/formflow/formflow/core"
)

// defaultModel mirrors the cost/quality tradeoff of the form-filling task:
// every field query is a small completion, so a small model is enough.
const defaultModel = "gpt-4o-mini"

// LLMClient is the text-completion capability the answer service builds on.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// OpenAIConfig configures the OpenAI-backed LLMClient.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAILLM implements LLMClient over the official openai-go SDK using chat
// completions.
type OpenAILLM struct {
	model  string
	opts   []option.RequestOption
	logger core.Logger
}

// NewOpenAILLM creates an OpenAI completion client. An empty API key falls
// back to OPENAI_API_KEY; an empty model falls back to the default.
func NewOpenAILLM(cfg OpenAIConfig, logger core.Logger) (*OpenAILLM, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key missing; set OPENAI_API_KEY or config llm.api_key")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAILLM{model: model, opts: opts, logger: logger}, nil
}

func (o *OpenAILLM) Complete(ctx context.Context, prompt string) (string, error) {
	client := openai.NewClient(o.opts...)

	resp, err := client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		o.logger.Error("OpenAI completion failed", map[string]interface{}{
			"model": o.model,
			"error": err.Error(),
		})
		return "", fmt.Errorf("openai completion: %w: %v", core.ErrServiceUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion: empty choices: %w", core.ErrServiceUnavailable)
	}
	return resp.Choices[0].Message.Content, nil
}
