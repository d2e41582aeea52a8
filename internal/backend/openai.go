package backend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"VoiceChat/internal/config"
)

const (
	grokBaseURL        = "https://api.grok.x.ai/v1"
	openAIDefaultModel = "gpt-3.5-turbo"
	grokDefaultModel   = "grok-1"
)

// OpenAI calls an OpenAI-compatible chat completion API. Grok is served by the
// same client with a different base URL.
type OpenAI struct {
	name   string
	model  string
	params config.GenerationParams
	client *openai.Client
}

func NewOpenAI(cfg config.Config, httpClient *http.Client) *OpenAI {
	ocfg := openai.DefaultConfig(cfg.APIKey)
	ocfg.HTTPClient = httpClient

	model := cfg.Model
	switch {
	case cfg.Backend == config.BackendGrok:
		ocfg.BaseURL = grokBaseURL
		if model == "" {
			model = grokDefaultModel
		}
	case model == "":
		model = openAIDefaultModel
	}
	if cfg.Endpoint != "" {
		ocfg.BaseURL = cfg.Endpoint
	}

	return &OpenAI{
		name:   cfg.Backend,
		model:  model,
		params: cfg.Params,
		client: openai.NewClientWithConfig(ocfg),
	}
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Generate(ctx context.Context, question string) (string, error) {
	text, _, err := o.GenerateWithUsage(ctx, question)
	return text, err
}

func (o *OpenAI) GenerateWithUsage(ctx context.Context, question string) (string, Usage, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		MaxTokens:   o.params.MaxLength,
		Temperature: float32(o.params.Temperature),
		TopP:        float32(o.params.TopP),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: question},
		},
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", Usage{}, malformed("empty response from %s", o.name)
	}
	return resp.Choices[0].Message.Content, Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
