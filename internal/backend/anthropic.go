package backend

import (
	"context"
	"encoding/json"
	"net/http"

	"VoiceChat/internal/config"
)

const (
	anthropicURL          = "https://api.anthropic.com/v1/messages"
	anthropicDefaultModel = "claude-sonnet-4-20250514"
)

// AnthropicRequest represents the request body for Anthropic API
type AnthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	TopK        int                `json:"top_k"`
	TopP        float64            `json:"top_p"`
	Messages    []AnthropicMessage `json:"messages"`
}

// AnthropicMessage represents a message in the conversation
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicContent is one content block of a reply
type AnthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// AnthropicResponse represents the response from Anthropic API
type AnthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []AnthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      AnthropicUsage     `json:"usage"`
}

// AnthropicUsage is the token count of one exchange
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Anthropic calls the Messages API.
type Anthropic struct {
	url    string
	apiKey string
	model  string
	params config.GenerationParams
	client *http.Client
}

func NewAnthropic(cfg config.Config, client *http.Client) *Anthropic {
	a := &Anthropic{url: cfg.Endpoint, apiKey: cfg.APIKey, model: cfg.Model, params: cfg.Params, client: client}
	if a.url == "" {
		a.url = anthropicURL
	}
	if a.model == "" {
		a.model = anthropicDefaultModel
	}
	return a
}

func (a *Anthropic) Name() string { return config.BackendAnthropic }

func (a *Anthropic) Generate(ctx context.Context, question string) (string, error) {
	text, _, err := a.GenerateWithUsage(ctx, question)
	return text, err
}

func (a *Anthropic) GenerateWithUsage(ctx context.Context, question string) (string, Usage, error) {
	body, err := postJSON(ctx, a.client, a.url,
		map[string]string{
			"x-api-key":         a.apiKey,
			"anthropic-version": "2023-06-01",
		},
		AnthropicRequest{
			Model:       a.model,
			MaxTokens:   a.params.MaxLength,
			Temperature: a.params.Temperature,
			TopK:        a.params.TopK,
			TopP:        a.params.TopP,
			Messages:    []AnthropicMessage{{Role: "user", Content: question}},
		},
	)
	if err != nil {
		return "", Usage{}, err
	}

	var apiResp AnthropicResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", Usage{}, malformed("failed to unmarshal response: %v", err)
	}
	for _, content := range apiResp.Content {
		if content.Type == "text" && content.Text != "" {
			return content.Text, Usage{
				InputTokens:  apiResp.Usage.InputTokens,
				OutputTokens: apiResp.Usage.OutputTokens,
			}, nil
		}
	}
	return "", Usage{}, malformed("empty response from Anthropic")
}
