package backend

import (
	"context"
	"encoding/json"
	"net/http"

	"VoiceChat/internal/config"
)

const (
	ollamaURL          = "http://localhost:11434/api/chat"
	ollamaDefaultModel = "llama3:latest"
)

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string              `json:"model"`
	Messages []map[string]string `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  OllamaOptions       `json:"options"`
}

// OllamaOptions carries the sampling parameters Ollama understands
type OllamaOptions struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k"`
	TopP        float64 `json:"top_p"`
}

// OllamaResponse represents the response from Ollama API
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

// Ollama calls a local Ollama server.
type Ollama struct {
	url    string
	model  string
	params config.GenerationParams
	client *http.Client
}

func NewOllama(cfg config.Config, client *http.Client) *Ollama {
	o := &Ollama{url: cfg.Endpoint, model: cfg.Model, params: cfg.Params, client: client}
	if o.url == "" {
		o.url = ollamaURL
	}
	if o.model == "" {
		o.model = ollamaDefaultModel
	}
	return o
}

func (o *Ollama) Name() string { return config.BackendOllama }

func (o *Ollama) Generate(ctx context.Context, question string) (string, error) {
	text, _, err := o.GenerateWithUsage(ctx, question)
	return text, err
}

func (o *Ollama) GenerateWithUsage(ctx context.Context, question string) (string, Usage, error) {
	body, err := postJSON(ctx, o.client, o.url, nil, OllamaRequest{
		Model:    o.model,
		Messages: []map[string]string{{"role": "user", "content": question}},
		Stream:   false,
		Options: OllamaOptions{
			NumPredict:  o.params.MaxLength,
			Temperature: o.params.Temperature,
			TopK:        o.params.TopK,
			TopP:        o.params.TopP,
		},
	})
	if err != nil {
		return "", Usage{}, err
	}

	var apiResp OllamaResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return "", Usage{}, malformed("failed to unmarshal response: %v", err)
	}
	if apiResp.Message.Content == "" {
		return "", Usage{}, malformed("empty response from Ollama")
	}
	return apiResp.Message.Content, Usage{
		InputTokens:  apiResp.PromptEvalCount,
		OutputTokens: apiResp.EvalCount,
	}, nil
}
