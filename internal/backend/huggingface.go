package backend

import (
	"context"
	"encoding/json"
	"net/http"

	"VoiceChat/internal/config"
)

const (
	huggingFaceBaseURL      = "https://api-inference.huggingface.co/models/"
	huggingFaceDefaultModel = "facebook/blenderbot-400M-distill"
)

// HuggingFaceRequest represents the request body for the inference API
type HuggingFaceRequest struct {
	Inputs     string                  `json:"inputs"`
	Parameters config.GenerationParams `json:"parameters"`
}

// HuggingFaceResult is one element of the inference API's response array
type HuggingFaceResult struct {
	GeneratedText string `json:"generated_text"`
}

// HuggingFace calls a hosted text-generation model.
type HuggingFace struct {
	url    string
	apiKey string
	params config.GenerationParams
	client *http.Client
}

func NewHuggingFace(cfg config.Config, client *http.Client) *HuggingFace {
	model := cfg.Model
	if model == "" {
		model = huggingFaceDefaultModel
	}
	url := cfg.Endpoint
	if url == "" {
		url = huggingFaceBaseURL + model
	}
	return &HuggingFace{url: url, apiKey: cfg.APIKey, params: cfg.Params, client: client}
}

func (h *HuggingFace) Name() string { return config.BackendHuggingFace }

func (h *HuggingFace) Generate(ctx context.Context, question string) (string, error) {
	body, err := postJSON(ctx, h.client, h.url,
		map[string]string{"Authorization": "Bearer " + h.apiKey},
		HuggingFaceRequest{Inputs: question, Parameters: h.params},
	)
	if err != nil {
		return "", err
	}

	var results []HuggingFaceResult
	if err := json.Unmarshal(body, &results); err != nil {
		return "", malformed("expected an array of results: %v", err)
	}
	if len(results) == 0 || results[0].GeneratedText == "" {
		return "", malformed("no generated_text in response")
	}
	return results[0].GeneratedText, nil
}
