package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"VoiceChat/internal/config"
)

var (
	// ErrTransport marks a network or server failure; the request may be retried.
	ErrTransport = errors.New("transport error")
	// ErrResponseMalformed marks a successful response without usable text.
	ErrResponseMalformed = errors.New("response malformed")
)

// Generator produces a reply for one question. Errors wrap ErrTransport or
// ErrResponseMalformed.
type Generator interface {
	Generate(ctx context.Context, question string) (string, error)
	Name() string
}

// Usage is the token accounting a backend reports for one generation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// UsageReporter is implemented by generators whose API reports token usage.
type UsageReporter interface {
	GenerateWithUsage(ctx context.Context, question string) (string, Usage, error)
}

// New builds the generator selected by cfg.Backend.
func New(cfg config.Config, httpClient *http.Client) (Generator, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	switch cfg.Backend {
	case config.BackendHuggingFace:
		return NewHuggingFace(cfg, httpClient), nil
	case config.BackendOpenAI, config.BackendGrok:
		return NewOpenAI(cfg, httpClient), nil
	case config.BackendOllama:
		return NewOllama(cfg, httpClient), nil
	case config.BackendAnthropic:
		return NewAnthropic(cfg, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}

// postJSON sends body as JSON and returns the raw response body of a 200 reply.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) ([]byte, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send request: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: API error: %s - %s", ErrTransport, resp.Status, string(respBody))
	}
	return respBody, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrResponseMalformed, fmt.Sprintf(format, args...))
}
