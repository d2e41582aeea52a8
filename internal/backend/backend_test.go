package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"VoiceChat/internal/config"
)

func serve(t *testing.T, status int, body string, inspect func(*http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			inspect(r)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(backend, endpoint string) config.Config {
	cfg := config.Default()
	cfg.Backend = backend
	cfg.Endpoint = endpoint
	cfg.APIKey = "secret"
	return cfg
}

func TestHuggingFaceRequestShape(t *testing.T) {
	var got HuggingFaceRequest
	var auth, method, contentType string
	srv := serve(t, http.StatusOK, `[{"generated_text":"Paris is the capital of France."}]`, func(r *http.Request) {
		method = r.Method
		auth = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&got)
	})

	g := NewHuggingFace(testConfig(config.BackendHuggingFace, srv.URL), srv.Client())
	text, err := g.Generate(context.Background(), "What is the capital of France?")
	require.NoError(t, err)
	require.Equal(t, "Paris is the capital of France.", text)

	require.Equal(t, http.MethodPost, method)
	require.Equal(t, "Bearer secret", auth)
	require.Equal(t, "application/json", contentType)
	require.Equal(t, "What is the capital of France?", got.Inputs)
	require.Equal(t, config.GenerationParams{MaxLength: 150, Temperature: 0.7, TopK: 50, TopP: 0.95}, got.Parameters)
}

func TestHuggingFaceMalformedBodies(t *testing.T) {
	for name, body := range map[string]string{
		"object instead of array": `{"generated_text":"hi"}`,
		"empty array":             `[]`,
		"missing field":           `[{"score":1}]`,
		"empty text":              `[{"generated_text":""}]`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := serve(t, http.StatusOK, body, nil)
			_, err := NewHuggingFace(testConfig(config.BackendHuggingFace, srv.URL), srv.Client()).
				Generate(context.Background(), "q")
			require.ErrorIs(t, err, ErrResponseMalformed)
			require.NotErrorIs(t, err, ErrTransport)
		})
	}
}

func TestServerErrorIsTransport(t *testing.T) {
	srv := serve(t, http.StatusServiceUnavailable, `{"error":"loading"}`, nil)
	_, err := NewHuggingFace(testConfig(config.BackendHuggingFace, srv.URL), srv.Client()).
		Generate(context.Background(), "q")
	require.ErrorIs(t, err, ErrTransport)
}

func TestUnreachableIsTransport(t *testing.T) {
	srv := serve(t, http.StatusOK, `[]`, nil)
	url := srv.URL
	srv.Close()
	_, err := NewOllama(testConfig(config.BackendOllama, url), http.DefaultClient).
		Generate(context.Background(), "q")
	require.ErrorIs(t, err, ErrTransport)
}

func TestOllama(t *testing.T) {
	var got OllamaRequest
	srv := serve(t, http.StatusOK, `{"model":"llama3:latest","message":{"role":"assistant","content":"hi there"},"done":true}`,
		func(r *http.Request) { _ = json.NewDecoder(r.Body).Decode(&got) })

	text, err := NewOllama(testConfig(config.BackendOllama, srv.URL), srv.Client()).
		Generate(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "hi there", text)
	require.Equal(t, ollamaDefaultModel, got.Model)
	require.False(t, got.Stream)
	require.Equal(t, 150, got.Options.NumPredict)
	require.Equal(t, "hello", got.Messages[0]["content"])
}

func TestOllamaReportsUsage(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"message":{"role":"assistant","content":"hi"},"done":true,"prompt_eval_count":26,"eval_count":298}`, nil)
	text, usage, err := NewOllama(testConfig(config.BackendOllama, srv.URL), srv.Client()).
		GenerateWithUsage(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "hi", text)
	require.Equal(t, Usage{InputTokens: 26, OutputTokens: 298}, usage)
}

func TestOllamaEmptyIsMalformed(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"message":{"role":"assistant","content":""},"done":true}`, nil)
	_, err := NewOllama(testConfig(config.BackendOllama, srv.URL), srv.Client()).Generate(context.Background(), "q")
	require.ErrorIs(t, err, ErrResponseMalformed)
}

func TestAnthropic(t *testing.T) {
	var key, version string
	srv := serve(t, http.StatusOK, `{"id":"m1","type":"message","role":"assistant","content":[{"type":"text","text":"Bonjour"}],"stop_reason":"end_turn"}`,
		func(r *http.Request) {
			key = r.Header.Get("x-api-key")
			version = r.Header.Get("anthropic-version")
		})

	text, err := NewAnthropic(testConfig(config.BackendAnthropic, srv.URL), srv.Client()).
		Generate(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "Bonjour", text)
	require.Equal(t, "secret", key)
	require.Equal(t, "2023-06-01", version)
}

func TestAnthropicReportsUsage(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"type":"message","content":[{"type":"text","text":"Bonjour"}],"usage":{"input_tokens":12,"output_tokens":4}}`, nil)
	var g UsageReporter = NewAnthropic(testConfig(config.BackendAnthropic, srv.URL), srv.Client())
	_, usage, err := g.GenerateWithUsage(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, Usage{InputTokens: 12, OutputTokens: 4}, usage)
}

func TestOpenAICompatible(t *testing.T) {
	var auth, path string
	srv := serve(t, http.StatusOK, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-3.5-turbo","choices":[{"index":0,"message":{"role":"assistant","content":"Paris."},"finish_reason":"stop"}]}`,
		func(r *http.Request) {
			auth = r.Header.Get("Authorization")
			path = r.URL.Path
		})

	g := NewOpenAI(testConfig(config.BackendOpenAI, srv.URL+"/v1"), srv.Client())
	text, err := g.Generate(context.Background(), "capital of France?")
	require.NoError(t, err)
	require.Equal(t, "Paris.", text)
	require.Equal(t, "Bearer secret", auth)
	require.Equal(t, "/v1/chat/completions", path)
	require.Equal(t, config.BackendOpenAI, g.Name())
}

func TestOpenAIReportsUsage(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Paris."}}],"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11}}`, nil)
	_, usage, err := NewOpenAI(testConfig(config.BackendOpenAI, srv.URL), srv.Client()).
		GenerateWithUsage(context.Background(), "q")
	require.NoError(t, err)
	require.Equal(t, Usage{InputTokens: 9, OutputTokens: 2}, usage)
}

func TestOpenAINoChoicesIsMalformed(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"id":"c1","object":"chat.completion","choices":[]}`, nil)
	_, err := NewOpenAI(testConfig(config.BackendGrok, srv.URL), srv.Client()).Generate(context.Background(), "q")
	require.ErrorIs(t, err, ErrResponseMalformed)
}

func TestNewSelectsBackend(t *testing.T) {
	for _, name := range []string{
		config.BackendHuggingFace, config.BackendOpenAI, config.BackendGrok,
		config.BackendOllama, config.BackendAnthropic,
	} {
		g, err := New(testConfig(name, ""), nil)
		require.NoError(t, err)
		require.Equal(t, name, g.Name())
	}
	_, err := New(testConfig("palm", ""), nil)
	require.Error(t, err)
}
