package main

import (
	"flag"
	"fmt"
	"os"

	"VoiceChat/internal/chatbot"
	"VoiceChat/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	loadedBackend := cfg.Backend
	var apiKey string

	flag.StringVar(&cfg.Backend, "backend", cfg.Backend, "Generation backend (huggingface|openai|grok|ollama|anthropic)")
	flag.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "Override the backend URL")
	flag.StringVar(&cfg.Model, "model", cfg.Model, "Model name (backend default when empty)")
	flag.StringVar(&apiKey, "api-key", "", "API key (defaults to the backend's environment variable)")
	flag.DurationVar(&cfg.Retry.BaseDelay, "retry-delay", cfg.Retry.BaseDelay, "Delay before the first retry, doubled after each")
	flag.IntVar(&cfg.Retry.MaxRetries, "retries", cfg.Retry.MaxRetries, "Retries after the first failed attempt")
	flag.StringVar(&cfg.CaptureURL, "capture-url", cfg.CaptureURL, "WebSocket URL of a speech recognition bridge")
	flag.StringVar(&cfg.SpeechCommand, "speech-command", cfg.SpeechCommand, "Text-to-speech command (auto-detected when empty)")
	flag.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "SQLite file for the conversation journal")
	flag.StringVar(&cfg.EventBus, "event-bus", cfg.EventBus, "Event bus (memory|redis)")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the redis event bus")
	flag.StringVar(&cfg.ListenAddr, "serve", cfg.ListenAddr, "Serve the HTTP/WebSocket API on this address, e.g. :8080")
	flag.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for logs, traces and metrics")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")

	flag.Parse()

	switch {
	case apiKey != "":
		cfg.APIKey = apiKey
	case cfg.Backend != loadedBackend:
		cfg.APIKey = config.APIKeyFor(cfg.Backend)
	}

	bot, err := chatbot.NewChatBot(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize chatbot: %v\n", err)
		os.Exit(1)
	}

	if err := bot.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
