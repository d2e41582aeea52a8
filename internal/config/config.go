package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendHuggingFace = "huggingface"
	BackendOpenAI      = "openai"
	BackendGrok        = "grok"
	BackendOllama      = "ollama"
	BackendAnthropic   = "anthropic"
)

const (
	BusMemory = "memory"
	BusRedis  = "redis"
)

const (
	// FallbackEmptyText replaces a reply whose body carried no generated text.
	FallbackEmptyText = "I'm sorry, I couldn't generate a response. Please try again."
	// FallbackErrorText replaces a reply after every retry failed.
	FallbackErrorText = "I'm sorry, there was an error processing your request. Please try again later."
)

// GenerationParams are sent with every generation request.
type GenerationParams struct {
	MaxLength   int     `json:"max_length"`
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k"`
	TopP        float64 `json:"top_p"`
}

// RetryPolicy bounds retries of a failed generation request.
type RetryPolicy struct {
	BaseDelay  time.Duration // delay before the first retry, doubled after each
	MaxRetries int           // retries after the initial attempt
}

// Config holds application configuration
type Config struct {
	Backend  string
	Endpoint string // overrides the backend's default URL when set
	APIKey   string
	Model    string // empty selects the backend's default model
	Params   GenerationParams
	Retry    RetryPolicy

	FallbackEmpty string
	FallbackError string

	CaptureURL    string // websocket URL streaming recognition events; empty disables dialing
	SpeechCommand string // text-to-speech command, e.g. "espeak" or "say"

	JournalPath string // sqlite file for the audit journal; empty disables it

	EventBus    string // memory|redis
	RedisAddr   string
	RedisStream string

	ListenAddr string // enables the HTTP surface when set
	LogDir     string
	Debug      bool
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Backend: BackendHuggingFace,
		Params: GenerationParams{
			MaxLength:   150,
			Temperature: 0.7,
			TopK:        50,
			TopP:        0.95,
		},
		Retry: RetryPolicy{
			BaseDelay:  time.Second,
			MaxRetries: 3,
		},
		FallbackEmpty: FallbackEmptyText,
		FallbackError: FallbackErrorText,
		EventBus:      BusMemory,
		RedisAddr:     "localhost:6379",
		RedisStream:   "voicechat.events",
		LogDir:        "logs",
	}
}

// Load reads configuration from the environment, loading a .env file first
// when one exists in the working directory.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	cfg.Backend = getEnv("VOICECHAT_BACKEND", cfg.Backend)
	cfg.Endpoint = getEnv("VOICECHAT_ENDPOINT", cfg.Endpoint)
	cfg.Model = getEnv("VOICECHAT_MODEL", cfg.Model)
	cfg.APIKey = getEnv("VOICECHAT_API_KEY", APIKeyFor(cfg.Backend))
	cfg.Params.MaxLength = getEnvInt("VOICECHAT_MAX_LENGTH", cfg.Params.MaxLength)
	cfg.Params.Temperature = getEnvFloat("VOICECHAT_TEMPERATURE", cfg.Params.Temperature)
	cfg.Params.TopK = getEnvInt("VOICECHAT_TOP_K", cfg.Params.TopK)
	cfg.Params.TopP = getEnvFloat("VOICECHAT_TOP_P", cfg.Params.TopP)
	cfg.Retry.BaseDelay = getEnvDuration("VOICECHAT_RETRY_BASE_DELAY", cfg.Retry.BaseDelay)
	cfg.Retry.MaxRetries = getEnvInt("VOICECHAT_RETRY_MAX", cfg.Retry.MaxRetries)
	cfg.CaptureURL = getEnv("VOICECHAT_CAPTURE_URL", cfg.CaptureURL)
	cfg.SpeechCommand = getEnv("VOICECHAT_SPEECH_COMMAND", cfg.SpeechCommand)
	cfg.JournalPath = getEnv("VOICECHAT_JOURNAL", cfg.JournalPath)
	cfg.EventBus = getEnv("VOICECHAT_EVENT_BUS", cfg.EventBus)
	cfg.RedisAddr = getEnv("VOICECHAT_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisStream = getEnv("VOICECHAT_REDIS_STREAM", cfg.RedisStream)
	cfg.ListenAddr = getEnv("VOICECHAT_LISTEN", cfg.ListenAddr)
	cfg.LogDir = getEnv("VOICECHAT_LOG_DIR", cfg.LogDir)
	cfg.Debug = getEnvBool("VOICECHAT_DEBUG", cfg.Debug)

	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendHuggingFace, BackendOpenAI, BackendGrok, BackendAnthropic:
		if c.APIKey == "" {
			return fmt.Errorf("backend %s requires an API key", c.Backend)
		}
	case BackendOllama:
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend)
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry base delay must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max must be >= 0")
	}
	switch c.EventBus {
	case BusMemory:
	case BusRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis event bus requires an address")
		}
	default:
		return fmt.Errorf("unknown event bus: %s", c.EventBus)
	}
	return nil
}

// APIKeyFor returns the key from the provider's conventional variable.
func APIKeyFor(backend string) string {
	switch backend {
	case BackendHuggingFace:
		return os.Getenv("HUGGINGFACE_API_KEY")
	case BackendOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case BackendGrok:
		return os.Getenv("GROK_API_KEY")
	case BackendAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
