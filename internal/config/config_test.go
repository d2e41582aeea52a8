package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultGenerationParams(t *testing.T) {
	cfg := Default()
	require.Equal(t, BackendHuggingFace, cfg.Backend)
	require.Equal(t, GenerationParams{MaxLength: 150, Temperature: 0.7, TopK: 50, TopP: 0.95}, cfg.Params)
	require.Equal(t, time.Second, cfg.Retry.BaseDelay)
	require.Equal(t, 3, cfg.Retry.MaxRetries)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("VOICECHAT_BACKEND", BackendOllama)
	t.Setenv("VOICECHAT_RETRY_BASE_DELAY", "250ms")
	t.Setenv("VOICECHAT_RETRY_MAX", "5")
	t.Setenv("VOICECHAT_TEMPERATURE", "0.2")
	t.Setenv("VOICECHAT_DEBUG", "yes")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendOllama, cfg.Backend)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	require.Equal(t, 5, cfg.Retry.MaxRetries)
	require.InDelta(t, 0.2, cfg.Params.Temperature, 1e-9)
	require.True(t, cfg.Debug)
	require.NoError(t, cfg.Validate())
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("VOICECHAT_TOP_K", "many")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 50, cfg.Params.TopK)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"huggingface with key", func(c *Config) { c.APIKey = "k" }, true},
		{"huggingface without key", func(c *Config) { c.APIKey = "" }, false},
		{"ollama without key", func(c *Config) { c.Backend = BackendOllama }, true},
		{"unknown backend", func(c *Config) { c.Backend = "palm" }, false},
		{"zero delay", func(c *Config) { c.APIKey = "k"; c.Retry.BaseDelay = 0 }, false},
		{"negative retries", func(c *Config) { c.APIKey = "k"; c.Retry.MaxRetries = -1 }, false},
		{"redis without addr", func(c *Config) { c.APIKey = "k"; c.EventBus = BusRedis; c.RedisAddr = "" }, false},
		{"unknown bus", func(c *Config) { c.APIKey = "k"; c.EventBus = "kafka" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
