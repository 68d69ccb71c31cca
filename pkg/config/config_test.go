package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.DatabaseURL, "postgres://")
	assert.NotEmpty(t, cfg.SQLitePath)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9191")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://test@db:5432/test")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg := Load()

	assert.Equal(t, "9191", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://test@db:5432/test", cfg.DatabaseURL)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestLoad_ParsesEngineEndpoints(t *testing.T) {
	t.Setenv("ENGINE_ENDPOINTS", "chatgpt=https://api.example.com/chatgpt; perplexity=https://api.example.com/pplx")

	cfg := Load()

	assert.Equal(t, map[string]string{
		"chatgpt":    "https://api.example.com/chatgpt",
		"perplexity": "https://api.example.com/pplx",
	}, cfg.EngineEndpoints)
}

func TestLoad_MalformedEndpointPairsSkipped(t *testing.T) {
	t.Setenv("ENGINE_ENDPOINTS", "garbage;=nourl;chatgpt=https://api.example.com")

	cfg := Load()

	assert.Equal(t, map[string]string{"chatgpt": "https://api.example.com"}, cfg.EngineEndpoints)
}

func TestEngineAPIKey(t *testing.T) {
	t.Setenv("ENGINE_API_KEY_CHATGPT", "sk-test")

	assert.Equal(t, "sk-test", EngineAPIKey("chatgpt"))
	assert.Empty(t, EngineAPIKey("gemini"))
}
