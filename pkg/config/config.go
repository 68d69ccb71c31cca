package config

import (
	"os"
	"strings"
)

// Config holds service configuration.
type Config struct {
	Port         string
	LogLevel     string
	DatabaseURL  string
	SQLitePath   string
	RedisAddr    string
	OTLPEndpoint string
	OTLPEnabled  bool
	ProfilePath  string

	// EngineEndpoints maps engine id to its HTTP endpoint, parsed from
	// ENGINE_ENDPOINTS ("chatgpt=https://...;perplexity=https://...").
	// API keys come from ENGINE_API_KEY_<ID> (id uppercased).
	EngineEndpoints map[string]string

	// Snapshot archive. Exactly one backend is used: S3 when S3Bucket is
	// set, GCS when GCSBucket is set, in-memory otherwise.
	S3Bucket  string
	S3Region  string
	S3Prefix  string
	GCSBucket string
	GCSPrefix string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to local generic postgres
		dbURL = "postgres://forzeo@localhost:5432/forzeo?sslmode=disable"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "forzeo-authority.db"
	}

	otlp := os.Getenv("OTLP_ENDPOINT")
	if otlp == "" {
		otlp = "localhost:4317"
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabaseURL:     dbURL,
		SQLitePath:      sqlitePath,
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		OTLPEndpoint:    otlp,
		OTLPEnabled:     os.Getenv("OTEL_ENABLED") == "true",
		ProfilePath:     os.Getenv("TUNING_PROFILE"),
		EngineEndpoints: parseEngineEndpoints(os.Getenv("ENGINE_ENDPOINTS")),
		S3Bucket:        os.Getenv("ARCHIVE_S3_BUCKET"),
		S3Region:        os.Getenv("ARCHIVE_S3_REGION"),
		S3Prefix:        os.Getenv("ARCHIVE_S3_PREFIX"),
		GCSBucket:       os.Getenv("ARCHIVE_GCS_BUCKET"),
		GCSPrefix:       os.Getenv("ARCHIVE_GCS_PREFIX"),
	}
}

// EngineAPIKey returns the API key configured for an engine, if any.
func EngineAPIKey(engineID string) string {
	return os.Getenv("ENGINE_API_KEY_" + strings.ToUpper(engineID))
}

func parseEngineEndpoints(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	endpoints := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, url, ok := strings.Cut(pair, "=")
		if !ok || id == "" || url == "" {
			continue
		}
		endpoints[strings.TrimSpace(id)] = strings.TrimSpace(url)
	}
	if len(endpoints) == 0 {
		return nil
	}
	return endpoints
}
