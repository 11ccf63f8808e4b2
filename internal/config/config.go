// Package config loads typed configuration from the environment, per
// spec §9's design note: a typed configuration object with enumerated
// options, not a dynamic dict. Configuration loading itself is external
// to the pipeline's core (spec §1), so this stays on the standard library
// the way the teacher's own config.Load() does.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is immutable after Load() returns.
type Config struct {
	Port        int
	Environment string

	DatabaseURL      string
	DatabaseMaxConns int

	RedisURL string

	QdrantURL       string // empty ⇒ vector store falls back to pgvector
	QdrantAPIKey    string

	Neo4jURI      string // empty ⇒ passage graph / related-passages disabled
	Neo4jUser     string
	Neo4jPassword string

	PubSubProjectID   string // empty ⇒ async jobs run inline, synchronously
	PubSubIndexTopic  string
	PubSubSweepTopic  string

	GCPProject        string
	GCPRegion         string
	VertexAILocation  string
	VertexAIModel     string
	EmbeddingLocation string
	EmbeddingModel    string
	EmbeddingDims     int
	SpladeEndpoint    string // SPLADE sparse-embedding service URL

	GCSBucketName      string
	GCSSignedURLExpiry time.Duration
	DocAIProcessorID   string
	DocAILocation      string

	FirebaseProjectID string
	JWTSigningSecret  string // fallback token verification when Firebase is unset

	FrontendURL string

	// LLM / retrieval contract knobs (spec §4.2, §4.3, §9).
	LLMTimeout           time.Duration
	LLMMaxRetries        int
	EmbeddingTimeout     time.Duration
	EmbeddingMaxRetries  int
	CharsPerTokenEstimate int
	LLMMaxConcurrency    int

	CacheTTLEmbedding time.Duration
	CacheTTLRetrieval time.Duration
	CacheTTLSubscription time.Duration

	RetentionDays     int
	PastDueGraceDays  int

	FailOpenRead  bool
	FailOpenWrite bool

	PaymentsEnabled bool
	WebhookSecret   string

	InternalAuthSecret string

	ShutdownTimeout time.Duration
}

// placeholderSecrets are values that must never survive into production —
// scaffolding or example values a developer might leave in a .env file.
var placeholderSecrets = map[string]bool{
	"changeme": true, "change-me": true, "secret": true, "test": true,
	"placeholder": true, "":true,
}

// Load reads configuration from environment variables. Required variables
// (DATABASE_URL, GOOGLE_CLOUD_PROJECT) cause an error if missing. Outside
// "development", secrets must be both present and non-placeholder.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required")
	}

	gcpProject := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if gcpProject == "" {
		return nil, fmt.Errorf("config.Load: GOOGLE_CLOUD_PROJECT is required")
	}

	cfg := &Config{
		Port:             envInt("PORT", 8080),
		Environment:      envStr("ENVIRONMENT", "development"),
		DatabaseURL:      dbURL,
		DatabaseMaxConns: envInt("DATABASE_MAX_CONNS", 25),

		RedisURL: envStr("REDIS_URL", "redis://localhost:6379/0"),

		QdrantURL:    envStr("QDRANT_URL", ""),
		QdrantAPIKey: envStr("QDRANT_API_KEY", ""),

		Neo4jURI:      envStr("NEO4J_URI", ""),
		Neo4jUser:     envStr("NEO4J_USER", "neo4j"),
		Neo4jPassword: envStr("NEO4J_PASSWORD", ""),

		PubSubProjectID:  envStr("PUBSUB_PROJECT_ID", ""),
		PubSubIndexTopic: envStr("PUBSUB_INDEX_TOPIC", "chat-vector-index"),
		PubSubSweepTopic: envStr("PUBSUB_SWEEP_TOPIC", "retention-sweep"),

		GCPProject:        gcpProject,
		GCPRegion:         envStr("GCP_REGION", "us-east4"),
		VertexAILocation:  envStr("VERTEX_AI_LOCATION", "global"),
		VertexAIModel:     envStr("VERTEX_AI_MODEL", "gemini-2.5-flash"),
		EmbeddingLocation: envStr("VERTEX_AI_EMBEDDING_LOCATION", envStr("GCP_REGION", "us-east4")),
		EmbeddingModel:    envStr("VERTEX_AI_EMBEDDING_MODEL", "text-embedding-004"),
		EmbeddingDims:     envInt("EMBEDDING_DIMENSIONS", 768),
		SpladeEndpoint:    envStr("SPLADE_ENDPOINT", ""),

		GCSBucketName:      envStr("GCS_BUCKET_NAME", ""),
		GCSSignedURLExpiry: envDuration("GCS_SIGNED_URL_EXPIRY", 15*time.Minute),
		DocAIProcessorID:   envStr("DOCUMENT_AI_PROCESSOR_ID", ""),
		DocAILocation:      envStr("DOCUMENT_AI_LOCATION", "us"),

		FirebaseProjectID: envStr("FIREBASE_PROJECT_ID", ""),
		JWTSigningSecret:  envStr("JWT_SIGNING_SECRET", ""),

		FrontendURL: envStr("FRONTEND_URL", "http://localhost:3000"),

		LLMTimeout:            envDuration("LLM_TIMEOUT", 30*time.Second),
		LLMMaxRetries:         envInt("LLM_MAX_RETRIES", 2),
		EmbeddingTimeout:      envDuration("EMBEDDING_TIMEOUT", 5*time.Second),
		EmbeddingMaxRetries:   envInt("EMBEDDING_MAX_RETRIES", 2),
		CharsPerTokenEstimate: envInt("CHARS_PER_TOKEN_ESTIMATE", 4),
		LLMMaxConcurrency:     envInt("LLM_MAX_CONCURRENCY", 16),

		CacheTTLEmbedding:    envDuration("CACHE_TTL_EMBEDDING", 24*time.Hour),
		CacheTTLRetrieval:    envDuration("CACHE_TTL_RETRIEVAL", 5*time.Minute),
		CacheTTLSubscription: envDuration("CACHE_TTL_SUBSCRIPTION", 5*time.Minute),

		RetentionDays:    envInt("RETENTION_DAYS", 90),
		PastDueGraceDays: envInt("PAST_DUE_GRACE_DAYS", 3),

		FailOpenRead:  envBool("FAIL_OPEN_READ", true),
		FailOpenWrite: envBool("FAIL_OPEN_WRITE", false),

		PaymentsEnabled: envBool("PAYMENTS_ENABLED", true),
		WebhookSecret:   envStr("WEBHOOK_SECRET", ""),

		InternalAuthSecret: envStr("INTERNAL_AUTH_SECRET", ""),

		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if cfg.Environment != "development" {
		required := map[string]string{
			"INTERNAL_AUTH_SECRET": cfg.InternalAuthSecret,
			"WEBHOOK_SECRET":       cfg.WebhookSecret,
		}
		for name, val := range required {
			if placeholderSecrets[val] {
				return nil, fmt.Errorf("config.Load: %s is required and must not be a placeholder value in %s environment", name, cfg.Environment)
			}
		}
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
