package config

import "os"

// Config holds server configuration.
type Config struct {
	ListenAddr string
	LogLevel   string

	// PolicyPath points at the YAML policy document with role membership
	// and staging guards.
	PolicyPath string

	// JournalPath is the SQLite journal file. Empty means in-memory only.
	JournalPath string

	// DatabaseURL is the Postgres registry DSN. Empty means the in-memory
	// registry, for development.
	DatabaseURL string

	// RedisAddr enables the shared rate limiter. Empty means per-process.
	RedisAddr string

	// JWTSecret signs and validates API tokens. Required to serve.
	JWTSecret string

	// ServiceAccount is the identity the brake presents to the registry.
	// Required to serve.
	ServiceAccount string

	// JournalSecret derives the checkpoint signing key. Empty disables
	// checkpoint signing in exports.
	JournalSecret string

	OTLPEndpoint string
	OTelEnabled  bool

	// S3 archive settings for the export command.
	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	listenAddr := os.Getenv("LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	policyPath := os.Getenv("POLICY_PATH")
	if policyPath == "" {
		policyPath = "policy.yaml"
	}

	otlpEndpoint := os.Getenv("OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}

	archiveRegion := os.Getenv("ARCHIVE_REGION")
	if archiveRegion == "" {
		archiveRegion = "us-east-1"
	}

	return &Config{
		ListenAddr:      listenAddr,
		LogLevel:        logLevel,
		PolicyPath:      policyPath,
		JournalPath:     os.Getenv("JOURNAL_PATH"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		ServiceAccount:  os.Getenv("SERVICE_ACCOUNT"),
		JournalSecret:   os.Getenv("JOURNAL_SECRET"),
		OTLPEndpoint:    otlpEndpoint,
		OTelEnabled:     os.Getenv("OTEL_ENABLED") == "true",
		ArchiveBucket:   os.Getenv("ARCHIVE_BUCKET"),
		ArchiveRegion:   archiveRegion,
		ArchiveEndpoint: os.Getenv("ARCHIVE_ENDPOINT"),
	}
}
