package app

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultTranscriptionModel = "gpt-4o-mini-transcribe"

type Config struct {
	Host     string
	Port     int
	LogLevel string

	// Logging
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	// OpenAI
	OpenAIAPIKey       string
	Stage1Model        string
	Stage2Model        string
	Stage1MaxTokens    int
	Stage2MaxTokens    int
	Stage1Temperature  float64
	Stage2Temperature  float64
	TranscriptionModel string
	RealtimeURL        string

	// Default VAD for the transcription bridge
	SilenceDurationMs int
	PrefixPaddingMs   int
	MinCommitBytes    int

	// Matcher threshold override (YAML), read by the copilot
	MatcherThresholdsFile string

	// Storage
	DatabaseURL string
	ProfileKey  string
	ProfileFile string

	// Event streaming
	KafkaEnabled         bool
	KafkaBrokers         []string
	KafkaTopicBridge     string
	KafkaTopicGeneration string
	KafkaPrincipal       string

	// Alerts and error reporting
	DiscordWebhookURL string
	AlertCooldown     time.Duration
	SentryDSN         string
	Environment       string

	// JWT Authentication
	JWTSecret string
	JWTExpiry time.Duration

	// Graceful shutdown
	DrainTimeout time.Duration
}

// LoadConfigFromEnv reads the environment, after loading .env from the
// working directory if one exists. Variables already set win over .env.
func LoadConfigFromEnv() Config {
	_ = godotenv.Load()

	return Config{
		Host:     getenv("HOST", "127.0.0.1"),
		Port:     getenvIntClamped("PORT", 39871, 1, 65535),
		LogLevel: getenv("LOG_LEVEL", "info"),

		LogFormat:     getenv("LOG_FORMAT", "json"),
		LogFile:       getenv("LOG_FILE", ""),
		LogMaxSizeMB:  getenvIntClamped("LOG_MAX_SIZE_MB", 10, 1, 1024),
		LogMaxBackups: getenvIntClamped("LOG_MAX_BACKUPS", 3, 0, 100),

		OpenAIAPIKey:       strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		Stage1Model:        getenv("OPENAI_STAGE1_MODEL", "gpt-4.1-mini"),
		Stage2Model:        getenv("OPENAI_STAGE2_MODEL", "gpt-4.1-nano"),
		Stage1MaxTokens:    getenvIntClamped("OPENAI_STAGE1_MAX_TOKENS", 180, 16, 4096),
		Stage2MaxTokens:    getenvIntClamped("OPENAI_STAGE2_MAX_TOKENS", 700, 16, 4096),
		Stage1Temperature:  getenvFloatClamped("OPENAI_STAGE1_TEMPERATURE", 0.2, 0, 2),
		Stage2Temperature:  getenvFloatClamped("OPENAI_STAGE2_TEMPERATURE", 0.35, 0, 2),
		TranscriptionModel: transcriptionModel(os.Getenv("OPENAI_TRANSCRIPTION_MODEL"), os.Getenv("OPENAI_REALTIME_MODEL")),
		RealtimeURL:        getenv("OPENAI_REALTIME_URL", ""),

		SilenceDurationMs: getenvIntClamped("TRANSCRIBE_SILENCE_MS", 300, 100, 5000),
		PrefixPaddingMs:   getenvIntClamped("TRANSCRIBE_PREFIX_PADDING_MS", 200, 0, 2000),
		MinCommitBytes:    getenvIntClamped("TRANSCRIBE_MIN_COMMIT_BYTES", 4800, 0, 1<<20),

		MatcherThresholdsFile: getenv("MATCHER_THRESHOLDS_FILE", ""),

		DatabaseURL: getenv("DATABASE_URL", ""),
		ProfileKey:  os.Getenv("PROFILE_KEY"),
		ProfileFile: getenv("PROFILE_FILE", "data/profiles.enc"),

		KafkaEnabled:         getenv("KAFKA_ENABLED", "false") == "true",
		KafkaBrokers:         parseList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopicBridge:     getenv("KAFKA_TOPIC_BRIDGE", "mendan.bridge"),
		KafkaTopicGeneration: getenv("KAFKA_TOPIC_GENERATION", "mendan.generation"),
		KafkaPrincipal:       getenv("KAFKA_PRINCIPAL", "mendan-proxy"),

		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", ""),
		AlertCooldown:     getenvDuration("ALERT_COOLDOWN", 5*time.Minute),
		SentryDSN:         getenv("SENTRY_DSN", ""),
		Environment:       getenv("ENVIRONMENT", "development"),

		JWTSecret: os.Getenv("JWT_SECRET"), // empty disables auth on the proxy
		JWTExpiry: getenvDuration("JWT_EXPIRY", 12*time.Hour),

		DrainTimeout: getenvDuration("DRAIN_TIMEOUT", 30*time.Second),
	}
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Secrets returns the values that must be redacted from logs.
func (c Config) Secrets() []string {
	var out []string
	for _, s := range []string{c.OpenAIAPIKey, c.JWTSecret, c.ProfileKey} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// transcriptionModel prefers the explicit transcription model, then a
// realtime model setting that names a transcription model.
func transcriptionModel(explicit, realtime string) string {
	if explicit != "" {
		return explicit
	}
	if realtime != "" && !strings.Contains(realtime, "realtime") {
		return realtime
	}
	return defaultTranscriptionModel
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	v, err := strconv.Atoi(os.Getenv(k))
	if err != nil {
		return def
	}
	return v
}

func getenvIntClamped(k string, def, min, max int) int {
	v := getenvInt(k, def)
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(k), 64)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvDuration(k string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(k))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
