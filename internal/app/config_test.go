package app

import (
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		defValue string
		want     string
	}{
		{"env set", "custom_value", "default", "custom_value"},
		{"env not set", "", "default", "default"},
		{"empty default", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MENDAN_TEST_VAR", tt.envValue)
			if got := getenv("MENDAN_TEST_VAR", tt.defValue); got != tt.want {
				t.Errorf("getenv(%q) = %q, want %q", tt.defValue, got, tt.want)
			}
		})
	}
}

func TestGetenvIntClamped(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      int
		min      int
		max      int
		want     int
	}{
		{"value within range", "500", 300, 100, 5000, 500},
		{"below min clamps", "50", 300, 100, 5000, 100},
		{"above max clamps", "9000", 300, 100, 5000, 5000},
		{"unset uses default", "", 300, 100, 5000, 300},
		{"invalid uses default", "fast", 300, 100, 5000, 300},
		{"boundary: exactly min", "100", 300, 100, 5000, 100},
		{"boundary: exactly max", "5000", 300, 100, 5000, 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MENDAN_TEST_INT", tt.envValue)
			got := getenvIntClamped("MENDAN_TEST_INT", tt.def, tt.min, tt.max)
			if got != tt.want {
				t.Errorf("getenvIntClamped(%d, %d, %d) = %d, want %d", tt.def, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

func TestGetenvFloatClamped(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      float64
		want     float64
	}{
		{"value within range", "0.7", 0.2, 0.7},
		{"below min clamps", "-0.5", 0.2, 0},
		{"above max clamps", "3.5", 0.2, 2},
		{"unset uses default", "", 0.35, 0.35},
		{"invalid uses default", "warm", 0.2, 0.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MENDAN_TEST_FLOAT", tt.envValue)
			if got := getenvFloatClamped("MENDAN_TEST_FLOAT", tt.def, 0, 2); got != tt.want {
				t.Errorf("getenvFloatClamped(%q) = %f, want %f", tt.envValue, got, tt.want)
			}
		})
	}
}

func TestGetenvDuration(t *testing.T) {
	tests := []struct {
		envValue string
		want     time.Duration
	}{
		{"90s", 90 * time.Second},
		{"", time.Minute},
		{"soon", time.Minute},
		{"-5s", time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("MENDAN_TEST_DURATION", tt.envValue)
		if got := getenvDuration("MENDAN_TEST_DURATION", time.Minute); got != tt.want {
			t.Errorf("getenvDuration(%q) = %v, want %v", tt.envValue, got, tt.want)
		}
	}
}

func TestParseList(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"single", "kafka-1:9092", []string{"kafka-1:9092"}},
		{"multiple", "kafka-1:9092,kafka-2:9092", []string{"kafka-1:9092", "kafka-2:9092"}},
		{"extra whitespace", "  kafka-1:9092  ,  kafka-2:9092 ", []string{"kafka-1:9092", "kafka-2:9092"}},
		{"trailing comma", "kafka-1:9092,", []string{"kafka-1:9092"}},
		{"empty string", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseList(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("parseList(%q) returned %d items, want %d", tt.input, len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("parseList(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestTranscriptionModel(t *testing.T) {
	tests := []struct {
		name     string
		explicit string
		realtime string
		want     string
	}{
		{"explicit wins", "whisper-1", "gpt-4o-transcribe", "whisper-1"},
		{"realtime names a transcription model", "", "gpt-4o-transcribe", "gpt-4o-transcribe"},
		{"realtime conversation model is ignored", "", "gpt-4o-realtime-preview", defaultTranscriptionModel},
		{"nothing set", "", "", defaultTranscriptionModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := transcriptionModel(tt.explicit, tt.realtime); got != tt.want {
				t.Errorf("transcriptionModel(%q, %q) = %q, want %q", tt.explicit, tt.realtime, got, tt.want)
			}
		})
	}
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"HOST", "PORT", "LOG_LEVEL", "LOG_FORMAT", "LOG_FILE",
		"OPENAI_API_KEY", "OPENAI_STAGE1_MODEL", "OPENAI_STAGE2_MODEL",
		"OPENAI_TRANSCRIPTION_MODEL", "OPENAI_REALTIME_MODEL",
		"TRANSCRIBE_SILENCE_MS", "TRANSCRIBE_PREFIX_PADDING_MS", "TRANSCRIBE_MIN_COMMIT_BYTES",
		"DATABASE_URL", "PROFILE_KEY", "PROFILE_FILE",
		"KAFKA_ENABLED", "KAFKA_BROKERS", "JWT_SECRET", "JWT_EXPIRY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg := LoadConfigFromEnv()

	if got := cfg.Addr(); got != "127.0.0.1:39871" {
		t.Errorf("Addr() = %q, want %q", got, "127.0.0.1:39871")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Stage1Model != "gpt-4.1-mini" || cfg.Stage2Model != "gpt-4.1-nano" {
		t.Errorf("models = %q/%q, want gpt-4.1-mini/gpt-4.1-nano", cfg.Stage1Model, cfg.Stage2Model)
	}
	if cfg.Stage1MaxTokens != 180 || cfg.Stage2MaxTokens != 700 {
		t.Errorf("max tokens = %d/%d, want 180/700", cfg.Stage1MaxTokens, cfg.Stage2MaxTokens)
	}
	if cfg.TranscriptionModel != defaultTranscriptionModel {
		t.Errorf("TranscriptionModel = %q, want %q", cfg.TranscriptionModel, defaultTranscriptionModel)
	}
	if cfg.SilenceDurationMs != 300 || cfg.PrefixPaddingMs != 200 {
		t.Errorf("VAD = %d/%d, want 300/200", cfg.SilenceDurationMs, cfg.PrefixPaddingMs)
	}
	if cfg.MinCommitBytes != 4800 {
		t.Errorf("MinCommitBytes = %d, want 4800", cfg.MinCommitBytes)
	}
	if cfg.KafkaEnabled {
		t.Error("KafkaEnabled should default to false")
	}
	if cfg.JWTExpiry != 12*time.Hour {
		t.Errorf("JWTExpiry = %v, want 12h", cfg.JWTExpiry)
	}
	if len(cfg.Secrets()) != 0 {
		t.Errorf("Secrets() = %v, want none", cfg.Secrets())
	}
}

func TestLoadConfigFromEnvCustomValues(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("PORT", "8080")
	t.Setenv("OPENAI_API_KEY", " sk-test ")
	t.Setenv("OPENAI_REALTIME_MODEL", "gpt-4o-transcribe")
	t.Setenv("TRANSCRIBE_SILENCE_MS", "20")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("JWT_SECRET", "shh")
	t.Setenv("JWT_EXPIRY", "2h")

	cfg := LoadConfigFromEnv()

	if got := cfg.Addr(); got != "0.0.0.0:8080" {
		t.Errorf("Addr() = %q, want %q", got, "0.0.0.0:8080")
	}
	if cfg.OpenAIAPIKey != "sk-test" {
		t.Errorf("OpenAIAPIKey = %q, want trimmed key", cfg.OpenAIAPIKey)
	}
	if cfg.TranscriptionModel != "gpt-4o-transcribe" {
		t.Errorf("TranscriptionModel = %q, want %q", cfg.TranscriptionModel, "gpt-4o-transcribe")
	}
	if cfg.SilenceDurationMs != 100 {
		t.Errorf("SilenceDurationMs = %d, want clamped 100", cfg.SilenceDurationMs)
	}
	if !cfg.KafkaEnabled || len(cfg.KafkaBrokers) != 2 {
		t.Errorf("kafka = %v %v, want enabled with 2 brokers", cfg.KafkaEnabled, cfg.KafkaBrokers)
	}
	if cfg.JWTExpiry != 2*time.Hour {
		t.Errorf("JWTExpiry = %v, want 2h", cfg.JWTExpiry)
	}
	if got := cfg.Secrets(); len(got) != 2 || got[0] != "sk-test" || got[1] != "shh" {
		t.Errorf("Secrets() = %v, want [sk-test shh]", got)
	}
}
