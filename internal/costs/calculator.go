// Package costs estimates the API spend of generation and transcription.
package costs

import (
	"os"
	"strconv"
	"strings"
)

// Pricing in cents, overridable via environment variables.
var (
	// Stage1 model (gpt-4.1-mini): $0.40/1M input, $1.60/1M output.
	Stage1InputCentsPer1K  = getEnvFloat("COST_STAGE1_INPUT_CENTS_PER_1K", 0.04)
	Stage1OutputCentsPer1K = getEnvFloat("COST_STAGE1_OUTPUT_CENTS_PER_1K", 0.16)

	// Stage2 model (gpt-4.1-nano): $0.10/1M input, $0.40/1M output.
	Stage2InputCentsPer1K  = getEnvFloat("COST_STAGE2_INPUT_CENTS_PER_1K", 0.01)
	Stage2OutputCentsPer1K = getEnvFloat("COST_STAGE2_OUTPUT_CENTS_PER_1K", 0.04)

	// TranscriptionCentsPerMinute is the realtime transcription price.
	// Default: $0.003/min = 0.3 cents/min
	TranscriptionCentsPerMinute = getEnvFloat("COST_TRANSCRIPTION_CENTS_PER_MIN", 0.3)
)

// PCM format used on the bridge: 24 kHz, 16-bit, mono.
const pcmBytesPerSecond = 24000 * 2

// TokenUsage is what one generation call consumed.
type TokenUsage struct {
	Stage        string // "stage1" or "stage2"
	InputTokens  int
	OutputTokens int
}

// GenerationCents returns the estimated cost of one generation call.
func GenerationCents(u TokenUsage) float64 {
	in, out := Stage1InputCentsPer1K, Stage1OutputCentsPer1K
	if strings.EqualFold(u.Stage, "stage2") {
		in, out = Stage2InputCentsPer1K, Stage2OutputCentsPer1K
	}
	return float64(u.InputTokens)/1000.0*in + float64(u.OutputTokens)/1000.0*out
}

// TranscriptionCents returns the estimated cost of streaming audioBytes of
// PCM through the transcription upstream.
func TranscriptionCents(audioBytes int64) float64 {
	minutes := float64(audioBytes) / pcmBytesPerSecond / 60.0
	return minutes * TranscriptionCentsPerMinute
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
