package costs

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestGenerationCents(t *testing.T) {
	tests := []struct {
		name  string
		usage TokenUsage
		want  float64
	}{
		// (1000/1000)*0.04 + (500/1000)*0.16 = 0.04 + 0.08
		{"stage1", TokenUsage{Stage: "stage1", InputTokens: 1000, OutputTokens: 500}, 0.12},
		// (2000/1000)*0.01 + (1000/1000)*0.04 = 0.02 + 0.04
		{"stage2", TokenUsage{Stage: "stage2", InputTokens: 2000, OutputTokens: 1000}, 0.06},
		{"unknown stage uses stage1 pricing", TokenUsage{Stage: "", InputTokens: 1000}, 0.04},
		{"zero usage", TokenUsage{Stage: "stage2"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GenerationCents(tt.usage); !almostEqual(got, tt.want) {
				t.Errorf("GenerationCents() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTranscriptionCents(t *testing.T) {
	// one minute of 24 kHz 16-bit mono
	oneMinute := int64(24000 * 2 * 60)
	if got := TranscriptionCents(oneMinute); !almostEqual(got, 0.3) {
		t.Errorf("TranscriptionCents(1 min) = %v, want 0.3", got)
	}
	if got := TranscriptionCents(0); got != 0 {
		t.Errorf("TranscriptionCents(0) = %v, want 0", got)
	}
}

func TestGetEnvFloat(t *testing.T) {
	t.Setenv("TEST_COST_FLOAT", "1.25")
	if got := getEnvFloat("TEST_COST_FLOAT", 9); got != 1.25 {
		t.Errorf("getEnvFloat = %v, want 1.25", got)
	}
	t.Setenv("TEST_COST_FLOAT", "abc")
	if got := getEnvFloat("TEST_COST_FLOAT", 9); got != 9 {
		t.Errorf("getEnvFloat(invalid) = %v, want 9", got)
	}
}
