package matcher

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Thresholds holds the tuned constants used by the matcher. They were picked
// empirically and are kept overridable so deployments can retune them without
// a rebuild.
type Thresholds struct {
	Delta       float64 `yaml:"delta"`
	Completed   float64 `yaml:"completed"`
	EarlyCommit float64 `yaml:"early_commit"`

	MinDeltaRunes       int `yaml:"min_delta_runes"`
	MinEarlyCommitRunes int `yaml:"min_early_commit_runes"`

	// Distance bands (in runes from the end of the text) for marker decay.
	NearBand int `yaml:"near_band"`
	FarBand  int `yaml:"far_band"`

	NounWaMaxRunes  int `yaml:"noun_wa_max_runes"`
	ExcludeMaxRunes int `yaml:"exclude_max_runes"`

	DuplicateSimilarity float64 `yaml:"duplicate_similarity"`
	RecentCapacity      int     `yaml:"recent_capacity"`
}

// DefaultThresholds returns the stock tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Delta:               3.0,
		Completed:           3.0,
		EarlyCommit:         5.0,
		MinDeltaRunes:       4,
		MinEarlyCommitRunes: 8,
		NearBand:            8,
		FarBand:             20,
		NounWaMaxRunes:      28,
		ExcludeMaxRunes:     24,
		DuplicateSimilarity: 0.82,
		RecentCapacity:      8,
	}
}

// Validate rejects settings the scorer cannot work with.
func (t Thresholds) Validate() error {
	if t.Delta < 0 || t.Completed < 0 || t.EarlyCommit < 0 {
		return fmt.Errorf("matcher: score thresholds must be >= 0")
	}
	if t.NearBand < 0 || t.FarBand < t.NearBand {
		return fmt.Errorf("matcher: far_band (%d) must be >= near_band (%d) >= 0", t.FarBand, t.NearBand)
	}
	if t.DuplicateSimilarity <= 0 || t.DuplicateSimilarity > 1 {
		return fmt.Errorf("matcher: duplicate_similarity must be in (0,1], got %v", t.DuplicateSimilarity)
	}
	if t.RecentCapacity < 1 {
		return fmt.Errorf("matcher: recent_capacity must be >= 1, got %d", t.RecentCapacity)
	}
	return nil
}

// LoadThresholds overlays the YAML file at path on top of the defaults.
// An empty path returns the defaults.
func LoadThresholds(path string) (Thresholds, error) {
	t := DefaultThresholds()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("matcher: read thresholds: %w", err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("matcher: parse thresholds: %w", err)
	}
	return t, t.Validate()
}
