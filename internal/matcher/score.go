package matcher

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// ScoreResult is the outcome of one scoring pass.
type ScoreResult struct {
	Raw float64

	Strong  []string
	Context []string
	Weak    []string

	Punctuation bool
	StrongTail  bool
	RequestLike bool
	NearStrong  bool

	NounWaBoost    bool
	CasualBoost    bool
	ExcludePenalty bool
}

// Markers returns the sorted, de-duplicated union of all matched markers.
func (r ScoreResult) Markers() []string {
	return sortedUnion(r.Strong, r.Context, r.Weak)
}

const (
	weightStrong  = 3.0
	weightContext = 2.0
	weightWeak    = 1.0

	punctuationBonus = 4.0
	strongTailBonus  = 3.0
	requestBonus     = 2.0
	completedBoost   = 2.0
	excludePenalty   = 5.0
)

// Score rates how question-like text is. completed enables the boosts that
// only make sense for a finished utterance.
func (m *Matcher) Score(text string, completed bool) ScoreResult {
	th := m.th
	stripped := stripFillerPrefix(text)
	lower := strings.ToLower(stripped)

	var r ScoreResult
	r.Raw += m.accumulate(stripped, strongMarkers, weightStrong, &r.Strong, &r.NearStrong)
	r.Raw += m.accumulate(lower, englishMarkers, weightStrong, &r.Strong, &r.NearStrong)
	r.Raw += m.accumulate(stripped, contextMarkers, weightContext, &r.Context, nil)
	r.Raw += m.accumulate(stripped, weakMarkers, weightWeak, &r.Weak, nil)

	if strings.ContainsAny(stripped, "?？") {
		r.Punctuation = true
		r.Raw += punctuationBonus
	}
	if strongTailPattern.MatchString(stripped) {
		r.StrongTail = true
		r.Raw += strongTailBonus
	}
	if requestLikePattern.MatchString(stripped) {
		r.RequestLike = true
		r.Raw += requestBonus
	}

	trimmed := strings.TrimSpace(stripped)
	runes := utf8.RuneCountInString(trimmed)
	if completed {
		if runes <= th.NounWaMaxRunes && (strings.HasSuffix(trimmed, "は") || strings.HasSuffix(trimmed, "って")) {
			r.NounWaBoost = true
			r.Raw += completedBoost
		}
		if hasAnySuffix(trimmed, casualSuffixes) {
			r.CasualBoost = true
			r.Raw += completedBoost
		}
	}
	if runes <= th.ExcludeMaxRunes {
		if _, ok := excludeMarkers[trimmed]; ok {
			r.ExcludePenalty = true
			r.Raw -= excludePenalty
		}
	}

	if r.Raw < 0 {
		r.Raw = 0
	}
	r.Strong = sortedUnion(r.Strong)
	r.Context = sortedUnion(r.Context)
	r.Weak = sortedUnion(r.Weak)
	return r
}

// accumulate sums the decayed weight of every marker found in text. When near
// is non-nil it is set for any marker ending inside the near band.
func (m *Matcher) accumulate(text string, markers []string, weight float64, matched *[]string, near *bool) float64 {
	var score float64
	for _, marker := range markers {
		dist, ok := distanceFromEnd(text, marker)
		if !ok {
			continue
		}
		decay := m.decay(dist)
		if decay == 0 {
			continue
		}
		score += weight * decay
		*matched = append(*matched, marker)
		if near != nil && dist <= m.th.NearBand {
			*near = true
		}
	}
	return score
}

// distanceFromEnd reports how many runes follow the occurrence of marker that
// ends closest to the end of text.
func distanceFromEnd(text, marker string) (int, bool) {
	idx := strings.LastIndex(text, marker)
	if idx < 0 || marker == "" {
		return 0, false
	}
	return utf8.RuneCountInString(text[idx+len(marker):]), true
}

func (m *Matcher) decay(distance int) float64 {
	switch {
	case distance <= m.th.NearBand:
		return 1.0
	case distance <= m.th.FarBand:
		return 0.5
	default:
		return 0
	}
}

func confidence(raw float64) float64 {
	c := raw / 10.0
	if c < 0.05 {
		return 0.05
	}
	if c > 0.99 {
		return 0.99
	}
	return c
}

func buildReason(prefix string, r ScoreResult, categoryKeywords []string) string {
	parts := []string{fmt.Sprintf("%s score=%.2f", prefix, r.Raw)}

	preview := append(r.Markers(), categoryKeywords...)
	if len(preview) > 5 {
		preview = preview[:5]
	}
	if len(preview) > 0 {
		parts = append(parts, "markers="+strings.Join(preview, ", "))
	}
	flags := []struct {
		on   bool
		name string
	}{
		{r.StrongTail, "strongTail"},
		{r.Punctuation, "punctuation"},
		{r.NearStrong, "nearStrong"},
		{r.NounWaBoost, "nounWaBoost"},
		{r.CasualBoost, "casualBoost"},
		{r.ExcludePenalty, "excludePenalty"},
	}
	for _, f := range flags {
		if f.on {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, " | ")
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

func sortedUnion(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range lists {
		for _, s := range l {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
