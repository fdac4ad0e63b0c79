package matcher

import (
	"regexp"
	"strings"
)

var multiSpace = regexp.MustCompile(`  +`)

// Normalize folds ideographic spaces and line breaks into single spaces and
// trims the result.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "　", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func stripFillerPrefix(s string) string {
	return fillerPrefixPattern.ReplaceAllString(s, "")
}

// Similarity returns the Jaccard similarity of a and b. Multi-word input is
// compared as token sets, everything else as character bigram sets. Two empty
// strings are considered identical (1.0).
func Similarity(a, b string) float64 {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	ta, tb := spaceTokens(la), spaceTokens(lb)

	if len(ta) > 1 || len(tb) > 1 {
		return jaccard(toSet(ta), toSet(tb))
	}
	return jaccard(bigrams(la), bigrams(lb))
}

// spaceTokens splits on single spaces and drops empty pieces.
func spaceTokens(s string) []string {
	var out []string
	for _, t := range strings.Split(s, " ") {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

func bigrams(s string) map[string]struct{} {
	runes := []rune(s)
	if len(runes) < 2 {
		return map[string]struct{}{s: {}}
	}
	set := make(map[string]struct{}, len(runes)-1)
	for i := 0; i < len(runes)-1; i++ {
		set[string(runes[i:i+2])] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
