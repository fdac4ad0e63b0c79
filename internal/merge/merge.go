// Package merge turns a long answer into the part that continues a short
// answer the candidate has already started speaking.
package merge

import (
	"strings"
	"unicode"
)

// MinOverlapRunes is the shortest suffix/prefix overlap that is treated as
// repeated text.
const MinOverlapRunes = 8

// AppendMarker separates the short answer from its continuation in the
// composed, copyable answer.
const AppendMarker = "▼ ここから追記"

const connectors = "、。,:：;；-ー "

// Continuation returns the portion of long that does not repeat short.
func Continuation(short, long string) string {
	base := strings.TrimSpace(short)
	extended := strings.TrimSpace(long)

	if extended == "" {
		return ""
	}
	if base == "" {
		return extended
	}
	if strings.HasPrefix(extended, base) {
		return trimConnectors(extended[len(base):])
	}

	b, e := []rune(base), []rune(extended)
	for n := min(len(b), len(e)); n >= MinOverlapRunes; n-- {
		if string(b[len(b)-n:]) == string(e[:n]) {
			e = e[n:]
			break
		}
	}
	return trimConnectors(string(e))
}

// Compose builds the merged answer shown to the user: the short answer, then
// the marker line and the continuation when there is one.
func Compose(short, continuation string) string {
	if strings.TrimSpace(continuation) == "" {
		return short
	}
	return short + "\n\n" + AppendMarker + "\n" + continuation
}

func trimConnectors(s string) string {
	return strings.TrimLeftFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(connectors, r)
	})
}
