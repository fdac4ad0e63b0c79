// Package profile holds candidate profiles: raw self-descriptions reduced to
// a short summary and keywords that are fed into answer prompts.
package profile

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	summarySegments = 4
	summaryMaxRunes = 320
	maxKeywords     = 20
)

var stopWords = map[string]struct{}{
	"です": {}, "ます": {}, "こと": {}, "する": {}, "ある": {},
	"いる": {}, "そして": {}, "また": {}, "the": {}, "and": {},
}

// Profile is one imported candidate profile.
type Profile struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	RawText   string    `json:"raw_text"`
	Summary   string    `json:"summary"`
	Keywords  []string  `json:"keywords"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store loads and saves the full profile list.
type Store interface {
	Load(ctx context.Context) ([]Profile, error)
	Save(ctx context.Context, profiles []Profile) error
}

// ImportRequest is the body of a profile import.
type ImportRequest struct {
	Name    string `json:"name" validate:"required,max=100"`
	RawText string `json:"raw_text" validate:"required,max=20000"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the request fields.
func (r ImportRequest) Validate() error {
	return validate.Struct(r)
}

// Import builds a profile from raw text.
func Import(name, rawText string, now time.Time) Profile {
	normalized := strings.TrimSpace(rawText)
	return Profile{
		ID:        uuid.New(),
		Name:      strings.TrimSpace(name),
		RawText:   normalized,
		Summary:   Summary(normalized),
		Keywords:  Keywords(normalized),
		UpdatedAt: now.UTC(),
	}
}

// Summary joins the first four non-empty lines or sentences with 。 and clips
// the result to 320 runes.
func Summary(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == '\n' || r == '。' })
	segments := make([]string, 0, summarySegments)
	for _, p := range parts {
		p = strings.TrimFunc(p, func(r rune) bool { return r == ' ' || r == '\t' || r == '\r' || r == '　' })
		if p == "" {
			continue
		}
		segments = append(segments, p)
		if len(segments) == summarySegments {
			break
		}
	}
	summary := strings.Join(segments, "。")
	if utf8.RuneCountInString(summary) > summaryMaxRunes {
		summary = string([]rune(summary)[:summaryMaxRunes])
	}
	return summary
}

// Keywords returns the 20 most frequent lowercase alphanumeric tokens of at
// least two runes, ties broken alphabetically.
func Keywords(raw string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r))
	})

	counts := make(map[string]int)
	for _, t := range tokens {
		if utf8.RuneCountInString(t) < 2 {
			continue
		}
		if _, stop := stopWords[t]; stop {
			continue
		}
		counts[t]++
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] == counts[keys[j]] {
			return keys[i] < keys[j]
		}
		return counts[keys[i]] > counts[keys[j]]
	})
	if len(keys) > maxKeywords {
		keys = keys[:maxKeywords]
	}
	return keys
}

// Upsert replaces the profile with the same ID or appends it.
func Upsert(profiles []Profile, p Profile) []Profile {
	out := make([]Profile, 0, len(profiles)+1)
	replaced := false
	for _, existing := range profiles {
		if existing.ID == p.ID {
			out = append(out, p)
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, p)
	}
	return out
}

// Find returns the profile with id.
func Find(profiles []Profile, id uuid.UUID) (Profile, bool) {
	for _, p := range profiles {
		if p.ID == id {
			return p, true
		}
	}
	return Profile{}, false
}
