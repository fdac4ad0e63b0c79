// Package matcher decides whether a piece of live transcript is a question
// addressed to the candidate, and what it is about.
package matcher

import (
	"sync"
	"time"
	"unicode/utf8"
)

// Detection is an accepted (or provisionally accepted) question.
type Detection struct {
	Text           string    `json:"text"`
	Category       Category  `json:"category"`
	Confidence     float64   `json:"confidence"`
	MatchedMarkers []string  `json:"matched_markers"`
	Reason         string    `json:"reason"`
	Timestamp      time.Time `json:"timestamp"`
}

// Matcher scores transcript text and remembers recently finalized questions
// so that repeats are suppressed. It is safe for concurrent use.
type Matcher struct {
	th  Thresholds
	now func() time.Time

	mu     sync.Mutex
	recent []string
}

type Option func(*Matcher)

// WithClock overrides the time source used for Detection timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

func New(th Thresholds, opts ...Option) *Matcher {
	m := &Matcher{th: th, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Matcher) Thresholds() Thresholds { return m.th }

// EvaluateDelta checks the running buffer of an utterance that is still being
// spoken. It never consults or updates the recent-question memory. Only
// the whole buffer is scored.
func (m *Matcher) EvaluateDelta(buffer, _ string) (Detection, bool) {
	text := Normalize(buffer)
	if utf8.RuneCountInString(text) < m.th.MinDeltaRunes {
		return Detection{}, false
	}
	r := m.Score(text, false)
	if r.Raw < m.th.Delta {
		return Detection{}, false
	}
	return m.detection(text, "delta", r), true
}

// FinalizeQuestion checks a completed utterance. Accepted questions are
// remembered and later near-duplicates are rejected.
func (m *Matcher) FinalizeQuestion(text string) (Detection, bool) {
	normalized := Normalize(text)
	if normalized == "" {
		return Detection{}, false
	}
	r := m.Score(normalized, true)
	if r.Raw < m.th.Completed {
		return Detection{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isDuplicateLocked(normalized) {
		return Detection{}, false
	}
	d := m.detection(normalized, "completed", r)
	m.rememberLocked(normalized)
	return d, true
}

// ShouldEarlyCommit reports whether a provisional detection is strong enough
// to close the utterance before the speaker pauses.
func (m *Matcher) ShouldEarlyCommit(d Detection) bool {
	r := m.Score(d.Text, false)
	if r.Raw < m.th.EarlyCommit {
		return false
	}
	if utf8.RuneCountInString(d.Text) < m.th.MinEarlyCommitRunes {
		return false
	}
	return r.Punctuation || r.StrongTail || r.NearStrong
}

// IsQuestionLike is the memory-free variant of FinalizeQuestion.
func (m *Matcher) IsQuestionLike(text string) bool {
	normalized := Normalize(text)
	if utf8.RuneCountInString(normalized) < m.th.MinDeltaRunes {
		return false
	}
	return m.Score(normalized, true).Raw >= m.th.Completed
}

// Reset forgets every remembered question.
func (m *Matcher) Reset() {
	m.mu.Lock()
	m.recent = nil
	m.mu.Unlock()
}

func (m *Matcher) detection(text, prefix string, r ScoreResult) Detection {
	category, keywords := InferCategory(text)
	return Detection{
		Text:           text,
		Category:       category,
		Confidence:     confidence(r.Raw),
		MatchedMarkers: sortedUnion(r.Markers(), keywords),
		Reason:         buildReason(prefix, r, keywords),
		Timestamp:      m.now(),
	}
}

func (m *Matcher) isDuplicateLocked(q string) bool {
	for _, prev := range m.recent {
		if prev == q || Similarity(prev, q) >= m.th.DuplicateSimilarity {
			return true
		}
	}
	return false
}

func (m *Matcher) rememberLocked(q string) {
	m.recent = append(m.recent, q)
	if over := len(m.recent) - m.th.RecentCapacity; over > 0 {
		m.recent = append([]string(nil), m.recent[over:]...)
	}
}
