package matcher

import (
	"fmt"
	"strings"
)

// Category is the topic a detected question belongs to.
type Category int

const (
	Unknown Category = iota
	SelfIntro
	Strengths
	Motivation
	Experience
	Incident
	Design
	Testing
	Teamwork
	Communication
	IncidentResponse
	Performance
	Security
)

var categoryLabels = map[Category]string{
	SelfIntro:        "自己紹介",
	Strengths:        "強み",
	Motivation:       "志望動機",
	Experience:       "経験",
	Incident:         "炎上対応",
	Design:           "設計",
	Testing:          "テスト",
	Teamwork:         "チーム",
	Communication:    "コミュニケーション",
	IncidentResponse: "障害対応",
	Performance:      "パフォーマンス",
	Security:         "セキュリティ",
	Unknown:          "その他",
}

// AllCategories lists every category in table order, Unknown last.
func AllCategories() []Category {
	out := make([]Category, 0, len(categoryRules)+1)
	for _, r := range categoryRules {
		out = append(out, r.category)
	}
	return append(out, Unknown)
}

// String returns the Japanese label used on the wire.
func (c Category) String() string {
	if l, ok := categoryLabels[c]; ok {
		return l
	}
	return categoryLabels[Unknown]
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCategory maps a wire label back to its Category.
func ParseCategory(label string) (Category, error) {
	for c, l := range categoryLabels {
		if l == label {
			return c, nil
		}
	}
	return Unknown, fmt.Errorf("matcher: unknown category %q", label)
}

type categoryRule struct {
	category Category
	keywords []string
}

// categoryRules is evaluated in order; the first rule with any keyword hit
// wins.
var categoryRules = []categoryRule{
	{SelfIntro, []string{"自己紹介", "紹介", "これまで", "経歴"}},
	{Strengths, []string{"強み", "得意", "長所"}},
	{Motivation, []string{"志望", "なぜ当社", "入社", "転職理由"}},
	{Experience, []string{"経験", "担当", "実績", "プロジェクト"}},
	{Incident, []string{"炎上", "トラブル", "失敗", "リカバリ"}},
	{Design, []string{"設計", "アーキテクチャ", "構成", "技術選定"}},
	{Testing, []string{"テスト", "品質", "検証", "QA"}},
	{Teamwork, []string{"チーム", "協業", "連携", "リード"}},
	{Communication, []string{"コミュニケーション", "説明", "共有", "合意"}},
	{IncidentResponse, []string{"障害", "インシデント", "復旧", "オンコール"}},
	{Performance, []string{"パフォーマンス", "性能", "レイテンシ", "最適化"}},
	{Security, []string{"セキュリティ", "脆弱性", "認証", "権限"}},
}

// InferCategory returns the first category whose keywords appear in text,
// together with the keywords that matched.
func InferCategory(text string) (Category, []string) {
	lower := strings.ToLower(text)
	for _, rule := range categoryRules {
		var matched []string
		for _, kw := range rule.keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				matched = append(matched, kw)
			}
		}
		if len(matched) > 0 {
			return rule.category, matched
		}
	}
	return Unknown, nil
}
