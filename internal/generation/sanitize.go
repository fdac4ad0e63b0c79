package generation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/lukasbauer/mendan/internal/merge"
)

const (
	maxKeywords         = 5
	maxAssumptions      = 3
	followupCount       = 3
	richContinuationLen = 90
)

var (
	questionLikeTail = regexp.MustCompile(`(ですか|ますか|でしょうか|ませんか|でしょうかね|かな|ですかね|ですよね)\s*[?？]*$`)
	reverseQuestion  = regexp.MustCompile(`(教えて(?:いただけ|もらえ|くれ)?|ご教示|ご共有|説明して(?:いただけ|もらえ|くれ)?|お聞かせ|伺って|確認させて).{0,20}(?:ますか|でしょうか|ください|いただけ)`)
	trailingQMarks   = regexp.MustCompile(`[?？]+$`)
)

func stage1Fallback(in Stage1Request) Stage1Payload {
	return Stage1Payload{
		Answer10s:   "結論として、" + in.Category + "の観点で要点を先に答えます。" + firstRunes(in.Question, 18) + "に対して実績ベースで簡潔に説明します。",
		Keywords:    []string{in.Category, "結論先出し", "実績"},
		Assumptions: []string{"ローカルフォールバック応答", "APIキー未設定"},
	}
}

var fallbackFollowups = []Followup{
	{Question: "その判断をした根拠は何ですか？", SuggestedAnswer: "制約条件と代替案を比較し、リスクが最小の案を選んだためです。"},
	{Question: "難しかった点はどこですか？", SuggestedAnswer: "初期要件が曖昧だったため、先に成功条件を定義して認識を揃えました。"},
	{Question: "次回改善するなら何を変えますか？", SuggestedAnswer: "計測をさらに早い段階で組み込み、検証サイクルを短縮します。"},
}

func stage2Fallback(in Stage2Request) Stage2Payload {
	return Stage2Payload{
		Answer30s: "最初に背景を共有し、次に対応内容、最後に再現可能な学びを伝えます。" + in.Category + "の質問では数字付きで成果を補足します。",
		Followups: append([]Followup(nil), fallbackFollowups...),
	}
}

func stage1SafeAnswer(category string) string {
	return "結論として、" + category + "は要点から簡潔にお伝えします。背景・対応・成果の順で、私の実例を30秒以内に説明します。"
}

func stage2SafeAnswer(category string) string {
	return "続けて、" + category + "で実際に行った対応と成果を具体的にお伝えします。まず制約と優先順位を整理し、次に実施手順と検証結果を示し、最後に再現性と次回改善まで簡潔に補足します。"
}

// isQuestionLikeAnswer reports answers the candidate must not read out: empty
// ones and ones that ask the interviewer something back.
func isQuestionLikeAnswer(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return true
	}
	if strings.ContainsAny(t, "?？") {
		return true
	}
	return questionLikeTail.MatchString(t) || reverseQuestion.MatchString(t)
}

// ensureSentenceEnding turns trailing question marks into 。 and terminates
// the text with 。 unless it already ends a sentence.
func ensureSentenceEnding(text string) string {
	t := trailingQMarks.ReplaceAllString(strings.TrimSpace(text), "。")
	if t == "" {
		return t
	}
	if strings.HasSuffix(t, "。") || strings.HasSuffix(t, "！") || strings.HasSuffix(t, "!") {
		return t
	}
	return t + "。"
}

func ensureRichContinuation(category, text string) string {
	normalized := ensureSentenceEnding(text)
	if utf8.RuneCountInString(normalized) >= richContinuationLen {
		return normalized
	}
	supplement := "補足として、" + category + "では判断理由を先に示し、実装時の工夫と検証結果を数字で伝え、最後に再現可能な学びまで一息で説明します。"
	return ensureSentenceEnding(normalized + " " + supplement)
}

// SanitizeStage1 makes a model payload safe to read out and fills defaults.
func SanitizeStage1(in Stage1Request, p Stage1Payload) Stage1Payload {
	answer := ensureSentenceEnding(p.Answer10s)
	if isQuestionLikeAnswer(answer) {
		answer = stage1SafeAnswer(in.Category)
	}

	keywords := nonEmpty(p.Keywords)
	if len(keywords) == 0 {
		keywords = []string{in.Category, "結論先出し", "実績"}
	}
	assumptions := nonEmpty(p.Assumptions)
	if len(assumptions) == 0 {
		assumptions = []string{"候補者として簡潔に回答"}
	}

	return Stage1Payload{
		Answer10s:   answer,
		Keywords:    capSlice(keywords, maxKeywords),
		Assumptions: capSlice(assumptions, maxAssumptions),
	}
}

// SanitizeStage2 keeps only the part of the answer that continues Stage-1,
// enriches short continuations and normalizes follow-ups to exactly three.
func SanitizeStage2(in Stage2Request, p Stage2Payload) Stage2Payload {
	answer := ensureSentenceEnding(p.Answer30s)
	if isQuestionLikeAnswer(answer) {
		answer = stage2SafeAnswer(in.Category)
	}
	continuation := merge.Continuation(in.Stage1Answer, answer)
	if continuation == "" {
		continuation = stage2SafeAnswer(in.Category)
	}

	return Stage2Payload{
		Answer30s: ensureRichContinuation(in.Category, continuation),
		Followups: normalizeFollowups(p.Followups),
	}
}

func normalizeFollowups(in []Followup) []Followup {
	out := make([]Followup, 0, followupCount)
	for _, f := range in {
		q, a := strings.TrimSpace(f.Question), strings.TrimSpace(f.SuggestedAnswer)
		if q == "" || a == "" {
			continue
		}
		out = append(out, Followup{Question: q, SuggestedAnswer: a})
		if len(out) == followupCount {
			return out
		}
	}
	for _, f := range fallbackFollowups {
		if len(out) == followupCount {
			break
		}
		out = append(out, f)
	}
	return out
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func capSlice(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func firstRunes(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}
