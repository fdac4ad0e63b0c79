package llm

import (
	"fmt"
	"strings"
)

// Stage1SystemPrompt instructs the model to produce the short spoken answer.
const Stage1SystemPrompt = `あなたは日本語面談の回答コーチです。あなたの出力は「候補者本人が面接官へ返答する回答文」です。日本語を最優先し、丁寧語で、口頭で言える短さで回答してください。

制約:
- 10秒で言える短さ
- 最大2文または箇条書き3点まで
- 前置き禁止
- 面談でそのまま言える言い方
- 面接官への逆質問・依頼・確認は禁止（例: 教えてください、〜ですか？）
- 疑問符（? / ？）を使わない
- 必ず断定文で終える
- 出力はJSON Schemaに厳密準拠`

// Stage2SystemPrompt instructs the model to continue the short answer and
// prepare follow-up Q&A.
const Stage2SystemPrompt = `あなたは日本語面談の回答コーチです。あなたの出力は「候補者本人が面接官へ返答する回答文」です。日本語を最優先し、丁寧語で、口頭回答として自然にしてください。

制約:
- 30秒回答を1つ
- 深掘り質問は3件固定
- 各 suggested_answer は短く明確
- answer_30s は Stage1回答の「続き」だけを書く（Stage1の内容を言い換え含めて繰り返さない）
- answer_30s は120〜220文字を目安にする
- answer_30s には「具体行動」「工夫/判断理由」「成果 or 検証結果」を必ず含める
- answer_30s は逆質問・依頼・確認の言い回しを禁止
- answer_30s に疑問符（? / ？）を使わない
- answer_30s は必ず断定文で終える
- 出力はJSON Schemaに厳密準拠`

// ProfileContext renders the candidate profile block shared by both prompts.
func ProfileContext(summary string, bullets []string) string {
	if summary == "" {
		summary = "なし"
	}
	lines := "- なし"
	if len(bullets) > 0 {
		items := make([]string, len(bullets))
		for i, b := range bullets {
			items[i] = "- " + b
		}
		lines = strings.Join(items, "\n")
	}
	return fmt.Sprintf("プロフィール要約:\n%s\n\n関連キーワード:\n%s", summary, lines)
}

// Stage1UserPrompt builds the user turn for the short answer.
func Stage1UserPrompt(category, question, profileContext string) string {
	return fmt.Sprintf("質問カテゴリ: %s\n質問: %s\n\n%s\n\n10秒版の回答案を返してください。",
		category, question, profileContext)
}

// Stage2UserPrompt builds the user turn for the continuation.
func Stage2UserPrompt(category, question, stage1Answer, profileContext string) string {
	return fmt.Sprintf("質問カテゴリ: %s\n質問: %s\nStage1回答: %s\n\n%s\n\n"+
		"重要: answer_30s は Stage1回答の続きだけを書き、重複を入れないでください。短く終わらせず、具体的な追記を十分に入れてください。\n"+
		"30秒版と深掘りQ&Aを返してください。",
		category, question, stage1Answer, profileContext)
}
