package session

import (
	"strings"

	"github.com/lukasbauer/mendan/internal/matcher"
)

// InitialStage0 is shown before any question has been detected.
const InitialStage0 = "- 質問を検出するとここに即時テンプレが表示されます\n- Stage1は即答向けの短い回答を最速で生成します\n- Stage2は後追いで詳細版を追記します"

var stage0Lines = map[matcher.Category][2]string{
	matcher.SelfIntro:        {"結論: 現在の役割と得意領域を先に伝えます", "根拠: 直近の実績を1つ数字付きで述べます"},
	matcher.Strengths:        {"強みを1つに絞って明言します", "具体例として担当範囲と結果を30秒で示します"},
	matcher.Motivation:       {"志望理由を事業・技術・役割の順で短く説明します", "自分の経験と接点がある点を1つ示します"},
	matcher.Experience:       {"期間と役割を先に明示します", "課題→対応→成果を1セットで話します"},
	matcher.Incident:         {"まず事実と影響範囲を端的に伝えます", "初動で行った封じ込めを時系列で述べます"},
	matcher.Design:           {"前提と非機能要件を最初に置きます", "代替案比較で採用理由を一言で示します"},
	matcher.Testing:          {"テスト方針を粒度別に示します", "重要ケースを2つ挙げて優先理由を添えます"},
	matcher.Teamwork:         {"チームでの役割と期待値調整を先に述べます", "衝突時の解決アプローチを具体例で示します"},
	matcher.Communication:    {"相手別に伝え方を切り替える方針を示します", "認識ズレを減らすための手段を1つ挙げます"},
	matcher.IncidentResponse: {"検知から復旧までの優先順位を先に述べます", "指揮系統と連絡手順を簡潔に示します"},
	matcher.Performance:      {"ボトルネックの測定方法を最初に示します", "打ち手を低コスト順で提示します"},
	matcher.Security:         {"脅威モデルを先に確認する姿勢を示します", "最小権限と監査ログの実装方針を述べます"},
	matcher.Unknown:          {"まず結論を1文で答えます", "理由を1つ具体例付きで補足します"},
}

// Stage0Template returns the instant answer skeleton for a category: two
// structural hints and a line pointing at the profile keywords to mention.
func Stage0Template(c matcher.Category, profileKeywords []string) string {
	lines, ok := stage0Lines[c]
	if !ok {
		lines = stage0Lines[matcher.Unknown]
	}
	hint := "- プロフィール要点: 実績キーワードを1つ差し込んでください"
	if len(profileKeywords) > 0 {
		hint = "- プロフィール要点: " + strings.Join(profileKeywords[:min(2, len(profileKeywords))], " / ")
	}
	return "- " + lines[0] + "\n- " + lines[1] + "\n" + hint
}
