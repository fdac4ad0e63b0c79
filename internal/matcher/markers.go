package matcher

import "regexp"

// Marker tables are read-only after package init. Order matters only for
// category rules; scoring sums over every marker regardless of order.

var strongMarkers = []string{
	"伺ってもよろしいでしょうか",
	"お伺いしてもよろしいでしょうか",
	"お伺いしてもよろしいですか",
	"伺ってもいいですか",
	"お聞きしてもよろしいでしょうか",
	"お聞きしてもよろしいですか",
	"お聞きしてもいいですか",
	"聞いてもいいですか",
	"聞いても大丈夫ですか",
	"質問してもいいですか",
	"質問よろしいですか",
	"ご質問よろしいでしょうか",
	"ちょっと質問いいですか",
	"一つ聞いてもいいですか",
	"一点お伺いしたいのですが",
	"一点だけお伺いしたいのですが",
	"一点確認させてください",
	"念のため確認させてください",
	"確認させていただけますか",
	"確認してもよろしいでしょうか",
	"確認してもいいですか",
	"ご確認いただけますか",
	"教えていただけますか",
	"教えていただけますでしょうか",
	"教えていただけませんか",
	"教えていただけないでしょうか",
	"ご教示いただけますか",
	"ご教示いただけますでしょうか",
	"ご教示いただけませんでしょうか",
	"共有いただけますか",
	"ご共有いただけますか",
	"ご説明いただけますか",
	"ご説明いただけますでしょうか",
	"補足いただけますか",
	"もう少し詳しく教えていただけますか",
	"もう少し詳しく伺えますか",
	"もう少し噛み砕いていただけますか",
	"具体例を挙げていただけますか",
	"具体例ってありますか",
	"例を一ついただけますか",
	"もう一度教えていただけますか",
	"改めて確認してもよろしいでしょうか",
	"差し支えなければ教えていただけますか",
	"差し支えなければ伺えますか",
	"可能であれば教えていただけますか",
	"もしよろしければお聞かせいただけますか",
	"お時間よろしいでしょうか",
	"お時間よろしいですか",
	"今お時間ありますか",
	"少しお時間いただけますか",
	"お手すきですか",
	"ご都合いかがでしょうか",
	"よろしいですか",
	"よろしいでしょうか",
	"いいですか",
	"大丈夫ですか",
	"問題ないですか",
	"差し支えないですか",
	"合っていますか",
	"合ってますか",
	"間違いないですか",
	"この理解で合っていますか",
	"この理解でいいですか",
	"という認識でよろしいですか",
	"という理解でよろしいですか",
	"ということで合っていますか",
	"ということでいいですか",
	"ということですか",
	"ってことなんですか",
	"ってことですか",
	"いかがですか",
	"いかがでしょうか",
	"どうですか",
	"どうでしょうか",
	"見解を伺えますか",
	"教えてもらえますか",
	"教えてもらえます？",
	"教えてもらえる？",
	"教えてくれますか",
	"教えてくれます？",
	"教えてくれる？",
	"教えてもらっていいですか",
	"説明してもらえます？",
	"説明してもらえる？",
	"共有してもらえますか",
	"見せてもらえますか",
	"見せてもらえます？",
	"見せてもらえる？",
	"いいっすか",
	"いいっすか？",
	"っすか",
	"っすか？",
	"大丈夫っすか",
	"大丈夫っすか？",
	// short generic signals
	"ですか",
	"ますか",
	"でしょうか",
	"教えて",
	"教えてください",
	"なぜ",
	"なんで",
	"理由は",
	"どうやって",
	"どのように",
	"何",
	"いつ",
	"どこ",
	"について",
	"できますか",
	"可能ですか",
	"お願いできますか",
	"おねがいします",
	"話してください",
	"話して",
	"説明してください",
	"聞かせてください",
	"お聞かせください",
	"どんな",
	"どういう",
	"って何",
	"ってどう",
	"ってどんな",
}

// englishMarkers are matched against the lowercased text.
var englishMarkers = []string{
	"what", "why", "how", "can you", "could you", "would you", "walk me through",
}

var contextMarkers = []string{
	"確認なんですが",
	"確認なんですけど",
	"確認なんですけども",
	"念のためですが",
	"念のためなんですが",
	"一点だけ確認で",
	"すみません、確認ですが",
	"すみません、ちょっと確認ですが",
	"すみません、質問ですが",
	"あの、確認なんですが",
	"えっと、確認なんですが",
	"あの、質問いいですか",
	"伺いたいことがありまして",
	"聞きたいことがありまして",
	"質問がありまして",
	"ちょっと聞きたいんですけど",
	"ちょっと伺いたいんですけど",
	"ちょっと質問なんですけど",
	"気になっているのは",
	"気になってまして",
	"ちょっと気になったんですが",
	"ちなみに",
	"ちなみにですが",
	"ちなみに伺うと",
	"ところで",
	"それで",
	"その場合",
	"もしそうだとすると",
	"ということは",
	"ってことは",
	"というのは",
	"っていうのは",
	"っていうのはつまり",
	"っていうのは具体的に",
	"あります？",
	"ありますかね",
	"あったりします？",
	"あったりしますか",
	"います？",
	"いますかね",
	"いらっしゃいます？",
	"いただけたりします？",
	"もらったりできます？",
	"とかありますか",
	"とかってありますか",
	"ってあります？",
	"ってありましたっけ",
	"ってことあります？",
	"ってことありますか",
	"そのへん",
	"志望動機は",
	"転職理由は",
	"これまでの経歴は",
	"直近の担当は",
	"役割は",
	"担当範囲は",
	"開発規模は",
	"チーム規模は",
	"人数は",
	"期間は",
	"使用技術は",
	"言語は",
	"フレームワークは",
	"設計方針は",
	"テスト方針は",
	"レビュー体制は",
	"CI/CDは",
	"運用体制は",
	"障害対応は",
	"強みは",
	"弱みは",
	"どうなんです",
	"どうなんでしょう",
	"どうですかね",
	"いかがでしょう",
}

var weakMarkers = []string{
	"だよね？", "だよね?", "だよね",
	"ですよね？", "ですよね?", "ですよね",
	"でしょ？", "でしょ?", "でしょ",
	"っしょ？", "っしょ?", "っしょ",
	"じゃない？", "じゃない?", "じゃない",
	"じゃね？", "じゃね?", "じゃね",
	"だっけ？", "だっけ?", "だっけ",
	"だったっけ？", "だったっけ",
	"いいんだっけ？", "いいんだっけ",
	"どっちだっけ？", "どっちだっけ",
	"なんだっけ？", "なんだっけ",
	"かなぁ", "かなあ", "かなー", "かな…", "かなぁ？", "かなあ？",
	"かも？", "かも?", "かもね？", "かもね",
	"よね？", "よね", "ね？", "ね?",
	"ってことだよね", "ってことじゃない？", "ってことかも", "ってことだっけ", "ってことになる？",
	"って感じだよね",
	"わかる？", "わかる?", "わかります？", "わかります?",
	"あり？", "なし？",
	"いける？", "いけます？",
	"どう思います？", "どう思います?",
	"なの？", "なの?", "なん？", "なん?", "の？", "の?",
	"なんでだっけ？",
	"いけるっしょ？",
	"ってアリ？", "ってなし？",
	"ってこと？",
	"かな", "かな?", "かな？", "って感じ", "って感じ?", "って感じ？",
	"くれる", "くれる?", "くれる？", "もらえる", "もらえる?", "もらえる？",
}

// excludeMarkers are acknowledgements and closings that are never questions
// on their own.
var excludeMarkers = map[string]struct{}{}

func init() {
	for _, m := range []string{
		"そうですか",
		"そうなんですね",
		"そうなんだ",
		"なるほど",
		"なるほどですね",
		"了解です",
		"承知しました",
		"かしこまりました",
		"わかりました",
		"了解しました",
		"承知です",
		"はい",
		"ええ",
		"うん",
		"なるほど、はい",
		"ありがとうございます",
		"ありがとうございます！",
		"助かります",
		"すみません",
		"失礼します",
		"お疲れ様です",
		"よろしくお願いします",
		"よろしくお願いいたします",
		"よろしくお願いします！",
		"お願いいたします",
		"以上です",
		"以上になります",
		"以上となります",
		"ということです",
		"ということですね",
		"そういうことですね",
		"そういうことか",
		"そうですね",
		"そうなんですよ",
		"そうなんです",
		"ですね",
		"ですよ",
		"と思います",
		"と思っています",
		"という感じです",
	} {
		excludeMarkers[m] = struct{}{}
	}
}

var casualSuffixes = []string{
	"かな", "かな?", "かな？", "かも？", "かも?",
	"くれる", "くれる？", "くれる?", "もらえる", "もらえる？", "もらえる?",
}

var (
	fillerPrefixPattern = regexp.MustCompile(`^(?:(?:えっと|えーと|あの|その|まあ|んーと)\s*[,、]?\s*)+`)
	strongTailPattern   = regexp.MustCompile(`(?:\?|？|いいっすか(?:\?|？)?|大丈夫っすか(?:\?|？)?|っすか(?:\?|？)?|よろしい(?:でしょうか|ですか)|いいですか|大丈夫ですか|問題ないですか|差し支えないですか|合って(?:ます)?か|間違いないですか|ってこと(?:なんですか|ですか))\s*$`)
	requestLikePattern  = regexp.MustCompile(`(?:教えて|確認|説明|共有|補足).{0,10}(?:いただけ(?:ます|ません)か|もらえます(?:か)?|くれます(?:か)?|いただけますでしょうか)\s*$`)
)
