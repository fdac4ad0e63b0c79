package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContinuation(t *testing.T) {
	tests := []struct {
		name  string
		short string
		long  string
		want  string
	}{
		{
			name:  "long extends short",
			short: "結論として、設計の観点で要点を先に答えます。",
			long:  "結論として、設計の観点で要点を先に答えます。次に、計測を前提に進めました。",
			want:  "次に、計測を前提に進めました。",
		},
		{
			name:  "connector punctuation after prefix",
			short: "結論として、設計の観点で",
			long:  "結論として、設計の観点で、。 次に、計測を前提に",
			want:  "次に、計測を前提に",
		},
		{name: "empty long", short: "結論として。", long: "", want: ""},
		{name: "whitespace long", short: "結論として。", long: "  \n", want: ""},
		{name: "empty short", short: "", long: "  次に、計測を前提に  ", want: "次に、計測を前提に"},
		{
			name:  "suffix overlap",
			short: "最初に背景を共有し、対応内容を説明します。",
			long:  "対応内容を説明します。最後に学びを伝えます。",
			want:  "最後に学びを伝えます。",
		},
		{
			name:  "overlap shorter than minimum is kept",
			short: "背景を説明します。",
			long:  "します。次の話です。",
			want:  "します。次の話です。",
		},
		{
			name:  "unrelated long",
			short: "結論として、設計の観点で要点を先に答えます。",
			long:  "ー 具体的には監視の仕組みを整えました。",
			want:  "具体的には監視の仕組みを整えました。",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Continuation(tt.short, tt.long))
		})
	}
}

func TestContinuation_VerbatimExtension(t *testing.T) {
	shorts := []string{"a", "結論として", "設計の観点で要点を先に答えます。"}
	tails := []string{"次に、計測を前提に", "、。具体的には", " tail"}
	for _, s := range shorts {
		for _, tail := range tails {
			got := Continuation(s, s+tail)
			assert.Equal(t, trimConnectors(tail), got)
		}
	}
}

func TestCompose(t *testing.T) {
	assert.Equal(t, "短い回答。", Compose("短い回答。", ""))
	assert.Equal(t, "短い回答。\n\n▼ ここから追記\n続き。", Compose("短い回答。", "続き。"))
}
