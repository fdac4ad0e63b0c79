package httpapi

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukasbauer/mendan/internal/generation"
	"github.com/lukasbauer/mendan/internal/llm"
)

type stubLLM struct {
	chunks []llm.Chunk
	err    error
}

func (s stubLLM) Stream(context.Context, llm.StructuredRequest) (<-chan llm.Chunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan llm.Chunk, len(s.chunks))
	for _, c := range s.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return do(t, h, req)
}

func ndjsonLines(t *testing.T, body string) []string {
	t.Helper()
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestGenerateStage1Fallback(t *testing.T) {
	h := testHandler(t, Deps{})
	rec := postJSON(t, h, "/generate-stage1", `{"question":"設計で大事にしていること","category":"設計"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ndjsonContentType, rec.Header().Get("Content-Type"))

	lines := ndjsonLines(t, rec.Body.String())
	require.Len(t, lines, 2)

	delta, err := generation.ParseEnvelope[generation.Stage1Payload]([]byte(lines[0]))
	require.NoError(t, err)
	assert.Equal(t, generation.EnvelopeDelta, delta.Type)
	assert.True(t, strings.HasPrefix(delta.Delta, "結論として、設計の観点で"), delta.Delta)

	done, err := generation.ParseEnvelope[generation.Stage1Payload]([]byte(lines[1]))
	require.NoError(t, err)
	assert.Equal(t, generation.EnvelopeDone, done.Type)
	assert.Equal(t, delta.Delta, done.Result.Answer10s)
	assert.Contains(t, lines[1], "実績ベース", "payload text is not escaped")
}

func TestGenerateStage2Fallback(t *testing.T) {
	h := testHandler(t, Deps{})
	rec := postJSON(t, h, "/generate-stage2",
		`{"question":"チームでの役割は？","category":"チーム","stage1_answer":"結論として、チームの観点で要点を先に答えます。"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	lines := ndjsonLines(t, rec.Body.String())
	require.Len(t, lines, 2)

	done, err := generation.ParseEnvelope[generation.Stage2Payload]([]byte(lines[1]))
	require.NoError(t, err)
	assert.Equal(t, generation.EnvelopeDone, done.Type)
	assert.NotEmpty(t, done.Result.Answer30s)
	assert.Len(t, done.Result.Followups, 3)
}

func TestGenerateRejectsInvalidRequests(t *testing.T) {
	h := testHandler(t, Deps{})
	tests := []struct {
		name string
		path string
		body string
		want string
	}{
		{"malformed json", "/generate-stage1", `{"question":`, "invalid request"},
		{"missing question", "/generate-stage1", `{"category":"設計"}`, "question failed required"},
		{"unknown category", "/generate-stage2", `{"question":"なぜ？","category":"料理"}`, "category failed category"},
		{"too many bullets", "/generate-stage1", `{"question":"なぜ？","category":"設計","profile_bullets":["a","b","c","d","e","f"]}`, "profile_bullets failed max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestGenerateStreamsModelOutput(t *testing.T) {
	gen := generation.NewService(stubLLM{chunks: []llm.Chunk{
		{Delta: `{"answer_10s":"結論として、計測から始めます。",`},
		{Delta: `"keywords":["計測"],"assumptions":[]}`},
		{Usage: &llm.Usage{InputTokens: 10, OutputTokens: 20}},
	}}, generation.DefaultConfig(), zerolog.Nop())
	h := testHandler(t, Deps{Generator: gen})

	rec := postJSON(t, h, "/generate-stage1", `{"question":"改善の進め方は？","category":"設計"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	lines := ndjsonLines(t, rec.Body.String())
	require.Len(t, lines, 3)

	last, err := generation.ParseEnvelope[generation.Stage1Payload]([]byte(lines[2]))
	require.NoError(t, err)
	assert.Equal(t, generation.EnvelopeDone, last.Type)
	assert.Contains(t, last.Result.Answer10s, "計測から始めます")
}

func TestGenerateStreamsModelError(t *testing.T) {
	gen := generation.NewService(stubLLM{err: errors.New("llm: status 429")}, generation.DefaultConfig(), zerolog.Nop())
	h := testHandler(t, Deps{Generator: gen})

	rec := postJSON(t, h, "/generate-stage1", `{"question":"改善の進め方は？","category":"設計"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	lines := ndjsonLines(t, rec.Body.String())
	require.Len(t, lines, 1)

	env, err := generation.ParseEnvelope[generation.Stage1Payload]([]byte(lines[0]))
	require.NoError(t, err)
	assert.Equal(t, generation.EnvelopeError, env.Type)
	assert.Equal(t, "llm: status 429", env.Error)
}
