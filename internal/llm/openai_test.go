package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewOpenAIClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		client := NewOpenAIClient(OpenAIConfig{APIKey: "test-key"})

		if client.url != openaiResponsesURL {
			t.Errorf("url = %q, want %q", client.url, openaiResponsesURL)
		}
		if client.apiKey != "test-key" {
			t.Errorf("apiKey = %q, want %q", client.apiKey, "test-key")
		}
		if client.httpClient == nil {
			t.Error("httpClient should not be nil")
		}
	})

	t.Run("custom url", func(t *testing.T) {
		client := NewOpenAIClient(OpenAIConfig{APIKey: "k", URL: "http://localhost/v1/responses"})
		if client.url != "http://localhost/v1/responses" {
			t.Errorf("url = %q", client.url)
		}
	})
}

func TestBuildRequest(t *testing.T) {
	body, err := json.Marshal(buildRequest(StructuredRequest{
		Model:           "gpt-4.1-mini",
		SystemPrompt:    "sys",
		UserPrompt:      "user",
		SchemaName:      "stage1_payload",
		Schema:          json.RawMessage(`{"type":"object"}`),
		MaxOutputTokens: 180,
		Temperature:     0.2,
	}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["stream"] != true {
		t.Errorf("stream = %v, want true", got["stream"])
	}
	if got["max_output_tokens"] != float64(180) {
		t.Errorf("max_output_tokens = %v", got["max_output_tokens"])
	}
	input := got["input"].([]any)
	if len(input) != 2 {
		t.Fatalf("input has %d messages, want 2", len(input))
	}
	first := input[0].(map[string]any)
	if first["role"] != "system" {
		t.Errorf("first role = %v", first["role"])
	}
	format := got["text"].(map[string]any)["format"].(map[string]any)
	if format["type"] != "json_schema" || format["name"] != "stage1_payload" || format["strict"] != true {
		t.Errorf("unexpected format: %v", format)
	}
}

func sseServer(t *testing.T, status int, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	}))
}

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not finish")
			return out
		}
	}
}

func TestStream(t *testing.T) {
	srv := sseServer(t, http.StatusOK,
		`event: response.created`,
		`data: {"type":"response.created"}`,
		`data: {"type":"response.output_text.delta","delta":"{\"answer"}`,
		`data: {"type":"response.output_text.delta","delta":"_10s\":\"x\"}"}`,
		`data: not-json`,
		`data: {"type":"response.output_text.done","text":"{\"answer_10s\":\"x\"}"}`,
		`data: {"type":"response.completed","response":{"usage":{"input_tokens":12,"output_tokens":7}}}`,
		`data: [DONE]`,
		`data: {"type":"response.output_text.delta","delta":"ignored"}`,
	)
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", URL: srv.URL})
	ch, err := client.Stream(context.Background(), StructuredRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := collect(t, ch)

	var deltas []string
	var text string
	var usage *Usage
	for _, c := range chunks {
		switch {
		case c.Err != nil:
			t.Fatalf("unexpected error chunk: %v", c.Err)
		case c.Delta != "":
			deltas = append(deltas, c.Delta)
		case c.Text != "":
			text = c.Text
		case c.Usage != nil:
			usage = c.Usage
		}
	}
	if strings.Join(deltas, "") != `{"answer_10s":"x"}` {
		t.Errorf("deltas = %q", deltas)
	}
	if text != `{"answer_10s":"x"}` {
		t.Errorf("text = %q", text)
	}
	if usage == nil || usage.InputTokens != 12 || usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestStream_ErrorEvent(t *testing.T) {
	srv := sseServer(t, http.StatusOK,
		`data: {"type":"response.output_text.delta","delta":"{"}`,
		`data: {"type":"error","message":"rate limited"}`,
	)
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", URL: srv.URL})
	ch, err := client.Stream(context.Background(), StructuredRequest{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := collect(t, ch)
	last := chunks[len(chunks)-1]
	if last.Err == nil || last.Err.Error() != "rate limited" {
		t.Errorf("last chunk = %+v, want rate limited error", last)
	}
}

func TestStream_HTTPError(t *testing.T) {
	srv := sseServer(t, http.StatusUnauthorized, `{"error":"bad key"}`)
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", URL: srv.URL})
	_, err := client.Stream(context.Background(), StructuredRequest{})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want 401 error", err)
	}
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{`{"a":1}`, `{"a":1}`, false},
		{"  {\"a\":1}\n", `{"a":1}`, false},
		{"```json\n{\"a\":{\"b\":2}}\n```", `{"a":{"b":2}}`, false},
		{"no object here", "", true},
		{"} {", "", true},
	}
	for _, tt := range tests {
		got, err := ExtractJSONObject(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ExtractJSONObject(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("ExtractJSONObject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestProfileContext(t *testing.T) {
	if got := ProfileContext("", nil); got != "プロフィール要約:\nなし\n\n関連キーワード:\n- なし" {
		t.Errorf("empty profile context = %q", got)
	}
	got := ProfileContext("Go歴8年", []string{"go", "kafka"})
	want := "プロフィール要約:\nGo歴8年\n\n関連キーワード:\n- go\n- kafka"
	if got != want {
		t.Errorf("ProfileContext = %q, want %q", got, want)
	}
}

func TestUserPrompts(t *testing.T) {
	ctx := ProfileContext("", nil)
	p1 := Stage1UserPrompt("設計", "設計方針は？", ctx)
	if !strings.HasPrefix(p1, "質問カテゴリ: 設計\n質問: 設計方針は？\n\n") || !strings.HasSuffix(p1, "10秒版の回答案を返してください。") {
		t.Errorf("stage1 prompt = %q", p1)
	}
	p2 := Stage2UserPrompt("設計", "設計方針は？", "結論として。", ctx)
	if !strings.Contains(p2, "Stage1回答: 結論として。\n") || !strings.HasSuffix(p2, "30秒版と深掘りQ&Aを返してください。") {
		t.Errorf("stage2 prompt = %q", p2)
	}
}
