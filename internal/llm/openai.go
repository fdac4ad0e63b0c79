package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const openaiResponsesURL = "https://api.openai.com/v1/responses"

// OpenAIClient implements Client using the Responses API.
type OpenAIClient struct {
	apiKey     string
	url        string
	httpClient *http.Client
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey     string
	URL        string // defaults to the public Responses endpoint
	HTTPClient *http.Client
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	url := cfg.URL
	if url == "" {
		url = openaiResponsesURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAIClient{
		apiKey:     cfg.APIKey,
		url:        url,
		httpClient: httpClient,
	}
}

type inputText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type inputMessage struct {
	Role    string      `json:"role"`
	Content []inputText `json:"content"`
}

type responsesRequest struct {
	Model           string         `json:"model"`
	Stream          bool           `json:"stream"`
	MaxOutputTokens int            `json:"max_output_tokens,omitempty"`
	Temperature     float64        `json:"temperature"`
	Input           []inputMessage `json:"input"`
	Text            struct {
		Format struct {
			Type   string          `json:"type"`
			Name   string          `json:"name"`
			Schema json.RawMessage `json:"schema"`
			Strict bool            `json:"strict"`
		} `json:"format"`
	} `json:"text"`
}

// streamEvent covers the fields of the SSE payloads we act on.
type streamEvent struct {
	Type     string `json:"type"`
	Delta    string `json:"delta"`
	Text     string `json:"text"`
	Message  string `json:"message"`
	Response *struct {
		Usage *Usage `json:"usage"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

func buildRequest(req StructuredRequest) responsesRequest {
	body := responsesRequest{
		Model:           req.Model,
		Stream:          true,
		MaxOutputTokens: req.MaxOutputTokens,
		Temperature:     req.Temperature,
		Input: []inputMessage{
			{Role: "system", Content: []inputText{{Type: "input_text", Text: req.SystemPrompt}}},
			{Role: "user", Content: []inputText{{Type: "input_text", Text: req.UserPrompt}}},
		},
	}
	body.Text.Format.Type = "json_schema"
	body.Text.Format.Name = req.SchemaName
	body.Text.Format.Schema = req.Schema
	body.Text.Format.Strict = true
	return body
}

// Stream starts a streamed structured response.
func (c *OpenAIClient) Stream(ctx context.Context, req StructuredRequest) (<-chan Chunk, error) {
	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("OpenAI error: %d %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	ch := make(chan Chunk, 100)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		readStream(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// readStream turns SSE "data:" lines into chunks until [DONE], an error
// event, or end of body.
func readStream(ctx context.Context, r io.Reader, ch chan<- Chunk) {
	emit := func(c Chunk) bool {
		select {
		case <-ctx.Done():
			return false
		case ch <- c:
			return true
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "response.output_text.delta":
			if ev.Delta != "" && !emit(Chunk{Delta: ev.Delta}) {
				return
			}
		case "response.output_text.done":
			if ev.Text != "" && !emit(Chunk{Text: ev.Text}) {
				return
			}
		case "response.completed":
			if ev.Response != nil && ev.Response.Usage != nil {
				if !emit(Chunk{Usage: ev.Response.Usage}) {
					return
				}
			}
		case "response.failed":
			msg := "OpenAI response failed"
			if ev.Response != nil && ev.Response.Error != nil && ev.Response.Error.Message != "" {
				msg = ev.Response.Error.Message
			}
			emit(Chunk{Err: errors.New(msg)})
			return
		case "error":
			msg := ev.Message
			if msg == "" {
				msg = "OpenAI stream error"
			}
			emit(Chunk{Err: errors.New(msg)})
			return
		}
	}
	if err := scanner.Err(); err != nil {
		emit(Chunk{Err: fmt.Errorf("read stream: %w", err)})
	}
}
