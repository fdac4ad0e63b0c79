package generation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/lukasbauer/mendan/internal/costs"
	"github.com/lukasbauer/mendan/internal/llm"
	"github.com/lukasbauer/mendan/internal/observability/metrics"
)

// Modes reported by the health endpoint.
const (
	ModeOpenAI   = "openai"
	ModeFallback = "fallback"
)

// Config holds model selection and sampling for both stages.
type Config struct {
	Stage1Model       string
	Stage2Model       string
	Stage1MaxTokens   int
	Stage1Temperature float64
	Stage2MaxTokens   int
	Stage2Temperature float64
}

// DefaultConfig returns the stock model settings.
func DefaultConfig() Config {
	return Config{
		Stage1Model:       "gpt-4.1-mini",
		Stage2Model:       "gpt-4.1-nano",
		Stage1MaxTokens:   180,
		Stage1Temperature: 0.2,
		Stage2MaxTokens:   700,
		Stage2Temperature: 0.35,
	}
}

// Result summarizes one finished stage for logging and event publishing.
// It never carries question or answer text.
type Result struct {
	Stage        string
	Mode         string
	Outcome      string // "ok" or "error"
	Category     string
	Latency      time.Duration
	FirstToken   time.Duration
	InputTokens  int
	OutputTokens int
	CostCents    float64
}

// Service streams Stage-1 and Stage-2 answers. Without an LLM client it
// serves the templated fallback payloads.
type Service struct {
	client  llm.Client
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// OnResult, when set, is called once per finished stage.
	OnResult func(Result)
}

// NewService creates a Service. client may be nil.
func NewService(client llm.Client, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		client:  client,
		cfg:     cfg,
		log:     log,
		metrics: metrics.DefaultMetrics,
		now:     time.Now,
	}
}

// Mode reports whether the service is calling the model.
func (s *Service) Mode() string {
	if s.client == nil {
		return ModeFallback
	}
	return ModeOpenAI
}

// StreamStage1 streams the short answer. The channel always ends with exactly
// one done or error envelope and is then closed.
func (s *Service) StreamStage1(ctx context.Context, in Stage1Request) <-chan Envelope[Stage1Payload] {
	in.applyDefaults()
	if s.client == nil {
		return fallbackStream(s, Stage1, in.Category, SanitizeStage1(in, stage1Fallback(in)), func(p Stage1Payload) string { return p.Answer10s })
	}
	req := llm.StructuredRequest{
		Model:           s.cfg.Stage1Model,
		SystemPrompt:    llm.Stage1SystemPrompt,
		UserPrompt:      llm.Stage1UserPrompt(in.Category, in.Question, llm.ProfileContext(in.ProfileSummary, in.ProfileBullets)),
		SchemaName:      "stage1_payload",
		Schema:          stage1Schema,
		MaxOutputTokens: s.cfg.Stage1MaxTokens,
		Temperature:     s.cfg.Stage1Temperature,
	}
	return modelStream(ctx, s, Stage1, in.Category, req, func(p Stage1Payload) Stage1Payload { return SanitizeStage1(in, p) })
}

// StreamStage2 streams the continuation and follow-ups.
func (s *Service) StreamStage2(ctx context.Context, in Stage2Request) <-chan Envelope[Stage2Payload] {
	in.applyDefaults()
	if s.client == nil {
		return fallbackStream(s, Stage2, in.Category, SanitizeStage2(in, stage2Fallback(in)), func(p Stage2Payload) string { return p.Answer30s })
	}
	req := llm.StructuredRequest{
		Model:           s.cfg.Stage2Model,
		SystemPrompt:    llm.Stage2SystemPrompt,
		UserPrompt:      llm.Stage2UserPrompt(in.Category, in.Question, in.Stage1Answer, llm.ProfileContext(in.ProfileSummary, in.ProfileBullets)),
		SchemaName:      "stage2_payload",
		Schema:          stage2Schema,
		MaxOutputTokens: s.cfg.Stage2MaxTokens,
		Temperature:     s.cfg.Stage2Temperature,
	}
	return modelStream(ctx, s, Stage2, in.Category, req, func(p Stage2Payload) Stage2Payload { return SanitizeStage2(in, p) })
}

func fallbackStream[T any](s *Service, stage, category string, payload T, answer func(T) string) <-chan Envelope[T] {
	ch := make(chan Envelope[T], 2)
	ch <- deltaEnvelope[T](answer(payload))
	ch <- doneEnvelope(payload)
	close(ch)
	s.finish(Result{Stage: stage, Mode: ModeFallback, Outcome: "ok", Category: category})
	return ch
}

func modelStream[T any](ctx context.Context, s *Service, stage, category string, req llm.StructuredRequest, sanitize func(T) T) <-chan Envelope[T] {
	out := make(chan Envelope[T], 16)
	go func() {
		defer close(out)
		start := s.now()
		res := Result{Stage: stage, Mode: ModeOpenAI, Outcome: "error", Category: category}
		defer func() {
			res.Latency = s.now().Sub(start)
			s.finish(res)
		}()

		send := func(env Envelope[T]) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- env:
				return true
			}
		}
		fail := func(err error) {
			s.log.Warn().Err(err).Str("stage", stage).Msg("generation failed")
			send(errorEnvelope[T](err.Error()))
		}

		chunks, err := s.client.Stream(ctx, req)
		if err != nil {
			fail(err)
			return
		}

		var accumulated, completed string
		for c := range chunks {
			switch {
			case c.Err != nil:
				fail(c.Err)
				return
			case c.Delta != "":
				if accumulated == "" {
					res.FirstToken = s.now().Sub(start)
				}
				accumulated += c.Delta
				if !send(deltaEnvelope[T](c.Delta)) {
					return
				}
			case c.Text != "":
				completed = c.Text
			case c.Usage != nil:
				res.InputTokens = c.Usage.InputTokens
				res.OutputTokens = c.Usage.OutputTokens
			}
		}
		if ctx.Err() != nil {
			return
		}

		raw := accumulated
		if raw == "" {
			raw = completed
		}
		if raw == "" {
			fail(errors.New("Model output was empty"))
			return
		}
		obj, err := llm.ExtractJSONObject(raw)
		if err != nil {
			fail(err)
			return
		}
		var payload T
		if err := json.Unmarshal(obj, &payload); err != nil {
			fail(err)
			return
		}
		if send(doneEnvelope(sanitize(payload))) {
			res.Outcome = "ok"
		}
	}()
	return out
}

func (s *Service) finish(res Result) {
	res.CostCents = costs.GenerationCents(costs.TokenUsage{
		Stage:        res.Stage,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
	})
	if s.metrics != nil {
		s.metrics.RecordGeneration(res.Stage, res.Mode, res.Outcome, res.Latency.Seconds())
		if res.FirstToken > 0 {
			s.metrics.RecordFirstToken(res.Stage, res.FirstToken.Seconds())
		}
		s.metrics.RecordCost("generation", res.CostCents)
	}
	s.log.Info().
		Str("stage", res.Stage).
		Str("mode", res.Mode).
		Str("outcome", res.Outcome).
		Str("category", res.Category).
		Dur("latency", res.Latency).
		Int("input_tokens", res.InputTokens).
		Int("output_tokens", res.OutputTokens).
		Msg("generation finished")
	if s.OnResult != nil {
		s.OnResult(res)
	}
}
