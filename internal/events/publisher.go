// Package events publishes session metadata to Kafka. Payloads never carry
// transcript or answer text.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/lukasbauer/mendan/internal/observability/metrics"
)

// Event types carried in the eventType header.
const (
	TypeBridgeOpened  = "bridge_opened"
	TypeBridgeClosed  = "bridge_closed"
	TypeGeneration    = "generation"
	TypeUpstreamFatal = "upstream_fatal"
)

// BridgeEvent describes one transcription bridge connection.
type BridgeEvent struct {
	SessionID      string    `json:"session_id"`
	Mode           string    `json:"mode"` // "realtime" or "mock"
	AudioBytes     int64     `json:"audio_bytes,omitempty"`
	Commits        int       `json:"commits,omitempty"`
	SkippedCommits int       `json:"skipped_commits,omitempty"`
	Transcripts    int       `json:"transcripts,omitempty"`
	DurationMs     int64     `json:"duration_ms,omitempty"`
	CostCents      float64   `json:"cost_cents,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// GenerationEvent describes one finished answer stage.
type GenerationEvent struct {
	Stage        string    `json:"stage"`
	Mode         string    `json:"mode"`
	Outcome      string    `json:"outcome"`
	Category     string    `json:"category"`
	LatencyMs    int64     `json:"latency_ms"`
	FirstTokenMs int64     `json:"first_token_ms,omitempty"`
	InputTokens  int       `json:"input_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	CostCents    float64   `json:"cost_cents,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher writes bridge and generation events to separate topics.
type Publisher struct {
	writerBridge     *kafka.Writer
	writerGeneration *kafka.Writer
	principal        string
	topicBridge      string
	topicGeneration  string
	enabled          bool
	metrics          *metrics.Metrics
	log              zerolog.Logger
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers         []string
	TopicBridge     string
	TopicGeneration string
	Principal       string
	Enabled         bool
}

// New creates a publisher that logs through logger. A nil or disabled config
// gives a log-only publisher.
func New(cfg *Config, logger zerolog.Logger) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil {
		logger.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{metrics: m, log: logger}
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		logger.Info().Msg("Kafka disabled, using log-only mode")
		return &Publisher{
			principal:       cfg.Principal,
			topicBridge:     cfg.TopicBridge,
			topicGeneration: cfg.TopicGeneration,
			metrics:         m,
			log:             logger,
		}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{Dial: dialer.DialFunc}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicBridge", cfg.TopicBridge).
		Str("topicGeneration", cfg.TopicGeneration).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return &Publisher{
		writerBridge:     newWriter(cfg.TopicBridge),
		writerGeneration: newWriter(cfg.TopicGeneration),
		principal:        cfg.Principal,
		topicBridge:      cfg.TopicBridge,
		topicGeneration:  cfg.TopicGeneration,
		enabled:          true,
		metrics:          m,
		log:              logger,
	}
}

// Enabled reports whether events reach Kafka.
func (p *Publisher) Enabled() bool { return p.enabled }

// PublishBridge publishes a bridge lifecycle event keyed by session ID.
func (p *Publisher) PublishBridge(ctx context.Context, eventType string, ev BridgeEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return p.publish(ctx, p.writerBridge, p.topicBridge, eventType, ev.SessionID, ev)
}

// PublishGeneration publishes a generation outcome keyed by stage.
func (p *Publisher) PublishGeneration(ctx context.Context, ev GenerationEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return p.publish(ctx, p.writerGeneration, p.topicGeneration, TypeGeneration, ev.Stage, ev)
}

// PublishGenerationAsync publishes without blocking the caller.
func (p *Publisher) PublishGenerationAsync(ev GenerationEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.PublishGeneration(ctx, ev)
	}()
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, eventType, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	p.log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("eventType", eventType).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordEventPublish(topic, eventType, nil)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordEventPublish(topic, eventType, err)
		return err
	}

	p.metrics.RecordEventPublish(topic, eventType, nil)
	return nil
}

// Close closes both writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerBridge != nil {
		if e := p.writerBridge.Close(); e != nil {
			p.log.Error().Err(e).Msg("Error closing bridge writer")
			err = e
		}
	}
	if p.writerGeneration != nil {
		if e := p.writerGeneration.Close(); e != nil {
			p.log.Error().Err(e).Msg("Error closing generation writer")
			err = e
		}
	}
	return err
}
