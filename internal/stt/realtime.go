package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultRealtimeURL is the OpenAI realtime endpoint in transcription mode.
const DefaultRealtimeURL = "wss://api.openai.com/v1/realtime?intent=transcription"

// SessionConfig describes the transcription session sent in session.update.
type SessionConfig struct {
	APIKey            string
	URL               string // defaults to DefaultRealtimeURL
	Model             string // e.g. "gpt-4o-mini-transcribe"
	Language          string // e.g. "ja"
	SampleRate        int    // PCM rate, 24000
	SilenceDurationMs int
	PrefixPaddingMs   int
	HandshakeTimeout  time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.URL == "" {
		c.URL = DefaultRealtimeURL
	}
	if c.Language == "" {
		c.Language = "ja"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 24000
	}
	if c.SilenceDurationMs == 0 {
		c.SilenceDurationMs = 300
	}
	if c.PrefixPaddingMs == 0 {
		c.PrefixPaddingMs = 200
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

type sessionUpdate struct {
	Type    string      `json:"type"`
	Session sessionBody `json:"session"`
}

type sessionBody struct {
	Type    string   `json:"type"`
	Audio   audioCfg `json:"audio"`
	Include []string `json:"include"`
}

type audioCfg struct {
	Input audioInput `json:"input"`
}

type audioInput struct {
	Format struct {
		Type string `json:"type"`
		Rate int    `json:"rate"`
	} `json:"format"`
	NoiseReduction struct {
		Type string `json:"type"`
	} `json:"noise_reduction"`
	Transcription struct {
		Model    string `json:"model"`
		Language string `json:"language"`
	} `json:"transcription"`
	TurnDetection struct {
		Type              string `json:"type"`
		SilenceDurationMs int    `json:"silence_duration_ms"`
		PrefixPaddingMs   int    `json:"prefix_padding_ms"`
	} `json:"turn_detection"`
}

// SessionUpdate builds the session.update event for cfg.
func SessionUpdate(cfg SessionConfig) any {
	cfg = cfg.withDefaults()
	var in audioInput
	in.Format.Type = "audio/pcm"
	in.Format.Rate = cfg.SampleRate
	in.NoiseReduction.Type = "near_field"
	in.Transcription.Model = cfg.Model
	in.Transcription.Language = cfg.Language
	in.TurnDetection.Type = "server_vad"
	in.TurnDetection.SilenceDurationMs = cfg.SilenceDurationMs
	in.TurnDetection.PrefixPaddingMs = cfg.PrefixPaddingMs
	return sessionUpdate{
		Type: "session.update",
		Session: sessionBody{
			Type:    "transcription",
			Audio:   audioCfg{Input: in},
			Include: []string{"item.input_audio_transcription.logprobs"},
		},
	}
}

// RealtimeClient implements Client over the realtime websocket API.
type RealtimeClient struct {
	conn      *websocket.Conn
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex // serializes writes
	wg        sync.WaitGroup
	log       zerolog.Logger

	errMu   sync.Mutex
	readErr error
}

// DialRealtime connects to the upstream and starts reading events. The
// session configuration is not sent; call UpdateSession once connected.
func DialRealtime(ctx context.Context, cfg SessionConfig, log zerolog.Logger) (*RealtimeClient, error) {
	cfg = cfg.withDefaults()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.APIKey)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("stt: connect realtime: %w", err)
	}

	c := &RealtimeClient{
		conn:   conn,
		events: make(chan Event, 100),
		done:   make(chan struct{}),
		log:    log,
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// NewRealtimeDialer adapts DialRealtime to a Dialer.
func NewRealtimeDialer(log zerolog.Logger) Dialer {
	return func(ctx context.Context, cfg SessionConfig) (Client, error) {
		return DialRealtime(ctx, cfg, log)
	}
}

func (c *RealtimeClient) UpdateSession(ctx context.Context, cfg SessionConfig) error {
	return c.send(ctx, SessionUpdate(cfg))
}

func (c *RealtimeClient) AppendAudio(ctx context.Context, audioB64 string) error {
	return c.send(ctx, map[string]string{"type": "input_audio_buffer.append", "audio": audioB64})
}

func (c *RealtimeClient) Commit(ctx context.Context) error {
	return c.send(ctx, map[string]string{"type": "input_audio_buffer.commit"})
}

func (c *RealtimeClient) Events() <-chan Event { return c.events }

func (c *RealtimeClient) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

func (c *RealtimeClient) send(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stt: encode upstream event: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return errors.New("stt: client is closed")
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close tears the connection down and waits for the read loop to exit.
func (c *RealtimeClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()

		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

func (c *RealtimeClient) readLoop() {
	defer c.wg.Done()
	defer close(c.events)

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.errMu.Lock()
					c.readErr = fmt.Errorf("stt: read: %w", err)
					c.errMu.Unlock()
				}
			}
			return
		}

		ev, err := ParseEvent(msg)
		if err != nil {
			c.log.Warn().Err(err).Msg("realtime parse error")
			continue
		}

		select {
		case <-c.done:
			return
		case c.events <- ev:
		}
	}
}
