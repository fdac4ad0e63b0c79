package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/mendan/internal/generation"
	"github.com/lukasbauer/mendan/internal/profile"
	"github.com/lukasbauer/mendan/internal/transcribe"
)

// DefaultProxyURL is where the local proxy listens by default.
const DefaultProxyURL = "http://127.0.0.1:39871"

const (
	healthTimeout   = 2 * time.Second
	maxNDJSONLine   = 1 << 20
	prefixPaddingMs = 200
)

// Proxy is what the orchestrator needs from the local proxy.
type Proxy interface {
	Health(ctx context.Context) error
	Connect(ctx context.Context, silenceMs int) (Transcriber, error)
	Stage1(ctx context.Context, req generation.Stage1Request) <-chan generation.Envelope[generation.Stage1Payload]
	Stage2(ctx context.Context, req generation.Stage2Request) <-chan generation.Envelope[generation.Stage2Payload]
}

// Transcriber is an open /ws/transcribe connection.
type Transcriber interface {
	// Events is closed when the connection ends.
	Events() <-chan transcribe.Event
	SendAudio(pcm []byte) error
	Commit(reason string) error
	TextProbe(text string) error
	Close() error
}

// ProxyConfig configures ProxyClient.
type ProxyConfig struct {
	BaseURL    string
	Token      string // bearer token; empty sends none
	HTTPClient *http.Client
}

// ProxyClient implements Proxy over HTTP and websocket.
type ProxyClient struct {
	base   *url.URL
	token  string
	client *http.Client
	log    zerolog.Logger
}

func NewProxyClient(cfg ProxyConfig, log zerolog.Logger) (*ProxyClient, error) {
	raw := cfg.BaseURL
	if raw == "" {
		raw = DefaultProxyURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("session: invalid proxy url %q", raw)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &ProxyClient{base: base, token: cfg.Token, client: client, log: log}, nil
}

func (p *ProxyClient) endpoint(path string) string {
	u := *p.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (p *ProxyClient) authorize(h http.Header) {
	if p.token != "" {
		h.Set("Authorization", "Bearer "+p.token)
	}
}

// Health reports nil when the proxy answers {"ok": true} within two seconds.
func (p *ProxyClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/health"), nil)
	if err != nil {
		return err
	}
	p.authorize(req.Header)
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("proxy health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("proxy health: status %d", resp.StatusCode)
	}
	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("proxy health: %w", err)
	}
	if !body.OK {
		return errors.New("proxy health: not ok")
	}
	return nil
}

// Profiles fetches the profiles stored on the proxy.
func (p *ProxyClient) Profiles(ctx context.Context) ([]profile.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/api/profiles"), nil)
	if err != nil {
		return nil, err
	}
	p.authorize(req.Header)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy profiles: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy profiles: status %d", resp.StatusCode)
	}
	var body struct {
		Profiles []profile.Profile `json:"profiles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("proxy profiles: %w", err)
	}
	return body.Profiles, nil
}

// Connect opens the transcription websocket and sends the VAD config.
func (p *ProxyClient) Connect(ctx context.Context, silenceMs int) (Transcriber, error) {
	u := *p.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/transcribe"

	headers := http.Header{}
	p.authorize(headers)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("transcription: connect %s: %w", u.Host, err)
	}

	t := &wsTranscriber{
		conn:   conn,
		events: make(chan transcribe.Event, 64),
		done:   make(chan struct{}),
		log:    p.log,
	}
	cfg := transcribe.Config{ServerVAD: &transcribe.ServerVAD{
		SilenceDurationMs: silenceMs,
		PrefixPaddingMs:   prefixPaddingMs,
	}}
	if err := t.write(cfg); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transcription: send config: %w", err)
	}
	t.wg.Add(1)
	go t.readLoop()
	return t, nil
}

type wsTranscriber struct {
	conn      *websocket.Conn
	events    chan transcribe.Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	wg        sync.WaitGroup
	log       zerolog.Logger
}

func (t *wsTranscriber) Events() <-chan transcribe.Event { return t.events }

func (t *wsTranscriber) SendAudio(pcm []byte) error {
	return t.write(transcribe.Audio{Audio: base64.StdEncoding.EncodeToString(pcm)})
}

func (t *wsTranscriber) Commit(reason string) error {
	return t.write(transcribe.Commit{Reason: reason})
}

func (t *wsTranscriber) TextProbe(text string) error {
	return t.write(transcribe.TextProbe{Text: text})
}

func (t *wsTranscriber) write(m transcribe.ClientMessage) error {
	payload, err := transcribe.EncodeClientMessage(m)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return errors.New("socket is closed")
	default:
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *wsTranscriber) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.mu.Unlock()
		err = t.conn.Close()
		t.wg.Wait()
	})
	return err
}

func (t *wsTranscriber) readLoop() {
	defer t.wg.Done()
	defer close(t.events)

	for {
		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.emit(transcribe.Error{Message: err.Error()})
			}
			return
		}
		ev, err := transcribe.ParseServerMessage(msg)
		if err != nil {
			t.log.Debug().Err(err).Msg("proxy sent malformed transcription frame")
			continue
		}
		if u, ok := ev.(transcribe.Unrecognized); ok {
			t.log.Debug().Str("type", u.Type).Msg("unrecognized transcription event")
			continue
		}
		if !t.emit(ev) {
			return
		}
	}
}

func (t *wsTranscriber) emit(ev transcribe.Event) bool {
	select {
	case <-t.done:
		return false
	case t.events <- ev:
		return true
	}
}

// Stage1 streams /generate-stage1. The channel ends with one done or error
// envelope; error messages carry no stage prefix.
func (p *ProxyClient) Stage1(ctx context.Context, req generation.Stage1Request) <-chan generation.Envelope[generation.Stage1Payload] {
	return streamStage[generation.Stage1Payload](ctx, p, "/generate-stage1", req)
}

// Stage2 streams /generate-stage2.
func (p *ProxyClient) Stage2(ctx context.Context, req generation.Stage2Request) <-chan generation.Envelope[generation.Stage2Payload] {
	return streamStage[generation.Stage2Payload](ctx, p, "/generate-stage2", req)
}

func streamStage[T any](ctx context.Context, p *ProxyClient, path string, body any) <-chan generation.Envelope[T] {
	out := make(chan generation.Envelope[T], 16)
	go func() {
		defer close(out)
		send := func(env generation.Envelope[T]) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- env:
				return true
			}
		}
		fail := func(msg string) {
			send(generation.Envelope[T]{Type: generation.EnvelopeError, Error: msg})
		}

		payload, err := json.Marshal(body)
		if err != nil {
			fail(fmt.Sprintf("encode request: %v", err))
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(path), bytes.NewReader(payload))
		if err != nil {
			fail(err.Error())
			return
		}
		req.Header.Set("Content-Type", "application/json")
		p.authorize(req.Header)

		resp, err := p.client.Do(req)
		if err != nil {
			fail(err.Error())
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fail(fmt.Sprintf("proxy returned status %d", resp.StatusCode))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxNDJSONLine)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			env, err := generation.ParseEnvelope[T](line)
			if err != nil {
				fail(err.Error())
				return
			}
			if !send(env) {
				return
			}
			if env.Type != generation.EnvelopeDelta {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			fail(err.Error())
			return
		}
		fail("stream ended without result")
	}()
	return out
}
