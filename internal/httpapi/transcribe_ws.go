package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/mendan/internal/costs"
	"github.com/lukasbauer/mendan/internal/eventlog"
	"github.com/lukasbauer/mendan/internal/events"
	"github.com/lukasbauer/mendan/internal/stt"
	"github.com/lukasbauer/mendan/internal/transcribe"
)

const (
	// DefaultMinCommitBytes is 100 ms of PCM16 at 24 kHz; the upstream
	// rejects shorter buffers.
	DefaultMinCommitBytes = 4800
	maxProbeChunks        = 6

	clientWriteTimeout   = 5 * time.Second
	upstreamWriteTimeout = 5 * time.Second
	publishTimeout       = 5 * time.Second
)

const (
	modeRealtime = "realtime"
	modeMock     = "mock"
)

// Upstream errors caused by committing too little audio. They are expected
// around VAD boundaries and are not reported to the client.
var ignorableUpstreamErrors = []string{"buffer too small", "0.00ms of audio", "expected at least"}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type dialResult struct {
	client stt.Client
	err    error
}

// bridgeSession relays one client connection to the upstream transcriber.
// All writes to either socket happen on the run loop.
type bridgeSession struct {
	id     string
	r      *Router
	conn   *websocket.Conn
	log    zerolog.Logger
	sttCfg stt.SessionConfig
	mode   string

	upstream stt.Client
	// upstreamEvents is nil until the upstream is ready and after teardown.
	upstreamEvents <-chan stt.Event
	dialed   chan dialResult

	pendingBytes int64
	accumulated  string

	started     time.Time
	audioBytes  int64
	commits     int
	skipped     int
	transcripts int
	lastFatal   string
	// upstreamLost is set once a ready upstream has been torn down.
	upstreamLost bool
}

func (r *Router) handleTranscribeWS(w http.ResponseWriter, req *http.Request) {
	mode := modeMock
	if r.cfg.OpenAIAPIKey != "" {
		mode = modeRealtime
	}
	if !r.sessions.Add(mode) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "server is draining"})
		return
	}
	registered := mode
	defer func() { r.sessions.Done(registered) }()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn().Err(err).Msg("transcribe_ws: upgrade failed")
		return
	}

	id := uuid.NewString()
	s := &bridgeSession{
		id:   id,
		r:    r,
		conn: conn,
		log: r.logger.With().
			Str("component", "transcribe_ws").
			Str("session_id", id).
			Str("client", clientIDFromContext(req.Context())).
			Logger(),
		sttCfg: stt.SessionConfig{
			APIKey:            r.cfg.OpenAIAPIKey,
			URL:               r.cfg.RealtimeURL,
			Model:             r.cfg.TranscriptionModel,
			Language:          "ja",
			SilenceDurationMs: r.cfg.SilenceDurationMs,
			PrefixPaddingMs:   r.cfg.PrefixPaddingMs,
		},
		mode:    mode,
		started: time.Now(),
	}
	s.run(req.Context())
	if s.upstreamLost {
		registered = bridgeUpstreamClosed
	}
}

func (s *bridgeSession) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.cleanup()

	s.r.metrics.RecordBridgeOpen()
	s.r.eventLog.LogAsync(s.id, eventlog.EventBridgeOpened, map[string]any{"mode": s.mode})
	s.publish(events.TypeBridgeOpened, events.BridgeEvent{SessionID: s.id, Mode: s.mode})
	s.log.Info().Str("mode", s.mode).Msg("bridge opened")

	s.send(transcribe.Status{Value: transcribe.StatusConnected})
	if s.mode == modeMock {
		s.send(transcribe.Status{Value: transcribe.StatusMockMode})
	} else {
		s.dialed = make(chan dialResult, 1)
		go func(cfg stt.SessionConfig, out chan<- dialResult) {
			c, err := s.r.dialer(ctx, cfg)
			out <- dialResult{client: c, err: err}
		}(s.sttCfg, s.dialed)
	}

	incoming := make(chan []byte, 32)
	go s.readClient(ctx, incoming)

	for {
		select {
		case <-ctx.Done():
			return

		case raw, ok := <-incoming:
			if !ok {
				return
			}
			s.handleClientMessage(ctx, raw)

		case res := <-s.dialed:
			s.dialed = nil
			if res.err != nil {
				s.upstreamFatal(ctx, res.err.Error())
				continue
			}
			if err := res.client.UpdateSession(ctx, s.sttCfg); err != nil {
				_ = res.client.Close()
				s.upstreamFatal(ctx, err.Error())
				continue
			}
			s.upstream = res.client
			s.upstreamEvents = res.client.Events()
			s.send(transcribe.Status{Value: transcribe.StatusRealtimeReady})
			s.r.eventLog.LogAsync(s.id, eventlog.EventRealtimeReady, nil)
			s.log.Info().Str("model", s.sttCfg.Model).Msg("upstream ready")

		case ev, ok := <-s.upstreamEvents:
			if !ok {
				if err := s.upstream.Err(); err != nil {
					s.upstreamFatal(ctx, err.Error())
				}
				s.closeUpstream()
				continue
			}
			s.handleUpstreamEvent(ctx, ev)
		}
	}
}

func (s *bridgeSession) readClient(ctx context.Context, out chan<- []byte) {
	defer close(out)
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
				errors.Is(err, net.ErrClosed):
				s.log.Debug().Msg("client closed")
			default:
				s.log.Debug().Err(err).Msg("client read failed")
			}
			return
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *bridgeSession) handleClientMessage(ctx context.Context, raw []byte) {
	msg, err := transcribe.ParseClientMessage(raw)
	if err != nil {
		s.send(transcribe.Error{Message: transcribe.InvalidPayloadMessage})
		return
	}

	switch m := msg.(type) {
	case transcribe.Config:
		if m.ServerVAD != nil && m.ServerVAD.SilenceDurationMs > 0 {
			s.sttCfg.SilenceDurationMs = m.ServerVAD.SilenceDurationMs
		}
		s.toUpstream(ctx, "session.update", func(c context.Context, up stt.Client) error {
			return up.UpdateSession(c, s.sttCfg)
		})

	case transcribe.Audio:
		n := decodedLen(m.Audio)
		s.pendingBytes += n
		s.audioBytes += n
		s.r.metrics.RecordAudio(int(n))
		s.toUpstream(ctx, "append", func(c context.Context, up stt.Client) error {
			return up.AppendAudio(c, m.Audio)
		})

	case transcribe.Commit:
		if s.pendingBytes < int64(s.r.cfg.MinCommitBytes) {
			s.skipped++
			s.r.metrics.RecordCommit("skipped")
			s.r.eventLog.LogAsync(s.id, eventlog.EventCommitSkipped, map[string]any{"pending_bytes": s.pendingBytes})
			s.log.Debug().Int64("pending_bytes", s.pendingBytes).Str("reason", m.Reason).Msg("commit skipped")
			s.send(transcribe.Status{Value: transcribe.StatusCommitSkipped})
			return
		}
		s.toUpstream(ctx, "commit", func(c context.Context, up stt.Client) error {
			return up.Commit(c)
		})
		s.commits++
		s.r.metrics.RecordCommit("forwarded")
		s.r.eventLog.LogAsync(s.id, eventlog.EventCommitForwarded, map[string]any{
			"pending_bytes": s.pendingBytes,
			"reason":        m.Reason,
		})
		s.pendingBytes = 0
		if s.accumulated != "" {
			s.send(transcribe.Committed{Text: s.accumulated})
		}

	case transcribe.TextProbe:
		s.textProbe(m.Text)

	case transcribe.UnknownClientMessage:
		s.log.Debug().Str("type", m.Type).Msg("unknown client message dropped")
	}
}

// textProbe replays text as if it had been transcribed.
func (s *bridgeSession) textProbe(text string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}
	chunks := strings.Fields(trimmed)
	if len(chunks) > maxProbeChunks {
		chunks = chunks[:maxProbeChunks]
	}
	for _, c := range chunks {
		s.send(transcribe.Delta{Text: c + " "})
	}
	s.send(transcribe.Completed{Text: trimmed})
	s.transcripts++
	s.r.metrics.RecordTranscript("probe")
}

func (s *bridgeSession) handleUpstreamEvent(ctx context.Context, ev stt.Event) {
	switch e := ev.(type) {
	case stt.TranscriptionDelta:
		if e.Delta == "" {
			return
		}
		s.accumulated += e.Delta
		s.send(transcribe.Delta{Text: e.Delta})
		s.r.metrics.RecordTranscript("delta")

	case stt.TranscriptionCompleted:
		text := s.accumulated
		if e.HasTranscript {
			text = e.Transcript
		}
		if text != "" {
			s.send(transcribe.Completed{Text: text})
			s.transcripts++
			s.r.metrics.RecordTranscript("completed")
		}
		s.pendingBytes = 0
		s.accumulated = ""

	case stt.UpstreamError:
		if isIgnorableUpstreamError(e.Message) {
			s.pendingBytes = 0
			s.r.metrics.RecordUpstreamError("ignored")
			s.r.eventLog.LogAsync(s.id, eventlog.EventUpstreamIgnored, map[string]any{"message": e.Message})
			s.log.Info().Str("message", e.Message).Msg("ignoring non-fatal upstream commit error")
			return
		}
		s.upstreamFatal(ctx, e.Message)
		s.closeUpstream()

	case stt.Unrecognized:
		s.log.Debug().Str("type", e.Type).Msg("unrecognized upstream event")
	}
}

func isIgnorableUpstreamError(msg string) bool {
	m := strings.ToLower(msg)
	for _, s := range ignorableUpstreamErrors {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

// upstreamFatal surfaces an upstream failure to the client and to operators.
func (s *bridgeSession) upstreamFatal(ctx context.Context, msg string) {
	s.lastFatal = msg
	s.send(transcribe.Error{Message: msg})
	s.r.metrics.RecordUpstreamError("fatal")
	s.log.Warn().Str("message", msg).Msg("upstream error")
	sentryErr := errors.New(msg)
	captureError(nil, sentryErr, "transcribe_ws: upstream error "+s.id)
	s.r.discord.NotifyUpstreamFatal(context.WithoutCancel(ctx), s.id, msg)
	s.r.eventLog.LogAsync(s.id, eventlog.EventUpstreamFatal, map[string]any{"message": msg})
	s.publish(events.TypeUpstreamFatal, events.BridgeEvent{SessionID: s.id, Mode: s.mode, Error: msg})
}

// closeUpstream tears down a ready upstream and tells the client. The bridge
// never reconnects; typed text keeps working without an upstream.
func (s *bridgeSession) closeUpstream() {
	if s.upstream == nil {
		return
	}
	_ = s.upstream.Close()
	s.upstream = nil
	s.upstreamEvents = nil
	if !s.upstreamLost {
		s.upstreamLost = true
		s.r.sessions.Move(s.mode, bridgeUpstreamClosed)
	}
	s.send(transcribe.Status{Value: transcribe.StatusRealtimeClosed})
	s.log.Info().Msg("upstream closed")
}

func (s *bridgeSession) toUpstream(ctx context.Context, op string, fn func(context.Context, stt.Client) error) {
	if s.upstream == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, upstreamWriteTimeout)
	defer cancel()
	if err := fn(wctx, s.upstream); err != nil {
		s.log.Debug().Err(err).Str("op", op).Msg("upstream write failed")
	}
}

func (s *bridgeSession) send(ev transcribe.Event) {
	payload, err := transcribe.EncodeEvent(ev)
	if err != nil {
		s.log.Error().Err(err).Msg("encode client event failed")
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.log.Debug().Err(err).Msg("client write failed")
	}
}

func (s *bridgeSession) publish(eventType string, ev events.BridgeEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		_ = s.r.events.PublishBridge(ctx, eventType, ev)
	}()
}

func (s *bridgeSession) cleanup() {
	if s.upstream != nil {
		_ = s.upstream.Close()
		s.upstream = nil
	}
	if s.dialed != nil {
		// Close a connection that finishes dialing after the client left.
		go func(ch <-chan dialResult) {
			if res := <-ch; res.client != nil {
				_ = res.client.Close()
			}
		}(s.dialed)
	}
	_ = s.conn.Close()

	duration := time.Since(s.started)
	cents := costs.TranscriptionCents(s.audioBytes)
	s.r.metrics.RecordBridgeClose()
	s.r.metrics.RecordCost("transcription", cents)
	s.r.eventLog.LogAsync(s.id, eventlog.EventBridgeClosed, map[string]any{
		"audio_bytes":     s.audioBytes,
		"commits":         s.commits,
		"skipped_commits": s.skipped,
		"transcripts":     s.transcripts,
		"duration_ms":     duration.Milliseconds(),
		"cost_cents":      cents,
	})
	s.publish(events.TypeBridgeClosed, events.BridgeEvent{
		SessionID:      s.id,
		Mode:           s.mode,
		AudioBytes:     s.audioBytes,
		Commits:        s.commits,
		SkippedCommits: s.skipped,
		Transcripts:    s.transcripts,
		DurationMs:     duration.Milliseconds(),
		CostCents:      cents,
		Error:          s.lastFatal,
	})
	s.log.Info().
		Int64("audio_bytes", s.audioBytes).
		Int("commits", s.commits).
		Int("skipped_commits", s.skipped).
		Dur("duration", duration).
		Msg("bridge closed")
}

// decodedLen counts the PCM bytes in an audio payload. Clients differ in
// padding, line wrapping and alphabet, so all of those are accepted.
func decodedLen(b64 string) int64 {
	s := strings.TrimRight(strings.Join(strings.Fields(b64), ""), "=")
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return int64(len(b))
		}
	}
	return 0
}
