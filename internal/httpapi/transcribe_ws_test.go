package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukasbauer/mendan/internal/generation"
	"github.com/lukasbauer/mendan/internal/stt"
	"github.com/lukasbauer/mendan/internal/transcribe"
)

const wsWait = 2 * time.Second

type fakeUpstream struct {
	events chan stt.Event

	mu       sync.Mutex
	updates  []stt.SessionConfig
	appended []string
	commits  int
	err      error
	closed   bool
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan stt.Event, 16)}
}

func (f *fakeUpstream) UpdateSession(_ context.Context, cfg stt.SessionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, cfg)
	return nil
}

func (f *fakeUpstream) AppendAudio(_ context.Context, b64 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, b64)
	return nil
}

func (f *fakeUpstream) Commit(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}

func (f *fakeUpstream) Events() <-chan stt.Event { return f.events }

func (f *fakeUpstream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// closeWith ends the event stream, optionally with a read error.
func (f *fakeUpstream) closeWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	close(f.events)
}

func (f *fakeUpstream) state() (updates []stt.SessionConfig, appended, commits int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stt.SessionConfig(nil), f.updates...), len(f.appended), f.commits, f.closed
}

type bridgeClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func startBridge(t *testing.T, cfg RouterConfig, dialer stt.Dialer) *bridgeClient {
	t.Helper()
	h := NewRouter(cfg, Deps{
		Generator: generation.NewService(nil, generation.DefaultConfig(), zerolog.Nop()),
		Dialer:    dialer,
	}, zerolog.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/transcribe"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &bridgeClient{t: t, conn: conn}
}

func (c *bridgeClient) next() transcribe.Event {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(wsWait)))
	_, raw, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	ev, err := transcribe.ParseServerMessage(raw)
	require.NoError(c.t, err)
	return ev
}

func (c *bridgeClient) sendRaw(raw string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (c *bridgeClient) send(m transcribe.ClientMessage) {
	c.t.Helper()
	b, err := transcribe.EncodeClientMessage(m)
	require.NoError(c.t, err)
	c.sendRaw(string(b))
}

func (c *bridgeClient) sendAudio(n int) {
	c.t.Helper()
	c.send(transcribe.Audio{Audio: base64.StdEncoding.EncodeToString(make([]byte, n))})
}

func realtimeBridge(t *testing.T) (*bridgeClient, *fakeUpstream) {
	t.Helper()
	up := newFakeUpstream()
	c := startBridge(t, RouterConfig{OpenAIAPIKey: "sk-test", TranscriptionModel: "gpt-4o-mini-transcribe"},
		func(context.Context, stt.SessionConfig) (stt.Client, error) { return up, nil })
	assert.Equal(t, transcribe.Status{Value: transcribe.StatusConnected}, c.next())
	assert.Equal(t, transcribe.Status{Value: transcribe.StatusRealtimeReady}, c.next())
	return c, up
}

func TestBridge_MockModeTextProbe(t *testing.T) {
	c := startBridge(t, RouterConfig{}, nil)
	assert.Equal(t, transcribe.Status{Value: transcribe.StatusConnected}, c.next())
	assert.Equal(t, transcribe.Status{Value: transcribe.StatusMockMode}, c.next())

	c.send(transcribe.TextProbe{Text: "  なぜ この 設計 ですか  "})
	for _, want := range []string{"なぜ ", "この ", "設計 ", "ですか "} {
		assert.Equal(t, transcribe.Delta{Text: want}, c.next())
	}
	assert.Equal(t, transcribe.Completed{Text: "なぜ この 設計 ですか"}, c.next())
}

func TestBridge_TextProbeCapsChunks(t *testing.T) {
	c := startBridge(t, RouterConfig{}, nil)
	c.next()
	c.next()

	text := "a b c d e f g h"
	c.send(transcribe.TextProbe{Text: text})
	for _, want := range []string{"a ", "b ", "c ", "d ", "e ", "f "} {
		assert.Equal(t, transcribe.Delta{Text: want}, c.next())
	}
	assert.Equal(t, transcribe.Completed{Text: text}, c.next())
}

func TestBridge_InvalidPayload(t *testing.T) {
	c := startBridge(t, RouterConfig{}, nil)
	c.next()
	c.next()

	c.sendRaw("not json")
	assert.Equal(t, transcribe.Error{Message: "invalid client payload"}, c.next())
	c.sendRaw(`{"kind":"audio"}`)
	assert.Equal(t, transcribe.Error{Message: "invalid client payload"}, c.next())

	// Unknown types are dropped; the session keeps working.
	c.sendRaw(`{"type":"hello"}`)
	c.send(transcribe.TextProbe{Text: "ok"})
	assert.Equal(t, transcribe.Delta{Text: "ok "}, c.next())
}

func TestBridge_SessionConfig(t *testing.T) {
	c, up := realtimeBridge(t)

	updates, _, _, _ := up.state()
	require.Len(t, updates, 1)
	assert.Equal(t, 300, updates[0].SilenceDurationMs)
	assert.Equal(t, 200, updates[0].PrefixPaddingMs)
	assert.Equal(t, "gpt-4o-mini-transcribe", updates[0].Model)
	assert.Equal(t, "ja", updates[0].Language)

	c.send(transcribe.Config{ServerVAD: &transcribe.ServerVAD{SilenceDurationMs: 550}})
	c.send(transcribe.Config{ServerVAD: &transcribe.ServerVAD{}})
	require.Eventually(t, func() bool {
		u, _, _, _ := up.state()
		return len(u) == 3
	}, wsWait, 10*time.Millisecond)
	updates, _, _, _ = up.state()
	assert.Equal(t, 550, updates[1].SilenceDurationMs)
	assert.Equal(t, 550, updates[2].SilenceDurationMs, "zero keeps the current value")
}

func TestBridge_SmallCommitIsSkipped(t *testing.T) {
	c, up := realtimeBridge(t)

	up.events <- stt.TranscriptionDelta{Delta: "こんにちは"}
	assert.Equal(t, transcribe.Delta{Text: "こんにちは"}, c.next())

	c.sendAudio(2000)
	c.send(transcribe.Commit{Reason: "manual"})
	assert.Equal(t, transcribe.Status{Value: transcribe.StatusCommitSkipped}, c.next())
	_, appended, commits, _ := up.state()
	assert.Equal(t, 1, appended)
	assert.Zero(t, commits)

	// The accumulator survives a skipped commit.
	c.sendAudio(4000)
	c.send(transcribe.Commit{Reason: "manual"})
	assert.Equal(t, transcribe.Committed{Text: "こんにちは"}, c.next())
	_, _, commits, _ = up.state()
	assert.Equal(t, 1, commits)

	// Pending bytes were reset by the forwarded commit.
	c.send(transcribe.Commit{})
	assert.Equal(t, transcribe.Status{Value: transcribe.StatusCommitSkipped}, c.next())
}

func TestBridge_MinCommitBytesOverride(t *testing.T) {
	up := newFakeUpstream()
	c := startBridge(t, RouterConfig{OpenAIAPIKey: "sk-test", MinCommitBytes: 9600},
		func(context.Context, stt.SessionConfig) (stt.Client, error) { return up, nil })
	assert.Equal(t, transcribe.Status{Value: transcribe.StatusConnected}, c.next())
	assert.Equal(t, transcribe.Status{Value: transcribe.StatusRealtimeReady}, c.next())

	c.sendAudio(4800)
	c.send(transcribe.Commit{})
	assert.Equal(t, transcribe.Status{Value: transcribe.StatusCommitSkipped}, c.next())

	c.sendAudio(4800)
	c.send(transcribe.Commit{})
	c.send(transcribe.TextProbe{Text: "marker"})
	assert.Equal(t, transcribe.Delta{Text: "marker "}, c.next())
	_, _, commits, _ := up.state()
	assert.Equal(t, 1, commits)
}

func TestBridge_CommitWithoutTranscriptSendsNothing(t *testing.T) {
	c, up := realtimeBridge(t)

	c.sendAudio(4800)
	c.send(transcribe.Commit{})
	c.send(transcribe.TextProbe{Text: "marker"})
	assert.Equal(t, transcribe.Delta{Text: "marker "}, c.next())
	_, _, commits, _ := up.state()
	assert.Equal(t, 1, commits)
}

func TestBridge_CompletedEvents(t *testing.T) {
	c, up := realtimeBridge(t)

	up.events <- stt.TranscriptionDelta{Delta: "志望"}
	up.events <- stt.TranscriptionDelta{Delta: ""}
	up.events <- stt.TranscriptionDelta{Delta: "動機は"}
	up.events <- stt.TranscriptionCompleted{}
	assert.Equal(t, transcribe.Delta{Text: "志望"}, c.next())
	assert.Equal(t, transcribe.Delta{Text: "動機は"}, c.next())
	assert.Equal(t, transcribe.Completed{Text: "志望動機は"}, c.next(), "falls back to the accumulator")

	up.events <- stt.TranscriptionDelta{Delta: "途中"}
	up.events <- stt.TranscriptionCompleted{Transcript: "最終版です", HasTranscript: true}
	up.events <- stt.Unrecognized{Type: "input_audio_buffer.committed"}
	up.events <- stt.TranscriptionCompleted{}
	up.events <- stt.TranscriptionDelta{Delta: "次"}
	assert.Equal(t, transcribe.Delta{Text: "途中"}, c.next())
	assert.Equal(t, transcribe.Completed{Text: "最終版です"}, c.next())
	assert.Equal(t, transcribe.Delta{Text: "次"}, c.next(), "empty completion is not forwarded")
}

func TestBridge_IgnorableUpstreamErrors(t *testing.T) {
	c, up := realtimeBridge(t)

	c.sendAudio(6000)
	c.send(transcribe.TextProbe{Text: "sync"})
	assert.Equal(t, transcribe.Delta{Text: "sync "}, c.next())
	assert.Equal(t, transcribe.Completed{Text: "sync"}, c.next())

	up.events <- stt.UpstreamError{Message: "Error committing input audio buffer: buffer too small. Expected at least 100ms of audio, but buffer only has 0.00ms of audio."}
	up.events <- stt.TranscriptionDelta{Delta: "after"}
	assert.Equal(t, transcribe.Delta{Text: "after "}, c.next())

	// The ignorable error reset the pending byte count.
	c.send(transcribe.Commit{})
	assert.Equal(t, transcribe.Status{Value: transcribe.StatusCommitSkipped}, c.next())
}

func TestBridge_FatalUpstreamError(t *testing.T) {
	c, up := realtimeBridge(t)

	up.events <- stt.UpstreamError{Message: "invalid_api_key"}
	assert.Equal(t, transcribe.Error{Message: "invalid_api_key"}, c.next())
	assert.Equal(t, transcribe.Status{Value: transcribe.StatusRealtimeClosed}, c.next())
	_, appended, _, closed := up.state()
	assert.True(t, closed, "upstream is torn down")

	// Nothing reaches the old upstream once it is gone.
	c.sendAudio(4800)
	c.send(transcribe.Commit{})
	c.send(transcribe.TextProbe{Text: "after"})
	assert.Equal(t, transcribe.Delta{Text: "after "}, c.next())
	_, appendedAfter, commits, _ := up.state()
	assert.Equal(t, appended, appendedAfter)
	assert.Zero(t, commits)
}

func TestBridge_UpstreamClose(t *testing.T) {
	c, up := realtimeBridge(t)

	up.closeWith(errors.New("stt: read: connection reset"))
	assert.Equal(t, transcribe.Error{Message: "stt: read: connection reset"}, c.next())
	assert.Equal(t, transcribe.Status{Value: transcribe.StatusRealtimeClosed}, c.next())
	_, _, _, closed := up.state()
	assert.True(t, closed)

	// Typed text still works without an upstream.
	c.send(transcribe.TextProbe{Text: "still here"})
	assert.Equal(t, transcribe.Delta{Text: "still "}, c.next())
}

func TestBridge_CleanUpstreamClose(t *testing.T) {
	c, up := realtimeBridge(t)
	up.closeWith(nil)
	assert.Equal(t, transcribe.Status{Value: transcribe.StatusRealtimeClosed}, c.next())
}

func TestBridge_DialFailure(t *testing.T) {
	c := startBridge(t, RouterConfig{OpenAIAPIKey: "sk-test"},
		func(context.Context, stt.SessionConfig) (stt.Client, error) {
			return nil, errors.New("stt: connect realtime: 401")
		})
	assert.Equal(t, transcribe.Status{Value: transcribe.StatusConnected}, c.next())
	assert.Equal(t, transcribe.Error{Message: "stt: connect realtime: 401"}, c.next())
}

func TestBridge_ClientDisconnectClosesUpstream(t *testing.T) {
	c, up := realtimeBridge(t)
	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool {
		_, _, _, closed := up.state()
		return closed
	}, wsWait, 10*time.Millisecond)
}

func TestBridge_RegistryTracksUpstreamLoss(t *testing.T) {
	sessions := NewSessionRegistry()
	up := newFakeUpstream()
	h := NewRouter(RouterConfig{OpenAIAPIKey: "sk-test"}, Deps{
		Generator: generation.NewService(nil, generation.DefaultConfig(), zerolog.Nop()),
		Dialer:    func(context.Context, stt.SessionConfig) (stt.Client, error) { return up, nil },
		Sessions:  sessions,
	}, zerolog.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/transcribe", nil)
	require.NoError(t, err)
	c := &bridgeClient{t: t, conn: conn}
	assert.Equal(t, transcribe.Status{Value: transcribe.StatusConnected}, c.next())
	assert.Equal(t, transcribe.Status{Value: transcribe.StatusRealtimeReady}, c.next())
	assert.Equal(t, map[string]int64{modeRealtime: 1}, sessions.ModeCounts())

	up.events <- stt.UpstreamError{Message: "invalid_api_key"}
	c.next()
	assert.Equal(t, transcribe.Status{Value: transcribe.StatusRealtimeClosed}, c.next())
	assert.Equal(t, map[string]int64{bridgeUpstreamClosed: 1}, sessions.ModeCounts())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return sessions.ActiveCount() == 0 }, wsWait, 10*time.Millisecond)
	assert.Empty(t, sessions.ModeCounts())
}

func TestBridge_RejectsWhileDraining(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.StartDraining()
	r := newRouter(RouterConfig{}, Deps{Sessions: sessions}, zerolog.Nop())

	rec := httptest.NewRecorder()
	r.handleTranscribeWS(rec, httptest.NewRequest(http.MethodGet, "/ws/transcribe", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "draining")
}

func TestIsIgnorableUpstreamError(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"Buffer too small", true},
		{"buffer only has 0.00ms of audio", true},
		{"Expected at least 100ms", true},
		{"invalid_api_key", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isIgnorableUpstreamError(tt.msg); got != tt.want {
			t.Errorf("isIgnorableUpstreamError(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestDecodedLen(t *testing.T) {
	pcm := make([]byte, 4801)
	pcm[0], pcm[4800] = 0xfb, 0xff
	padded := base64.StdEncoding.EncodeToString(pcm)

	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"padded", padded, 4801},
		{"unpadded", base64.RawStdEncoding.EncodeToString(pcm), 4801},
		{"line wrapped", padded[:76] + "\r\n" + padded[76:152] + "\n" + padded[152:], 4801},
		{"url alphabet", base64.URLEncoding.EncodeToString(pcm), 4801},
		{"empty", "", 0},
		{"invalid", "%%%", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodedLen(tt.input); got != tt.want {
				t.Errorf("decodedLen = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBridge_UnpaddedAudioCountsTowardCommit(t *testing.T) {
	c, up := realtimeBridge(t)

	c.send(transcribe.Audio{Audio: base64.RawStdEncoding.EncodeToString(make([]byte, 4801))})
	c.send(transcribe.Commit{})
	c.send(transcribe.TextProbe{Text: "marker"})
	assert.Equal(t, transcribe.Delta{Text: "marker "}, c.next())
	_, _, commits, _ := up.state()
	assert.Equal(t, 1, commits)
}
