// Package session runs one live interview session: it feeds transcript
// events to the matcher, drives two-stage answer generation and keeps the
// answer history. All session state is owned by the Run loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lukasbauer/mendan/internal/capture"
	"github.com/lukasbauer/mendan/internal/generation"
	"github.com/lukasbauer/mendan/internal/matcher"
	"github.com/lukasbauer/mendan/internal/merge"
	"github.com/lukasbauer/mendan/internal/observability/metrics"
	"github.com/lukasbauer/mendan/internal/profile"
	"github.com/lukasbauer/mendan/internal/transcribe"
)

var (
	ErrAlreadyListening = errors.New("session: already listening")
	ErrNotListening     = errors.New("session: not listening")
	ErrEmptyInput       = errors.New("文字起こしがまだありません。")
	ErrEmptyText        = errors.New("テキスト質問を入力してください。")
	ErrClosed           = errors.New("session: orchestrator stopped")
	ErrUnknownProfile   = errors.New("session: unknown profile")
)

// State is the connection state of the session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateListening  State = "listening"
	StateError      State = "error"
)

// Transcription status values shown alongside State.
const (
	TranscriptionDisconnected = "disconnected"
	TranscriptionConnecting   = "connecting"
	TranscriptionListening    = "listening"
	TranscriptionError        = "error"
)

const (
	earlyCommitReason   = "high-confidence-delta"
	captureEndedReason  = "capture-ended"
	manualConfidence    = 0.55
	maxProfileBullets   = 5
	textReason          = "テキスト入力: 手動生成"
	currentReason       = "手動生成: 非質問も許可"
	fallbackReason      = "completedが短い相槌のため、直前の質問を採用して生成"
	skippedReason       = "completed: 質問判定なしのためスキップ"
	undetectedReason    = "未検出"
	captureStartFailure = "audio capture: 音声取得を開始できませんでした: "
)

// Config wires an Orchestrator.
type Config struct {
	Proxy   Proxy
	Matcher *matcher.Matcher
	// Source is nil for text-only sessions.
	Source   capture.Source
	Profiles []profile.Profile

	SilenceMs             int
	HealthInterval        time.Duration
	CaptureCheckDelay     time.Duration
	AlertCooldown         time.Duration
	RecentDetectionWindow time.Duration
	UpdateBuffer          int

	Log zerolog.Logger
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Matcher == nil {
		c.Matcher = matcher.New(matcher.DefaultThresholds())
	}
	if c.SilenceMs == 0 {
		c.SilenceMs = 300
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 1500 * time.Millisecond
	}
	if c.CaptureCheckDelay == 0 {
		c.CaptureCheckDelay = 2500 * time.Millisecond
	}
	if c.AlertCooldown == 0 {
		c.AlertCooldown = 10 * time.Second
	}
	if c.RecentDetectionWindow == 0 {
		c.RecentDetectionWindow = 2 * time.Second
	}
	if c.UpdateBuffer == 0 {
		c.UpdateBuffer = 32
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Orchestrator is the session state machine. Call Run in its own goroutine;
// every other method is safe for concurrent use.
type Orchestrator struct {
	cfg     Config
	log     zerolog.Logger
	inbox   chan func()
	done    chan struct{}
	updates chan Snapshot

	// Everything below is owned by the Run loop.
	runCtx         context.Context
	state          State
	proxyOK        bool
	healthInFlight bool
	transcription  string
	bridgeStatus   string

	seq         uint64 // bridge connection attempts
	captureSeq  uint64 // capture start attempts
	conn        Transcriber
	connCancel  context.CancelFunc
	capture     captureRun
	checkTimer  *time.Timer
	recovered   bool
	lastAlertAt time.Time

	buffer             string
	triggered          bool
	latest             *matcher.Detection
	detectionStartedAt time.Time
	transcript         Transcript

	epoch           uint64
	stage0          string
	stage1          *generation.Stage1Payload
	stage2          *generation.Stage2Payload
	stage1Preview   string
	stage2Preview   string
	stage1Status    StageStatus
	stage2Status    StageStatus
	stage1StartedAt time.Time
	history         history
	metrics         LatencyMetrics
	debug           Debug
	errMsg          string
	warning         string

	profiles        []profile.Profile
	selectedProfile uuid.UUID
}

type captureRun struct {
	cancel  context.CancelFunc
	frames  *atomic.Int64
	audible *atomic.Int64
	active  bool
}

func New(cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:           cfg,
		log:           cfg.Log,
		inbox:         make(chan func(), 64),
		done:          make(chan struct{}),
		updates:       make(chan Snapshot, cfg.UpdateBuffer),
		state:         StateIdle,
		transcription: TranscriptionDisconnected,
		stage0:        InitialStage0,
		stage1Status:  StageIdle,
		stage2Status:  StageIdle,
		debug:         Debug{Category: matcher.Unknown, Reason: undetectedReason},
		profiles:      append([]profile.Profile(nil), cfg.Profiles...),
	}
}

// Updates delivers a snapshot after every state change. Snapshots are
// dropped while the consumer lags behind.
func (o *Orchestrator) Updates() <-chan Snapshot { return o.updates }

// Run processes commands and async completions until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.runCtx = ctx
	defer close(o.done)
	defer o.teardown()

	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()
	o.pollHealth()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-o.inbox:
			fn()
		case <-ticker.C:
			o.pollHealth()
		}
	}
}

// post queues fn for the loop. It reports false once the loop has exited.
func (o *Orchestrator) post(fn func()) bool {
	select {
	case o.inbox <- fn:
		return true
	case <-o.done:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (o *Orchestrator) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case o.inbox <- func() { reply <- fn() }:
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start connects the bridge and, for audio sessions, starts capture.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.call(ctx, o.start)
}

// Stop ends listening. Generation already in flight may still complete.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.call(ctx, func() error {
		if o.state == StateIdle {
			return ErrNotListening
		}
		o.stop()
		o.publish()
		return nil
	})
}

// GenerateFromText answers typed text as if it had been heard.
func (o *Orchestrator) GenerateFromText(ctx context.Context, text string) error {
	return o.call(ctx, func() error {
		input := strings.TrimSpace(text)
		if input == "" {
			o.errMsg = ErrEmptyText.Error()
			o.publish()
			return ErrEmptyText
		}
		o.detectionStartedAt = o.cfg.Now()
		o.transcript = Transcript{Live: input, Provisional: input, Finalized: input}
		d := o.manualDetection(input, textReason)
		o.applyDetection(d, false)
		o.triggerStage1(d.Text, d.Category)
		o.publish()
		return nil
	})
}

// GenerateFromCurrent answers the best current question text even when the
// matcher did not accept it.
func (o *Orchestrator) GenerateFromCurrent(ctx context.Context) error {
	return o.call(ctx, func() error {
		question := o.manualInput()
		if question == "" {
			o.errMsg = ErrEmptyInput.Error()
			o.publish()
			return ErrEmptyInput
		}
		if o.detectionStartedAt.IsZero() {
			o.detectionStartedAt = o.cfg.Now()
		}
		d := o.manualDetection(question, currentReason)
		o.applyDetection(d, false)
		o.triggerStage1(d.Text, d.Category)
		o.publish()
		return nil
	})
}

// Probe injects text through the bridge as simulated speech.
func (o *Orchestrator) Probe(ctx context.Context, text string) error {
	return o.call(ctx, func() error {
		if o.conn == nil {
			return ErrNotListening
		}
		return o.conn.TextProbe(text)
	})
}

// SelectProfile sets the profile used for templates and generation context.
// uuid.Nil clears the selection.
func (o *Orchestrator) SelectProfile(ctx context.Context, id uuid.UUID) error {
	return o.call(ctx, func() error {
		if id != uuid.Nil {
			if _, ok := profile.Find(o.profiles, id); !ok {
				return fmt.Errorf("%w: %s", ErrUnknownProfile, id)
			}
		}
		o.selectedProfile = id
		o.publish()
		return nil
	})
}

// SetProfiles replaces the known profiles. A selection that no longer exists
// is cleared.
func (o *Orchestrator) SetProfiles(ctx context.Context, profiles []profile.Profile) error {
	return o.call(ctx, func() error {
		o.profiles = append([]profile.Profile(nil), profiles...)
		if _, ok := profile.Find(o.profiles, o.selectedProfile); !ok {
			o.selectedProfile = uuid.Nil
		}
		o.publish()
		return nil
	})
}

// Snapshot returns a copy of the current session state.
func (o *Orchestrator) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := o.call(ctx, func() error {
		snap = o.snapshot()
		return nil
	})
	return snap, err
}

// ClearSession resets transcript, outputs and metrics. Results of
// generations already in flight are discarded.
func (o *Orchestrator) ClearSession(ctx context.Context) error {
	return o.call(ctx, func() error {
		o.epoch++
		o.transcript = Transcript{}
		o.stage0 = InitialStage0
		o.stage1, o.stage2 = nil, nil
		o.stage1Preview, o.stage2Preview = "", ""
		o.stage1Status, o.stage2Status = StageIdle, StageIdle
		o.metrics = LatencyMetrics{}
		o.debug = Debug{Category: matcher.Unknown, Reason: undetectedReason}
		o.detectionStartedAt = time.Time{}
		o.stage1StartedAt = time.Time{}
		o.buffer = ""
		o.latest = nil
		o.history.active = uuid.Nil
		if o.capture.frames != nil {
			o.capture.frames.Store(0)
			o.capture.audible.Store(0)
		}
		o.publish()
		return nil
	})
}

// ClearHistory drops every history entry.
func (o *Orchestrator) ClearHistory(ctx context.Context) error {
	return o.call(ctx, func() error {
		o.history.clear()
		o.publish()
		return nil
	})
}

func (o *Orchestrator) start() error {
	if o.state == StateConnecting || o.state == StateListening {
		return ErrAlreadyListening
	}
	if o.connCancel != nil {
		o.connCancel()
	}
	o.seq++
	seq := o.seq
	o.state = StateConnecting
	o.transcription = TranscriptionConnecting
	o.bridgeStatus = ""
	o.errMsg, o.warning = "", ""
	o.triggered = false
	o.recovered = false
	o.buffer = ""
	o.latest = nil

	ctx, cancel := context.WithCancel(o.runCtx)
	o.connCancel = cancel
	o.log.Info().Uint64("seq", seq).Bool("audio", o.cfg.Source != nil).Msg("session starting")
	go func() {
		conn, err := o.cfg.Proxy.Connect(ctx, o.cfg.SilenceMs)
		if !o.post(func() { o.onConnected(seq, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
	o.publish()
	return nil
}

func (o *Orchestrator) onConnected(seq uint64, conn Transcriber, err error) {
	if seq != o.seq || o.state != StateConnecting {
		if conn != nil {
			_ = conn.Close()
		}
		o.log.Debug().Uint64("seq", seq).Msg("stale bridge connection discarded")
		return
	}
	if err != nil {
		o.state = StateError
		o.transcription = TranscriptionError
		o.errMsg = prefixed("transcription", err.Error())
		o.log.Warn().Err(err).Msg("bridge connect failed")
		o.publish()
		return
	}

	o.conn = conn
	go func() {
		for ev := range conn.Events() {
			if !o.post(func() { o.onTranscript(seq, ev) }) {
				return
			}
		}
		o.post(func() { o.onBridgeClosed(seq) })
	}()

	if o.cfg.Source == nil {
		o.state = StateListening
		o.transcription = TranscriptionListening
		o.log.Info().Msg("session listening (text mode)")
		o.publish()
		return
	}
	o.startCapture()
	o.publish()
}

func (o *Orchestrator) startCapture() {
	o.captureSeq++
	cseq := o.captureSeq
	ctx, cancel := context.WithCancel(o.runCtx)
	o.capture = captureRun{cancel: cancel, frames: new(atomic.Int64), audible: new(atomic.Int64)}
	src := o.cfg.Source
	go func() {
		frames, err := src.Start(ctx)
		if err == nil && ctx.Err() != nil {
			_ = src.Stop()
			o.log.Debug().Uint64("capture_seq", cseq).Msg("capture start cancelled")
			return
		}
		o.post(func() { o.onCaptureStarted(ctx, cseq, frames, err) })
	}()
}

func (o *Orchestrator) onCaptureStarted(ctx context.Context, cseq uint64, frames <-chan []byte, err error) {
	if cseq != o.captureSeq || ctx.Err() != nil {
		if err == nil {
			_ = o.cfg.Source.Stop()
		}
		o.log.Debug().Uint64("capture_seq", cseq).Msg("stale capture start discarded")
		return
	}
	if err == nil && o.conn == nil {
		_ = o.cfg.Source.Stop()
		err = errors.New("transcription: bridge closed before capture started")
	}
	if err != nil {
		o.log.Warn().Err(err).Msg("capture start failed")
		msg := err.Error()
		if !strings.HasPrefix(msg, "audio capture:") && !strings.HasPrefix(msg, "transcription:") {
			msg = captureStartFailure + msg
		}
		o.stop()
		o.state = StateError
		o.transcription = TranscriptionError
		o.errMsg = msg
		o.publish()
		return
	}

	o.capture.active = true
	o.state = StateListening
	o.transcription = TranscriptionListening
	o.log.Info().Str("source", o.cfg.Source.Name()).Msg("session listening")

	conn, counters := o.conn, o.capture
	go func() {
		for f := range frames {
			counters.frames.Add(1)
			if capture.ContainsAudibleSamples(f) {
				counters.audible.Add(1)
			}
			if err := conn.SendAudio(f); err != nil {
				o.log.Debug().Err(err).Msg("send audio failed")
			}
		}
		o.post(func() { o.onCaptureEnded(cseq) })
	}()

	o.scheduleCaptureCheck(cseq)
	o.publish()
}

func (o *Orchestrator) onCaptureEnded(cseq uint64) {
	if cseq != o.captureSeq || !o.capture.active {
		return
	}
	o.capture.active = false
	o.log.Info().Int64("frames", o.capture.frames.Load()).Msg("capture source ended")
	if o.conn != nil {
		if err := o.conn.Commit(captureEndedReason); err != nil {
			o.log.Debug().Err(err).Msg("final commit failed")
		}
	}
	o.publish()
}

// stopCapture cancels the capture run and stops the source even when it
// already ended on its own. Stopping a stopped source is a no-op.
func (o *Orchestrator) stopCapture() {
	if o.capture.cancel != nil {
		o.capture.cancel()
	}
	if o.cfg.Source != nil && o.capture.cancel != nil {
		if err := o.cfg.Source.Stop(); err != nil {
			o.log.Warn().Err(err).Msg("capture stop failed")
		}
	}
	o.capture.active = false
}

// stop tears down the bridge and capture; it leaves outputs and history.
func (o *Orchestrator) stop() {
	o.seq++
	o.captureSeq++
	if o.connCancel != nil {
		o.connCancel()
		o.connCancel = nil
	}
	o.stopCapture()
	if o.checkTimer != nil {
		o.checkTimer.Stop()
		o.checkTimer = nil
	}
	if o.conn != nil {
		_ = o.conn.Close()
		o.conn = nil
	}
	o.state = StateIdle
	o.transcription = TranscriptionDisconnected
	o.triggered = false
	o.buffer = ""
	o.latest = nil
	o.log.Info().Msg("session stopped")
}

func (o *Orchestrator) teardown() {
	if o.state != StateIdle {
		o.stop()
	}
}

func (o *Orchestrator) onBridgeClosed(seq uint64) {
	if seq != o.seq || o.conn == nil {
		return
	}
	_ = o.conn.Close()
	o.conn = nil
	o.transcription = TranscriptionDisconnected
	o.log.Warn().Msg("transcription bridge closed")
	o.publish()
}

func (o *Orchestrator) onTranscript(seq uint64, ev transcribe.Event) {
	if seq != o.seq {
		return
	}
	switch e := ev.(type) {
	case transcribe.Status:
		o.bridgeStatus = e.Value
		if e.Value == transcribe.StatusConnected {
			o.transcription = TranscriptionListening
		}
	case transcribe.Delta:
		o.onDelta(e.Text)
	case transcribe.Completed:
		o.onCompleted(e.Text)
	case transcribe.Committed:
		o.transcript.Finalized = e.Text
	case transcribe.Error:
		if ignorableTranscriptionError(e.Message) {
			o.log.Debug().Str("message", e.Message).Msg("transcription error ignored")
			return
		}
		o.log.Warn().Str("message", e.Message).Msg("transcription error")
		o.errMsg = prefixed("transcription", e.Message)
		o.transcription = TranscriptionError
	default:
		return
	}
	o.publish()
}

func (o *Orchestrator) onDelta(delta string) {
	if o.detectionStartedAt.IsZero() {
		o.detectionStartedAt = o.cfg.Now()
	}
	o.buffer += delta
	o.transcript.Live = o.buffer

	d, ok := o.cfg.Matcher.EvaluateDelta(o.buffer, delta)
	if !ok {
		return
	}
	o.applyDetection(d, true)
	o.latest = &d
	if o.triggered || !o.cfg.Matcher.ShouldEarlyCommit(d) {
		return
	}
	o.triggered = true
	if o.conn != nil {
		if err := o.conn.Commit(earlyCommitReason); err != nil {
			o.log.Debug().Err(err).Msg("early commit failed")
		}
	}
	o.triggerStage1(d.Text, d.Category)
}

func (o *Orchestrator) onCompleted(text string) {
	o.transcript.Live = text
	o.buffer = text

	if d, ok := o.cfg.Matcher.FinalizeQuestion(text); ok {
		o.applyDetection(d, false)
		o.latest = &d
		if !o.triggered {
			o.triggered = true
			o.triggerStage1(d.Text, d.Category)
		}
	} else if latest := o.latest; !o.triggered && latest != nil &&
		o.cfg.Now().Sub(latest.Timestamp) <= o.cfg.RecentDetectionWindow {
		o.applyDetection(*latest, false)
		o.triggered = true
		o.debug.Reason = fallbackReason
		o.triggerStage1(latest.Text, latest.Category)
	} else {
		o.markSkipped(skippedReason)
	}

	o.buffer = ""
	o.detectionStartedAt = time.Time{}
	o.triggered = false
}

func (o *Orchestrator) applyDetection(d matcher.Detection, provisional bool) {
	latency := -1.0
	if !o.detectionStartedAt.IsZero() {
		elapsed := o.cfg.Now().Sub(o.detectionStartedAt)
		o.metrics.DetectionMs = durationMs(elapsed)
		latency = elapsed.Seconds()
	}
	source := "completed"
	if provisional {
		source = "delta"
	}
	metrics.DefaultMetrics.RecordDetection(d.Category.String(), source, latency)
	o.debug = Debug{
		Category:   d.Category,
		Reason:     d.Reason,
		Keywords:   append([]string(nil), d.MatchedMarkers...),
		Confidence: d.Confidence,
	}
	o.stage0 = Stage0Template(d.Category, o.selectedKeywords())
	o.transcript.Provisional = d.Text
	if !provisional {
		o.transcript.Finalized = d.Text
	}
}

func (o *Orchestrator) markSkipped(reason string) {
	o.debug = Debug{Category: matcher.Unknown, Reason: reason}
	o.transcript.Provisional = ""
}

func (o *Orchestrator) manualDetection(text, reason string) matcher.Detection {
	if d, ok := o.cfg.Matcher.FinalizeQuestion(text); ok {
		return d
	}
	if d, ok := o.cfg.Matcher.EvaluateDelta(text, text); ok {
		return d
	}
	return matcher.Detection{
		Text:       text,
		Category:   matcher.Unknown,
		Confidence: manualConfidence,
		Reason:     reason,
		Timestamp:  o.cfg.Now(),
	}
}

// manualInput picks the finalized question, then the provisional one, then
// the live transcript.
func (o *Orchestrator) manualInput() string {
	for _, s := range []string{o.transcript.Finalized, o.transcript.Provisional, o.transcript.Live} {
		if t := strings.TrimSpace(s); t != "" {
			return t
		}
	}
	return ""
}

func (o *Orchestrator) selectedKeywords() []string {
	if p, ok := o.currentProfile(); ok {
		return p.Keywords
	}
	return nil
}

func (o *Orchestrator) currentProfile() (profile.Profile, bool) {
	if o.selectedProfile == uuid.Nil {
		return profile.Profile{}, false
	}
	return profile.Find(o.profiles, o.selectedProfile)
}

func (o *Orchestrator) profileContext(question string) (string, []string) {
	p, ok := o.currentProfile()
	if !ok {
		return "", []string{}
	}
	return p.Summary, ProfileBullets(question, p.Keywords)
}

// ProfileBullets picks up to five profile keywords related to the question,
// or the first five keywords when none relate.
func ProfileBullets(question string, keywords []string) []string {
	tokens := strings.Fields(strings.ToLower(question))
	var matched []string
	for _, kw := range keywords {
		k := strings.ToLower(kw)
		for _, tok := range tokens {
			if strings.Contains(tok, k) || strings.Contains(k, tok) {
				matched = append(matched, kw)
				break
			}
		}
	}
	if len(matched) == 0 {
		matched = keywords
	}
	return append([]string{}, matched[:min(maxProfileBullets, len(matched))]...)
}

func (o *Orchestrator) triggerStage1(question string, category matcher.Category) {
	o.epoch++
	epoch := o.epoch
	now := o.cfg.Now()

	o.stage1Status, o.stage2Status = StageWaiting, StageIdle
	o.stage1Preview, o.stage2Preview = "", ""
	o.stage1, o.stage2 = nil, nil
	o.stage1StartedAt = now
	o.metrics.Stage1FirstTokenMs = 0
	o.history.push(HistoryEntry{
		ID:             uuid.New(),
		Timestamp:      now,
		Question:       question,
		Category:       category,
		Stage0Template: o.stage0,
		Stage1Status:   StageWaiting,
		Stage2Status:   StageIdle,
	})

	summary, bullets := o.profileContext(question)
	req := generation.Stage1Request{
		Question:       question,
		Category:       category.String(),
		ProfileSummary: summary,
		ProfileBullets: bullets,
		Language:       "ja",
	}
	o.log.Info().Uint64("epoch", epoch).Str("category", category.String()).Msg("stage1 triggered")
	ch := o.cfg.Proxy.Stage1(o.runCtx, req)
	go func() {
		for env := range ch {
			if !o.post(func() { o.onStage1(epoch, question, category, env) }) {
				return
			}
		}
	}()
}

func (o *Orchestrator) onStage1(epoch uint64, question string, category matcher.Category, env generation.Envelope[generation.Stage1Payload]) {
	if epoch != o.epoch {
		o.log.Debug().Uint64("epoch", epoch).Uint64("current", o.epoch).Msg("stale stage1 result dropped")
		return
	}
	switch env.Type {
	case generation.EnvelopeDelta:
		if o.stage1Status == StageWaiting {
			o.stage1Status = StageStreaming
		}
		if o.metrics.Stage1FirstTokenMs == 0 {
			o.metrics.Stage1FirstTokenMs = max(1, durationMs(o.cfg.Now().Sub(o.stage1StartedAt)))
		}
		o.stage1Preview += env.Delta
		preview := o.stage1Preview
		o.history.updateActive(func(e *HistoryEntry) {
			e.ShortAnswer = preview
			e.Stage1Status = StageStreaming
		})
	case generation.EnvelopeDone:
		payload := *env.Result
		o.stage1 = &payload
		o.stage1Status = StageDone
		o.stage1Preview = payload.Answer10s
		o.history.updateActive(func(e *HistoryEntry) {
			e.ShortAnswer = payload.Answer10s
			e.Stage1Status = StageDone
		})
		o.log.Info().Int("len", len([]rune(payload.Answer10s))).Msg("stage1 done")
		o.triggerStage2(epoch, question, category, payload.Answer10s)
	case generation.EnvelopeError:
		o.stage1Status = StageError
		o.errMsg = prefixed(generation.Stage1, env.Error)
		o.history.updateActive(func(e *HistoryEntry) { e.Stage1Status = StageError })
		o.log.Warn().Str("error", env.Error).Msg("stage1 failed")
	}
	o.publish()
}

func (o *Orchestrator) triggerStage2(epoch uint64, question string, category matcher.Category, stage1Answer string) {
	o.stage2Status = StageWaiting
	o.stage2Preview = ""
	o.history.updateActive(func(e *HistoryEntry) { e.Stage2Status = StageWaiting })

	summary, bullets := o.profileContext(question)
	req := generation.Stage2Request{
		Question:       question,
		Category:       category.String(),
		Stage1Answer:   stage1Answer,
		ProfileSummary: summary,
		ProfileBullets: bullets,
		Language:       "ja",
	}
	ch := o.cfg.Proxy.Stage2(o.runCtx, req)
	go func() {
		for env := range ch {
			if !o.post(func() { o.onStage2(epoch, env) }) {
				return
			}
		}
	}()
}

func (o *Orchestrator) onStage2(epoch uint64, env generation.Envelope[generation.Stage2Payload]) {
	if epoch != o.epoch {
		o.log.Debug().Uint64("epoch", epoch).Uint64("current", o.epoch).Msg("stale stage2 result dropped")
		return
	}
	quick := o.quickAnswer()
	switch env.Type {
	case generation.EnvelopeDelta:
		o.stage2Status = StageStreaming
		o.stage2Preview += env.Delta
		preview := o.stage2Preview
		o.history.updateActive(func(e *HistoryEntry) {
			e.LongAnswer = preview
			e.Continuation = merge.Continuation(quick, preview)
			e.Stage2Status = StageStreaming
		})
	case generation.EnvelopeDone:
		payload := *env.Result
		o.stage2 = &payload
		o.stage2Status = StageDone
		o.stage2Preview = payload.Answer30s
		continuation := merge.Continuation(quick, payload.Answer30s)
		o.history.updateActive(func(e *HistoryEntry) {
			e.LongAnswer = payload.Answer30s
			e.Continuation = continuation
			e.Followups = append([]generation.Followup(nil), payload.Followups...)
			e.Stage2Status = StageDone
		})
		o.log.Info().
			Int("len", len([]rune(payload.Answer30s))).
			Int("followups", len(payload.Followups)).
			Msg("stage2 done")
	case generation.EnvelopeError:
		o.stage2Status = StageError
		o.errMsg = prefixed(generation.Stage2, env.Error)
		o.history.updateActive(func(e *HistoryEntry) { e.Stage2Status = StageError })
		o.log.Warn().Str("error", env.Error).Msg("stage2 failed")
	}
	o.publish()
}

// quickAnswer is the final Stage-1 answer, else its preview, else the
// Stage-0 template.
func (o *Orchestrator) quickAnswer() string {
	if o.stage1 != nil {
		return o.stage1.Answer10s
	}
	if o.stage1Preview != "" {
		return o.stage1Preview
	}
	return o.stage0
}

func (o *Orchestrator) continuation() string {
	if o.stage2 != nil && o.stage2.Answer30s != "" {
		return merge.Continuation(o.quickAnswer(), o.stage2.Answer30s)
	}
	if o.stage2Preview != "" {
		return merge.Continuation(o.quickAnswer(), o.stage2Preview)
	}
	return ""
}

func (o *Orchestrator) pollHealth() {
	if o.healthInFlight {
		return
	}
	o.healthInFlight = true
	ctx := o.runCtx
	go func() {
		err := o.cfg.Proxy.Health(ctx)
		o.post(func() {
			o.healthInFlight = false
			ok := err == nil
			if ok != o.proxyOK {
				o.log.Info().Bool("ok", ok).Msg("proxy health changed")
				o.proxyOK = ok
				o.publish()
			}
		})
	}()
}

func (o *Orchestrator) publish() {
	select {
	case o.updates <- o.snapshot():
	default:
	}
}

func ignorableTranscriptionError(msg string) bool {
	m := strings.ToLower(msg)
	for _, s := range []string{"socket is not connected", "cancelled", "canceled", "socket is closed"} {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}

func prefixed(subsystem, msg string) string {
	if strings.HasPrefix(msg, subsystem+":") {
		return msg
	}
	return subsystem + ": " + msg
}

func durationMs(d time.Duration) int {
	return int(d / time.Millisecond)
}
