package session

import (
	"github.com/google/uuid"

	"github.com/lukasbauer/mendan/internal/generation"
	"github.com/lukasbauer/mendan/internal/matcher"
	"github.com/lukasbauer/mendan/internal/merge"
)

// Transcript holds the three views of what has been heard.
type Transcript struct {
	Live        string `json:"live"`
	Provisional string `json:"provisional"`
	Finalized   string `json:"finalized"`
}

// LatencyMetrics are zero until measured.
type LatencyMetrics struct {
	DetectionMs        int `json:"detection_ms"`
	Stage1FirstTokenMs int `json:"stage1_first_token_ms"`
}

// Debug explains the most recent matcher decision.
type Debug struct {
	Category   matcher.Category `json:"category"`
	Reason     string           `json:"reason"`
	Keywords   []string         `json:"keywords"`
	Confidence float64          `json:"confidence"`
}

// Phase is the composite session phase derived from the connection state
// and the generation stages.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseListening  Phase = "listening"
	PhaseDetecting  Phase = "detecting"
	PhaseStage1     Phase = "generating-stage1"
	PhaseStage2     Phase = "generating-stage2"
	PhaseError      Phase = "error"
)

// Snapshot is a point-in-time copy of the session, safe to keep.
type Snapshot struct {
	State         State  `json:"state"`
	ProxyOK       bool   `json:"proxy_ok"`
	Transcription string `json:"transcription"`
	BridgeStatus  string `json:"bridge_status"`

	Transcript Transcript `json:"transcript"`

	Stage0Template string                    `json:"stage0_template"`
	Stage1         *generation.Stage1Payload `json:"stage1,omitempty"`
	Stage2         *generation.Stage2Payload `json:"stage2,omitempty"`
	Stage1Preview  string                    `json:"stage1_preview"`
	Stage2Preview  string                    `json:"stage2_preview"`
	Stage1Status   StageStatus               `json:"stage1_status"`
	Stage2Status   StageStatus               `json:"stage2_status"`
	QuickAnswer    string                    `json:"quick_answer"`
	Continuation   string                    `json:"continuation"`
	Merged         string                    `json:"merged"`

	History []HistoryEntry `json:"history"`
	Metrics LatencyMetrics `json:"metrics"`
	Debug   Debug          `json:"debug"`

	Error   string `json:"error,omitempty"`
	Warning string `json:"warning,omitempty"`

	FramesSent      int64     `json:"frames_sent"`
	AudibleFrames   int64     `json:"audible_frames"`
	SelectedProfile uuid.UUID `json:"selected_profile"`
}

// Phase maps the snapshot onto the session state machine.
func (s Snapshot) Phase() Phase {
	switch s.State {
	case StateIdle:
		if busy(s.Stage1Status) {
			return PhaseStage1
		}
		if busy(s.Stage2Status) {
			return PhaseStage2
		}
		return PhaseIdle
	case StateConnecting:
		return PhaseConnecting
	case StateError:
		return PhaseError
	}
	switch {
	case busy(s.Stage1Status):
		return PhaseStage1
	case busy(s.Stage2Status):
		return PhaseStage2
	case s.Transcript.Provisional != "" && s.Stage1Status == StageIdle:
		return PhaseDetecting
	}
	return PhaseListening
}

func busy(st StageStatus) bool {
	return st == StageWaiting || st == StageStreaming
}

func (o *Orchestrator) snapshot() Snapshot {
	quick := o.quickAnswer()
	cont := o.continuation()
	s := Snapshot{
		State:           o.state,
		ProxyOK:         o.proxyOK,
		Transcription:   o.transcription,
		BridgeStatus:    o.bridgeStatus,
		Transcript:      o.transcript,
		Stage0Template:  o.stage0,
		Stage1Preview:   o.stage1Preview,
		Stage2Preview:   o.stage2Preview,
		Stage1Status:    o.stage1Status,
		Stage2Status:    o.stage2Status,
		QuickAnswer:     quick,
		Continuation:    cont,
		Merged:          merge.Compose(quick, cont),
		History:         o.history.snapshot(),
		Metrics:         o.metrics,
		Debug:           o.debug,
		Error:           o.errMsg,
		Warning:         o.warning,
		SelectedProfile: o.selectedProfile,
	}
	s.Debug.Keywords = append([]string(nil), o.debug.Keywords...)
	if o.stage1 != nil {
		p := *o.stage1
		p.Keywords = append([]string(nil), p.Keywords...)
		p.Assumptions = append([]string(nil), p.Assumptions...)
		s.Stage1 = &p
	}
	if o.stage2 != nil {
		p := *o.stage2
		p.Followups = append([]generation.Followup(nil), p.Followups...)
		s.Stage2 = &p
	}
	if o.capture.frames != nil {
		s.FramesSent = o.capture.frames.Load()
		s.AudibleFrames = o.capture.audible.Load()
	}
	return s
}
