// Package transcribe defines the JSON messages exchanged between a capture
// client and the transcription bridge over /ws/transcribe.
package transcribe

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status values sent by the bridge.
const (
	StatusConnected       = "connected"
	StatusMockMode        = "mock-transcribe-mode"
	StatusRealtimeReady   = "realtime-ready"
	StatusRealtimeClosed  = "realtime-closed"
	StatusCommitSkipped   = "commit-skipped-small-buffer"
	InvalidPayloadMessage = "invalid client payload"
)

// Message type tags.
const (
	TypeStatus    = "status"
	TypeDelta     = "transcript.delta"
	TypeCompleted = "transcript.completed"
	TypeCommitted = "transcript.committed"
	TypeError     = "error"

	TypeConfig    = "config"
	TypeAudio     = "audio"
	TypeCommit    = "commit"
	TypeTextProbe = "text_probe"
)

// ErrInvalidPayload is returned for frames that are not a JSON object with a
// string "type" field.
var ErrInvalidPayload = errors.New("transcribe: invalid payload")

// Event is a message from the bridge to the client. The concrete types are
// Status, Delta, Completed, Committed, Error and Unrecognized.
type Event interface {
	eventType() string
}

type Status struct{ Value string }
type Delta struct{ Text string }
type Completed struct{ Text string }
type Committed struct{ Text string }
type Error struct{ Message string }

// Unrecognized carries a well-formed message with a type tag this package
// does not know.
type Unrecognized struct {
	Type string
	Raw  json.RawMessage
}

func (Status) eventType() string         { return TypeStatus }
func (Delta) eventType() string          { return TypeDelta }
func (Completed) eventType() string      { return TypeCompleted }
func (Committed) eventType() string      { return TypeCommitted }
func (Error) eventType() string          { return TypeError }
func (u Unrecognized) eventType() string { return u.Type }

type serverWire struct {
	Type    string `json:"type"`
	Value   string `json:"value,omitempty"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

// EncodeEvent renders ev as a JSON text frame.
func EncodeEvent(ev Event) ([]byte, error) {
	w := serverWire{Type: ev.eventType()}
	switch e := ev.(type) {
	case Status:
		w.Value = e.Value
	case Delta:
		w.Text = e.Text
	case Completed:
		w.Text = e.Text
	case Committed:
		w.Text = e.Text
	case Error:
		w.Message = e.Message
	case Unrecognized:
		return e.Raw, nil
	default:
		return nil, fmt.Errorf("transcribe: cannot encode %T", ev)
	}
	return json.Marshal(w)
}

// ParseServerMessage decodes one frame received from the bridge.
func ParseServerMessage(data []byte) (Event, error) {
	var w serverWire
	if err := json.Unmarshal(data, &w); err != nil || w.Type == "" {
		return nil, ErrInvalidPayload
	}
	switch w.Type {
	case TypeStatus:
		return Status{Value: w.Value}, nil
	case TypeDelta:
		return Delta{Text: w.Text}, nil
	case TypeCompleted:
		return Completed{Text: w.Text}, nil
	case TypeCommitted:
		return Committed{Text: w.Text}, nil
	case TypeError:
		return Error{Message: w.Message}, nil
	default:
		return Unrecognized{Type: w.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// ClientMessage is a message from the client to the bridge. The concrete
// types are Config, Audio, Commit, TextProbe and UnknownClientMessage.
type ClientMessage interface {
	clientType() string
}

// ServerVAD tunes upstream voice activity detection. Zero fields keep the
// bridge's current value.
type ServerVAD struct {
	SilenceDurationMs int `json:"silence_duration_ms,omitempty"`
	PrefixPaddingMs   int `json:"prefix_padding_ms,omitempty"`
}

type Config struct{ ServerVAD *ServerVAD }

// Audio carries base64 encoded 16-bit little-endian mono PCM at 24 kHz.
type Audio struct{ Audio string }

type Commit struct{ Reason string }
type TextProbe struct{ Text string }
type UnknownClientMessage struct{ Type string }

func (Config) clientType() string                 { return TypeConfig }
func (Audio) clientType() string                  { return TypeAudio }
func (Commit) clientType() string                 { return TypeCommit }
func (TextProbe) clientType() string              { return TypeTextProbe }
func (u UnknownClientMessage) clientType() string { return u.Type }

type clientWire struct {
	Type      string     `json:"type"`
	ServerVAD *ServerVAD `json:"server_vad,omitempty"`
	Audio     string     `json:"audio,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Text      string     `json:"text,omitempty"`
}

// EncodeClientMessage renders m as a JSON text frame.
func EncodeClientMessage(m ClientMessage) ([]byte, error) {
	w := clientWire{Type: m.clientType()}
	switch c := m.(type) {
	case Config:
		w.ServerVAD = c.ServerVAD
	case Audio:
		w.Audio = c.Audio
	case Commit:
		w.Reason = c.Reason
	case TextProbe:
		w.Text = c.Text
	case UnknownClientMessage:
	default:
		return nil, fmt.Errorf("transcribe: cannot encode %T", m)
	}
	return json.Marshal(w)
}

// ParseClientMessage decodes one frame received from a client.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var w clientWire
	if err := json.Unmarshal(data, &w); err != nil || w.Type == "" {
		return nil, ErrInvalidPayload
	}
	switch w.Type {
	case TypeConfig:
		return Config{ServerVAD: w.ServerVAD}, nil
	case TypeAudio:
		return Audio{Audio: w.Audio}, nil
	case TypeCommit:
		return Commit{Reason: w.Reason}, nil
	case TypeTextProbe:
		return TextProbe{Text: w.Text}, nil
	default:
		return UnknownClientMessage{Type: w.Type}, nil
	}
}
