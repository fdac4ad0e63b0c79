// Package stt talks to the upstream realtime transcription service.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event is one normalized upstream message. The concrete types are
// TranscriptionDelta, TranscriptionCompleted, UpstreamError and Unrecognized.
type Event interface {
	upstreamType() string
}

const (
	typeDelta     = "conversation.item.input_audio_transcription.delta"
	typeCompleted = "conversation.item.input_audio_transcription.completed"
	typeError     = "error"
)

// TranscriptionDelta is an incremental piece of the current utterance.
type TranscriptionDelta struct {
	Delta string
}

// TranscriptionCompleted closes an utterance. HasTranscript is false when the
// upstream omitted the transcript field, in which case callers fall back to
// what they accumulated from deltas.
type TranscriptionCompleted struct {
	Transcript    string
	HasTranscript bool
}

// UpstreamError is an error event reported by the upstream service.
type UpstreamError struct {
	Message string
}

// Unrecognized is any other upstream event.
type Unrecognized struct {
	Type string
}

func (TranscriptionDelta) upstreamType() string     { return typeDelta }
func (TranscriptionCompleted) upstreamType() string { return typeCompleted }
func (UpstreamError) upstreamType() string          { return typeError }
func (u Unrecognized) upstreamType() string         { return u.Type }

const defaultErrorMessage = "realtime error"

type upstreamWire struct {
	Type       string  `json:"type"`
	Delta      string  `json:"delta"`
	Transcript *string `json:"transcript"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ParseEvent decodes one upstream frame.
func ParseEvent(data []byte) (Event, error) {
	var w upstreamWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("stt: parse upstream event: %w", err)
	}
	switch w.Type {
	case typeDelta:
		return TranscriptionDelta{Delta: w.Delta}, nil
	case typeCompleted:
		ev := TranscriptionCompleted{}
		if w.Transcript != nil {
			ev.Transcript, ev.HasTranscript = *w.Transcript, true
		}
		return ev, nil
	case typeError:
		msg := defaultErrorMessage
		if w.Error != nil && w.Error.Message != "" {
			msg = w.Error.Message
		}
		return UpstreamError{Message: msg}, nil
	default:
		return Unrecognized{Type: w.Type}, nil
	}
}

// Client is an open upstream transcription session.
type Client interface {
	// UpdateSession (re)sends the session configuration.
	UpdateSession(ctx context.Context, cfg SessionConfig) error

	// AppendAudio forwards base64 encoded PCM to the input buffer.
	AppendAudio(ctx context.Context, audioB64 string) error

	// Commit closes the current input buffer.
	Commit(ctx context.Context) error

	// Events is closed when the upstream connection ends.
	Events() <-chan Event

	// Err reports why Events was closed; nil for a clean close.
	Err() error

	Close() error
}

// Dialer opens a Client.
type Dialer func(ctx context.Context, cfg SessionConfig) (Client, error)
