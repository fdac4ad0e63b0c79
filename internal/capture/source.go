// Package capture supplies PCM16 mono 24 kHz audio frames to a session.
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// SampleRate of every frame, in Hz.
	SampleRate = 24000
	// FrameBytes is 100 ms of PCM16 mono audio.
	FrameBytes = SampleRate * 2 / 10
	// FrameInterval is the playback duration of one frame.
	FrameInterval = 100 * time.Millisecond
	// AudibleThreshold is the absolute sample value above which a frame
	// counts as carrying signal.
	AudibleThreshold = 64

	stopWait = time.Second
)

var (
	ErrNoFrames       = errors.New("audio capture: 音声フレームが届いていません。入力デバイスとマイク権限を確認してください。")
	ErrAlreadyStarted = errors.New("capture: source already started")
)

// Source produces audio frames until stopped or exhausted. The frame
// channel is closed when the source ends.
type Source interface {
	Name() string
	Start(ctx context.Context) (<-chan []byte, error)
	Stop() error
}

// ContainsAudibleSamples reports whether any little-endian int16 sample in
// frame exceeds AudibleThreshold in magnitude.
func ContainsAudibleSamples(frame []byte) bool {
	for i := 0; i+1 < len(frame); i += 2 {
		v := int16(binary.LittleEndian.Uint16(frame[i:]))
		if v > AudibleThreshold || v < -AudibleThreshold {
			return true
		}
	}
	return false
}

// ReaderSource slices a raw PCM stream into frames. With a non-zero pace it
// emits one frame per interval, approximating a live device.
type ReaderSource struct {
	name   string
	open   func() (io.ReadCloser, error)
	pace   time.Duration
	log    zerolog.Logger
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaderSource wraps an already opened stream.
func NewReaderSource(name string, r io.Reader, pace time.Duration, log zerolog.Logger) *ReaderSource {
	return &ReaderSource{
		name: name,
		open: func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
		pace: pace,
		log:  log,
	}
}

// NewFileSource reads raw PCM from path, or standard input when path is "-".
// The file is opened on every Start so a restarted source replays it.
func NewFileSource(path string, pace time.Duration, log zerolog.Logger) *ReaderSource {
	return &ReaderSource{
		name: path,
		open: func() (io.ReadCloser, error) {
			if path == "-" {
				return io.NopCloser(os.Stdin), nil
			}
			f, err := os.Open(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil, fmt.Errorf("audio capture: input %q not found; pass a raw PCM16 24kHz mono file or - for stdin", path)
				}
				return nil, fmt.Errorf("audio capture: open %q: %w", path, err)
			}
			return f, nil
		},
		pace: pace,
		log:  log,
	}
}

func (s *ReaderSource) Name() string { return s.name }

func (s *ReaderSource) Start(ctx context.Context) (<-chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil, ErrAlreadyStarted
	}
	rc, err := s.open()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	frames := make(chan []byte, 8)
	go s.pump(ctx, rc, frames, s.done)
	return frames, nil
}

func (s *ReaderSource) pump(ctx context.Context, rc io.ReadCloser, frames chan<- []byte, done chan struct{}) {
	defer close(done)
	defer close(frames)
	defer s.release(done)
	defer rc.Close()

	var ticker *time.Ticker
	if s.pace > 0 {
		ticker = time.NewTicker(s.pace)
		defer ticker.Stop()
	}

	count := 0
	for {
		buf := make([]byte, FrameBytes)
		n, err := io.ReadFull(rc, buf)
		if n > 0 {
			// Keep whole samples only.
			n -= n % 2
		}
		if n > 0 {
			if ticker != nil {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
			select {
			case <-ctx.Done():
				return
			case frames <- buf[:n]:
				count++
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.log.Warn().Err(err).Str("source", s.name).Msg("capture read failed")
			}
			s.log.Debug().Str("source", s.name).Int("frames", count).Msg("capture source ended")
			return
		}
	}
}

// release clears the started state when the pump that owns done exits on
// its own, so the source can be started again.
func (s *ReaderSource) release(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != done {
		return
	}
	s.cancel()
	s.cancel, s.done = nil, nil
}

// Stop ends the pump. It waits briefly for the pump to exit; a read blocked
// on standard input is abandoned. Stopping a stopped source is a no-op.
func (s *ReaderSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-time.After(stopWait):
		s.log.Warn().Str("source", s.name).Msg("capture source did not stop in time")
	}
	return nil
}
