package logging

import (
	"bytes"
	"io"
)

const redacted = "[REDACTED]"

// RedactingWriter replaces every configured secret before forwarding a
// record. Each zerolog record arrives in a single Write call, so secrets are
// never split across writes.
type RedactingWriter struct {
	out     io.Writer
	secrets [][]byte
}

// NewRedactingWriter wraps out. Empty secrets and secrets shorter than four
// bytes are ignored.
func NewRedactingWriter(out io.Writer, secrets ...string) *RedactingWriter {
	w := &RedactingWriter{out: out}
	for _, s := range secrets {
		if len(s) >= 4 {
			w.secrets = append(w.secrets, []byte(s))
		}
	}
	return w
}

func (w *RedactingWriter) Write(p []byte) (int, error) {
	if len(w.secrets) == 0 {
		return w.out.Write(p)
	}
	clean := p
	for _, s := range w.secrets {
		if bytes.Contains(clean, s) {
			clean = bytes.ReplaceAll(clean, s, []byte(redacted))
		}
	}
	if _, err := w.out.Write(clean); err != nil {
		return 0, err
	}
	return len(p), nil
}
