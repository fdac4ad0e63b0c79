package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/lukasbauer/mendan/internal/eventlog"
	"github.com/lukasbauer/mendan/internal/generation"
)

const (
	ndjsonContentType = "application/x-ndjson; charset=utf-8"
	maxRequestBody    = 64 << 10
)

func (r *Router) handleGenerateStage1(w http.ResponseWriter, req *http.Request) {
	body, ok := r.readBody(w, req)
	if !ok {
		return
	}
	in, err := generation.DecodeStage1Request(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	streamNDJSON(r, w, req, generation.Stage1, r.generator.StreamStage1(req.Context(), in))
}

func (r *Router) handleGenerateStage2(w http.ResponseWriter, req *http.Request) {
	body, ok := r.readBody(w, req)
	if !ok {
		return
	}
	in, err := generation.DecodeStage2Request(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	streamNDJSON(r, w, req, generation.Stage2, r.generator.StreamStage2(req.Context(), in))
}

func (r *Router) readBody(w http.ResponseWriter, req *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxRequestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request: " + err.Error()})
		return nil, false
	}
	return body, true
}

// streamNDJSON writes one envelope per line and flushes after each. The
// channel is drained even after the client goes away so the producer can
// finish.
func streamNDJSON[T any](r *Router, w http.ResponseWriter, req *http.Request, stage string, ch <-chan generation.Envelope[T]) {
	w.Header().Set("Content-Type", ndjsonContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	id := uuid.NewString()
	r.eventLog.LogAsync(id, eventlog.EventGenerationStarted, map[string]any{
		"stage":  stage,
		"client": clientIDFromContext(req.Context()),
	})

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	broken := false
	for env := range ch {
		switch env.Type {
		case generation.EnvelopeError:
			r.logger.Warn().Str("stage", stage).Str("error", env.Error).Msg("generation failed")
			captureError(req, errors.New(env.Error), stage+": generation failed")
			r.discord.NotifyGenerationFailure(context.WithoutCancel(req.Context()), stage, env.Error)
			r.eventLog.LogAsync(id, eventlog.EventGenerationError, map[string]any{"stage": stage, "message": env.Error})
		case generation.EnvelopeDone:
			r.eventLog.LogAsync(id, eventlog.EventGenerationFinished, map[string]any{"stage": stage, "delivered": !broken})
		}
		if broken {
			continue
		}
		if err := enc.Encode(env); err != nil {
			r.logger.Debug().Err(err).Str("stage", stage).Msg("client went away mid-stream")
			broken = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
