package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/lukasbauer/mendan/internal/generation"
	"github.com/lukasbauer/mendan/internal/matcher"
)

// HistoryCapacity bounds the answer history kept for one session.
const HistoryCapacity = 30

// StageStatus tracks one generation stage.
type StageStatus string

const (
	StageIdle      StageStatus = "idle"
	StageWaiting   StageStatus = "waiting"
	StageStreaming StageStatus = "streaming"
	StageDone      StageStatus = "done"
	StageError     StageStatus = "error"
)

// HistoryEntry is one answered question.
type HistoryEntry struct {
	ID             uuid.UUID             `json:"id"`
	Timestamp      time.Time             `json:"timestamp"`
	Question       string                `json:"question"`
	Category       matcher.Category      `json:"category"`
	Stage0Template string                `json:"stage0_template"`
	ShortAnswer    string                `json:"answer_10s"`
	LongAnswer     string                `json:"answer_30s"`
	Continuation   string                `json:"continuation"`
	Followups      []generation.Followup `json:"followups"`
	Stage1Status   StageStatus           `json:"stage1_status"`
	Stage2Status   StageStatus           `json:"stage2_status"`
}

// history is newest first and owned by the orchestrator loop.
type history struct {
	entries []HistoryEntry
	active  uuid.UUID
}

func (h *history) push(e HistoryEntry) {
	h.entries = append([]HistoryEntry{e}, h.entries...)
	if len(h.entries) > HistoryCapacity {
		h.entries = h.entries[:HistoryCapacity]
	}
	h.active = e.ID
}

// updateActive applies fn to the active entry, if it is still retained.
func (h *history) updateActive(fn func(*HistoryEntry)) {
	if h.active == uuid.Nil {
		return
	}
	for i := range h.entries {
		if h.entries[i].ID == h.active {
			fn(&h.entries[i])
			return
		}
	}
}

func (h *history) snapshot() []HistoryEntry {
	out := make([]HistoryEntry, len(h.entries))
	for i, e := range h.entries {
		e.Followups = append([]generation.Followup(nil), e.Followups...)
		out[i] = e
	}
	return out
}

func (h *history) clear() {
	h.entries = nil
	h.active = uuid.Nil
}
