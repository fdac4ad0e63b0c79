package httpapi

import (
	"sync"
)

// bridgeUpstreamClosed counts realtime bridges whose upstream failed. They
// stay open for typed text until the client leaves.
const bridgeUpstreamClosed = "upstream_closed"

// SessionRegistry tracks open transcription bridges by mode so shutdown can
// drain them and /readyz can report how many run without a live upstream.
// While draining, new bridges are refused and open ones run until the client
// disconnects.
//
// mu keeps the draining check and wg.Add in Add atomic with respect to
// StartDraining.
type SessionRegistry struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	byMode   map[string]int64
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{byMode: make(map[string]int64)}
}

// Add registers a bridge running in mode. It returns false once draining
// has started.
func (sr *SessionRegistry) Add(mode string) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.draining {
		return false
	}
	sr.wg.Add(1)
	sr.byMode[mode]++
	return true
}

// Move re-files an open bridge under another mode.
func (sr *SessionRegistry) Move(from, to string) {
	if from == to {
		return
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.byMode[from] == 0 {
		return
	}
	sr.dec(from)
	sr.byMode[to]++
}

// Done must be called exactly once per successful Add, with the bridge's
// current mode.
func (sr *SessionRegistry) Done(mode string) {
	sr.mu.Lock()
	sr.dec(mode)
	sr.mu.Unlock()
	sr.wg.Done()
}

func (sr *SessionRegistry) dec(mode string) {
	if sr.byMode[mode] <= 1 {
		delete(sr.byMode, mode)
		return
	}
	sr.byMode[mode]--
}

// StartDraining makes every later Add fail.
func (sr *SessionRegistry) StartDraining() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.draining = true
}

func (sr *SessionRegistry) IsDraining() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.draining
}

// ActiveCount returns the number of open bridges.
func (sr *SessionRegistry) ActiveCount() int64 {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	var n int64
	for _, c := range sr.byMode {
		n += c
	}
	return n
}

// ModeCounts returns a copy of the open bridge count per mode. Modes with
// no open bridge are absent.
func (sr *SessionRegistry) ModeCounts() map[string]int64 {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	out := make(map[string]int64, len(sr.byMode))
	for m, c := range sr.byMode {
		out[m] = c
	}
	return out
}

// Wait blocks until every registered bridge is done.
func (sr *SessionRegistry) Wait() {
	sr.wg.Wait()
}
