package rtc

import (
	"sync"

	"github.com/dkeye/Sideshow/internal/smsp"
)

// SendCandidatesFunc delivers a batch of local candidates to the peer.
type SendCandidatesFunc func([]smsp.Candidate)

// CandidateHandler is one of three interchangeable delivery strategies
// for locally discovered ICE candidates. All of them preserve
// discovery order.
type CandidateHandler interface {
	// HandleCandidate takes one locally discovered candidate.
	HandleCandidate(c smsp.Candidate)
	// ExchangeCompleted signals that the first offer/answer round
	// finished.
	ExchangeCompleted()
	// Release drops the send reference; no candidate leaves after.
	Release()
}

// DirectHandler forwards every candidate immediately, one at a time.
type DirectHandler struct {
	mu   sync.Mutex
	send SendCandidatesFunc
}

func NewDirectHandler(send SendCandidatesFunc) *DirectHandler {
	return &DirectHandler{send: send}
}

func (h *DirectHandler) HandleCandidate(c smsp.Candidate) {
	h.mu.Lock()
	send := h.send
	h.mu.Unlock()
	if send != nil {
		send([]smsp.Candidate{c})
	}
}

func (h *DirectHandler) ExchangeCompleted() {}

func (h *DirectHandler) Release() {
	h.mu.Lock()
	h.send = nil
	h.mu.Unlock()
}

// BufferingHandler accumulates candidates until the first offer/answer
// round completes, then flushes the whole batch exactly once and
// behaves as Direct afterward.
type BufferingHandler struct {
	mu      sync.Mutex
	send    SendCandidatesFunc
	buf     []smsp.Candidate
	flushed bool
}

func NewBufferingHandler(send SendCandidatesFunc) *BufferingHandler {
	return &BufferingHandler{send: send}
}

func (h *BufferingHandler) HandleCandidate(c smsp.Candidate) {
	h.mu.Lock()
	if !h.flushed {
		h.buf = append(h.buf, c)
		h.mu.Unlock()
		return
	}
	send := h.send
	h.mu.Unlock()
	if send != nil {
		send([]smsp.Candidate{c})
	}
}

func (h *BufferingHandler) ExchangeCompleted() {
	h.mu.Lock()
	if h.flushed {
		h.mu.Unlock()
		return
	}
	h.flushed = true
	batch := h.buf
	h.buf = nil
	send := h.send
	h.mu.Unlock()

	if send != nil && len(batch) > 0 {
		send(batch)
	}
}

func (h *BufferingHandler) Release() {
	h.mu.Lock()
	h.send = nil
	h.buf = nil
	h.mu.Unlock()
}

// DumbHandler discards every candidate; used when ICE is fully
// embedded in the SDP (vanilla ICE).
type DumbHandler struct{}

func (DumbHandler) HandleCandidate(smsp.Candidate) {}
func (DumbHandler) ExchangeCompleted()             {}
func (DumbHandler) Release()                       {}
