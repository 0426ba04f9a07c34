package rtc

import (
	"fmt"
	"testing"

	"github.com/dkeye/Sideshow/internal/smsp"
)

func cand(n int) smsp.Candidate {
	c := fmt.Sprintf("candidate:%d", n)
	mid := "0"
	idx := uint16(0)
	return smsp.Candidate{Candidate: &c, SDPMid: &mid, SDPMLineIndex: &idx}
}

type sendRecorder struct {
	batches [][]smsp.Candidate
}

func (r *sendRecorder) send(batch []smsp.Candidate) {
	r.batches = append(r.batches, batch)
}

func (r *sendRecorder) flat() []string {
	var out []string
	for _, batch := range r.batches {
		for _, c := range batch {
			out = append(out, *c.Candidate)
		}
	}
	return out
}

func TestDirectHandlerForwardsImmediately(t *testing.T) {
	rec := &sendRecorder{}
	h := NewDirectHandler(rec.send)

	h.HandleCandidate(cand(1))
	h.HandleCandidate(cand(2))

	if len(rec.batches) != 2 {
		t.Fatalf("batches = %d, want 2 single sends", len(rec.batches))
	}
	if got := rec.flat(); got[0] != "candidate:1" || got[1] != "candidate:2" {
		t.Errorf("order = %v", got)
	}
}

func TestBufferingHandlerFlushesOnceInOrder(t *testing.T) {
	rec := &sendRecorder{}
	h := NewBufferingHandler(rec.send)

	h.HandleCandidate(cand(1))
	h.HandleCandidate(cand(2))
	h.HandleCandidate(cand(3))
	if len(rec.batches) != 0 {
		t.Fatalf("sent before exchange completed: %v", rec.batches)
	}

	h.ExchangeCompleted()
	if len(rec.batches) != 1 || len(rec.batches[0]) != 3 {
		t.Fatalf("flush batches = %v", rec.batches)
	}
	if got := rec.flat(); got[0] != "candidate:1" || got[1] != "candidate:2" || got[2] != "candidate:3" {
		t.Errorf("flush order = %v", got)
	}

	// Second completion is a no-op.
	h.ExchangeCompleted()
	if len(rec.batches) != 1 {
		t.Errorf("second completion re-flushed: %v", rec.batches)
	}

	// After the flush it behaves as Direct.
	h.HandleCandidate(cand(4))
	if len(rec.batches) != 2 || len(rec.batches[1]) != 1 || *rec.batches[1][0].Candidate != "candidate:4" {
		t.Errorf("post-flush batches = %v", rec.batches)
	}
}

func TestBufferingHandlerEmptyFlushSendsNothing(t *testing.T) {
	rec := &sendRecorder{}
	h := NewBufferingHandler(rec.send)
	h.ExchangeCompleted()
	if len(rec.batches) != 0 {
		t.Errorf("empty flush sent %v", rec.batches)
	}
}

func TestDumbHandlerDiscards(t *testing.T) {
	h := DumbHandler{}
	h.HandleCandidate(cand(1))
	h.ExchangeCompleted()
	h.Release()
}

func TestReleaseStopsDelivery(t *testing.T) {
	rec := &sendRecorder{}
	h := NewBufferingHandler(rec.send)
	h.HandleCandidate(cand(1))
	h.Release()
	h.ExchangeCompleted()
	h.HandleCandidate(cand(2))
	if len(rec.batches) != 0 {
		t.Errorf("released handler sent %v", rec.batches)
	}
}
