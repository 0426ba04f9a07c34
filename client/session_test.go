package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Sideshow/client/rtc"
	"github.com/dkeye/Sideshow/internal/smsp"
)

type fakeCallTransport struct {
	mu     sync.Mutex
	events []string
	offers []string // offer SDPs, indexed like the matching events
}

func (t *fakeCallTransport) record(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, fmt.Sprintf(format, args...))
}

func (t *fakeCallTransport) SendOffer(to, txn, sdp string, opts smsp.OfferOptions) error {
	t.mu.Lock()
	t.offers = append(t.offers, sdp)
	t.mu.Unlock()
	t.record("offer %s %s", to, txn)
	return nil
}

func (t *fakeCallTransport) SendAnswer(to, txn, sdp string) error {
	t.record("answer %s %s", to, txn)
	return nil
}

func (t *fakeCallTransport) SendCandidates(to, txn string, candidates []smsp.Candidate) error {
	t.record("candidates %s %s", to, txn)
	return nil
}

func (t *fakeCallTransport) SendBye(to, txn, reason string) error {
	t.record("bye %s %s %s", to, txn, reason)
	return nil
}

func (t *fakeCallTransport) recorded() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

func (t *fakeCallTransport) lastOffer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.offers) == 0 {
		return ""
	}
	return t.offers[len(t.offers)-1]
}

func builderFor(peer PeerKey, answering bool, opts smsp.OfferOptions) rtc.Builder {
	return rtc.Builder{
		Strategy: rtc.StrategyDumb,
		Receive:  &rtc.ReceivePolicy{Audio: true},
	}
}

func newTestSession(t *testing.T, onQuit func(PeerKey)) (*Session, *fakeCallTransport) {
	t.Helper()
	transport := &fakeCallTransport{}
	s := NewSession(transport, builderFor, onQuit)
	s.quitDelay = 20 * time.Millisecond
	t.Cleanup(s.Close)
	return s, transport
}

// callerOffer builds a real audio offer from a throwaway peer
// connection so the answering path exercises pion end to end.
func callerOffer(t *testing.T) string {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatal(err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	return offer.SDP
}

// calleeAnswer answers a previously produced offer.
func calleeAnswer(t *testing.T, offerSDP string) string {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		t.Fatal(err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		t.Fatal(err)
	}
	return answer.SDP
}

func TestStartCallSendsOfferAndRejectsDuplicate(t *testing.T) {
	s, transport := newTestSession(t, nil)

	txn, err := s.StartCall(context.Background(), smsp.DestUser, "bob")
	if err != nil {
		t.Fatal(err)
	}
	want := "offer user:bob " + txn
	events := transport.recorded()
	if len(events) != 1 || events[0] != want {
		t.Errorf("events = %v, want [%q]", events, want)
	}

	if _, err := s.StartCall(context.Background(), smsp.DestUser, "bob"); !errors.Is(err, ErrCallInProgress) {
		t.Errorf("duplicate call err = %v, want ErrCallInProgress", err)
	}
	// A different peer is unaffected.
	if _, err := s.StartCall(context.Background(), smsp.DestUser, "carol"); err != nil {
		t.Errorf("second peer call err = %v", err)
	}
}

func TestAnswerWithMatchingTxnCompletesNegotiation(t *testing.T) {
	s, transport := newTestSession(t, nil)

	txn, err := s.StartCall(context.Background(), smsp.DestUser, "bob")
	if err != nil {
		t.Fatal(err)
	}
	answer := calleeAnswer(t, transport.lastOffer())
	bob := smsp.Destination{Kind: smsp.DestUser, Name: "bob"}

	// Wrong txn first: dropped, negotiation still pending.
	s.OnRTCAnswer(bob, "stale-txn", answer)
	s.mu.Lock()
	l := s.links[PeerKey{Kind: smsp.DestUser, Name: "bob"}]
	s.mu.Unlock()
	if got := l.neg.State(); got != rtc.StateNegotiating {
		t.Fatalf("state after stale answer = %s", got)
	}

	s.OnRTCAnswer(bob, txn, answer)
	if got := l.neg.State(); got != rtc.StateNegotiated {
		t.Errorf("state after answer = %s", got)
	}
}

func TestByeMatchingRequiresExactTriple(t *testing.T) {
	quit := make(chan PeerKey, 1)
	s, _ := newTestSession(t, func(k PeerKey) { quit <- k })

	txn, err := s.StartCall(context.Background(), smsp.DestUser, "bob")
	if err != nil {
		t.Fatal(err)
	}
	bob := smsp.Destination{Kind: smsp.DestUser, Name: "bob"}

	s.OnRTCBye(bob, "other-txn", "done")
	if _, err := s.StartCall(context.Background(), smsp.DestUser, "bob"); !errors.Is(err, ErrCallInProgress) {
		t.Fatal("mismatched bye tore the call down")
	}

	s.OnRTCBye(bob, txn, "done")
	select {
	case k := <-quit:
		if k.Name != "bob" || k.Kind != smsp.DestUser {
			t.Errorf("quit key = %+v", k)
		}
	case <-time.After(time.Second):
		t.Fatal("quit notification never fired")
	}
	// The slot is free again.
	if _, err := s.StartCall(context.Background(), smsp.DestUser, "bob"); err != nil {
		t.Errorf("call after bye err = %v", err)
	}
}

func TestIncomingOfferAnswersOnReceivedTxn(t *testing.T) {
	s, transport := newTestSession(t, nil)
	alice := smsp.Destination{Kind: smsp.DestUser, Name: "alice"}

	s.OnRTCOffer(alice, "t9", callerOffer(t), smsp.OfferOptions{PublishAudio: true})

	events := transport.recorded()
	if len(events) != 1 || events[0] != "answer user:alice t9" {
		t.Errorf("events = %v, want answer on txn t9", events)
	}
}

func TestRoomRenegotiationRebindsTxn(t *testing.T) {
	s, transport := newTestSession(t, nil)
	room := smsp.Destination{Kind: smsp.DestRoom, Name: "lobby"}

	s.OnRTCOffer(room, "t1", callerOffer(t), smsp.OfferOptions{PublishAudio: true})
	s.OnRTCOffer(room, "t2", callerOffer(t), smsp.OfferOptions{PublishAudio: true})

	events := transport.recorded()
	want := []string{"answer room:lobby t1", "answer room:lobby t2"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}

	// Later traffic must quote the rebound txn.
	s.mu.Lock()
	l := s.links[PeerKey{Kind: smsp.DestRoom, Name: "lobby"}]
	s.mu.Unlock()
	if got := l.sender.currentTxn(); got != "t2" {
		t.Errorf("bound txn = %q, want t2", got)
	}
}

func TestDirectOfferWhilePendingIsDropped(t *testing.T) {
	s, transport := newTestSession(t, nil)

	if _, err := s.StartCall(context.Background(), smsp.DestUser, "bob"); err != nil {
		t.Fatal(err)
	}
	bob := smsp.Destination{Kind: smsp.DestUser, Name: "bob"}
	s.OnRTCOffer(bob, "tX", callerOffer(t), smsp.OfferOptions{})

	for _, ev := range transport.recorded() {
		if ev == "answer user:bob tX" {
			t.Error("glare offer was answered instead of dropped")
		}
	}
}

func TestHangupSendsByeAndFreesSlot(t *testing.T) {
	s, transport := newTestSession(t, nil)

	txn, err := s.StartCall(context.Background(), smsp.DestUser, "bob")
	if err != nil {
		t.Fatal(err)
	}
	s.Hangup(smsp.DestUser, "bob", "done")

	want := "bye user:bob " + txn + " done"
	found := false
	for _, ev := range transport.recorded() {
		if ev == want {
			found = true
		}
	}
	if !found {
		t.Errorf("events = %v, want %q", transport.recorded(), want)
	}
	if _, err := s.StartCall(context.Background(), smsp.DestUser, "bob"); err != nil {
		t.Errorf("call after hangup err = %v", err)
	}
}
