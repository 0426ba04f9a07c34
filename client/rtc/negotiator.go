package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/Sideshow/internal/smsp"
)

type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateNegotiated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateNegotiated:
		return "negotiated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrBusy reports a second negotiation attempted while one is already
// in flight. A closed negotiator is not an error: every entry point
// returns nil once the closing flag is set.
var ErrBusy = errors.New("negotiation already in progress")

// Sender publishes local descriptions to the remote peer. The owning
// session binds it to a channel and txn.
type Sender interface {
	SendOffer(sdp string, opts smsp.OfferOptions)
	SendAnswer(sdp string)
	SendCandidates(candidates []smsp.Candidate)
}

// Negotiator drives the offer/answer lifecycle for one logical peer.
// The closing flag is checked at the start of every resumed step, so
// every pending operation tolerates "closed mid-flight" as a valid
// outcome rather than an error.
type Negotiator struct {
	pc      *webrtc.PeerConnection
	sender  Sender
	handler CandidateHandler
	capture CapturePolicy
	receive *ReceivePolicy
	log     zerolog.Logger

	publishAudio bool
	publishVideo bool
	planB        bool
	simulcast    bool

	mu        sync.Mutex
	state     State
	closing   bool
	firstDone bool

	onClosed       func()
	onConnectivity func(state string)
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) isClosing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closing
}

// Offer runs the initiator path: prepare capture, create and commit
// the offer, publish it with the direction flags. The simulcast
// rewrite is never applied to an outbound offer.
func (n *Negotiator) Offer(ctx context.Context) error {
	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return nil
	}
	if n.state != StateIdle {
		n.mu.Unlock()
		return ErrBusy
	}
	n.state = StateNegotiating
	n.mu.Unlock()

	if err := n.capture.Prepare(n.pc); err != nil {
		return n.fail(err)
	}
	if n.receive != nil {
		if err := n.receive.Apply(n.pc); err != nil {
			return n.fail(err)
		}
	}
	if n.isClosing() {
		return nil
	}

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return n.fail(err)
	}
	if n.isClosing() {
		return nil
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return n.fail(err)
	}

	n.sender.SendOffer(offer.SDP, smsp.OfferOptions{
		PublishAudio: n.publishAudio,
		PublishVideo: n.publishVideo,
		PlanB:        n.planB,
	})
	return nil
}

// AcceptOffer runs the answerer path, for both the initial exchange
// and renegotiation. On the first negotiation only, the simulcast
// rewrite is applied to the generated answer before committing it.
func (n *Negotiator) AcceptOffer(ctx context.Context, sdp string) error {
	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return nil
	}
	if n.state != StateIdle && n.state != StateNegotiated {
		n.mu.Unlock()
		return ErrBusy
	}
	n.state = StateNegotiating
	first := !n.firstDone
	n.mu.Unlock()

	if err := n.capture.Prepare(n.pc); err != nil {
		return n.fail(err)
	}
	if n.isClosing() {
		return nil
	}
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return n.fail(err)
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return n.fail(err)
	}
	if first && n.simulcast {
		rewritten, err := RewriteSimulcastAnswer(answer.SDP)
		if err != nil {
			n.log.Warn().Err(err).Msg("simulcast rewrite skipped")
		} else {
			answer.SDP = rewritten
		}
	}
	if n.isClosing() {
		return nil
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return n.fail(err)
	}

	n.sender.SendAnswer(answer.SDP)
	n.mu.Lock()
	n.firstDone = true
	n.state = StateNegotiated
	n.mu.Unlock()
	n.handler.ExchangeCompleted()
	return nil
}

// AcceptAnswer commits the remote description and completes the
// exchange.
func (n *Negotiator) AcceptAnswer(ctx context.Context, sdp string) error {
	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return nil
	}
	if n.state != StateNegotiating {
		n.mu.Unlock()
		n.log.Warn().Msg("answer outside negotiation, dropped")
		return nil
	}
	n.mu.Unlock()

	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return n.fail(err)
	}

	n.mu.Lock()
	n.state = StateNegotiated
	n.mu.Unlock()
	n.handler.ExchangeCompleted()
	return nil
}

func (n *Negotiator) AddRemoteCandidates(candidates []smsp.Candidate) {
	if n.isClosing() {
		return
	}
	for _, c := range candidates {
		init := webrtc.ICECandidateInit{Candidate: *c.Candidate, SDPMid: c.SDPMid}
		if c.SDPMLineIndex != nil {
			idx := *c.SDPMLineIndex
			init.SDPMLineIndex = &idx
		}
		if err := n.pc.AddICECandidate(init); err != nil {
			n.log.Warn().Err(err).Msg("add remote candidate")
		}
	}
}

func (n *Negotiator) fail(err error) error {
	n.log.Error().Err(err).Msg("negotiation failed, closing")
	n.Close()
	return err
}

// Close is idempotent: stops capture, releases the candidate handler,
// closes the peer connection, clears callbacks to break the cycle
// back into the owner, then notifies the owner once.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.state == StateClosed {
		n.mu.Unlock()
		return
	}
	n.closing = true
	n.state = StateClosed
	onClosed := n.onClosed
	n.onClosed = nil
	n.onConnectivity = nil
	n.mu.Unlock()

	n.capture.Stop()
	n.handler.Release()
	if err := n.pc.Close(); err != nil {
		n.log.Warn().Err(err).Msg("close peer connection")
	}
	n.log.Info().Msg("negotiator closed")
	if onClosed != nil {
		onClosed()
	}
}
