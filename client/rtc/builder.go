package rtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Sideshow/internal/smsp"
)

// Strategy selects the ICE-candidate delivery behavior.
type Strategy int

const (
	StrategyDirect Strategy = iota
	StrategyBuffering
	StrategyDumb
)

// Builder assembles a Negotiator: ICE servers, capture and receive
// policies, candidate strategy and the legacy-multistream flags.
type Builder struct {
	ICEServers []webrtc.ICEServer

	Capture CapturePolicy
	Receive *ReceivePolicy

	Strategy     Strategy
	PublishAudio bool
	PublishVideo bool
	PlanB        bool
	Simulcast    bool

	// OnClosed fires once after teardown settles.
	OnClosed func()
	// OnConnectivity reports informational connectivity states
	// (connected, completed); it never changes negotiation state.
	OnConnectivity func(state string)
}

// Build creates the peer connection and wires the strategy, the
// connectivity watch and the candidate feed.
func (b Builder) Build(sender Sender) (*Negotiator, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: b.ICEServers})
	if err != nil {
		return nil, err
	}

	capture := b.Capture
	if capture == nil {
		capture = NoCapture{}
	}

	var handler CandidateHandler
	switch b.Strategy {
	case StrategyBuffering:
		handler = NewBufferingHandler(sender.SendCandidates)
	case StrategyDumb:
		handler = DumbHandler{}
	default:
		handler = NewDirectHandler(sender.SendCandidates)
	}

	n := &Negotiator{
		pc:             pc,
		sender:         sender,
		handler:        handler,
		capture:        capture,
		receive:        b.Receive,
		publishAudio:   b.PublishAudio,
		publishVideo:   b.PublishVideo,
		planB:          b.PlanB,
		simulcast:      b.Simulcast,
		onClosed:       b.OnClosed,
		onConnectivity: b.OnConnectivity,
		log:            log.With().Str("module", "rtc").Logger(),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		wire := smsp.Candidate{Candidate: &init.Candidate, SDPMid: init.SDPMid}
		if init.SDPMLineIndex != nil {
			idx := *init.SDPMLineIndex
			wire.SDPMLineIndex = &idx
		}
		handler.HandleCandidate(wire)
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		n.log.Info().Str("ice_state", s.String()).Msg("ICE state")
		switch s {
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
			n.Close()
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			n.mu.Lock()
			fn := n.onConnectivity
			n.mu.Unlock()
			if fn != nil {
				fn(s.String())
			}
		}
	})

	return n, nil
}
