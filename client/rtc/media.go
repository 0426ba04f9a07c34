package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// CapturePolicy manages the local tracks a peer publishes. Prepare is
// memoized: repeated calls after the first are no-ops.
type CapturePolicy interface {
	Prepare(pc *webrtc.PeerConnection) error
	Stop()
}

// NoCapture publishes nothing.
type NoCapture struct{}

func (NoCapture) Prepare(*webrtc.PeerConnection) error { return nil }
func (NoCapture) Stop()                                {}

// TrackCapture publishes a fixed set of locally produced tracks. The
// caller supplies the tracks; where they come from (device, file,
// synthesizer) is not this package's business.
type TrackCapture struct {
	mu       sync.Mutex
	tracks   []webrtc.TrackLocal
	senders  []*webrtc.RTPSender
	prepared bool
}

// NewAudioCapture builds the audio-only policy.
func NewAudioCapture(audio webrtc.TrackLocal) *TrackCapture {
	return &TrackCapture{tracks: []webrtc.TrackLocal{audio}}
}

// NewVideoCapture builds the video policy; audio may be nil.
func NewVideoCapture(video, audio webrtc.TrackLocal) *TrackCapture {
	tracks := []webrtc.TrackLocal{video}
	if audio != nil {
		tracks = append(tracks, audio)
	}
	return &TrackCapture{tracks: tracks}
}

func (p *TrackCapture) Prepare(pc *webrtc.PeerConnection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prepared {
		return nil
	}
	for _, t := range p.tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			return err
		}
		p.senders = append(p.senders, sender)
	}
	p.prepared = true
	return nil
}

func (p *TrackCapture) Stop() {
	p.mu.Lock()
	senders := p.senders
	p.senders = nil
	p.mu.Unlock()

	for _, s := range senders {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("stop sender")
		}
	}
}

// ReceivePolicy declares which media kinds the peer wants to receive
// by adding recvonly transceivers to the offer. Memoized like capture.
type ReceivePolicy struct {
	Audio bool
	Video bool

	mu      sync.Mutex
	applied bool
}

func (p *ReceivePolicy) Apply(pc *webrtc.PeerConnection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applied {
		return nil
	}
	init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if p.Audio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, init); err != nil {
			return err
		}
	}
	if p.Video {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, init); err != nil {
			return err
		}
	}
	p.applied = true
	return nil
}
