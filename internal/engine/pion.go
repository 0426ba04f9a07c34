package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrRoomClosed   = errors.New("engine room closed")
	ErrPeerClosed   = errors.New("engine peer closed")
	ErrUnknownCodec = errors.New("unknown codec")
)

// Pion is the webrtc-backed Engine. Each room gets its own API so the
// codec set and transports are scoped per room.
type Pion struct {
	iceServers []webrtc.ICEServer
	log        zerolog.Logger
}

func NewPion(iceServers []webrtc.ICEServer) *Pion {
	return &Pion{
		iceServers: iceServers,
		log:        log.With().Str("module", "engine").Logger(),
	}
}

func (e *Pion) CreateRoom(ctx context.Context, opts RoomOptions) (RoomHandle, error) {
	api, err := buildAPI(opts)
	if err != nil {
		return nil, err
	}
	return &pionRoom{
		api:   api,
		cfg:   webrtc.Configuration{ICEServers: e.iceServers},
		peers: make(map[string]*pionPeer),
		log:   e.log,
	}, nil
}

func buildAPI(opts RoomOptions) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	for _, name := range opts.Codecs {
		if err := registerCodec(m, name); err != nil {
			return nil, err
		}
	}

	se := webrtc.SettingEngine{}
	var nets []webrtc.NetworkType
	if opts.TransportUDP {
		nets = append(nets, webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6)
	}
	if opts.TransportTCP {
		nets = append(nets, webrtc.NetworkTypeTCP4, webrtc.NetworkTypeTCP6)
	}
	se.SetNetworkTypes(nets)

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)), nil
}

func registerCodec(m *webrtc.MediaEngine, name string) error {
	switch strings.ToLower(name) {
	case "opus":
		return m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
				SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		}, webrtc.RTPCodecTypeAudio)
	case "vp8":
		return m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			PayloadType:        96,
		}, webrtc.RTPCodecTypeVideo)
	case "vp9":
		return m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000},
			PayloadType:        98,
		}, webrtc.RTPCodecTypeVideo)
	case "h264":
		return m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType: webrtc.MimeTypeH264, ClockRate: 90000,
				SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
			},
			PayloadType: 102,
		}, webrtc.RTPCodecTypeVideo)
	}
	return fmt.Errorf("%w: %s", ErrUnknownCodec, name)
}

type pionRoom struct {
	api *webrtc.API
	cfg webrtc.Configuration
	log zerolog.Logger

	mu        sync.Mutex
	peers     map[string]*pionPeer
	onNewPeer func(id string)
	closed    bool
}

func (r *pionRoom) OnNewPeer(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onNewPeer = fn
}

func (r *pionRoom) Peer(ctx context.Context, id string, opts PeerOptions) (PeerHandle, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRoomClosed
	}
	if p, ok := r.peers[id]; ok {
		r.mu.Unlock()
		return p, nil
	}

	pc, err := r.api.NewPeerConnection(r.cfg)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	p := &pionPeer{
		room:       r,
		id:         id,
		pc:         pc,
		opts:       opts,
		relays:     make(map[string]*relay),
		subscribed: make(map[string]bool),
		log:        r.log.With().Str("peer", id).Logger(),
	}
	r.peers[id] = p
	fire := r.onNewPeer
	r.mu.Unlock()

	p.wire()
	if fire != nil {
		go fire(id)
	}
	return p, nil
}

func (r *pionRoom) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	peers := make([]*pionPeer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		_ = p.Close()
	}
	return nil
}

func (r *pionRoom) others(id string) []*pionPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*pionPeer, 0, len(r.peers))
	for pid, p := range r.peers {
		if pid != id {
			out = append(out, p)
		}
	}
	return out
}

func (r *pionRoom) forget(id string) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
}

type pionPeer struct {
	room *pionRoom
	id   string
	pc   *webrtc.PeerConnection
	opts PeerOptions
	log  zerolog.Logger

	mu         sync.Mutex
	closed     bool
	relays     map[string]*relay // by published track id
	subscribed map[string]bool   // source track ids already attached
	recv       ReceiveFlags
	recvAudio  bool // recvonly transceiver present
	recvVideo  bool

	onNegotiationNeeded    func()
	onSignalingStateChange func(string)
	onClose                func()
}

func (p *pionPeer) OnNegotiationNeeded(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNegotiationNeeded = fn
}

func (p *pionPeer) OnSignalingStateChange(fn func(string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSignalingStateChange = fn
}

func (p *pionPeer) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = fn
}

func (p *pionPeer) wire() {
	p.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		p.log.Info().Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateClosed {
			_ = p.Close()
		}
	})
	p.pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		p.mu.Lock()
		fn := p.onSignalingStateChange
		p.mu.Unlock()
		if fn != nil {
			fn(s.String())
		}
	})
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("track published")
		p.publish(track)
	})
}

// publish starts a relay for a track this peer pushes into the room
// and attaches every other peer as a subscriber.
func (p *pionPeer) publish(track *webrtc.TrackRemote) {
	ctx, cancel := context.WithCancel(context.Background())
	rel := newRelay(track, cancel)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return
	}
	if old, ok := p.relays[track.ID()]; ok {
		old.stop()
	}
	p.relays[track.ID()] = rel
	p.mu.Unlock()

	logger := p.log.With().Str("track_id", track.ID()).Logger()
	go rel.loop(ctx, &logger)

	for _, other := range p.room.others(p.id) {
		if other.subscribe(rel) {
			other.negotiationNeeded()
		}
	}
}

// subscribe attaches this peer to a relay if its receive flags accept
// the track's kind. Reports whether a new out track was added.
func (p *pionPeer) subscribe(rel *relay) bool {
	kind := rel.src.Kind()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.subscribed[rel.src.ID()] {
		return false
	}
	if kind == webrtc.RTPCodecTypeAudio && !p.recv.Audio {
		return false
	}
	if kind == webrtc.RTPCodecTypeVideo && !p.recv.Video {
		return false
	}

	local, err := webrtc.NewTrackLocalStaticRTP(rel.src.Codec().RTPCodecCapability, rel.src.ID(), rel.src.StreamID())
	if err != nil {
		p.log.Error().Err(err).Msg("create local track")
		return false
	}
	if _, err := p.pc.AddTrack(local); err != nil {
		p.log.Error().Err(err).Msg("add local track")
		return false
	}
	p.subscribed[rel.src.ID()] = true
	rel.addOutTrack(p.id, newOutTrack(local))
	return true
}

// applyRecv aligns an existing subscription with the receive flags:
// an excluded kind is muted at the relay rather than torn down, so a
// later renegotiation can resume it without a new track.
func (p *pionPeer) applyRecv(rel *relay, recv ReceiveFlags) {
	p.mu.Lock()
	attached := p.subscribed[rel.src.ID()]
	p.mu.Unlock()
	if !attached {
		return
	}
	want := true
	switch rel.src.Kind() {
	case webrtc.RTPCodecTypeAudio:
		want = recv.Audio
	case webrtc.RTPCodecTypeVideo:
		want = recv.Video
	}
	rel.setMuted(p.id, !want)
}

func (p *pionPeer) negotiationNeeded() {
	p.mu.Lock()
	fn := p.onNegotiationNeeded
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetCapabilities reads the client's offer as a declaration of what it
// publishes and adds a recvonly transceiver per published kind.
func (p *pionPeer) SetCapabilities(ctx context.Context, offerSDP string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}

	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(offerSDP)); err != nil {
		return fmt.Errorf("parse capabilities offer: %w", err)
	}
	for _, md := range parsed.MediaDescriptions {
		if !clientSends(md) {
			continue
		}
		switch md.MediaName.Media {
		case "audio":
			if !p.recvAudio {
				if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
					webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
					return err
				}
				p.recvAudio = true
			}
		case "video":
			if !p.recvVideo {
				if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
					webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
					return err
				}
				p.recvVideo = true
			}
		}
	}
	return nil
}

// clientSends reports whether the media section's direction means the
// remote side will transmit.
func clientSends(md *sdp.MediaDescription) bool {
	for _, attr := range md.Attributes {
		switch attr.Key {
		case "sendonly", "sendrecv":
			return true
		case "recvonly", "inactive":
			return false
		}
	}
	return true
}

// CreateOffer attaches pending subscriptions, commits the local
// description and waits for candidate gathering, so the returned SDP
// carries embedded candidates.
func (p *pionPeer) CreateOffer(ctx context.Context, recv ReceiveFlags) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPeerClosed
	}
	p.recv = recv
	p.mu.Unlock()

	// Pick up tracks other peers published before this offer; mute or
	// resume out tracks from earlier negotiations whose kind the new
	// flags exclude or re-admit.
	for _, other := range p.room.others(p.id) {
		other.mu.Lock()
		rels := make([]*relay, 0, len(other.relays))
		for _, rel := range other.relays {
			rels = append(rels, rel)
		}
		other.mu.Unlock()
		for _, rel := range rels {
			p.subscribe(rel)
			p.applyRecv(rel, recv)
		}
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.pc.LocalDescription().SDP, nil
}

func (p *pionPeer) SetRemoteDescription(ctx context.Context, answerSDP string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	p.mu.Unlock()
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	})
}

// SetMaxBitrate asks the publishing side to cap its send rate by
// writing a REMB packet over every received SSRC.
func (p *pionPeer) SetMaxBitrate(bitrate int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	p.mu.Unlock()

	var ssrcs []uint32
	for _, recv := range p.pc.GetReceivers() {
		if t := recv.Track(); t != nil {
			ssrcs = append(ssrcs, uint32(t.SSRC()))
		}
	}
	if len(ssrcs) == 0 {
		return nil
	}
	return p.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.ReceiverEstimatedMaximumBitrate{
			Bitrate: float32(bitrate),
			SSRCs:   ssrcs,
		},
	})
}

func (p *pionPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	rels := make([]*relay, 0, len(p.relays))
	for _, rel := range p.relays {
		rels = append(rels, rel)
	}
	p.relays = make(map[string]*relay)
	fn := p.onClose
	p.mu.Unlock()

	for _, rel := range rels {
		rel.stop()
	}
	// Detach from every relay still pointing at this peer.
	for _, other := range p.room.others(p.id) {
		other.mu.Lock()
		for _, rel := range other.relays {
			rel.dropOutTrack(p.id)
		}
		other.mu.Unlock()
	}
	p.room.forget(p.id)

	if err := p.pc.Close(); err != nil {
		p.log.Warn().Err(err).Msg("close peer connection")
	} else {
		p.log.Info().Msg("peer closed")
	}
	if fn != nil {
		fn()
	}
	return nil
}
