package engine

import "context"

// Engine is the media-forwarding collaborator the bridge drives. The
// bridge never sees peer connections or tracks, only these handles.
type Engine interface {
	CreateRoom(ctx context.Context, opts RoomOptions) (RoomHandle, error)
}

// RoomOptions selects the codec set and transports for a room.
type RoomOptions struct {
	Codecs       []string
	TransportUDP bool
	TransportTCP bool
}

// PeerOptions configures one peer connection inside a room.
type PeerOptions struct {
	// PlanB enables the legacy multistream convention for clients
	// that still speak it.
	PlanB bool
	// MaxBitrate is the initial receive ceiling, pushed via REMB.
	MaxBitrate int
}

// ReceiveFlags tells CreateOffer which media kinds the peer wants to
// receive from the room.
type ReceiveFlags struct {
	Audio bool
	Video bool
}

type RoomHandle interface {
	// Peer returns the peer registered under id, creating it if absent.
	Peer(ctx context.Context, id string, opts PeerOptions) (PeerHandle, error)
	OnNewPeer(fn func(id string))
	Close() error
}

// PeerHandle wraps one engine-side ICE/SDP agent. CreateOffer commits
// the local description and returns it after candidate gathering, so
// the offer carries embedded candidates (vanilla ICE).
type PeerHandle interface {
	// SetCapabilities ingests the client's offer as a capability
	// declaration: which kinds it publishes and what it can decode.
	SetCapabilities(ctx context.Context, offerSDP string) error
	CreateOffer(ctx context.Context, recv ReceiveFlags) (string, error)
	SetRemoteDescription(ctx context.Context, answerSDP string) error
	SetMaxBitrate(bitrate int) error
	Close() error

	OnNegotiationNeeded(fn func())
	OnSignalingStateChange(fn func(state string))
	OnClose(fn func())
}
