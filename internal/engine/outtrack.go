package engine

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

type trackState int32

const (
	trackStateOk trackState = iota
	trackStateMuted
	trackStateDelete
)

// outTrack is a single outgoing copy of a published track, bound to
// one subscribing peer.
type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32 // zero value is trackStateOk
}

func newOutTrack(track *webrtc.TrackLocalStaticRTP) *outTrack {
	return &outTrack{track: track}
}

func (ot *outTrack) getState() trackState {
	return trackState(ot.state.Load())
}

// Mute flips only between Ok and Muted; Delete is terminal.
func (ot *outTrack) markMuted() {
	ot.state.CompareAndSwap(int32(trackStateOk), int32(trackStateMuted))
}

func (ot *outTrack) markUnmuted() {
	ot.state.CompareAndSwap(int32(trackStateMuted), int32(trackStateOk))
}

func (ot *outTrack) markDelete() {
	ot.state.Store(int32(trackStateDelete))
}
