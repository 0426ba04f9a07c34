package engine

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

func localTrack(t *testing.T, id string) *webrtc.TrackLocalStaticRTP {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		id, "stream")
	if err != nil {
		t.Fatal(err)
	}
	return track
}

func TestOutTrackMuteTransitions(t *testing.T) {
	ot := newOutTrack(localTrack(t, "a"))

	if got := ot.getState(); got != trackStateOk {
		t.Fatalf("initial state = %d", got)
	}
	ot.markMuted()
	if got := ot.getState(); got != trackStateMuted {
		t.Errorf("state after mute = %d", got)
	}
	ot.markUnmuted()
	if got := ot.getState(); got != trackStateOk {
		t.Errorf("state after unmute = %d", got)
	}

	// Delete is terminal: neither mute nor unmute revives the track.
	ot.markDelete()
	ot.markUnmuted()
	if got := ot.getState(); got != trackStateDelete {
		t.Errorf("unmute revived a deleted track: state = %d", got)
	}
	ot.markMuted()
	if got := ot.getState(); got != trackStateDelete {
		t.Errorf("mute changed a deleted track: state = %d", got)
	}
}

func TestRelaySetMuted(t *testing.T) {
	r := newRelay(nil, nil)
	ot := newOutTrack(localTrack(t, "a"))
	r.addOutTrack("p1", ot)

	r.setMuted("p1", true)
	if got := ot.getState(); got != trackStateMuted {
		t.Errorf("state after setMuted(true) = %d", got)
	}
	r.setMuted("p1", false)
	if got := ot.getState(); got != trackStateOk {
		t.Errorf("state after setMuted(false) = %d", got)
	}

	// Unknown subscriber is a no-op.
	r.setMuted("ghost", true)
}

func TestForwardCleansDeletedKeepsMuted(t *testing.T) {
	r := newRelay(nil, nil)
	gone := newOutTrack(localTrack(t, "a"))
	kept := newOutTrack(localTrack(t, "b"))
	r.addOutTrack("gone", gone)
	r.addOutTrack("kept", kept)
	gone.markDelete()
	kept.markMuted()

	logger := zerolog.Nop()
	r.forward(&rtp.Packet{}, &logger)

	r.mu.RLock()
	_, hasGone := r.outTracks["gone"]
	_, hasKept := r.outTracks["kept"]
	r.mu.RUnlock()
	if hasGone {
		t.Error("deleted out track survived forward")
	}
	if !hasKept {
		t.Error("muted out track was removed by forward")
	}
	if got := kept.getState(); got != trackStateMuted {
		t.Errorf("muted track state after forward = %d", got)
	}
}
