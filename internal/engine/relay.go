package engine

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// relay fans one published remote track out to every subscriber's
// outTrack.
type relay struct {
	src *webrtc.TrackRemote

	mu        sync.RWMutex
	outTracks map[string]*outTrack

	cancel context.CancelFunc
}

func newRelay(src *webrtc.TrackRemote, cancel context.CancelFunc) *relay {
	return &relay{
		src:       src,
		outTracks: make(map[string]*outTrack),
		cancel:    cancel,
	}
}

func (r *relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			logger.Warn().Err(err).Msg("relay read RTP error, stopping")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for dst, ot := range snapshot {
		switch ot.getState() {
		case trackStateDelete:
			dirty = append(dirty, dst)
		case trackStateMuted:
		case trackStateOk:
			if err := ot.track.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("dst", dst).Msg("relay write RTP error, dropping out track")
				ot.markDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	// Cleanup outside the RLock.
	if len(dirty) > 0 {
		r.mu.Lock()
		for _, dst := range dirty {
			delete(r.outTracks, dst)
		}
		r.mu.Unlock()
	}
}

func (r *relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.markDelete()
	}
}

func (r *relay) addOutTrack(dst string, ot *outTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[dst] = ot
}

// setMuted pauses or resumes forwarding to one subscriber. A track
// already marked for delete stays deleted.
func (r *relay) setMuted(dst string, muted bool) {
	r.mu.RLock()
	ot, ok := r.outTracks[dst]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if muted {
		ot.markMuted()
	} else {
		ot.markUnmuted()
	}
}

func (r *relay) dropOutTrack(dst string) {
	r.mu.RLock()
	ot, ok := r.outTracks[dst]
	r.mu.RUnlock()
	if ok {
		ot.markDelete()
	}
}

func (r *relay) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.markAllDelete()
}
