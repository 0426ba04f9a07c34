package bridge

import "math"

// BitrateState tracks the per-room bitrate ceiling. The floor is
// 50kbps unless the base itself is lower.
type BitrateState struct {
	Base    int
	Min     int
	Current int
}

func NewBitrateState(base int) *BitrateState {
	return &BitrateState{
		Base:    base,
		Min:     min(50000, base),
		Current: base,
	}
}

// Target computes the per-peer ceiling for a given peer count. Up to
// two peers share nothing, so they get the full base; beyond that the
// base is split across the other participants with a 0.75 utilization
// factor.
func (s *BitrateState) Target(peerCount int) int {
	if peerCount <= 2 {
		return s.Base
	}
	target := int(math.Round(float64(s.Base) / (float64(peerCount-1) * 0.75)))
	return max(s.Min, target)
}

// Update recomputes the target and reports whether it changed; the
// caller only pushes to peers on a change.
func (s *BitrateState) Update(peerCount int) (int, bool) {
	target := s.Target(peerCount)
	if target == s.Current {
		return target, false
	}
	s.Current = target
	return target, true
}
