package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Sideshow/client/rtc"
	"github.com/dkeye/Sideshow/internal/smsp"
)

var ErrCallInProgress = errors.New("call already in progress for this peer")

// PeerKey identifies one logical peer: a direct counterpart or a room.
type PeerKey struct {
	Kind smsp.DestKind
	Name string
}

func (k PeerKey) channel() string {
	return string(k.Kind) + ":" + k.Name
}

// CallTransport is the slice of the wire client the session needs.
type CallTransport interface {
	SendOffer(to, txn, sdp string, opts smsp.OfferOptions) error
	SendAnswer(to, txn, sdp string) error
	SendCandidates(to, txn string, candidates []smsp.Candidate) error
	SendBye(to, txn, reason string) error
}

// BuilderFunc supplies the negotiator configuration for a peer. For
// answering calls opts carries the caller's published directions.
type BuilderFunc func(peer PeerKey, answering bool, opts smsp.OfferOptions) rtc.Builder

// Session owns at most one live negotiation per logical peer and does
// the response matching: an answer, candidate batch or bye is accepted
// only when its (kind, name, txn) triple matches the pending
// negotiation exactly. Room offers are the one exception — the bridge
// renegotiates on the room channel with its own txn, so they match on
// channel alone.
type Session struct {
	transport  CallTransport
	builderFor BuilderFunc
	onQuit     func(PeerKey)
	quitDelay  time.Duration
	log        zerolog.Logger

	mu    sync.Mutex
	links map[PeerKey]*link
}

type link struct {
	sender *peerSender
	neg    *rtc.Negotiator
}

// peerSender binds a negotiator's outbound traffic to a channel and
// txn. The txn is rebound when a room renegotiation offer arrives.
type peerSender struct {
	transport CallTransport
	to        string

	mu  sync.Mutex
	txn string
}

func (ps *peerSender) currentTxn() string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.txn
}

func (ps *peerSender) rebind(txn string) {
	ps.mu.Lock()
	ps.txn = txn
	ps.mu.Unlock()
}

func (ps *peerSender) SendOffer(sdp string, opts smsp.OfferOptions) {
	_ = ps.transport.SendOffer(ps.to, ps.currentTxn(), sdp, opts)
}

func (ps *peerSender) SendAnswer(sdp string) {
	_ = ps.transport.SendAnswer(ps.to, ps.currentTxn(), sdp)
}

func (ps *peerSender) SendCandidates(candidates []smsp.Candidate) {
	_ = ps.transport.SendCandidates(ps.to, ps.currentTxn(), candidates)
}

func NewSession(transport CallTransport, builderFor BuilderFunc, onQuit func(PeerKey)) *Session {
	return &Session{
		transport:  transport,
		builderFor: builderFor,
		onQuit:     onQuit,
		quitDelay:  200 * time.Millisecond,
		links:      make(map[PeerKey]*link),
		log:        log.With().Str("module", "session").Logger(),
	}
}

// StartCall opens a negotiation toward the peer and sends the offer.
// A second start for the same peer is an error, never queued.
func (s *Session) StartCall(ctx context.Context, kind smsp.DestKind, name string) (string, error) {
	key := PeerKey{Kind: kind, Name: name}
	txn := smsp.NewTxn()

	s.mu.Lock()
	if _, ok := s.links[key]; ok {
		s.mu.Unlock()
		return "", ErrCallInProgress
	}
	l, err := s.buildLink(key, txn, false, smsp.OfferOptions{})
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.links[key] = l
	s.mu.Unlock()

	if err := l.neg.Offer(ctx); err != nil {
		return "", err
	}
	return txn, nil
}

// buildLink wires a negotiator whose close removes the link and fires
// the debounced quit notification. Caller holds the lock.
func (s *Session) buildLink(key PeerKey, txn string, answering bool, opts smsp.OfferOptions) (*link, error) {
	sender := &peerSender{transport: s.transport, to: key.channel(), txn: txn}
	builder := s.builderFor(key, answering, opts)
	userClosed := builder.OnClosed
	builder.OnClosed = func() {
		s.linkClosed(key, userClosed)
	}
	neg, err := builder.Build(sender)
	if err != nil {
		return nil, err
	}
	return &link{sender: sender, neg: neg}, nil
}

// linkClosed detaches the link and, after a short settle delay, tells
// the owner the call is gone.
func (s *Session) linkClosed(key PeerKey, userClosed func()) {
	s.mu.Lock()
	delete(s.links, key)
	s.mu.Unlock()

	time.AfterFunc(s.quitDelay, func() {
		if s.onQuit != nil {
			s.onQuit(key)
		}
		if userClosed != nil {
			userClosed()
		}
	})
}

// Hangup sends a bye for the pending negotiation and closes it.
func (s *Session) Hangup(kind smsp.DestKind, name, reason string) {
	key := PeerKey{Kind: kind, Name: name}
	s.mu.Lock()
	l, ok := s.links[key]
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = s.transport.SendBye(key.channel(), l.sender.currentTxn(), reason)
	l.neg.Close()
}

// Close hangs up every live negotiation.
func (s *Session) Close() {
	s.mu.Lock()
	links := make(map[PeerKey]*link, len(s.links))
	for k, l := range s.links {
		links[k] = l
	}
	s.mu.Unlock()

	for key, l := range links {
		_ = s.transport.SendBye(key.channel(), l.sender.currentTxn(), "closed")
		l.neg.Close()
	}
}

// OnRTCOffer handles both incoming calls and room renegotiation.
func (s *Session) OnRTCOffer(from smsp.Destination, txn, sdp string, opts smsp.OfferOptions) {
	key := PeerKey{Kind: from.Kind, Name: from.Name}

	s.mu.Lock()
	l, ok := s.links[key]
	if ok {
		s.mu.Unlock()
		if key.Kind != smsp.DestRoom {
			s.log.Warn().Str("peer", key.channel()).Msg("offer while negotiation pending, dropped")
			return
		}
		// Renegotiation arrives with the bridge's txn; answer on it.
		l.sender.rebind(txn)
		if err := l.neg.AcceptOffer(context.Background(), sdp); err != nil {
			s.log.Warn().Err(err).Str("peer", key.channel()).Msg("renegotiation failed")
		}
		return
	}

	nl, err := s.buildLink(key, txn, true, opts)
	if err != nil {
		s.mu.Unlock()
		s.log.Error().Err(err).Str("peer", key.channel()).Msg("build answering negotiator")
		return
	}
	s.links[key] = nl
	s.mu.Unlock()

	if err := nl.neg.AcceptOffer(context.Background(), sdp); err != nil {
		s.log.Warn().Err(err).Str("peer", key.channel()).Msg("answer failed")
	}
}

// match returns the link only when the full (kind, name, txn) triple
// lines up; anything else is dropped with a warning because the peer
// may have legitimately moved on.
func (s *Session) match(from smsp.Destination, txn, what string) *link {
	key := PeerKey{Kind: from.Kind, Name: from.Name}
	s.mu.Lock()
	l, ok := s.links[key]
	s.mu.Unlock()
	if !ok || l.sender.currentTxn() != txn {
		s.log.Warn().Str("peer", key.channel()).Str("txn", txn).Msgf("%s for unknown negotiation, dropped", what)
		return nil
	}
	return l
}

func (s *Session) OnRTCAnswer(from smsp.Destination, txn, sdp string) {
	if l := s.match(from, txn, "answer"); l != nil {
		if err := l.neg.AcceptAnswer(context.Background(), sdp); err != nil {
			s.log.Warn().Err(err).Msg("apply answer failed")
		}
	}
}

func (s *Session) OnRTCCandidates(from smsp.Destination, txn string, candidates []smsp.Candidate) {
	if l := s.match(from, txn, "candidates"); l != nil {
		l.neg.AddRemoteCandidates(candidates)
	}
}

func (s *Session) OnRTCBye(from smsp.Destination, txn, reason string) {
	if l := s.match(from, txn, "bye"); l != nil {
		s.log.Info().Str("peer", from.String()).Str("reason", reason).Msg("peer hung up")
		l.neg.Close()
	}
}
