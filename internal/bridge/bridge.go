package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Sideshow/internal/engine"
	"github.com/dkeye/Sideshow/internal/smsp"
)

// Signaler is the upward boundary: the bridge reports engine activity
// and the signaling side delivers it to the right client.
type Signaler interface {
	OnEngineOffer(mediaRoomID, sessionID, sdp string)
	OnEngineSessionStarted(mediaRoomID, sessionID string)
	OnEngineSessionClosed(mediaRoomID, sessionID string)
}

// RenegotiationPolicy decides what happens when an outbound offer goes
// unanswered past the monitor timeout.
type RenegotiationPolicy interface {
	OnUnanswered(mediaRoomID, sessionID string)
}

// WarnPolicy logs and does nothing else; unanswered offers never tear
// a session down on their own.
type WarnPolicy struct{}

func (WarnPolicy) OnUnanswered(mediaRoomID, sessionID string) {
	log.Warn().
		Str("module", "bridge").
		Str("mediaRoom", mediaRoomID).
		Str("session", sessionID).
		Msg("offer unanswered past monitor timeout")
}

type Options struct {
	Codecs         []string
	TransportUDP   bool
	TransportTCP   bool
	BaseMaxBitrate int

	RenegotiationTimeout time.Duration
	TeardownGrace        time.Duration
}

func (o *Options) defaults() {
	if o.RenegotiationTimeout == 0 {
		o.RenegotiationTimeout = 5 * time.Second
	}
	if o.TeardownGrace == 0 {
		o.TeardownGrace = 10 * time.Second
	}
}

// roomEntry maps one media-room-id to its engine room. The entry is
// registered before the engine call so concurrent traffic for the same
// id waits on ready instead of creating a second engine room.
type roomEntry struct {
	id    string
	ready chan struct{}

	handle engine.RoomHandle
	err    error

	mu       sync.Mutex
	members  map[string]*member // by nickname
	bitrate  *BitrateState
	teardown *time.Timer
}

// Bridge translates signaling-level room/session identifiers into
// engine room and peer handles.
type Bridge struct {
	engine   engine.Engine
	signaler Signaler
	opts     Options
	policy   RenegotiationPolicy
	log      zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*roomEntry
}

func New(eng engine.Engine, signaler Signaler, opts Options) *Bridge {
	opts.defaults()
	return &Bridge{
		engine:   eng,
		signaler: signaler,
		opts:     opts,
		policy:   WarnPolicy{},
		rooms:    make(map[string]*roomEntry),
		log:      log.With().Str("module", "bridge").Logger(),
	}
}

// SetPolicy swaps the unanswered-offer policy.
func (b *Bridge) SetPolicy(p RenegotiationPolicy) {
	b.policy = p
}

// room returns the entry for id, creating the engine room on first
// use. The map entry exists before the engine call returns, so a
// second caller blocks on ready rather than racing the creation.
func (b *Bridge) room(ctx context.Context, id string) (*roomEntry, error) {
	b.mu.Lock()
	if e, ok := b.rooms[id]; ok {
		b.mu.Unlock()
		<-e.ready
		return e, e.err
	}
	e := &roomEntry{
		id:      id,
		ready:   make(chan struct{}),
		members: make(map[string]*member),
		bitrate: NewBitrateState(b.opts.BaseMaxBitrate),
	}
	b.rooms[id] = e
	b.mu.Unlock()

	b.log.Info().Str("mediaRoom", id).Msg("creating engine room")
	handle, err := b.engine.CreateRoom(ctx, engine.RoomOptions{
		Codecs:       b.opts.Codecs,
		TransportUDP: b.opts.TransportUDP,
		TransportTCP: b.opts.TransportTCP,
	})
	e.handle, e.err = handle, err
	if err != nil {
		b.mu.Lock()
		delete(b.rooms, id)
		b.mu.Unlock()
		b.log.Error().Err(err).Str("mediaRoom", id).Msg("engine room creation failed")
	}
	close(e.ready)
	return e, err
}

// peek returns an existing entry or nil, waiting out an in-flight
// creation.
func (b *Bridge) peek(id string) *roomEntry {
	b.mu.Lock()
	e, ok := b.rooms[id]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	<-e.ready
	if e.err != nil {
		return nil
	}
	return e
}

func (b *Bridge) Offer(mediaRoomID string, session smsp.MediaSession, sdp string, opts smsp.OfferOptions) {
	ctx := context.Background()
	e, err := b.room(ctx, mediaRoomID)
	if err != nil {
		return
	}
	e.cancelTeardown()

	m, created := b.memberFor(ctx, e, session, opts)
	if m == nil {
		return
	}
	if created {
		b.signaler.OnEngineSessionStarted(mediaRoomID, m.sessionID())
	}

	// Symmetric media assumption: a voice-only publisher joins a
	// voice room, so it receives the kinds it publishes.
	m.setRecv(engine.ReceiveFlags{Audio: true, Video: opts.PublishVideo})

	if err := m.peer.SetCapabilities(ctx, sdp); err != nil {
		m.log.Error().Err(err).Msg("set capabilities failed, closing session")
		m.close()
		return
	}
	m.sendOffer(ctx)
	b.recompute(e)
}

// memberFor finds or creates the nickname's engine session in the
// room. An existing member is rebound to the new txn, keeping one
// peer per nickname per room.
func (b *Bridge) memberFor(ctx context.Context, e *roomEntry, session smsp.MediaSession, opts smsp.OfferOptions) (*member, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if m, ok := e.members[session.Nickname]; ok {
		m.rebind(session)
		return m, false
	}

	sessionID := smsp.MediaSessionID(session.Nickname, session.Txn)
	peer, err := e.handle.Peer(ctx, sessionID, engine.PeerOptions{
		PlanB:      opts.PlanB,
		MaxBitrate: e.bitrate.Current,
	})
	if err != nil {
		b.log.Error().Err(err).Str("session", sessionID).Msg("engine peer creation failed")
		return nil, false
	}

	m := &member{
		bridge:  b,
		room:    e,
		peer:    peer,
		session: session,
		log:     b.log.With().Str("mediaRoom", e.id).Str("session", sessionID).Logger(),
	}
	peer.OnNegotiationNeeded(func() {
		m.log.Info().Msg("negotiation needed, sending fresh offer")
		go m.sendOffer(context.Background())
	})
	peer.OnSignalingStateChange(func(state string) {
		m.log.Info().Str("state", state).Msg("signaling state")
	})
	peer.OnClose(func() {
		b.memberClosed(e, m)
	})
	e.members[session.Nickname] = m
	return m, true
}

// session lookups require the full media-session-id to match: a
// rebound member answers only to its current txn, so traffic from a
// superseded negotiation is dropped instead of applied.
func (b *Bridge) lookup(mediaRoomID string, session smsp.MediaSession, what string) *member {
	e := b.peek(mediaRoomID)
	if e == nil {
		b.log.Info().Str("mediaRoom", mediaRoomID).Msgf("%s for unknown room, dropped", what)
		return nil
	}
	e.mu.Lock()
	m, ok := e.members[session.Nickname]
	e.mu.Unlock()
	if !ok {
		b.log.Info().Str("mediaRoom", mediaRoomID).Str("nickname", session.Nickname).Msgf("%s for unknown session, dropped", what)
		return nil
	}
	if m.currentTxn() != session.Txn {
		m.log.Info().Str("txn", session.Txn).Msgf("%s for superseded negotiation, dropped", what)
		return nil
	}
	return m
}

func (b *Bridge) Answer(mediaRoomID string, session smsp.MediaSession, sdp string) {
	if m := b.lookup(mediaRoomID, session, "answer"); m != nil {
		m.handleAnswer(context.Background(), sdp)
	}
}

func (b *Bridge) Bye(mediaRoomID string, session smsp.MediaSession, reason string) {
	if m := b.lookup(mediaRoomID, session, "bye"); m != nil {
		m.log.Info().Str("reason", reason).Msg("session bye")
		m.close()
	}
}

// Disconnect closes the nickname's session regardless of txn; used
// when the owning socket drops and whatever negotiation was pending is
// moot.
func (b *Bridge) Disconnect(mediaRoomID, nickname, reason string) {
	e := b.peek(mediaRoomID)
	if e == nil {
		return
	}
	e.mu.Lock()
	m, ok := e.members[nickname]
	e.mu.Unlock()
	if !ok {
		return
	}
	m.log.Info().Str("reason", reason).Msg("session disconnect")
	m.close()
}

// memberClosed is the single cleanup path, reached through the engine
// peer's close hook regardless of who initiated the close.
func (b *Bridge) memberClosed(e *roomEntry, m *member) {
	m.markClosed()
	sessionID := m.sessionID()

	e.mu.Lock()
	nickname := m.session.Nickname
	if e.members[nickname] == m {
		delete(e.members, nickname)
	}
	empty := len(e.members) == 0
	e.mu.Unlock()

	b.signaler.OnEngineSessionClosed(e.id, sessionID)
	b.recompute(e)
	if empty {
		b.armTeardown(e)
	}
}

// recompute refreshes the room's bitrate ceiling and pushes it to
// every live member, but only when the value changed.
func (b *Bridge) recompute(e *roomEntry) {
	e.mu.Lock()
	target, changed := e.bitrate.Update(len(e.members))
	members := make([]*member, 0, len(e.members))
	for _, m := range e.members {
		members = append(members, m)
	}
	e.mu.Unlock()

	if !changed {
		return
	}
	b.log.Info().Str("mediaRoom", e.id).Int("target", target).Int("peers", len(members)).Msg("bitrate ceiling changed")
	for _, m := range members {
		if err := m.peer.SetMaxBitrate(target); err != nil {
			m.log.Warn().Err(err).Msg("push bitrate ceiling")
		}
	}
}

// RoomVacated arms the teardown grace timer for the signaling room's
// engine counterpart.
func (b *Bridge) RoomVacated(mediaRoomID string) {
	e := b.peek(mediaRoomID)
	if e == nil {
		return
	}
	b.armTeardown(e)
}

// RoomOccupied cancels a pending teardown when someone joins within
// the grace window.
func (b *Bridge) RoomOccupied(mediaRoomID string) {
	e := b.peek(mediaRoomID)
	if e == nil {
		return
	}
	e.cancelTeardown()
}

func (b *Bridge) armTeardown(e *roomEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.teardown != nil {
		e.teardown.Stop()
	}
	b.log.Info().Str("mediaRoom", e.id).Dur("grace", b.opts.TeardownGrace).Msg("arming room teardown")
	e.teardown = time.AfterFunc(b.opts.TeardownGrace, func() {
		b.teardownRoom(e)
	})
}

func (e *roomEntry) cancelTeardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.teardown != nil {
		e.teardown.Stop()
		e.teardown = nil
	}
}

func (b *Bridge) teardownRoom(e *roomEntry) {
	b.mu.Lock()
	if b.rooms[e.id] != e {
		b.mu.Unlock()
		return
	}
	delete(b.rooms, e.id)
	b.mu.Unlock()

	e.mu.Lock()
	members := make([]*member, 0, len(e.members))
	for _, m := range e.members {
		members = append(members, m)
	}
	e.mu.Unlock()

	b.log.Info().Str("mediaRoom", e.id).Msg("releasing engine room")
	for _, m := range members {
		m.close()
	}
	if e.handle != nil {
		_ = e.handle.Close()
	}
}

// RoomCount reports how many engine rooms are live.
func (b *Bridge) RoomCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms)
}
