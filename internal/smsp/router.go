package smsp

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MediaBridge is the boundary the router routes RTC traffic through
// when a call is served by the media engine. All methods are
// fire-and-forget: delivery failures are the bridge's to log, never
// surfaced to the sender.
type MediaBridge interface {
	Offer(mediaRoomID string, session MediaSession, sdp string, opts OfferOptions)
	Answer(mediaRoomID string, session MediaSession, sdp string)
	Bye(mediaRoomID string, session MediaSession, reason string)

	// Disconnect closes whatever session the nickname holds in the
	// room, txn-agnostic; for sockets that dropped mid-negotiation.
	Disconnect(mediaRoomID, nickname, reason string)

	// RoomVacated / RoomOccupied track signaling-room membership so
	// the bridge can arm and cancel its engine-room teardown grace.
	RoomVacated(mediaRoomID string)
	RoomOccupied(mediaRoomID string)
}

// Router owns presence and room state and implements Handler. A single
// mutex serializes every mutation, replacing the event loop the
// protocol was designed around. Deliveries happen under the lock;
// transport sends are non-blocking so this never stalls.
type Router struct {
	mu       sync.Mutex
	presence *Presence
	rooms    *Rooms

	bridge         MediaBridge
	directViaMedia bool

	log zerolog.Logger
}

func NewRouter(directViaMedia bool) *Router {
	return &Router{
		presence:       NewPresence(),
		rooms:          NewRooms(),
		directViaMedia: directViaMedia,
		log:            log.With().Str("module", "smsp.router").Logger(),
	}
}

// AttachBridge wires the media bridge in after construction; router
// and bridge reference each other, so one side has to come second.
func (r *Router) AttachBridge(b MediaBridge) {
	r.bridge = b
}

func (r *Router) HandleLogin(c *Conn, txn, nickname string) {
	r.mu.Lock()
	final := r.presence.Login(c, nickname)
	r.mu.Unlock()

	r.log.Info().Str("nickname", final).Msg("login")
	c.SetReady(txn, final)
}

// HandleLogout removes the nickname from presence and sweeps it out of
// every room it is still in, as if it had sent a leave to each.
func (r *Router) HandleLogout(nickname string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.presence.Remove(nickname)

	var emptied []string
	r.rooms.ForEach(func(room *Room) {
		if !room.HasMember(nickname) {
			return
		}
		room.RemoveMember(nickname)
		if room.MemberCount() == 0 {
			emptied = append(emptied, room.Name())
			return
		}
		txn := NewTxn()
		for _, member := range room.Members() {
			if c := r.presence.Available(member); c != nil {
				c.DeliverRoomMemberLeave(txn, room.Name(), nickname, "logout")
			}
		}
	})
	for _, name := range emptied {
		r.rooms.Delete(name)
		if r.bridge != nil {
			r.bridge.RoomVacated(MediaRoomID(name))
		}
	}
	r.log.Info().Str("nickname", nickname).Msg("logout")
}

func (r *Router) HandleDirectChat(sender, txn, recipient, text string) {
	r.mu.Lock()
	c := r.presence.Available(recipient)
	r.mu.Unlock()
	if c == nil {
		r.log.Info().Str("recipient", recipient).Msg("chat target not found, dropped")
		return
	}
	c.DeliverDirectChat(txn, sender, text)
}

func (r *Router) HandleRoomJoin(sender, txn, room, greeting string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms.GetOrCreate(room)
	if rm.HasMember(sender) {
		r.log.Info().Str("room", room).Str("member", sender).Msg("already joined, dropped")
		return
	}
	for _, member := range rm.Members() {
		if c := r.presence.Available(member); c != nil {
			c.DeliverRoomMemberJoin(txn, room, sender, greeting)
		}
	}
	rm.AddMember(sender)
	if c := r.presence.Available(sender); c != nil {
		c.DeliverRoomJoined(txn, room, rm.Members())
	}
	if r.bridge != nil {
		r.bridge.RoomOccupied(MediaRoomID(room))
	}
}

func (r *Router) HandleRoomLeave(sender, txn, room, will string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveRoom(sender, txn, room, will, true)
}

// leaveRoom is the shared leave path; reply controls whether the
// leaver gets a left{} confirmation. Caller holds the lock.
func (r *Router) leaveRoom(sender, txn, room, will string, reply bool) {
	rm, ok := r.rooms.Get(room)
	if !ok || !rm.HasMember(sender) {
		r.log.Info().Str("room", room).Str("member", sender).Msg("not a member, dropped")
		return
	}
	rm.RemoveMember(sender)
	if reply {
		if c := r.presence.Available(sender); c != nil {
			c.DeliverRoomLeft(txn, room)
		}
	}
	if rm.MemberCount() == 0 {
		r.rooms.Delete(room)
		if r.bridge != nil {
			r.bridge.RoomVacated(MediaRoomID(room))
		}
		return
	}
	for _, member := range rm.Members() {
		if c := r.presence.Available(member); c != nil {
			c.DeliverRoomMemberLeave(txn, room, sender, will)
		}
	}
}

// HandleRoomChat fans out to every ready member, sender included.
// Absent or not-ready members are skipped, never queued for.
func (r *Router) HandleRoomChat(sender, txn, room, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms.Get(room)
	if !ok || !rm.HasMember(sender) {
		r.log.Info().Str("room", room).Str("member", sender).Msg("not a member, dropped")
		return
	}
	for _, member := range rm.Members() {
		if c := r.presence.Available(member); c != nil {
			c.DeliverRoomChat(txn, room, sender, text)
		}
	}
}

func (r *Router) HandleDirectRTCOffer(sender, txn, recipient, sdp string, opts OfferOptions) {
	if r.directViaMedia && r.bridge != nil {
		r.bridge.Offer(MediaRoomIDFor2(sender, recipient), MediaSession{Nickname: sender, Txn: txn}, sdp, opts)
		return
	}
	r.mu.Lock()
	c := r.presence.Available(recipient)
	r.mu.Unlock()
	if c == nil {
		r.log.Info().Str("recipient", recipient).Msg("offer target not found, dropped")
		return
	}
	c.DeliverDirectRTCOffer(txn, sender, sdp, opts)
}

func (r *Router) HandleDirectRTCAnswer(sender, txn, recipient, sdp string) {
	if r.directViaMedia && r.bridge != nil {
		r.bridge.Answer(MediaRoomIDFor2(sender, recipient), MediaSession{Nickname: sender, Txn: txn}, sdp)
		return
	}
	r.mu.Lock()
	c := r.presence.Available(recipient)
	r.mu.Unlock()
	if c == nil {
		r.log.Info().Str("recipient", recipient).Msg("answer target not found, dropped")
		return
	}
	c.DeliverDirectRTCAnswer(txn, sender, sdp)
}

func (r *Router) HandleDirectRTCCandidates(sender, txn, recipient string, candidates []Candidate) {
	if r.directViaMedia && r.bridge != nil {
		// The engine is not a trickle-ICE participant.
		r.log.Debug().Str("recipient", recipient).Msg("candidates on media path, dropped")
		return
	}
	r.mu.Lock()
	c := r.presence.Available(recipient)
	r.mu.Unlock()
	if c == nil {
		r.log.Info().Str("recipient", recipient).Msg("candidates target not found, dropped")
		return
	}
	c.DeliverDirectRTCCandidates(txn, sender, candidates)
}

func (r *Router) HandleDirectRTCBye(sender, txn, recipient, reason string) {
	if r.directViaMedia && r.bridge != nil {
		r.bridge.Bye(MediaRoomIDFor2(sender, recipient), MediaSession{Nickname: sender, Txn: txn}, reason)
		return
	}
	r.mu.Lock()
	c := r.presence.Available(recipient)
	r.mu.Unlock()
	if c == nil {
		r.log.Info().Str("recipient", recipient).Msg("bye target not found, dropped")
		return
	}
	c.DeliverDirectRTCBye(txn, sender, reason)
}

func (r *Router) HandleRoomRTCOffer(sender, txn, room, sdp string, opts OfferOptions) {
	if r.bridge == nil {
		r.log.Warn().Str("room", room).Msg("room offer without media bridge, dropped")
		return
	}
	r.bridge.Offer(MediaRoomID(room), MediaSession{Nickname: sender, Txn: txn}, sdp, opts)
}

func (r *Router) HandleRoomRTCAnswer(sender, txn, room, sdp string) {
	if r.bridge == nil {
		r.log.Warn().Str("room", room).Msg("room answer without media bridge, dropped")
		return
	}
	r.bridge.Answer(MediaRoomID(room), MediaSession{Nickname: sender, Txn: txn}, sdp)
}

// Room-level candidates are accepted but never forwarded.
func (r *Router) HandleRoomRTCCandidates(sender, txn, room string, candidates []Candidate) {
	r.log.Info().Str("room", room).Str("member", sender).Msg("room candidates unsupported, dropped")
}

func (r *Router) HandleRoomRTCBye(sender, txn, room, reason string) {
	if r.bridge == nil {
		r.log.Warn().Str("room", room).Msg("room bye without media bridge, dropped")
		return
	}
	r.bridge.Bye(MediaRoomID(room), MediaSession{Nickname: sender, Txn: txn}, reason)
}

func (r *Router) HandleMediaClose(nickname, mediaRoomID string) {
	if r.bridge == nil {
		return
	}
	r.bridge.Disconnect(mediaRoomID, nickname, "closed")
}

// channelFor maps an engine room id to the wire channel the session's
// owner sees the traffic on.
func channelFor(room MediaRoom, nickname string) string {
	if room.Kind == DestRoom {
		return "room:" + room.Name
	}
	return "user:" + room.Other(nickname)
}

// OnEngineOffer delivers an engine-originated offer to the session's
// owner. For renegotiation the txn is still the session's: the client
// matches room offers on the channel alone.
func (r *Router) OnEngineOffer(mediaRoomID, sessionID, sdp string) {
	room, err := ParseMediaRoomID(mediaRoomID)
	if err != nil {
		r.log.Error().Err(err).Str("mediaRoom", mediaRoomID).Msg("engine offer, bad room id")
		return
	}
	sess, err := ParseMediaSessionID(sessionID)
	if err != nil {
		r.log.Error().Err(err).Str("session", sessionID).Msg("engine offer, bad session id")
		return
	}
	r.mu.Lock()
	c := r.presence.Available(sess.Nickname)
	r.mu.Unlock()
	if c == nil {
		r.log.Info().Str("nickname", sess.Nickname).Msg("engine offer, owner gone, dropped")
		return
	}
	c.DeliverEngineRTCOffer(sess.Txn, channelFor(room, sess.Nickname), sdp)
}

func (r *Router) OnEngineSessionStarted(mediaRoomID, sessionID string) {
	sess, err := ParseMediaSessionID(sessionID)
	if err != nil {
		r.log.Error().Err(err).Str("session", sessionID).Msg("session started, bad session id")
		return
	}
	r.mu.Lock()
	c := r.presence.Available(sess.Nickname)
	r.mu.Unlock()
	if c != nil {
		c.RememberMediaSession(mediaRoomID)
	}
}

// OnEngineSessionClosed forgets the association and tells the owner,
// so the client side tears its negotiation down too.
func (r *Router) OnEngineSessionClosed(mediaRoomID, sessionID string) {
	room, err := ParseMediaRoomID(mediaRoomID)
	if err != nil {
		r.log.Error().Err(err).Str("mediaRoom", mediaRoomID).Msg("session closed, bad room id")
		return
	}
	sess, err := ParseMediaSessionID(sessionID)
	if err != nil {
		r.log.Error().Err(err).Str("session", sessionID).Msg("session closed, bad session id")
		return
	}
	r.mu.Lock()
	c := r.presence.Available(sess.Nickname)
	r.mu.Unlock()
	if c == nil {
		return
	}
	c.ForgetMediaSession()
	c.DeliverEngineRTCBye(sess.Txn, channelFor(room, sess.Nickname), "closed")
}
