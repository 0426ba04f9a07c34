package smsp

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transport is the socket half the gateway owns. Send must be safe to
// call from any goroutine.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Handler receives the typed events a connection emits after
// validation. Supplied at construction; there is no dynamic
// subscription.
type Handler interface {
	HandleLogin(c *Conn, txn, nickname string)
	HandleLogout(nickname string)

	HandleDirectChat(sender, txn, recipient, text string)
	HandleDirectRTCOffer(sender, txn, recipient, sdp string, opts OfferOptions)
	HandleDirectRTCAnswer(sender, txn, recipient, sdp string)
	HandleDirectRTCCandidates(sender, txn, recipient string, candidates []Candidate)
	HandleDirectRTCBye(sender, txn, recipient, reason string)

	HandleRoomJoin(sender, txn, room, greeting string)
	HandleRoomLeave(sender, txn, room, will string)
	HandleRoomChat(sender, txn, room, text string)
	HandleRoomRTCOffer(sender, txn, room, sdp string, opts OfferOptions)
	HandleRoomRTCAnswer(sender, txn, room, sdp string)
	HandleRoomRTCCandidates(sender, txn, room string, candidates []Candidate)
	HandleRoomRTCBye(sender, txn, room, reason string)

	// HandleMediaClose is the synthetic bye relayed when a socket with
	// an active media session drops without saying goodbye.
	HandleMediaClose(nickname, mediaRoomID string)
}

// Conn is the per-socket protocol state: ready flag, assigned
// nickname and the remembered active media room. It parses and
// validates frames, forwards typed events to the Handler and sends
// typed replies back through the Transport.
type Conn struct {
	transport Transport
	handler   Handler
	log       zerolog.Logger

	mu        sync.Mutex
	ready     bool
	closed    bool
	nickname  string
	mediaRoom string
}

func NewConn(t Transport, h Handler) *Conn {
	return &Conn{
		transport: t,
		handler:   h,
		log:       log.With().Str("module", "smsp.conn").Logger(),
	}
}

func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *Conn) Nickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nickname
}

// SetReady flips the connection ready exactly once, after login
// resolved the final nickname, and replies on the login txn.
func (c *Conn) SetReady(txn, nickname string) {
	c.mu.Lock()
	c.nickname = nickname
	c.ready = true
	c.log = c.log.With().Str("nickname", nickname).Logger()
	c.mu.Unlock()

	c.log.Info().Msg("ready")
	c.send(Delivery{
		From:    string(DestSystem),
		Type:    TypeReady,
		Txn:     txn,
		Content: mustJSON(map[string]string{"nickname": nickname}),
	})
}

// RememberMediaSession records the media room this connection has an
// active engine session in, so a synthetic bye can be relayed when
// the socket drops.
func (c *Conn) RememberMediaSession(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mediaRoom = room
}

func (c *Conn) ForgetMediaSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mediaRoom = ""
}

// HandleFrame processes one inbound text frame. Called by the gateway
// read loop only.
func (c *Conn) HandleFrame(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn().Err(err).Msg("bad-message: unparsable frame, dropped")
		return
	}
	if env.To == "" || env.Txn == "" || env.Type == "" || len(env.Content) == 0 {
		c.log.Warn().Str("type", env.Type).Msg("bad-message: incomplete envelope, dropped")
		return
	}

	dest, err := ParseDestination(env.To)
	if err != nil {
		c.sendError(env.Txn, ReasonBadFormat, "invalid destination: "+env.To, false)
		return
	}

	switch env.Type {
	case TypeLogin:
		c.handleLogin(dest, env.Txn, env.Content)
	case TypeChat:
		c.handleChat(dest, env.Txn, env.Content)
	case TypeJoin:
		c.handleJoin(dest, env.Txn, env.Content)
	case TypeLeave:
		c.handleLeave(dest, env.Txn, env.Content)
	case TypeRTCOffer:
		c.handleRTCOffer(dest, env.Txn, env.Content)
	case TypeRTCAnswer:
		c.handleRTCAnswer(dest, env.Txn, env.Content)
	case TypeRTCCandidates:
		c.handleRTCCandidates(dest, env.Txn, env.Content)
	case TypeRTCBye:
		c.handleRTCBye(dest, env.Txn, env.Content)
	default:
		c.sendError(env.Txn, ReasonBadMessage, "unsupported message type: "+env.Type, true)
	}
}

// gate enforces readiness and destination-kind policy. A violation is
// a hard protocol failure: error reply then close.
func (c *Conn) gate(txn, msgType string, ok bool, detail string) bool {
	if ok {
		return true
	}
	c.sendError(txn, ReasonPolicyViolation, "received "+msgType+" message but "+detail, true)
	return false
}

func (c *Conn) handleLogin(dest Destination, txn string, raw json.RawMessage) {
	c.log.Info().Msg("<- login")
	if !c.gate(txn, TypeLogin, !c.Ready(), "connection is already ready") {
		return
	}
	if !c.gate(txn, TypeLogin, dest.IsSystem(), "its destination is not 'system'") {
		return
	}
	var content LoginContent
	if err := decodeContent(raw, &content); err != nil {
		c.sendError(txn, ReasonBadFormat, err.Error(), false)
		return
	}
	c.handler.HandleLogin(c, txn, content.Nickname)
}

func (c *Conn) handleChat(dest Destination, txn string, raw json.RawMessage) {
	c.log.Info().Msg("<- chat")
	if !c.gate(txn, TypeChat, c.Ready(), "connection is not ready") {
		return
	}
	if !c.gate(txn, TypeChat, !dest.IsSystem(), "its destination is 'system'") {
		return
	}
	var content ChatContent
	if err := decodeContent(raw, &content); err != nil {
		c.sendError(txn, ReasonBadFormat, err.Error(), false)
		return
	}
	if dest.IsRoom() {
		c.handler.HandleRoomChat(c.Nickname(), txn, dest.Name, *content.Text)
	} else {
		c.handler.HandleDirectChat(c.Nickname(), txn, dest.Name, *content.Text)
	}
}

func (c *Conn) handleJoin(dest Destination, txn string, raw json.RawMessage) {
	c.log.Info().Msg("<- join")
	if !c.gate(txn, TypeJoin, c.Ready(), "connection is not ready") {
		return
	}
	if !c.gate(txn, TypeJoin, dest.IsRoom(), "its destination is not 'room'") {
		return
	}
	var content JoinContent
	if err := decodeContent(raw, &content); err != nil {
		c.sendError(txn, ReasonBadFormat, err.Error(), false)
		return
	}
	c.handler.HandleRoomJoin(c.Nickname(), txn, dest.Name, content.Greeting)
}

func (c *Conn) handleLeave(dest Destination, txn string, raw json.RawMessage) {
	c.log.Info().Msg("<- leave")
	if !c.gate(txn, TypeLeave, c.Ready(), "connection is not ready") {
		return
	}
	if !c.gate(txn, TypeLeave, dest.IsRoom(), "its destination is not 'room'") {
		return
	}
	var content LeaveContent
	if err := decodeContent(raw, &content); err != nil {
		c.sendError(txn, ReasonBadFormat, err.Error(), false)
		return
	}
	c.handler.HandleRoomLeave(c.Nickname(), txn, dest.Name, content.Will)
}

func (c *Conn) handleRTCOffer(dest Destination, txn string, raw json.RawMessage) {
	c.log.Info().Msg("<- rtc:offer")
	if !c.gate(txn, TypeRTCOffer, c.Ready(), "connection is not ready") {
		return
	}
	if !c.gate(txn, TypeRTCOffer, !dest.IsSystem(), "its destination is 'system'") {
		return
	}
	var content RTCOfferContent
	if err := decodeContent(raw, &content); err != nil {
		c.sendError(txn, ReasonBadFormat, err.Error(), false)
		return
	}
	opts := OfferOptions{
		PublishAudio: *content.Options.PublishAudio,
		PublishVideo: *content.Options.PublishVideo,
		PlanB:        *content.Options.PlanB,
	}
	if dest.IsRoom() {
		c.handler.HandleRoomRTCOffer(c.Nickname(), txn, dest.Name, *content.SDP, opts)
	} else {
		c.handler.HandleDirectRTCOffer(c.Nickname(), txn, dest.Name, *content.SDP, opts)
	}
}

func (c *Conn) handleRTCAnswer(dest Destination, txn string, raw json.RawMessage) {
	c.log.Info().Msg("<- rtc:answer")
	if !c.gate(txn, TypeRTCAnswer, c.Ready(), "connection is not ready") {
		return
	}
	if !c.gate(txn, TypeRTCAnswer, !dest.IsSystem(), "its destination is 'system'") {
		return
	}
	var content RTCAnswerContent
	if err := decodeContent(raw, &content); err != nil {
		c.sendError(txn, ReasonBadFormat, err.Error(), false)
		return
	}
	if dest.IsRoom() {
		c.handler.HandleRoomRTCAnswer(c.Nickname(), txn, dest.Name, *content.SDP)
	} else {
		c.handler.HandleDirectRTCAnswer(c.Nickname(), txn, dest.Name, *content.SDP)
	}
}

func (c *Conn) handleRTCCandidates(dest Destination, txn string, raw json.RawMessage) {
	c.log.Info().Msg("<- rtc:candidates")
	if !c.gate(txn, TypeRTCCandidates, c.Ready(), "connection is not ready") {
		return
	}
	if !c.gate(txn, TypeRTCCandidates, !dest.IsSystem(), "its destination is 'system'") {
		return
	}
	var content RTCCandidatesContent
	if err := decodeContent(raw, &content); err != nil {
		c.sendError(txn, ReasonBadFormat, err.Error(), false)
		return
	}
	if dest.IsRoom() {
		c.handler.HandleRoomRTCCandidates(c.Nickname(), txn, dest.Name, content.Candidates)
	} else {
		c.handler.HandleDirectRTCCandidates(c.Nickname(), txn, dest.Name, content.Candidates)
	}
}

func (c *Conn) handleRTCBye(dest Destination, txn string, raw json.RawMessage) {
	c.log.Info().Msg("<- rtc:bye")
	if !c.gate(txn, TypeRTCBye, c.Ready(), "connection is not ready") {
		return
	}
	if !c.gate(txn, TypeRTCBye, !dest.IsSystem(), "its destination is 'system'") {
		return
	}
	var content RTCByeContent
	if err := decodeContent(raw, &content); err != nil {
		c.sendError(txn, ReasonBadFormat, err.Error(), false)
		return
	}
	if dest.IsRoom() {
		c.handler.HandleRoomRTCBye(c.Nickname(), txn, dest.Name, *content.Reason)
	} else {
		c.handler.HandleDirectRTCBye(c.Nickname(), txn, dest.Name, *content.Reason)
	}
}

// Close is idempotent. If the connection still has an active media
// session a synthetic room bye is relayed first, then the logout.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ready := c.ready
	nickname := c.nickname
	mediaRoom := c.mediaRoom
	c.mediaRoom = ""
	c.mu.Unlock()

	if mediaRoom != "" {
		c.log.Info().Str("mediaRoom", mediaRoom).Msg("relay rtc:bye on closing")
		c.handler.HandleMediaClose(nickname, mediaRoom)
	}
	if ready {
		c.log.Info().Msg("<- logout")
		c.handler.HandleLogout(nickname)
	}
	_ = c.transport.Close()
}

func (c *Conn) sendError(txn, reason, detail string, shouldClose bool) {
	c.log.Info().Str("reason", reason).Str("detail", detail).Msg("error reply")
	c.send(Delivery{
		From:    string(DestSystem),
		Type:    TypeError,
		Txn:     txn,
		Content: mustJSON(map[string]string{"reason": reason}),
	})
	if shouldClose {
		c.Close()
	}
}

// deliver sends a message to a ready connection; pre-ready
// connections never receive relayed traffic.
func (c *Conn) deliver(from, msgType, txn string, content any) {
	if !c.Ready() {
		return
	}
	c.send(Delivery{From: from, Type: msgType, Txn: txn, Content: mustJSON(content)})
}

func (c *Conn) send(d Delivery) {
	data, err := json.Marshal(d)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal delivery")
		return
	}
	if err := c.transport.Send(data); err != nil {
		c.log.Warn().Err(err).Str("type", d.Type).Msg("send failed, dropped")
	}
}

// Typed deliver helpers, one per server-originated message.

func (c *Conn) DeliverDirectChat(txn, sender, text string) {
	c.deliver("user:"+sender, TypeChat, txn, map[string]string{"text": text})
}

func (c *Conn) DeliverDirectRTCOffer(txn, sender, sdp string, opts OfferOptions) {
	c.deliver("user:"+sender, TypeRTCOffer, txn, map[string]any{"sdp": sdp, "options": opts})
}

func (c *Conn) DeliverDirectRTCAnswer(txn, sender, sdp string) {
	c.deliver("user:"+sender, TypeRTCAnswer, txn, map[string]string{"sdp": sdp})
}

func (c *Conn) DeliverDirectRTCCandidates(txn, sender string, candidates []Candidate) {
	c.deliver("user:"+sender, TypeRTCCandidates, txn, map[string]any{"candidates": candidates})
}

func (c *Conn) DeliverDirectRTCBye(txn, sender, reason string) {
	c.deliver("user:"+sender, TypeRTCBye, txn, map[string]string{"reason": reason})
}

func (c *Conn) DeliverRoomChat(txn, room, member, text string) {
	c.deliver("room:"+room, TypeChat, txn, map[string]string{"member": member, "text": text})
}

func (c *Conn) DeliverRoomJoined(txn, room string, members []string) {
	c.deliver("room:"+room, TypeJoined, txn, map[string]any{"members": members})
}

func (c *Conn) DeliverRoomLeft(txn, room string) {
	c.deliver("room:"+room, TypeLeft, txn, map[string]string{})
}

func (c *Conn) DeliverRoomMemberJoin(txn, room, member, greeting string) {
	c.deliver("room:"+room, TypeJoin, txn, map[string]string{"member": member, "greeting": greeting})
}

func (c *Conn) DeliverRoomMemberLeave(txn, room, member, will string) {
	c.deliver("room:"+room, TypeLeave, txn, map[string]string{"member": member, "will": will})
}

// Engine-originated messages arrive on an already-formatted channel
// ("room:<name>" or "user:<other>").

func (c *Conn) DeliverEngineRTCOffer(txn, channel, sdp string) {
	c.deliver(channel, TypeRTCOffer, txn, map[string]string{"sdp": sdp})
}

func (c *Conn) DeliverEngineRTCBye(txn, channel, reason string) {
	c.deliver(channel, TypeRTCBye, txn, map[string]string{"reason": reason})
}
