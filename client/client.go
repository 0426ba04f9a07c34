// Package client implements the SMSP client side: the wire protocol
// over WebSocket and the session that owns per-peer call negotiation.
package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Sideshow/internal/smsp"
)

// Events receives everything the server originates. From is the
// parsed channel the message arrived on.
type Events interface {
	OnReady(txn, nickname string)
	OnError(txn, reason string)

	OnChat(from smsp.Destination, txn, member, text string)
	OnJoined(room, txn string, members []string)
	OnLeft(room, txn string)
	OnMemberJoin(room, txn, member, greeting string)
	OnMemberLeave(room, txn, member, will string)

	OnRTCOffer(from smsp.Destination, txn, sdp string, opts smsp.OfferOptions)
	OnRTCAnswer(from smsp.Destination, txn, sdp string)
	OnRTCCandidates(from smsp.Destination, txn string, candidates []smsp.Candidate)
	OnRTCBye(from smsp.Destination, txn, reason string)

	OnDisconnect(err error)
}

// Client is the SMSP wire client. One goroutine reads; writes are
// serialized by a mutex.
type Client struct {
	conn   *websocket.Conn
	events Events
	log    zerolog.Logger

	writeMu sync.Mutex
}

// Dial connects to an SMSP endpoint and starts the read loop.
func Dial(ctx context.Context, url string, events Events) (*Client, error) {
	dialer := websocket.Dialer{Subprotocols: []string{"smsp-protocol"}}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:   conn,
		events: events,
		log:    log.With().Str("module", "client").Logger(),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Info().Err(err).Msg("read loop done")
			c.events.OnDisconnect(err)
			return
		}
		c.dispatch(data)
	}
}

// dispatch mirrors the server's envelope policy: invalid frames are
// dropped with a log line, never errored back.
func (c *Client) dispatch(data []byte) {
	var d smsp.Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		c.log.Warn().Err(err).Msg("unparsable frame, dropped")
		return
	}
	if d.From == "" || d.Txn == "" || d.Type == "" || len(d.Content) == 0 {
		c.log.Warn().Str("type", d.Type).Msg("incomplete frame, dropped")
		return
	}
	from, err := smsp.ParseDestination(d.From)
	if err != nil {
		c.log.Warn().Str("from", d.From).Msg("bad sender channel, dropped")
		return
	}

	switch d.Type {
	case smsp.TypeReady:
		var content struct {
			Nickname string `json:"nickname"`
		}
		if c.decode(d, &content) {
			c.events.OnReady(d.Txn, content.Nickname)
		}
	case smsp.TypeError:
		var content struct {
			Reason string `json:"reason"`
		}
		if c.decode(d, &content) {
			c.events.OnError(d.Txn, content.Reason)
		}
	case smsp.TypeChat:
		var content struct {
			Member string `json:"member"`
			Text   string `json:"text"`
		}
		if c.decode(d, &content) {
			c.events.OnChat(from, d.Txn, content.Member, content.Text)
		}
	case smsp.TypeJoined:
		var content struct {
			Members []string `json:"members"`
		}
		if c.decode(d, &content) {
			c.events.OnJoined(from.Name, d.Txn, content.Members)
		}
	case smsp.TypeLeft:
		c.events.OnLeft(from.Name, d.Txn)
	case smsp.TypeJoin:
		var content struct {
			Member   string `json:"member"`
			Greeting string `json:"greeting"`
		}
		if c.decode(d, &content) {
			c.events.OnMemberJoin(from.Name, d.Txn, content.Member, content.Greeting)
		}
	case smsp.TypeLeave:
		var content struct {
			Member string `json:"member"`
			Will   string `json:"will"`
		}
		if c.decode(d, &content) {
			c.events.OnMemberLeave(from.Name, d.Txn, content.Member, content.Will)
		}
	case smsp.TypeRTCOffer:
		var content struct {
			SDP     string             `json:"sdp"`
			Options *smsp.OfferOptions `json:"options"`
		}
		if c.decode(d, &content) {
			var opts smsp.OfferOptions
			if content.Options != nil {
				opts = *content.Options
			}
			c.events.OnRTCOffer(from, d.Txn, content.SDP, opts)
		}
	case smsp.TypeRTCAnswer:
		var content struct {
			SDP string `json:"sdp"`
		}
		if c.decode(d, &content) {
			c.events.OnRTCAnswer(from, d.Txn, content.SDP)
		}
	case smsp.TypeRTCCandidates:
		var content struct {
			Candidates []smsp.Candidate `json:"candidates"`
		}
		if c.decode(d, &content) {
			c.events.OnRTCCandidates(from, d.Txn, content.Candidates)
		}
	case smsp.TypeRTCBye:
		var content struct {
			Reason string `json:"reason"`
		}
		if c.decode(d, &content) {
			c.events.OnRTCBye(from, d.Txn, content.Reason)
		}
	default:
		c.log.Warn().Str("type", d.Type).Msg("unknown frame type, dropped")
	}
}

func (c *Client) decode(d smsp.Delivery, dst any) bool {
	if err := json.Unmarshal(d.Content, dst); err != nil {
		c.log.Warn().Err(err).Str("type", d.Type).Msg("bad content, dropped")
		return false
	}
	return true
}

func (c *Client) send(to, txn, msgType string, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(smsp.Envelope{To: to, Txn: txn, Type: msgType, Content: raw})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Login sends the login request and returns its txn so the caller can
// correlate the ready reply.
func (c *Client) Login(nickname string) (string, error) {
	txn := smsp.NewTxn()
	return txn, c.send("system", txn, smsp.TypeLogin, map[string]string{"nickname": nickname})
}

func (c *Client) Chat(to, text string) (string, error) {
	txn := smsp.NewTxn()
	return txn, c.send(to, txn, smsp.TypeChat, map[string]string{"text": text})
}

func (c *Client) Join(room, greeting string) (string, error) {
	txn := smsp.NewTxn()
	return txn, c.send("room:"+room, txn, smsp.TypeJoin, map[string]string{"greeting": greeting})
}

func (c *Client) Leave(room, will string) (string, error) {
	txn := smsp.NewTxn()
	return txn, c.send("room:"+room, txn, smsp.TypeLeave, map[string]string{"will": will})
}

func (c *Client) SendOffer(to, txn, sdp string, opts smsp.OfferOptions) error {
	return c.send(to, txn, smsp.TypeRTCOffer, map[string]any{"sdp": sdp, "options": opts})
}

func (c *Client) SendAnswer(to, txn, sdp string) error {
	return c.send(to, txn, smsp.TypeRTCAnswer, map[string]string{"sdp": sdp})
}

func (c *Client) SendCandidates(to, txn string, candidates []smsp.Candidate) error {
	return c.send(to, txn, smsp.TypeRTCCandidates, map[string]any{"candidates": candidates})
}

func (c *Client) SendBye(to, txn, reason string) error {
	return c.send(to, txn, smsp.TypeRTCBye, map[string]string{"reason": reason})
}
