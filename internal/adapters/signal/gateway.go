package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Sideshow/internal/smsp"
)

var ErrBackpressure = errors.New("backpressure")

const subprotocol = "smsp-protocol"

// Gateway upgrades HTTP requests to SMSP WebSocket connections and
// runs the read/write pumps for each.
type Gateway struct {
	Router  *smsp.Router
	limiter *FrameRateLimiter
}

func NewGateway(router *smsp.Router) *Gateway {
	return &Gateway{
		Router:  router,
		limiter: NewFrameRateLimiter(50, time.Second),
	}
}

// WsConn is the transport half handed to smsp.Conn. Sends are
// non-blocking through a buffered channel drained by the write pump.
type WsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsConn) Send(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return c.conn.Close()
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{subprotocol},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

func (g *Gateway) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("sid", sid).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &WsConn{
		conn: ws,
		send: make(chan []byte, 32),
	}
	sc := smsp.NewConn(conn, g.Router)

	ctx, cancel := context.WithCancel(ctx)
	go g.writePump(ctx, conn)
	go g.readPump(ctx, cancel, sid, conn, sc)
}

func (g *Gateway) writePump(ctx context.Context, c *WsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Info().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (g *Gateway) readPump(ctx context.Context, cancel context.CancelFunc, sid string, c *WsConn, sc *smsp.Conn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", sid).Msg("readPump closing")
		cancel()
		g.limiter.Forget(sid)
		sc.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", sid).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", sid).Msg("readPump read error")
				return
			}
			if !g.limiter.Allow(sid) {
				log.Warn().Str("module", "signal").Str("sid", sid).Msg("frame rate limit hit, dropped")
				continue
			}
			sc.HandleFrame(data)
		}
	}
}
