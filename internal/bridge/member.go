package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/Sideshow/internal/engine"
	"github.com/dkeye/Sideshow/internal/smsp"
)

// member is one client's engine session inside a bridged room.
type member struct {
	bridge *Bridge
	room   *roomEntry
	peer   engine.PeerHandle
	log    zerolog.Logger

	mu      sync.Mutex
	session smsp.MediaSession
	recv    engine.ReceiveFlags
	monitor *time.Timer
	closed  bool
}

func (m *member) currentTxn() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Txn
}

func (m *member) sessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return smsp.MediaSessionID(m.session.Nickname, m.session.Txn)
}

// rebind moves the member onto a fresh client negotiation so upward
// events carry the txn the client is currently waiting on.
func (m *member) rebind(session smsp.MediaSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = session
}

func (m *member) setRecv(recv engine.ReceiveFlags) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recv = recv
}

// sendOffer pushes a fresh engine offer out to the client and arms the
// renegotiation monitor. Called both for the initial exchange and for
// engine-triggered renegotiation.
func (m *member) sendOffer(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	recv := m.recv
	m.mu.Unlock()

	sdp, err := m.peer.CreateOffer(ctx, recv)
	if err != nil {
		m.log.Error().Err(err).Msg("create offer failed, closing session")
		m.close()
		return
	}
	m.armMonitor()
	m.bridge.signaler.OnEngineOffer(m.room.id, m.sessionID(), sdp)
}

func (m *member) handleAnswer(ctx context.Context, sdp string) {
	m.cancelMonitor()
	if err := m.peer.SetRemoteDescription(ctx, sdp); err != nil {
		m.log.Error().Err(err).Msg("apply answer failed, closing session")
		m.close()
	}
}

// armMonitor starts the unanswered-offer watchdog. Firing is handed to
// the policy; the default only warns.
func (m *member) armMonitor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.monitor != nil {
		m.monitor.Stop()
	}
	roomID, sessionID := m.room.id, smsp.MediaSessionID(m.session.Nickname, m.session.Txn)
	m.monitor = time.AfterFunc(m.bridge.opts.RenegotiationTimeout, func() {
		m.bridge.policy.OnUnanswered(roomID, sessionID)
	})
}

func (m *member) cancelMonitor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.monitor != nil {
		m.monitor.Stop()
		m.monitor = nil
	}
}

// close tears the engine peer down. Idempotent; the peer's OnClose
// hook performs the bridge-side cleanup exactly once.
func (m *member) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.monitor != nil {
		m.monitor.Stop()
		m.monitor = nil
	}
	m.mu.Unlock()

	_ = m.peer.Close()
}

// markClosed flips the flag without touching the peer; used when the
// engine reports the close first.
func (m *member) markClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.monitor != nil {
		m.monitor.Stop()
		m.monitor = nil
	}
}
