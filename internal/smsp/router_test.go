package smsp

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
)

type fakeBridge struct {
	mu    sync.Mutex
	calls []string
}

func (b *fakeBridge) record(format string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, fmt.Sprintf(format, args...))
}

func (b *fakeBridge) recorded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBridge) Offer(mediaRoomID string, session MediaSession, sdp string, opts OfferOptions) {
	b.record("offer %s %s:%s", mediaRoomID, session.Nickname, session.Txn)
}
func (b *fakeBridge) Answer(mediaRoomID string, session MediaSession, sdp string) {
	b.record("answer %s %s:%s", mediaRoomID, session.Nickname, session.Txn)
}
func (b *fakeBridge) Bye(mediaRoomID string, session MediaSession, reason string) {
	b.record("bye %s %s:%s %s", mediaRoomID, session.Nickname, session.Txn, reason)
}
func (b *fakeBridge) Disconnect(mediaRoomID, nickname, reason string) {
	b.record("disconnect %s %s %s", mediaRoomID, nickname, reason)
}
func (b *fakeBridge) RoomVacated(mediaRoomID string)  { b.record("vacated %s", mediaRoomID) }
func (b *fakeBridge) RoomOccupied(mediaRoomID string) { b.record("occupied %s", mediaRoomID) }

func connect(t *testing.T, r *Router, nickname string) (*Conn, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	c := NewConn(ft, r)
	c.HandleFrame(frame("system", "login-"+nickname, TypeLogin, fmt.Sprintf(`{"nickname":%q}`, nickname)))
	if !c.Ready() {
		t.Fatalf("%s not ready after login", nickname)
	}
	ft.mu.Lock()
	ft.frames = nil
	ft.mu.Unlock()
	return c, ft
}

func contentOf(t *testing.T, d Delivery, dst any) {
	t.Helper()
	if err := json.Unmarshal(d.Content, dst); err != nil {
		t.Fatalf("decode %s content: %v", d.Type, err)
	}
}

func TestLoginSuffixing(t *testing.T) {
	r := NewRouter(false)

	c1, _ := connect(t, r, "bob")
	if c1.Nickname() != "bob" {
		t.Errorf("first login = %q", c1.Nickname())
	}
	c2, _ := connect(t, r, "bob")
	if c2.Nickname() != "bob_" {
		t.Errorf("second login = %q, want bob_", c2.Nickname())
	}
	c3, _ := connect(t, r, "bob")
	if c3.Nickname() != "bob__" {
		t.Errorf("third login = %q, want bob__", c3.Nickname())
	}
	if r.presence.Count() != 3 {
		t.Errorf("presence count = %d", r.presence.Count())
	}
}

func TestJoinLeaveScenario(t *testing.T) {
	r := NewRouter(false)
	a, aft := connect(t, r, "A")
	b, bft := connect(t, r, "B")

	// A joins the empty room.
	a.HandleFrame(frame("room:r", "ta", TypeJoin, `{"greeting":"hi"}`))
	got := aft.deliveries(t)
	if len(got) != 1 || got[0].Type != TypeJoined {
		t.Fatalf("A deliveries = %+v", got)
	}
	var joined struct {
		Members []string `json:"members"`
	}
	contentOf(t, got[0], &joined)
	if len(joined.Members) != 1 || joined.Members[0] != "A" {
		t.Errorf("A joined members = %v", joined.Members)
	}
	aft.frames = nil

	// B joins; A is notified first, then B gets the full list.
	b.HandleFrame(frame("room:r", "tb", TypeJoin, `{"greeting":"yo"}`))
	aGot := aft.deliveries(t)
	if len(aGot) != 1 || aGot[0].Type != TypeJoin {
		t.Fatalf("A deliveries = %+v", aGot)
	}
	var joinNote struct {
		Member   string `json:"member"`
		Greeting string `json:"greeting"`
	}
	contentOf(t, aGot[0], &joinNote)
	if joinNote.Member != "B" || joinNote.Greeting != "yo" {
		t.Errorf("join note = %+v", joinNote)
	}
	bGot := bft.deliveries(t)
	if len(bGot) != 1 || bGot[0].Type != TypeJoined {
		t.Fatalf("B deliveries = %+v", bGot)
	}
	contentOf(t, bGot[0], &joined)
	if len(joined.Members) != 2 || joined.Members[0] != "A" || joined.Members[1] != "B" {
		t.Errorf("B joined members = %v, want [A B]", joined.Members)
	}
	aft.frames = nil
	bft.frames = nil

	// Double join is a no-op.
	a.HandleFrame(frame("room:r", "ta2", TypeJoin, `{}`))
	if rm, _ := r.rooms.Get("r"); rm.MemberCount() != 2 {
		t.Errorf("member count after double join = %d", rm.MemberCount())
	}
	aft.frames = nil
	bft.frames = nil

	// B leaves: B gets left{}, A gets the leave note, room persists.
	b.HandleFrame(frame("room:r", "tb2", TypeLeave, `{"will":"bye"}`))
	bGot = bft.deliveries(t)
	if len(bGot) != 1 || bGot[0].Type != TypeLeft {
		t.Fatalf("B deliveries = %+v", bGot)
	}
	aGot = aft.deliveries(t)
	if len(aGot) != 1 || aGot[0].Type != TypeLeave {
		t.Fatalf("A deliveries = %+v", aGot)
	}
	var leaveNote struct {
		Member string `json:"member"`
		Will   string `json:"will"`
	}
	contentOf(t, aGot[0], &leaveNote)
	if leaveNote.Member != "B" || leaveNote.Will != "bye" {
		t.Errorf("leave note = %+v", leaveNote)
	}
	if rm, ok := r.rooms.Get("r"); !ok || rm.MemberCount() != 1 {
		t.Fatal("room should persist with one member")
	}

	// Leaving a room you are not in is a no-op.
	b.HandleFrame(frame("room:r", "tb3", TypeLeave, `{}`))
	if rm, _ := r.rooms.Get("r"); rm.MemberCount() != 1 {
		t.Error("non-member leave changed the room")
	}

	// Last member out deletes the room.
	a.HandleFrame(frame("room:r", "ta3", TypeLeave, `{}`))
	if _, ok := r.rooms.Get("r"); ok {
		t.Error("room not deleted after last leave")
	}
}

func TestRoomChatFanOutIncludesSender(t *testing.T) {
	r := NewRouter(false)
	a, aft := connect(t, r, "A")
	b, bft := connect(t, r, "B")
	a.HandleFrame(frame("room:r", "t1", TypeJoin, `{}`))
	b.HandleFrame(frame("room:r", "t2", TypeJoin, `{}`))
	aft.frames = nil
	bft.frames = nil

	a.HandleFrame(frame("room:r", "t3", TypeChat, `{"text":"hello"}`))

	for name, ft := range map[string]*fakeTransport{"A": aft, "B": bft} {
		got := ft.deliveries(t)
		if len(got) != 1 || got[0].Type != TypeChat || got[0].From != "room:r" {
			t.Fatalf("%s deliveries = %+v", name, got)
		}
		var chat struct {
			Member string `json:"member"`
			Text   string `json:"text"`
		}
		contentOf(t, got[0], &chat)
		if chat.Member != "A" || chat.Text != "hello" {
			t.Errorf("%s chat = %+v", name, chat)
		}
	}
}

func TestDirectChatRelayAndNotFound(t *testing.T) {
	r := NewRouter(false)
	a, _ := connect(t, r, "A")
	_, bft := connect(t, r, "B")

	a.HandleFrame(frame("user:B", "t1", TypeChat, `{"text":"psst"}`))
	got := bft.deliveries(t)
	if len(got) != 1 || got[0].From != "user:A" || got[0].Type != TypeChat {
		t.Fatalf("B deliveries = %+v", got)
	}

	// Unknown recipient: dropped, sender gets nothing back.
	aft := &fakeTransport{}
	ac := NewConn(aft, r)
	ac.HandleFrame(frame("system", "l", TypeLogin, `{"nickname":"C"}`))
	aft.frames = nil
	ac.HandleFrame(frame("user:nobody", "t2", TypeChat, `{"text":"hi"}`))
	if got := aft.deliveries(t); len(got) != 0 {
		t.Errorf("sender received %d frames for dropped chat", len(got))
	}
}

func TestLogoutSweepsRooms(t *testing.T) {
	r := NewRouter(false)
	a, _ := connect(t, r, "A")
	b, bft := connect(t, r, "B")
	a.HandleFrame(frame("room:r", "t1", TypeJoin, `{}`))
	b.HandleFrame(frame("room:r", "t2", TypeJoin, `{}`))
	bft.frames = nil

	a.Close()

	got := bft.deliveries(t)
	if len(got) != 1 || got[0].Type != TypeLeave {
		t.Fatalf("B deliveries = %+v", got)
	}
	var leaveNote struct {
		Member string `json:"member"`
		Will   string `json:"will"`
	}
	contentOf(t, got[0], &leaveNote)
	if leaveNote.Member != "A" || leaveNote.Will != "logout" {
		t.Errorf("leave note = %+v", leaveNote)
	}

	// Name is free again.
	c, _ := connect(t, r, "A")
	if c.Nickname() != "A" {
		t.Errorf("relogin nickname = %q", c.Nickname())
	}
}

func TestRoomRTCGoesThroughBridge(t *testing.T) {
	r := NewRouter(false)
	fb := &fakeBridge{}
	r.AttachBridge(fb)
	a, _ := connect(t, r, "A")

	a.HandleFrame(frame("room:r", "t1", TypeJoin, `{}`))
	a.HandleFrame(frame("room:r", "t2", TypeRTCOffer,
		`{"sdp":"v=0","options":{"publishAudio":true,"publishVideo":false,"planB":false}}`))
	a.HandleFrame(frame("room:r", "t2", TypeRTCAnswer, `{"sdp":"v=0"}`))
	a.HandleFrame(frame("room:r", "t2", TypeRTCCandidates,
		`{"candidates":[{"candidate":"candidate:1","sdpMid":"0","sdpMLineIndex":0}]}`))
	a.HandleFrame(frame("room:r", "t2", TypeRTCBye, `{"reason":"done"}`))

	want := []string{
		"occupied room:r",
		"offer room:r A:t2",
		"answer room:r A:t2",
		// room candidates are accepted but never forwarded
		"bye room:r A:t2 done",
	}
	got := fb.recorded()
	if len(got) != len(want) {
		t.Fatalf("bridge calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("bridge calls[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDirectRTCViaMediaServer(t *testing.T) {
	r := NewRouter(true)
	fb := &fakeBridge{}
	r.AttachBridge(fb)
	a, _ := connect(t, r, "alice")
	_, bft := connect(t, r, "bob")

	a.HandleFrame(frame("user:bob", "t1", TypeRTCOffer,
		`{"sdp":"v=0","options":{"publishAudio":true,"publishVideo":true,"planB":false}}`))
	a.HandleFrame(frame("user:bob", "t1", TypeRTCCandidates,
		`{"candidates":[{"candidate":"candidate:1","sdpMid":"0","sdpMLineIndex":0}]}`))

	got := fb.recorded()
	if len(got) != 1 || got[0] != "offer user:alice:bob alice:t1" {
		t.Fatalf("bridge calls = %v", got)
	}
	// Candidates never reach the recipient on the media path.
	if got := bft.deliveries(t); len(got) != 0 {
		t.Errorf("bob received %d frames", len(got))
	}
}

func TestDirectRTCRelayWithoutMediaServer(t *testing.T) {
	r := NewRouter(false)
	a, _ := connect(t, r, "alice")
	_, bft := connect(t, r, "bob")

	a.HandleFrame(frame("user:bob", "t1", TypeRTCOffer,
		`{"sdp":"v=0","options":{"publishAudio":true,"publishVideo":true,"planB":false}}`))
	a.HandleFrame(frame("user:bob", "t1", TypeRTCCandidates,
		`{"candidates":[{"candidate":"candidate:1","sdpMid":"0","sdpMLineIndex":0}]}`))
	a.HandleFrame(frame("user:bob", "t1", TypeRTCBye, `{"reason":"hangup"}`))

	got := bft.deliveries(t)
	if len(got) != 3 {
		t.Fatalf("bob deliveries = %+v", got)
	}
	if got[0].Type != TypeRTCOffer || got[0].From != "user:alice" || got[0].Txn != "t1" {
		t.Errorf("offer delivery = %+v", got[0])
	}
	var offer struct {
		SDP     string        `json:"sdp"`
		Options *OfferOptions `json:"options"`
	}
	contentOf(t, got[0], &offer)
	if offer.SDP != "v=0" || offer.Options == nil || !offer.Options.PublishVideo {
		t.Errorf("relayed offer = %+v", offer)
	}
	if got[1].Type != TypeRTCCandidates || got[2].Type != TypeRTCBye {
		t.Errorf("delivery types = %s, %s", got[1].Type, got[2].Type)
	}
}

func TestEngineEventsReachSessionOwner(t *testing.T) {
	r := NewRouter(false)
	fb := &fakeBridge{}
	r.AttachBridge(fb)
	a, aft := connect(t, r, "alice")

	r.OnEngineSessionStarted("room:r", "alice:t1")
	r.OnEngineOffer("room:r", "alice:t1", "v=0 engine")

	got := aft.deliveries(t)
	if len(got) != 1 || got[0].Type != TypeRTCOffer || got[0].From != "room:r" || got[0].Txn != "t1" {
		t.Fatalf("deliveries = %+v", got)
	}
	aft.frames = nil

	// Direct pair rooms address the counterpart channel.
	r.OnEngineOffer("user:alice:bob", "alice:t2", "v=0 engine")
	got = aft.deliveries(t)
	if len(got) != 1 || got[0].From != "user:bob" || got[0].Txn != "t2" {
		t.Fatalf("pair deliveries = %+v", got)
	}
	aft.frames = nil

	// Dropping the socket relays a synthetic bye for the remembered
	// session.
	a.Close()
	calls := fb.recorded()
	if len(calls) != 1 || calls[0] != "disconnect room:r alice closed" {
		t.Errorf("bridge calls = %v", calls)
	}
}

func TestEngineSessionClosedNotifiesOwner(t *testing.T) {
	r := NewRouter(false)
	r.AttachBridge(&fakeBridge{})
	a, aft := connect(t, r, "alice")

	r.OnEngineSessionStarted("room:r", "alice:t1")
	r.OnEngineSessionClosed("room:r", "alice:t1")

	got := aft.deliveries(t)
	if len(got) != 1 || got[0].Type != TypeRTCBye || got[0].From != "room:r" || got[0].Txn != "t1" {
		t.Fatalf("deliveries = %+v", got)
	}

	// Session was forgotten: closing the socket relays nothing.
	fb := &fakeBridge{}
	r.bridge = fb
	a.Close()
	for _, call := range fb.recorded() {
		if call == "disconnect room:r alice closed" {
			t.Error("forgotten session still relayed a bye")
		}
	}
}
