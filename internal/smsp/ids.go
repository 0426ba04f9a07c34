package smsp

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrBadMediaRoomID    = errors.New("invalid media-room-id format")
	ErrBadMediaSessionID = errors.New("invalid media-session-id format")
)

// MediaRoom identifies an engine-level room: either a signaling room
// ("room:<name>") or a direct pair ("user:<a>:<b>" with a<b).
type MediaRoom struct {
	Kind  DestKind
	Name  string    // room kind only
	Names [2]string // user kind only, sorted
}

// Other returns the pair member that is not nickname. Only meaningful
// for the user kind.
func (m MediaRoom) Other(nickname string) string {
	if m.Names[0] == nickname {
		return m.Names[1]
	}
	return m.Names[0]
}

// MediaRoomID encodes the engine room id for a signaling room.
func MediaRoomID(room string) string {
	return "room:" + room
}

// MediaRoomIDFor2 encodes the engine room id for a direct call. The
// two nicknames are sorted so both initiators derive the same id.
func MediaRoomIDFor2(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "user:" + a + ":" + b
}

func ParseMediaRoomID(s string) (MediaRoom, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return MediaRoom{}, ErrBadMediaRoomID
	}
	switch DestKind(kind) {
	case DestRoom:
		if !handleRe.MatchString(rest) {
			return MediaRoom{}, ErrBadMediaRoomID
		}
		return MediaRoom{Kind: DestRoom, Name: rest}, nil
	case DestUser:
		a, b, ok := strings.Cut(rest, ":")
		if !ok || !handleRe.MatchString(a) || !handleRe.MatchString(b) {
			return MediaRoom{}, ErrBadMediaRoomID
		}
		return MediaRoom{Kind: DestUser, Names: [2]string{a, b}}, nil
	}
	return MediaRoom{}, ErrBadMediaRoomID
}

// MediaSession identifies one client's session inside an engine room.
type MediaSession struct {
	Nickname string
	Txn      string
}

// MediaSessionID round-trips with ParseMediaSessionID.
func MediaSessionID(nickname, txn string) string {
	return nickname + ":" + txn
}

func ParseMediaSessionID(s string) (MediaSession, error) {
	nickname, txn, ok := strings.Cut(s, ":")
	if !ok || !handleRe.MatchString(nickname) || txn == "" {
		return MediaSession{}, ErrBadMediaSessionID
	}
	return MediaSession{Nickname: nickname, Txn: txn}, nil
}

// NewTxn creates a server-generated transaction id for messages that
// are not replies, such as the synthetic bye on disconnect.
func NewTxn() string {
	return uuid.NewString()
}

// AvailableName resolves nickname collisions by appending underscores
// until the name is unused.
func AvailableName(taken func(string) bool, name string) string {
	candidate := name
	for taken(candidate) {
		candidate += "_"
	}
	return candidate
}
