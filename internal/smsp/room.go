package smsp

// Room is a named set of member nicknames. Membership is kept in join
// order so member lists round-trip deterministically.
//
// Like Presence, rooms are guarded by the owning Router.
type Room struct {
	name    string
	members []string
	index   map[string]struct{}
}

func NewRoom(name string) *Room {
	return &Room{
		name:  name,
		index: make(map[string]struct{}),
	}
}

func (r *Room) Name() string { return r.name }

func (r *Room) HasMember(nickname string) bool {
	_, ok := r.index[nickname]
	return ok
}

func (r *Room) AddMember(nickname string) {
	if r.HasMember(nickname) {
		return
	}
	r.index[nickname] = struct{}{}
	r.members = append(r.members, nickname)
}

func (r *Room) RemoveMember(nickname string) {
	if !r.HasMember(nickname) {
		return
	}
	delete(r.index, nickname)
	for i, m := range r.members {
		if m == nickname {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
}

func (r *Room) MemberCount() int {
	return len(r.members)
}

// Members returns a copy of the member list in join order.
func (r *Room) Members() []string {
	out := make([]string, len(r.members))
	copy(out, r.members)
	return out
}

// Rooms is the room registry. Rooms are created lazily on first join
// and deleted when the last member leaves.
type Rooms struct {
	rooms map[string]*Room
}

func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]*Room)}
}

func (rs *Rooms) Get(name string) (*Room, bool) {
	r, ok := rs.rooms[name]
	return r, ok
}

func (rs *Rooms) GetOrCreate(name string) *Room {
	if r, ok := rs.rooms[name]; ok {
		return r
	}
	r := NewRoom(name)
	rs.rooms[name] = r
	return r
}

func (rs *Rooms) Delete(name string) {
	delete(rs.rooms, name)
}

func (rs *Rooms) Count() int {
	return len(rs.rooms)
}

// ForEach visits every room; used by the logout sweep.
func (rs *Rooms) ForEach(fn func(*Room)) {
	for _, r := range rs.rooms {
		fn(r)
	}
}
