package smsp

// Presence maps nicknames to their connections. At most one ready
// connection per nickname; collisions are resolved at login by
// underscore suffixing.
//
// Not internally locked: the owning Router serializes all mutation,
// the same way a message handler on a single event loop would.
type Presence struct {
	users map[string]*Conn
}

func NewPresence() *Presence {
	return &Presence{users: make(map[string]*Conn)}
}

// Login registers the connection under the first available variant of
// nickname and returns the final name.
func (p *Presence) Login(c *Conn, nickname string) string {
	final := AvailableName(func(name string) bool {
		_, ok := p.users[name]
		return ok
	}, nickname)
	p.users[final] = c
	return final
}

// Available returns the ready connection registered under nickname,
// or nil.
func (p *Presence) Available(nickname string) *Conn {
	c, ok := p.users[nickname]
	if !ok || !c.Ready() {
		return nil
	}
	return c
}

func (p *Presence) Remove(nickname string) {
	delete(p.users, nickname)
}

func (p *Presence) Count() int {
	return len(p.users)
}
