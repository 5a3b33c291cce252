package group

import (
	"net"
	"sort"
)

// Member is one attached user of the group. Addr is the address of the
// member's most recent datagram, so a client that rebinds or moves
// behind a NAT keeps receiving traffic.
type Member struct {
	User string
	Addr *net.UDPAddr
}

// roster tracks members and bans of a single group. It is not
// concurrency-safe; the daemon's mutex guards every call.
type roster struct {
	max     int
	members map[string]*Member
	bans    map[string]struct{}
}

func newRoster(max int) *roster {
	return &roster{
		max:     max,
		members: make(map[string]*Member),
		bans:    make(map[string]struct{}),
	}
}

// lookupOrAdd returns the member record for user, creating one when the
// group still has room. ok is false when the group is full.
func (r *roster) lookupOrAdd(user string) (m *Member, ok bool) {
	if m, ok := r.members[user]; ok {
		return m, true
	}
	if len(r.members) >= r.max {
		return nil, false
	}
	m = &Member{User: user}
	r.members[user] = m
	return m, true
}

func (r *roster) remove(user string) bool {
	if _, ok := r.members[user]; !ok {
		return false
	}
	delete(r.members, user)
	return true
}

// ban records the user and drops any membership, keeping the invariant
// that a banned user is never also a member.
func (r *roster) ban(user string) {
	r.bans[user] = struct{}{}
	delete(r.members, user)
}

// unban lifts a ban; ok is false when the user was not banned.
func (r *roster) unban(user string) bool {
	if _, ok := r.bans[user]; !ok {
		return false
	}
	delete(r.bans, user)
	return true
}

func (r *roster) isBanned(user string) bool {
	_, ok := r.bans[user]
	return ok
}

func (r *roster) names() []string {
	out := make([]string, 0, len(r.members))
	for u := range r.members {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// snapshot returns the current member set for a coherent broadcast.
func (r *roster) snapshot() []*Member {
	out := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}
