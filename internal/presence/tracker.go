// Package presence tracks which privileged clients are connected.
//
// The server-side Tracker is keyed by user and reference-counts sessions, so a
// member with two consoles open joins once and leaves once. The identity a
// client announces is only a display name; two users may announce the same
// one. Roster is the
// client-side mirror built from roster, join and leave messages.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/searchlight/searchlight/internal/eventbus"
)

// Member is one entry of the roster.
type Member struct {
	UserID string `json:"userId,omitempty"`
	// Identity is the display name announced by the client.
	Identity string    `json:"identity"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Key identifies the member in a roster: the user ID, or the identity for
// entries that carry none.
func (m Member) Key() string {
	if m.UserID != "" {
		return m.UserID
	}
	return m.Identity
}

// Kind is the type of a presence event.
type Kind string

const (
	KindJoin  Kind = "join"
	KindLeave Kind = "leave"
)

// Event is broadcast when a member joins or leaves.
type Event struct {
	Kind   Kind
	Member Member
}

type memberState struct {
	member   Member
	sessions map[string]struct{}
}

// Tracker is the authoritative roster of connected privileged clients.
type Tracker struct {
	mu      sync.Mutex
	members map[string]*memberState
	events  *eventbus.Bus[Event]
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		members: make(map[string]*memberState),
		events:  eventbus.New[Event](),
		now:     time.Now,
	}
}

// Events returns the bus join and leave events are published on.
func (t *Tracker) Events() *eventbus.Bus[Event] {
	return t.events
}

// Join registers sessionID for member. It returns the join event and true only
// when the member was not already present.
func (t *Tracker) Join(member Member, sessionID string) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := member.Key()
	if st, ok := t.members[key]; ok {
		st.sessions[sessionID] = struct{}{}
		return Event{}, false
	}

	if member.JoinedAt.IsZero() {
		member.JoinedAt = t.now()
	}
	t.members[key] = &memberState{
		member:   member,
		sessions: map[string]struct{}{sessionID: {}},
	}

	ev := Event{Kind: KindJoin, Member: member}
	t.events.Publish(ev)
	return ev, true
}

// Leave drops sessionID. It returns the leave event and true when the last
// session of the member with key is gone.
func (t *Tracker) Leave(key, sessionID string) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.members[key]
	if !ok {
		return Event{}, false
	}
	if _, ok := st.sessions[sessionID]; !ok {
		return Event{}, false
	}
	delete(st.sessions, sessionID)
	if len(st.sessions) > 0 {
		return Event{}, false
	}

	delete(t.members, key)
	ev := Event{Kind: KindLeave, Member: st.member}
	t.events.Publish(ev)
	return ev, true
}

// Roster returns the members ordered by identity, then user.
func (t *Tracker) Roster() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Member, 0, len(t.members))
	for _, st := range t.members {
		out = append(out, st.member)
	}
	sortMembers(out)
	return out
}

// Size returns the number of distinct members present.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}

// Roster is a client-side copy of the server roster.
type Roster struct {
	mu      sync.RWMutex
	members map[string]Member
}

// NewRoster creates an empty roster mirror.
func NewRoster() *Roster {
	return &Roster{members: make(map[string]Member)}
}

// Replace swaps the whole roster for members.
func (r *Roster) Replace(members []Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.members = make(map[string]Member, len(members))
	for _, m := range members {
		r.members[m.Key()] = m
	}
}

// Join adds member. Returns false if it was already present.
func (r *Roster) Join(member Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := member.Key()
	if _, ok := r.members[key]; ok {
		return false
	}
	r.members[key] = member
	return true
}

// Leave removes the member with key. Returns false if it was not present.
func (r *Roster) Leave(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[key]; !ok {
		return false
	}
	delete(r.members, key)
	return true
}

// Members returns the roster ordered by identity, then user.
func (r *Roster) Members() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sortMembers(out)
	return out
}

// Size returns the number of members.
func (r *Roster) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].Identity != members[j].Identity {
			return members[i].Identity < members[j].Identity
		}
		return members[i].UserID < members[j].UserID
	})
}
