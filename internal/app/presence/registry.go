/*
Package presence tracks which participant is live on which connection, and in which meeting.

The Registry is the single owner of three indexes (identity to binding, connection to binding,
meeting code to live members). All of them change together under one lock, so a reader never
observes an identity bound to a connection that does not map back to it. Callers get copies,
never the maps themselves, and no connection I/O happens while the lock is held.
*/
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meetmesh/internal/app/user"
	"meetmesh/internal/pkg/logx"
)

// Conn is a live connection as seen by the registry. It is used as a map key, so
// implementations must be comparable (the relay passes *relay.Client).
type Conn interface {
	Send(frame []byte) error
}

// Departure describes a binding that was just removed.
type Departure struct {
	// the user that was bound.
	User user.User

	// meeting code the binding belonged to.
	Room string

	// the connection that was bound.
	Conn Conn

	// connections still live in Room, to be told about the departure.
	Mates []Conn
}

// JoinResult is everything the relay needs to answer a join-room.
type JoinResult struct {
	// live participants of the room at the moment of the bind, excluding the joiner.
	Snapshot []user.User

	// connections of the participants in Snapshot, to receive peer-joined.
	Mates []Conn

	// the identity's previous connection, if this join replaced it.
	Superseded *Departure

	// set when this connection was already bound (to any room) and got rebound.
	Rebound *Departure
}

type binding struct {
	user user.User
	conn Conn
	room string
	seq  uint64
}

type room struct {
	members    map[string]*binding
	emptySince time.Time
}

// Registry is the presence table. The zero value is not usable; call NewRegistry.
type Registry struct {
	mu sync.RWMutex

	byIdentity map[string]*binding
	byConn     map[Conn]*binding
	rooms      map[string]*room

	// monotonically increasing bind counter, orders snapshots by join time.
	seq uint64

	// clock, replaceable in tests.
	now func() time.Time

	logger zerolog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[string]*binding),
		byConn:     make(map[Conn]*binding),
		rooms:      make(map[string]*room),
		now:        time.Now,
		logger:     logx.Component("presence"),
	}
}

// Bind records identity on conn in roomCode. A previous connection for the same identity is
// unbound silently and returned so the caller can close it.
func (r *Registry) Bind(identity string, conn Conn, roomCode, displayName string) (superseded Conn) {
	res := r.Join(user.User{ID: identity, DisplayName: displayName}, conn, roomCode)
	if res.Superseded != nil {
		return res.Superseded.Conn
	}
	return nil
}

// Join binds u on conn in roomCode and, in the same critical section, captures the room's
// other live participants. Two concurrent joiners therefore see each other exactly once:
// whichever binds second finds the first in its snapshot, and the first is told via Mates.
func (r *Registry) Join(u user.User, conn Conn, roomCode string) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res JoinResult

	if prev, ok := r.byConn[conn]; ok {
		res.Rebound = r.removeLocked(prev)
	}

	if prev, ok := r.byIdentity[u.ID]; ok && prev.conn != conn {
		res.Superseded = r.removeLocked(prev)
		r.logger.Info().
			Str("identity", u.ID).
			Str("room_code", roomCode).
			Msg("Identity rebound to a new connection, previous one superseded.")
	}

	r.seq++
	b := &binding{user: u, conn: conn, room: roomCode, seq: r.seq}

	rm, ok := r.rooms[roomCode]
	if !ok {
		rm = &room{members: make(map[string]*binding)}
		r.rooms[roomCode] = rm
	}

	others := sortedMembers(rm, u.ID)
	res.Snapshot = make([]user.User, 0, len(others))
	res.Mates = make([]Conn, 0, len(others))
	for _, o := range others {
		res.Snapshot = append(res.Snapshot, o.user)
		res.Mates = append(res.Mates, o.conn)
	}

	rm.members[u.ID] = b
	rm.emptySince = time.Time{}
	r.byIdentity[u.ID] = b
	r.byConn[conn] = b

	return res
}

// Unbind removes whatever conn is bound to. It is idempotent: the second call for the same
// connection returns ok=false, which is how peer-left is broadcast at most once.
func (r *Registry) Unbind(conn Conn) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byConn[conn]
	if !ok {
		return Departure{}, false
	}
	return *r.removeLocked(b), true
}

// Evict removes identity only if it is still bound to conn. Used when a send to conn failed,
// so a stale entry cannot keep absorbing signals.
func (r *Registry) Evict(identity string, conn Conn) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byIdentity[identity]
	if !ok || b.conn != conn {
		return Departure{}, false
	}
	return *r.removeLocked(b), true
}

// removeLocked drops b from every index. Caller holds the write lock.
func (r *Registry) removeLocked(b *binding) *Departure {
	delete(r.byConn, b.conn)
	if cur, ok := r.byIdentity[b.user.ID]; ok && cur == b {
		delete(r.byIdentity, b.user.ID)
	}

	d := &Departure{User: b.user, Room: b.room, Conn: b.conn}

	rm, ok := r.rooms[b.room]
	if !ok {
		return d
	}
	if cur, ok := rm.members[b.user.ID]; ok && cur == b {
		delete(rm.members, b.user.ID)
	}
	if len(rm.members) == 0 {
		rm.emptySince = r.now()
	}

	for _, o := range sortedMembers(rm, "") {
		d.Mates = append(d.Mates, o.conn)
	}
	return d
}

func sortedMembers(rm *room, excluding string) []*binding {
	out := make([]*binding, 0, len(rm.members))
	for id, b := range rm.members {
		if id == excluding {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// ConnectionOf returns the live connection of identity. Absence is not an error.
func (r *Registry) ConnectionOf(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.byIdentity[identity]
	if !ok {
		return nil, false
	}
	return b.conn, true
}

// BindingOf returns the user and room conn is currently bound to.
func (r *Registry) BindingOf(conn Conn) (user.User, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.byConn[conn]
	if !ok {
		return user.User{}, "", false
	}
	return b.user, b.room, true
}

// LivePeersOf lists the live participants of roomCode in join order, excluding one identity.
func (r *Registry) LivePeersOf(roomCode, excluding string) []user.User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomCode]
	if !ok {
		return []user.User{}
	}

	members := sortedMembers(rm, excluding)
	out := make([]user.User, 0, len(members))
	for _, b := range members {
		out = append(out, b.user)
	}
	return out
}

// RoomMates lists the connections live in roomCode, excluding one identity.
func (r *Registry) RoomMates(roomCode, excluding string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomCode]
	if !ok {
		return nil
	}

	members := sortedMembers(rm, excluding)
	out := make([]Conn, 0, len(members))
	for _, b := range members {
		out = append(out, b.conn)
	}
	return out
}

// RoomSize returns the number of live participants in roomCode.
func (r *Registry) RoomSize(roomCode string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rm, ok := r.rooms[roomCode]; ok {
		return len(rm.members)
	}
	return 0
}

// ActiveSince reports whether roomCode had anyone live at or after t.
func (r *Registry) ActiveSince(roomCode string, t time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomCode]
	if !ok {
		return false
	}
	if len(rm.members) > 0 {
		return true
	}
	return !rm.emptySince.Before(t)
}

// Prune forgets rooms that have been empty since before t.
func (r *Registry) Prune(t time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for code, rm := range r.rooms {
		if len(rm.members) == 0 && rm.emptySince.Before(t) {
			delete(r.rooms, code)
			pruned++
		}
	}
	return pruned
}

// Stats returns the number of live connections and of rooms with at least one member.
func (r *Registry) Stats() (connections, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rm := range r.rooms {
		if len(rm.members) > 0 {
			rooms++
		}
	}
	return len(r.byConn), rooms
}
