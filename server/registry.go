package server

import (
	"sync"

	"github.com/cmdchat/cmdchat-go/observability"
	"github.com/cmdchat/cmdchat-go/protocol"
)

// Registry is the single source of truth for live sessions and room
// membership. One lock serializes every mutation. Lookups hand out
// point-in-time snapshots; only chat fanout runs under the lock, because
// its seq assignment and queue pushes must be one atomic step.
type Registry struct {
	mu       sync.Mutex
	sessions map[uint64]*Session
	rooms    map[string]map[uint64]*Session
	seqs     map[string]uint64
	obs      observability.ChatObserver
}

// NewRegistry returns an empty registry reporting to obs.
func NewRegistry(obs observability.ChatObserver) *Registry {
	if obs == nil {
		obs = observability.NoopChatObserver
	}
	return &Registry{
		sessions: make(map[uint64]*Session),
		rooms:    make(map[string]map[uint64]*Session),
		seqs:     make(map[string]uint64),
		obs:      obs,
	}
}

// Insert adds a session to the id index and its room set.
func (r *Registry) Insert(s *Session, room string) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.joinLocked(s, room)
	r.reportLocked()
	r.mu.Unlock()
}

// Remove deletes a session everywhere. Empty rooms are destroyed along
// with their seq counters. It reports the room the session was in.
func (r *Registry) Remove(id uint64) (room string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return "", false
	}
	delete(r.sessions, id)
	room = s.Room()
	r.leaveLocked(id, room)
	r.reportLocked()
	return room, true
}

// RenameRoom atomically moves a session between room sets. The caller
// updates the session's own room field.
func (r *Registry) RenameRoom(id uint64, newRoom string) (old string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return "", false
	}
	old = s.Room()
	if old == newRoom {
		return old, true
	}
	r.leaveLocked(id, old)
	r.joinLocked(s, newRoom)
	r.reportLocked()
	return old, true
}

// ByRoom returns a snapshot of the room's sessions. Pushing to a
// session that terminates after the snapshot is harmless: its queue is
// closed and the push becomes a no-op.
func (r *Registry) ByRoom(room string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[room]
	out := make([]*Session, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

// BroadcastChat stamps env with the room's next seq (starting at zero
// for a fresh room) and hands it to deliver for every member before the
// lock is released. Seq assignment and fanout share one critical
// section: a sender descheduled between the two would otherwise land
// its chat in recipient queues after later-numbered chats. deliver must
// not block; a send-queue push qualifies.
func (r *Registry) BroadcastChat(room string, env *protocol.Envelope, deliver func(*Session) bool) (fanout int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env.Seq = r.seqs[room]
	r.seqs[room] = env.Seq + 1
	for _, s := range r.rooms[room] {
		if deliver(s) {
			fanout++
		}
	}
	return fanout
}

// Counts reports live sessions and non-empty rooms.
func (r *Registry) Counts() (sessions, rooms int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), len(r.rooms)
}

// Snapshot returns every live session, used for parallel shutdown.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) joinLocked(s *Session, room string) {
	members := r.rooms[room]
	if members == nil {
		members = make(map[uint64]*Session)
		r.rooms[room] = members
	}
	members[s.ID] = s
}

func (r *Registry) leaveLocked(id uint64, room string) {
	members := r.rooms[room]
	if members == nil {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
		delete(r.seqs, room)
	}
}

func (r *Registry) reportLocked() {
	r.obs.SessionCount(int64(len(r.sessions)))
	r.obs.RoomCount(len(r.rooms))
}
