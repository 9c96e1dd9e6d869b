package server

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/cmdchat/cmdchat-go/observability"
	"github.com/cmdchat/cmdchat-go/protocol"
)

func newTestSession(id uint64, room string) *Session {
	return &Session{
		ID:    id,
		queue: newSendQueue(8),
		name:  fmt.Sprintf("user%d", id),
		room:  room,
	}
}

func TestRegistryInsertRemove(t *testing.T) {
	r := NewRegistry(observability.NoopChatObserver)
	a := newTestSession(1, "lobby")
	b := newTestSession(2, "lobby")
	r.Insert(a, "lobby")
	r.Insert(b, "lobby")

	if got := len(r.ByRoom("lobby")); got != 2 {
		t.Fatalf("lobby has %d members, want 2", got)
	}
	sessions, rooms := r.Counts()
	if sessions != 2 || rooms != 1 {
		t.Fatalf("counts %d/%d, want 2/1", sessions, rooms)
	}

	room, ok := r.Remove(1)
	if !ok || room != "lobby" {
		t.Fatalf("Remove(1) = %q, %v", room, ok)
	}
	if got := len(r.ByRoom("lobby")); got != 1 {
		t.Fatalf("lobby has %d members after remove, want 1", got)
	}
	r.Remove(2)
	if _, rooms := r.Counts(); rooms != 0 {
		t.Fatal("empty room must be destroyed")
	}
	if _, ok := r.Remove(2); ok {
		t.Fatal("double remove must report missing")
	}
}

func TestRegistryRenameRoom(t *testing.T) {
	r := NewRegistry(observability.NoopChatObserver)
	a := newTestSession(1, "lobby")
	r.Insert(a, "lobby")
	old, ok := r.RenameRoom(1, "dev")
	if !ok || old != "lobby" {
		t.Fatalf("RenameRoom = %q, %v", old, ok)
	}
	a.setRoom("dev")
	if len(r.ByRoom("lobby")) != 0 {
		t.Fatal("session still in old room")
	}
	if len(r.ByRoom("dev")) != 1 {
		t.Fatal("session missing from new room")
	}
	if _, rooms := r.Counts(); rooms != 1 {
		t.Fatal("old empty room must be destroyed")
	}
}

func broadcastTestChat(r *Registry, room string) *protocol.Envelope {
	env := &protocol.Envelope{Type: protocol.TypeChat, Room: room, Text: "x"}
	r.BroadcastChat(room, env, func(s *Session) bool {
		ok, _ := s.queue.Push(env)
		return ok
	})
	return env
}

func TestRegistrySeqPerRoom(t *testing.T) {
	r := NewRegistry(observability.NoopChatObserver)
	r.Insert(newTestSession(1, "a"), "a")
	r.Insert(newTestSession(2, "b"), "b")
	if env := broadcastTestChat(r, "a"); env.Seq != 0 {
		t.Fatalf("first seq in room a = %d, want 0", env.Seq)
	}
	if env := broadcastTestChat(r, "a"); env.Seq != 1 {
		t.Fatalf("second seq in room a = %d, want 1", env.Seq)
	}
	if env := broadcastTestChat(r, "b"); env.Seq != 0 {
		t.Fatalf("first seq in room b = %d, want 0", env.Seq)
	}
}

// Concurrent senders in one room: every member must observe chats in
// strict seq order, and all members the same order.
func TestBroadcastChatSeqOrderAcrossMembers(t *testing.T) {
	r := NewRegistry(observability.NoopChatObserver)
	const members = 4
	const senders = 8
	const perSender = 500
	const total = senders * perSender

	queues := make([]*sendQueue, members)
	for i := 0; i < members; i++ {
		s := &Session{ID: uint64(i + 1), queue: newSendQueue(total + 1), room: "lobby"}
		queues[i] = s.queue
		r.Insert(s, "lobby")
	}

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				broadcastTestChat(r, "lobby")
			}
		}()
	}
	wg.Wait()

	for i, q := range queues {
		for want := 0; want < total; want++ {
			env, ok := q.TryPop()
			if !ok {
				t.Fatalf("member %d queue ran dry at position %d", i, want)
			}
			if env.Seq != uint64(want) {
				t.Fatalf("member %d saw seq %d at position %d", i, env.Seq, want)
			}
		}
	}
}

// A removed session must leave no trace: not in the id index, not in
// any room set, and its empty room (with its seq counter) destroyed,
// even when it held an unfinished transfer.
func TestRegistryRemoveLeavesNoReferences(t *testing.T) {
	r := NewRegistry(observability.NoopChatObserver)
	s := newTestSession(7, "lobby")
	s.transfers = newTransferTable(1<<20, 2)
	if err := s.transfers.Start("t1", "a.bin", 1024, 2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Insert(s, "lobby")

	room, ok := r.Remove(7)
	if !ok || room != "lobby" {
		t.Fatalf("Remove = %q, %v", room, ok)
	}
	if got := len(r.ByRoom("lobby")); got != 0 {
		t.Fatalf("room set still holds %d members", got)
	}
	sessions, rooms := r.Counts()
	if sessions != 0 || rooms != 0 {
		t.Fatalf("counts %d/%d after remove, want 0/0", sessions, rooms)
	}
	if got := len(r.Snapshot()); got != 0 {
		t.Fatalf("snapshot still holds %d sessions", got)
	}

	// The destroyed room starts over at seq 0 for its next occupant.
	r.Insert(newTestSession(8, "lobby"), "lobby")
	if env := broadcastTestChat(r, "lobby"); env.Seq != 0 {
		t.Fatalf("seq after room destruction = %d, want 0", env.Seq)
	}
}

// Random join/leave/move churn: every live session is in exactly one
// room and the id index equals the union of the room sets.
func TestRegistryMembershipInvariant(t *testing.T) {
	r := NewRegistry(observability.NoopChatObserver)
	rng := rand.New(rand.NewPCG(1, 2))
	rooms := []string{"lobby", "dev", "ops", "random"}
	live := map[uint64]*Session{}
	var nextID uint64

	for i := 0; i < 2000; i++ {
		switch rng.IntN(3) {
		case 0: // join
			nextID++
			room := rooms[rng.IntN(len(rooms))]
			s := newTestSession(nextID, room)
			r.Insert(s, room)
			live[nextID] = s
		case 1: // leave
			for id := range live {
				r.Remove(id)
				delete(live, id)
				break
			}
		case 2: // move
			for id, s := range live {
				room := rooms[rng.IntN(len(rooms))]
				if room == s.Room() {
					break
				}
				if _, ok := r.RenameRoom(id, room); ok {
					s.setRoom(room)
				}
				break
			}
		}
	}

	sessions, _ := r.Counts()
	if sessions != len(live) {
		t.Fatalf("registry holds %d sessions, model holds %d", sessions, len(live))
	}
	seen := map[uint64]bool{}
	for _, room := range rooms {
		for _, s := range r.ByRoom(room) {
			if seen[s.ID] {
				t.Fatalf("session %d appears in more than one room", s.ID)
			}
			seen[s.ID] = true
		}
	}
	if len(seen) != len(live) {
		t.Fatalf("room union holds %d sessions, id index holds %d", len(seen), len(live))
	}
}
