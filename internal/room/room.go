// Package room implements the relay's room registry: rooms, the
// connection-to-room and connection-to-user indices, and the background
// sweep of stale rooms.
//
// The Registry is the only place in the relay with shared mutable state.
// All state lives behind a single mutex so that every operation (create,
// join, leave, sweep) is atomic with respect to every other; callers only
// ever see consistent snapshots.
package room

import (
	"time"
)

// DefaultCapacity is the participant limit applied to new rooms when the
// registry is not configured with an explicit capacity.
const DefaultCapacity = 4

// Room is a group of connections that exchange signaling messages with
// each other, bounded by a fixed capacity.
//
// Room values are owned by the Registry and must only be touched while
// holding the registry mutex. The exported snapshot types (Participant,
// Stats) are what leaves the registry.
type Room struct {
	ID        string
	CreatedAt time.Time
	Capacity  int

	// participants is keyed by connection identity.
	participants map[string]struct{}
}

func newRoom(id string, capacity int, createdAt time.Time) *Room {
	return &Room{
		ID:           id,
		CreatedAt:    createdAt,
		Capacity:     capacity,
		participants: make(map[string]struct{}),
	}
}

func (r *Room) canJoin() bool {
	return len(r.participants) < r.Capacity
}

func (r *Room) isEmpty() bool {
	return len(r.participants) == 0
}

// Participant is a snapshot of one room member, as reported to joiners.
type Participant struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}
