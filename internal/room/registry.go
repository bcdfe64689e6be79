package room

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRoomNotFound is returned by JoinRoom when the room id does not
	// refer to a live room.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomFull is returned by JoinRoom when the room is at capacity.
	ErrRoomFull = errors.New("room is full")
)

// Registry owns every Room and the two reverse indices (connection to
// room, connection to user id). No other component mutates them.
//
// Every method is safe for concurrent use. Mutations hold the single
// registry mutex for their entire critical section, so a join's capacity
// check and membership update are one indivisible step, as are a leave's
// removal from the room and from both indices.
type Registry struct {
	capacity int

	// now is the clock used to stamp CreatedAt and to evaluate staleness.
	// Overridden in tests.
	now func() time.Time

	mu       sync.Mutex
	rooms    map[string]*Room
	connRoom map[string]string
	connUser map[string]string
}

// NewRegistry returns an empty registry. capacity <= 0 selects
// DefaultCapacity.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		capacity: capacity,
		now:      time.Now,
		rooms:    make(map[string]*Room),
		connRoom: make(map[string]string),
		connUser: make(map[string]string),
	}
}

// CreateRoom creates a fresh room with the creator as its sole
// participant and returns the generated room id.
//
// If the creator is already in another room it is detached from that room
// first, so a connection is never a participant of two rooms at once.
func (g *Registry) CreateRoom(connID, userID string) string {
	id := uuid.NewString()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.detachLocked(connID)

	r := newRoom(id, g.capacity, g.now())
	r.participants[connID] = struct{}{}
	g.rooms[id] = r
	g.connRoom[connID] = id
	g.connUser[connID] = userID

	return id
}

// JoinRoom adds the connection to the room and returns a snapshot of the
// other participants, in no particular order.
//
// Returns ErrRoomNotFound or ErrRoomFull without mutating any state. The
// capacity check and the membership update happen under one lock hold, so
// two concurrent joins can never both take the last slot.
func (g *Registry) JoinRoom(roomID, connID, userID string) ([]Participant, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if _, member := r.participants[connID]; member {
		// Rejoining the room it is already in: report the current peers.
		return g.othersLocked(r, connID), nil
	}
	if !r.canJoin() {
		return nil, ErrRoomFull
	}

	g.detachLocked(connID)

	// detachLocked may have deleted a different room, never this one.
	r.participants[connID] = struct{}{}
	g.connRoom[connID] = roomID
	g.connUser[connID] = userID

	return g.othersLocked(r, connID), nil
}

// Departure describes the room a connection was removed from.
type Departure struct {
	RoomID string
	UserID string

	// Remaining holds the connection ids still in the room, for
	// participant_left notification.
	Remaining []string

	// RoomDeleted reports that the departing connection was the last
	// participant and the room was reclaimed immediately.
	RoomDeleted bool
}

// Leave removes the connection from whichever room it is in and from both
// indices. The second return is false when the connection was not in any
// room; calling Leave again for the same connection is a no-op.
func (g *Registry) Leave(connID string) (Departure, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	roomID, ok := g.connRoom[connID]
	if !ok {
		return Departure{}, false
	}
	userID := g.connUser[connID]

	dep := Departure{RoomID: roomID, UserID: userID}
	if r, ok := g.rooms[roomID]; ok {
		delete(r.participants, connID)
		for id := range r.participants {
			dep.Remaining = append(dep.Remaining, id)
		}
		if r.isEmpty() {
			delete(g.rooms, roomID)
			dep.RoomDeleted = true
		}
	}
	delete(g.connRoom, connID)
	delete(g.connUser, connID)

	return dep, true
}

// RoomOf reports which room the connection is in, if any.
func (g *Registry) RoomOf(connID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	roomID, ok := g.connRoom[connID]
	return roomID, ok
}

// ParticipantsOf returns a snapshot of the connection ids in the room.
// A nil slice means the room does not exist (or is empty, which cannot
// outlive the operation that emptied it).
func (g *Registry) ParticipantsOf(roomID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(r.participants))
	for id := range r.participants {
		out = append(out, id)
	}
	return out
}

// UserIDOf returns the display label recorded for the connection.
func (g *Registry) UserIDOf(connID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	userID, ok := g.connUser[connID]
	return userID, ok
}

// SweepStale removes every room that is empty and was created more than
// retention ago, and returns how many were removed. A room that still has
// participants is never removed, regardless of age.
//
// Rooms normally die the moment their last participant leaves; the sweep
// only reclaims rooms that slipped past that (and guards against future
// paths that might leave an empty room behind).
func (g *Registry) SweepStale(retention time.Duration) int {
	cutoff := g.now().Add(-retention)

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for id, r := range g.rooms {
		if r.isEmpty() && r.CreatedAt.Before(cutoff) {
			delete(g.rooms, id)
			removed++
		}
	}
	return removed
}

// Stats is a point-in-time count of live rooms and participants.
type Stats struct {
	Rooms        int `json:"rooms"`
	Participants int `json:"participants"`
}

// Snapshot returns current room / participant totals.
func (g *Registry) Snapshot() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Stats{Rooms: len(g.rooms)}
	for _, r := range g.rooms {
		s.Participants += len(r.participants)
	}
	return s
}

// othersLocked snapshots every participant except connID. Caller holds mu.
func (g *Registry) othersLocked(r *Room, connID string) []Participant {
	out := make([]Participant, 0, len(r.participants))
	for id := range r.participants {
		if id == connID {
			continue
		}
		out = append(out, Participant{
			SessionID: id,
			UserID:    g.connUser[id],
		})
	}
	return out
}

// detachLocked silently removes the connection from its current room, if
// any, deleting the room when it empties. Caller holds mu.
func (g *Registry) detachLocked(connID string) {
	roomID, ok := g.connRoom[connID]
	if !ok {
		return
	}
	if r, ok := g.rooms[roomID]; ok {
		delete(r.participants, connID)
		if r.isEmpty() {
			delete(g.rooms, roomID)
		}
	}
	delete(g.connRoom, connID)
	delete(g.connUser, connID)
}
