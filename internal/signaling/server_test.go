package signaling_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chillcall/signaling-relay/internal/metrics"
	"github.com/chillcall/signaling-relay/internal/room"
	"github.com/chillcall/signaling-relay/internal/signaling"
)

type testRelay struct {
	ts       *httptest.Server
	registry *room.Registry
	metrics  *metrics.Metrics
}

func newTestRelay(t *testing.T, capacity int, cfg signaling.Config) *testRelay {
	t.Helper()

	registry := room.NewRegistry(capacity)
	m := metrics.New()
	cfg.Registry = registry
	cfg.Metrics = m
	cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := signaling.NewServer(cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return &testRelay{ts: ts, registry: registry, metrics: m}
}

func (tr *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(tr.ts.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sendJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMessage(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return got
}

// expectSilence asserts that no frame arrives within the grace window.
func expectSilence(t *testing.T, c *websocket.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := c.ReadMessage(); err == nil {
		t.Fatalf("unexpected message: %s", data)
	}
}

// createRoom drives the create_room flow and returns the room id.
func createRoom(t *testing.T, c *websocket.Conn, userID string) (roomID string) {
	t.Helper()
	sendJSON(t, c, map[string]any{"type": "create_room", "userId": userID})
	got := readMessage(t, c)
	if got["type"] != "room_created" {
		t.Fatalf("reply=%v, want room_created", got)
	}
	roomID, _ = got["roomId"].(string)
	if roomID == "" {
		t.Fatalf("room_created without roomId: %v", got)
	}
	return roomID
}

// joinRoom drives the join_room flow and returns the joiner's session id
// (learned by the existing peers via participant_joined) plus the
// participants list from the room_joined reply.
func joinRoom(t *testing.T, c *websocket.Conn, roomID, userID string) []any {
	t.Helper()
	sendJSON(t, c, map[string]any{"type": "join_room", "roomId": roomID, "userId": userID})
	got := readMessage(t, c)
	if got["type"] != "room_joined" {
		t.Fatalf("reply=%v, want room_joined", got)
	}
	participants, _ := got["participants"].([]any)
	return participants
}

func TestCreateRoom_RepliesWithRoomID(t *testing.T) {
	tr := newTestRelay(t, 4, signaling.Config{})
	c := tr.dial(t)

	sendJSON(t, c, map[string]any{"type": "create_room", "userId": "alice"})
	got := readMessage(t, c)
	if got["type"] != "room_created" || got["userId"] != "alice" {
		t.Fatalf("reply=%v", got)
	}
	roomID, _ := got["roomId"].(string)
	if roomID == "" {
		t.Fatalf("missing roomId: %v", got)
	}
	if members := tr.registry.ParticipantsOf(roomID); len(members) != 1 {
		t.Fatalf("registry participants=%v, want 1 member", members)
	}
}

func TestCreateRoom_SynthesizesUserID(t *testing.T) {
	tr := newTestRelay(t, 4, signaling.Config{})
	c := tr.dial(t)

	sendJSON(t, c, map[string]any{"type": "create_room"})
	got := readMessage(t, c)
	userID, _ := got["userId"].(string)
	if !strings.HasPrefix(userID, "User-") {
		t.Fatalf("userId=%q, want User- prefix", userID)
	}
}

func TestJoinRoom_RoundTrip(t *testing.T) {
	tr := newTestRelay(t, 4, signaling.Config{})
	creator := tr.dial(t)
	joiner := tr.dial(t)

	roomID := createRoom(t, creator, "alice")

	// The joiner's reply lists exactly the creator.
	participants := joinRoom(t, joiner, roomID, "bob")
	if len(participants) != 1 {
		t.Fatalf("participants=%v, want exactly the creator", participants)
	}
	entry, _ := participants[0].(map[string]any)
	if entry["userId"] != "alice" {
		t.Fatalf("participant=%v, want alice", entry)
	}
	creatorSession, _ := entry["sessionId"].(string)
	if creatorSession == "" {
		t.Fatalf("participant without sessionId: %v", entry)
	}

	// The creator hears about the joiner.
	notified := readMessage(t, creator)
	if notified["type"] != "participant_joined" || notified["userId"] != "bob" {
		t.Fatalf("broadcast=%v", notified)
	}
	if sid, _ := notified["sessionId"].(string); sid == "" || sid == creatorSession {
		t.Fatalf("broadcast sessionId=%q", sid)
	}
}

func TestJoinRoom_NotFound(t *testing.T) {
	tr := newTestRelay(t, 4, signaling.Config{})
	c := tr.dial(t)

	sendJSON(t, c, map[string]any{"type": "join_room", "roomId": "missing"})
	got := readMessage(t, c)
	if got["type"] != "error" || got["message"] != "Room not found" {
		t.Fatalf("reply=%v", got)
	}
	if tr.metrics.Get(metrics.JoinRejectedNotFound) != 1 {
		t.Fatalf("join_rejected_not_found not counted")
	}
}

func TestJoinRoom_FullRoom(t *testing.T) {
	tr := newTestRelay(t, 2, signaling.Config{})
	creator := tr.dial(t)
	second := tr.dial(t)
	third := tr.dial(t)

	roomID := createRoom(t, creator, "u1")
	joinRoom(t, second, roomID, "u2")

	sendJSON(t, third, map[string]any{"type": "join_room", "roomId": roomID, "userId": "u3"})
	got := readMessage(t, third)
	if got["type"] != "error" || got["message"] != "Room is full" {
		t.Fatalf("reply=%v", got)
	}
	if members := tr.registry.ParticipantsOf(roomID); len(members) != 2 {
		t.Fatalf("room grew past capacity: %v", members)
	}
}

func TestRelay_ForwardsVerbatimWithFrom(t *testing.T) {
	tr := newTestRelay(t, 4, signaling.Config{})
	creator := tr.dial(t)
	joiner := tr.dial(t)
	bystander := tr.dial(t)

	roomID := createRoom(t, creator, "alice")
	joinRoom(t, joiner, roomID, "bob")
	notified := readMessage(t, creator) // participant_joined for bob
	joinerSession, _ := notified["sessionId"].(string)

	joinRoom(t, bystander, roomID, "carol")
	readMessage(t, creator) // participant_joined for carol
	readMessage(t, joiner)

	sendJSON(t, creator, map[string]any{
		"type":   "offer",
		"target": joinerSession,
		"sdp":    map[string]any{"type": "offer", "sdp": "v=0"},
		"extra":  "kept",
	})

	got := readMessage(t, joiner)
	if got["type"] != "offer" || got["extra"] != "kept" {
		t.Fatalf("forwarded=%v", got)
	}
	sdp, _ := got["sdp"].(map[string]any)
	if sdp["sdp"] != "v=0" {
		t.Fatalf("payload altered: %v", got)
	}
	from, _ := got["from"].(string)
	if from == "" || from == joinerSession {
		t.Fatalf("from=%q", from)
	}

	// Never delivered to anyone but the target.
	expectSilence(t, bystander)
	expectSilence(t, creator)
}

func TestRelay_DroppedWhenSenderNotInRoom(t *testing.T) {
	tr := newTestRelay(t, 4, signaling.Config{})
	outsider := tr.dial(t)
	member := tr.dial(t)
	createRoom(t, member, "alice")

	sendJSON(t, outsider, map[string]any{"type": "offer", "target": "whoever", "sdp": "v=0"})

	expectSilence(t, member)
	expectSilence(t, outsider)
	if tr.metrics.Get(metrics.RelayDropped) != 1 {
		t.Fatalf("relay_dropped not counted")
	}
}

func TestRelay_DroppedWhenTargetInDifferentRoom(t *testing.T) {
	tr := newTestRelay(t, 4, signaling.Config{})
	a := tr.dial(t)
	b := tr.dial(t)

	createRoom(t, a, "alice")
	bRoomID := createRoom(t, b, "bob")

	members := tr.registry.ParticipantsOf(bRoomID)
	if len(members) != 1 {
		t.Fatalf("members=%v", members)
	}
	bSession := members[0]

	sendJSON(t, a, map[string]any{"type": "answer", "target": bSession, "sdp": "v=0"})
	expectSilence(t, b)
}

func TestLeaveRoom_BroadcastsParticipantLeft(t *testing.T) {
	tr := newTestRelay(t, 4, signaling.Config{})
	creator := tr.dial(t)
	joiner := tr.dial(t)

	roomID := createRoom(t, creator, "alice")
	joinRoom(t, joiner, roomID, "bob")
	notified := readMessage(t, creator)
	joinerSession, _ := notified["sessionId"].(string)

	sendJSON(t, joiner, map[string]any{"type": "leave_room"})

	got := readMessage(t, creator)
	if got["type"] != "participant_left" || got["sessionId"] != joinerSession || got["userId"] != "bob" {
		t.Fatalf("broadcast=%v", got)
	}
	if members := tr.registry.ParticipantsOf(roomID); len(members) != 1 {
		t.Fatalf("room members=%v, want just the creator", members)
	}
}

func TestLastLeave_DeletesRoomImmediately(t *testing.T) {
	tr := newTestRelay(t, 4, signaling.Config{})
	creator := tr.dial(t)

	roomID := createRoom(t, creator, "alice")
	sendJSON(t, creator, map[string]any{"type": "leave_room"})

	// Leaves are handled on the creator's read goroutine; wait for the
	// registry to reflect the deletion before probing.
	deadline := time.Now().Add(2 * time.Second)
	for tr.registry.Snapshot().Rooms != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("room not deleted after last leave")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The room id is dead for new joiners.
	late := tr.dial(t)
	sendJSON(t, late, map[string]any{"type": "join_room", "roomId": roomID})
	got := readMessage(t, late)
	if got["type"] != "error" || got["message"] != "Room not found" {
		t.Fatalf("reply=%v, want Room not found", got)
	}
}

func TestDisconnect_TriggersLeavePath(t *testing.T) {
	tr := newTestRelay(t, 4, signaling.Config{})
	creator := tr.dial(t)
	joiner := tr.dial(t)

	roomID := createRoom(t, creator, "alice")
	joinRoom(t, joiner, roomID, "bob")
	readMessage(t, creator) // participant_joined

	_ = joiner.Close()

	got := readMessage(t, creator)
	if got["type"] != "participant_left" || got["userId"] != "bob" {
		t.Fatalf("broadcast=%v", got)
	}
}

func TestMalformedMessage_DroppedConnectionStaysOpen(t *testing.T) {
	tr := newTestRelay(t, 4, signaling.Config{})
	c := tr.dial(t)

	if err := c.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	sendJSON(t, c, map[string]any{"roomId": "no type field"})
	sendJSON(t, c, map[string]any{"type": "warp_speed"})

	// The connection still works for valid messages, with no error replies
	// in between.
	sendJSON(t, c, map[string]any{"type": "create_room", "userId": "alice"})
	got := readMessage(t, c)
	if got["type"] != "room_created" {
		t.Fatalf("reply=%v, want room_created", got)
	}
	if n := tr.metrics.Get(metrics.MalformedMessages); n != 2 {
		t.Fatalf("malformed_messages=%d, want 2", n)
	}
}

func TestRateLimit_ClosesConnection(t *testing.T) {
	tr := newTestRelay(t, 4, signaling.Config{MaxMessagesPerSecond: 5})
	c := tr.dial(t)

	for i := 0; i < 20; i++ {
		if err := c.WriteJSON(map[string]any{"type": "create_room"}); err != nil {
			break
		}
	}

	closed := false
	for i := 0; i < 30; i++ {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := c.ReadMessage(); err != nil {
			closed = true
			break
		}
	}
	if !closed {
		t.Fatalf("connection survived a burst far past the rate limit")
	}
	if tr.metrics.Get(metrics.RateLimited) == 0 {
		t.Fatalf("rate_limited not counted")
	}
}
