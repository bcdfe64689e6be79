// Package signaling implements the relay's WebSocket surface: it accepts
// connections, decodes inbound envelopes, and routes them through the
// room registry to the right peers.
//
// The relay never inspects offer/answer/candidate payloads; it only adds
// a from field and forwards them. Delivery is best-effort: if a target is
// gone or not in the sender's room, the message is silently dropped.
package signaling

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chillcall/signaling-relay/internal/metrics"
	"github.com/chillcall/signaling-relay/internal/origin"
	"github.com/chillcall/signaling-relay/internal/ratelimit"
	"github.com/chillcall/signaling-relay/internal/room"
)

const wsWriteWait = 1 * time.Second

// Config wires together the runtime dependencies for the signaling
// service.
type Config struct {
	Registry *room.Registry
	Metrics  *metrics.Metrics
	Log      *slog.Logger

	// AllowedOrigins is the browser Origin allowlist for the upgrade
	// request. Empty means same-host only; "*" allows any origin.
	AllowedOrigins []string

	// Inbound hardening. Zero values select the defaults below.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// Server owns the live connection table (connection id to conn) and the
// per-connection read loops. Registry state is owned by room.Registry;
// the server only calls its operations.
type Server struct {
	registry *room.Registry
	metrics  *metrics.Metrics
	log      *slog.Logger

	allowedOrigins []string

	maxMessageBytes      int64
	maxMessagesPerSecond int

	mu    sync.Mutex
	peers map[string]*peer
}

func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	maxPerSecond := cfg.MaxMessagesPerSecond
	if maxPerSecond <= 0 {
		maxPerSecond = 50
	}
	return &Server{
		registry:             cfg.Registry,
		metrics:              cfg.Metrics,
		log:                  log,
		allowedOrigins:       cfg.AllowedOrigins,
		maxMessageBytes:      maxBytes,
		maxMessagesPerSecond: maxPerSecond,
		peers:                make(map[string]*peer),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// ServeHTTP provides minimal routing for tests and simple deployments.
// The production binary wires routes through httpserver.Server.Mux()
// using RegisterRoutes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && (r.URL.Path == "/ws" || r.URL.Path == "/") {
		s.handleWebSocket(w, r)
		return
	}
	http.NotFound(w, r)
}

// Close tears down every live connection. Each teardown runs the normal
// leave path, so rooms drain as if the clients had disconnected.
func (s *Server) Close() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peer{
		srv:  s,
		id:   uuid.NewString(),
		conn: conn,
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.maxMessagesPerSecond),
			int64(s.maxMessagesPerSecond),
		),
	}

	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()

	s.metrics.Inc(metrics.ConnectionsOpened)
	s.log.Info("connection opened", "session_id", p.id, "remote_addr", r.RemoteAddr)

	p.run()
}

// originAllowed applies the browser origin policy to the upgrade request.
// Requests without an Origin header (non-browser clients) are allowed.
func (s *Server) originAllowed(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return true
	}
	normalized, host, ok := origin.NormalizeHeader(raw)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, host, r.Host, s.allowedOrigins)
}

// peerByID looks up a live connection by identity.
func (s *Server) peerByID(id string) (*peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	return p, ok
}

func (s *Server) removePeer(p *peer) {
	s.mu.Lock()
	delete(s.peers, p.id)
	s.mu.Unlock()
}

// sendTo delivers an outbound message to one connection. Failures are
// logged and counted but never propagate; a dead connection is torn down
// by its own read loop.
func (s *Server) sendTo(connID string, v any) {
	p, ok := s.peerByID(connID)
	if !ok {
		s.metrics.Inc(metrics.DeliveryFailures)
		s.log.Debug("send to unknown connection", "session_id", connID)
		return
	}
	if err := p.send(v); err != nil {
		s.metrics.Inc(metrics.DeliveryFailures)
		s.log.Warn("send failed", "session_id", connID, "err", err)
	}
}

// peer is one live WebSocket connection plus its router state. Reads
// happen only on the run goroutine; writes are serialized by writeMu so
// routed sends and broadcasts from other connections' goroutines don't
// interleave frames.
type peer struct {
	srv  *Server
	id   string
	conn *websocket.Conn

	limiter *ratelimit.TokenBucket

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (p *peer) run() {
	defer p.teardown()

	p.conn.SetReadLimit(p.srv.maxMessageBytes)

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		// Check the rate limit after reading so the bytes are consumed from
		// the TCP receive buffer; closing with unread data can turn into an
		// abortive close (RST) and hide the close reason from the client.
		if !p.limiter.Allow(1) {
			p.srv.metrics.Inc(metrics.RateLimited)
			p.srv.log.Warn("rate limit exceeded", "session_id", p.id)
			p.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			p.srv.metrics.Inc(metrics.MalformedMessages)
			p.srv.log.Warn("non-text frame dropped", "session_id", p.id)
			continue
		}

		p.handleMessage(data)
	}
}

// handleMessage dispatches one inbound frame. A panic while handling a
// message is logged and treated as a no-op for that message; the
// connection stays open for subsequent messages.
func (p *peer) handleMessage(data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			p.srv.log.Error("panic handling message",
				"session_id", p.id, "recover", rec, "stack", string(debug.Stack()))
		}
	}()

	env, err := parseEnvelope(data)
	if err != nil {
		p.srv.metrics.Inc(metrics.MalformedMessages)
		p.srv.log.Warn("malformed message dropped", "session_id", p.id, "err", err)
		return
	}

	switch {
	case env.Type == messageTypeCreateRoom:
		p.handleCreateRoom(env)
	case env.Type == messageTypeJoinRoom:
		p.handleJoinRoom(env)
	case env.isRelay():
		p.relaySignaling(env)
	case env.Type == messageTypeLeaveRoom:
		p.leaveRoom()
	default:
		p.srv.log.Warn("unknown message type", "session_id", p.id, "type", string(env.Type))
	}
}

func (p *peer) handleCreateRoom(env envelope) {
	userID := env.UserID
	if userID == "" {
		userID = defaultUserID(p.id)
	}

	roomID := p.srv.registry.CreateRoom(p.id, userID)
	p.srv.metrics.Inc(metrics.RoomsCreated)
	p.srv.log.Info("room created", "room_id", roomID, "session_id", p.id, "user_id", userID)

	p.srv.sendTo(p.id, roomCreatedMessage{
		Type:   messageTypeRoomCreated,
		RoomID: roomID,
		UserID: userID,
	})
}

func (p *peer) handleJoinRoom(env envelope) {
	userID := env.UserID
	if userID == "" {
		userID = defaultUserID(p.id)
	}

	others, err := p.srv.registry.JoinRoom(env.RoomID, p.id, userID)
	switch err {
	case nil:
	case room.ErrRoomNotFound:
		p.srv.metrics.Inc(metrics.JoinRejectedNotFound)
		p.srv.sendTo(p.id, errorMessage{Type: messageTypeError, Message: "Room not found"})
		return
	case room.ErrRoomFull:
		p.srv.metrics.Inc(metrics.JoinRejectedFull)
		p.srv.sendTo(p.id, errorMessage{Type: messageTypeError, Message: "Room is full"})
		return
	default:
		p.srv.log.Error("join failed", "session_id", p.id, "room_id", env.RoomID, "err", err)
		return
	}

	p.srv.metrics.Inc(metrics.Joins)
	p.srv.log.Info("joined room", "room_id", env.RoomID, "session_id", p.id, "user_id", userID)

	// The joiner must learn the room state before the room learns about
	// the joiner.
	p.srv.sendTo(p.id, roomJoinedMessage{
		Type:         messageTypeRoomJoined,
		RoomID:       env.RoomID,
		UserID:       userID,
		Participants: others,
	})

	joined := participantJoinedMessage{
		Type:      messageTypeParticipantJoined,
		SessionID: p.id,
		UserID:    userID,
	}
	for _, other := range others {
		p.srv.sendTo(other.SessionID, joined)
	}
}

// relaySignaling forwards an offer/answer/ice_candidate envelope to its
// target, verbatim apart from the appended from field. Drops are silent
// by protocol design: there is no acknowledgment channel for relayed
// messages.
func (p *peer) relaySignaling(env envelope) {
	roomID, ok := p.srv.registry.RoomOf(p.id)
	if !ok {
		p.srv.metrics.Inc(metrics.RelayDropped)
		p.srv.log.Debug("relay from connection outside any room", "session_id", p.id)
		return
	}

	inRoom := false
	for _, member := range p.srv.registry.ParticipantsOf(roomID) {
		if member == env.Target {
			inRoom = true
			break
		}
	}
	if !inRoom {
		p.srv.metrics.Inc(metrics.RelayDropped)
		p.srv.log.Debug("relay target not in sender's room",
			"session_id", p.id, "target", env.Target, "room_id", roomID)
		return
	}

	target, ok := p.srv.peerByID(env.Target)
	if !ok {
		p.srv.metrics.Inc(metrics.RelayDropped)
		return
	}

	payload, err := env.relayPayload(p.id)
	if err != nil {
		p.srv.metrics.Inc(metrics.MalformedMessages)
		p.srv.log.Warn("relay payload rebuild failed", "session_id", p.id, "err", err)
		return
	}

	if err := target.sendRaw(payload); err != nil {
		p.srv.metrics.Inc(metrics.DeliveryFailures)
		p.srv.log.Warn("relay delivery failed", "target", env.Target, "err", err)
		return
	}
	p.srv.metrics.Inc(metrics.RelayForwarded)
	p.srv.log.Debug("relayed signaling message",
		"type", string(env.Type), "from", p.id, "target", env.Target)
}

// leaveRoom removes the connection from its room (if any) and notifies
// the remaining participants. Shared by the leave_room message and
// transport-level teardown.
func (p *peer) leaveRoom() {
	dep, ok := p.srv.registry.Leave(p.id)
	if !ok {
		return
	}
	if dep.RoomDeleted {
		p.srv.metrics.Inc(metrics.RoomsDeleted)
		p.srv.log.Info("room deleted", "room_id", dep.RoomID)
	}

	left := participantLeftMessage{
		Type:      messageTypeParticipantLeft,
		SessionID: p.id,
		UserID:    dep.UserID,
	}
	for _, member := range dep.Remaining {
		p.srv.sendTo(member, left)
	}

	p.srv.log.Info("left room", "room_id", dep.RoomID, "session_id", p.id, "user_id", dep.UserID)
}

func (p *peer) teardown() {
	p.srv.removePeer(p)
	p.leaveRoom()
	p.close()
	p.srv.metrics.Inc(metrics.ConnectionsClosed)
	p.srv.log.Info("connection closed", "session_id", p.id)
}

func (p *peer) send(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return p.conn.WriteJSON(v)
}

func (p *peer) sendRaw(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) closeWith(code int, reason string) {
	p.writeMu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	p.writeMu.Unlock()
	p.close()
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		_ = p.conn.Close()
	})
}

// defaultUserID synthesizes a display label from the connection identity
// when the client did not supply one.
func defaultUserID(connID string) string {
	if len(connID) > 8 {
		connID = connID[:8]
	}
	return "User-" + connID
}
