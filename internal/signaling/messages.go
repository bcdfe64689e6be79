package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/chillcall/signaling-relay/internal/room"
)

type messageType string

// Inbound message types.
const (
	messageTypeCreateRoom   messageType = "create_room"
	messageTypeJoinRoom     messageType = "join_room"
	messageTypeOffer        messageType = "offer"
	messageTypeAnswer       messageType = "answer"
	messageTypeICECandidate messageType = "ice_candidate"
	messageTypeLeaveRoom    messageType = "leave_room"
)

// Outbound message types.
const (
	messageTypeRoomCreated       messageType = "room_created"
	messageTypeRoomJoined        messageType = "room_joined"
	messageTypeParticipantJoined messageType = "participant_joined"
	messageTypeParticipantLeft   messageType = "participant_left"
	messageTypeError             messageType = "error"
)

// envelope is the decoded view of an inbound frame.
//
// Only the routing fields are typed; signaling payloads (offer/answer/
// ice_candidate bodies) are opaque to the relay, so the original bytes are
// kept for verbatim forwarding. Unknown extra fields are tolerated on
// every message for the same reason.
type envelope struct {
	Type   messageType `json:"type"`
	RoomID string      `json:"roomId"`
	UserID string      `json:"userId"`
	Target string      `json:"target"`

	raw []byte
}

// isRelay reports whether the message is a peer-to-peer signaling payload
// to be forwarded rather than interpreted.
func (e envelope) isRelay() bool {
	switch e.Type {
	case messageTypeOffer, messageTypeAnswer, messageTypeICECandidate:
		return true
	}
	return false
}

// parseEnvelope decodes an inbound text frame and validates the fields
// the relay itself needs. Any failure here is a malformed message: the
// caller logs and drops it without replying.
func parseEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return envelope{}, err
	}
	if e.Type == "" {
		return envelope{}, fmt.Errorf("missing type field")
	}
	e.raw = data

	switch e.Type {
	case messageTypeJoinRoom:
		if e.RoomID == "" {
			return envelope{}, fmt.Errorf("join_room missing roomId")
		}
	case messageTypeOffer, messageTypeAnswer, messageTypeICECandidate:
		if e.Target == "" {
			return envelope{}, fmt.Errorf("%s missing target", e.Type)
		}
	}
	return e, nil
}

// relayPayload rebuilds the original envelope with a from field naming
// the sender, preserving every other field untouched.
func (e envelope) relayPayload(senderID string) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(e.raw, &fields); err != nil {
		return nil, err
	}
	fields["from"] = senderID
	return json.Marshal(fields)
}

type roomCreatedMessage struct {
	Type   messageType `json:"type"`
	RoomID string      `json:"roomId"`
	UserID string      `json:"userId"`
}

type roomJoinedMessage struct {
	Type         messageType        `json:"type"`
	RoomID       string             `json:"roomId"`
	UserID       string             `json:"userId"`
	Participants []room.Participant `json:"participants"`
}

type participantJoinedMessage struct {
	Type      messageType `json:"type"`
	SessionID string      `json:"sessionId"`
	UserID    string      `json:"userId"`
}

type participantLeftMessage struct {
	Type      messageType `json:"type"`
	SessionID string      `json:"sessionId"`
	UserID    string      `json:"userId"`
}

type errorMessage struct {
	Type    messageType `json:"type"`
	Message string      `json:"message"`
}
