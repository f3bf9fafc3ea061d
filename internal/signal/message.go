package signal

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of signaling message exchanged with the relay
type Type string

const (
	TypeRegister       Type = "register"
	TypeRegisterAck    Type = "register-ack"
	TypeHeartbeat      Type = "heartbeat"
	TypeHeartbeatAck   Type = "heartbeat-ack"
	TypeSessionRequest Type = "session-request"
	TypeOffer          Type = "offer"
	TypeAnswer         Type = "answer"
	TypeICECandidate   Type = "ice-candidate"
	TypeStatus         Type = "status"
	TypeError          Type = "error"
	TypeUnknown        Type = "unknown"
)

// Message is the wire envelope for all relay traffic. Field names must match
// the relay protocol exactly; which fields are set depends on Type.
type Message struct {
	Type            Type            `json:"type"`
	FromID          string          `json:"fromId,omitempty"`
	ToID            string          `json:"toId,omitempty"`
	From            string          `json:"from,omitempty"`
	DeviceID        string          `json:"deviceId,omitempty"`
	Name            string          `json:"name,omitempty"`
	RegistrationKey string          `json:"registrationKey,omitempty"`
	Token           string          `json:"token,omitempty"`
	Status          string          `json:"status,omitempty"`
	Timestamp       int64           `json:"timestamp,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Reason          string          `json:"message,omitempty"`
}

// OfferPayload carries the SDP of a session offer.
type OfferPayload struct {
	SDP string `json:"sdp"`
}

// AnswerPayload carries the description type and SDP of a session answer.
type AnswerPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidatePayload carries one ICE candidate. An empty Candidate string
// marks end-of-candidates and is never put on the wire.
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// End reports whether the payload is the end-of-candidates marker.
func (p CandidatePayload) End() bool { return p.Candidate == "" }

func NewRegister(deviceID, key, name string) *Message {
	return &Message{Type: TypeRegister, DeviceID: deviceID, RegistrationKey: key, Name: name}
}

func NewHeartbeat(deviceID string) *Message {
	return &Message{Type: TypeHeartbeat, DeviceID: deviceID, Timestamp: time.Now().UnixMilli()}
}

func NewSessionRequest(from, token string) *Message {
	return &Message{Type: TypeSessionRequest, From: from, Token: token}
}

func NewOffer(fromID, toID, sdp string) *Message {
	payload, _ := json.Marshal(OfferPayload{SDP: sdp})
	return &Message{Type: TypeOffer, FromID: fromID, ToID: toID, Payload: payload}
}

func NewAnswer(fromID, toID, descType, sdp string) *Message {
	payload, _ := json.Marshal(AnswerPayload{Type: descType, SDP: sdp})
	return &Message{Type: TypeAnswer, FromID: fromID, ToID: toID, Payload: payload}
}

func NewCandidate(fromID, toID string, c CandidatePayload) *Message {
	payload, _ := json.Marshal(c)
	return &Message{Type: TypeICECandidate, FromID: fromID, ToID: toID, Payload: payload}
}

// Encode serializes the message for channel transit.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
