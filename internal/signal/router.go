package signal

import (
	"encoding/json"
	"errors"

	"github.com/pion/logging"
)

var errMissingPayload = errors.New("signal: payload missing required fields")

// Event is the decoded form of one inbound channel message. Exactly one of
// the concrete types below is produced per raw message; malformed input
// yields ParseError rather than an error return so the receive loop can
// never be terminated by a bad relay frame.
type Event interface{ event() }

// OfferEvent is a remote session offer.
type OfferEvent struct {
	PeerID string
	SDP    string
}

// AnswerEvent is a remote answer to an offer this device sent.
type AnswerEvent struct {
	PeerID string
	Kind   string
	SDP    string
}

// CandidateEvent is a remote ICE candidate.
type CandidateEvent struct {
	PeerID    string
	Candidate CandidatePayload
}

// StatusEvent reports a device status change, a heartbeat ack or a
// registration ack from the relay.
type StatusEvent struct {
	Type     Type
	DeviceID string
	Status   string
}

// ErrorEvent is an error message from the relay.
type ErrorEvent struct {
	Reason string
}

// UnknownEvent is a structurally valid message with an unrecognized type.
type UnknownEvent struct {
	Type Type
	Raw  []byte
}

// ParseError is produced for input that could not be decoded at all, or for
// a known type whose payload is missing required fields.
type ParseError struct {
	Raw []byte
	Err error
}

func (OfferEvent) event()     {}
func (AnswerEvent) event()    {}
func (CandidateEvent) event() {}
func (StatusEvent) event()    {}
func (ErrorEvent) event()     {}
func (UnknownEvent) event()   {}
func (ParseError) event()     {}

// Router decodes raw relay frames into typed events.
type Router struct {
	log logging.LeveledLogger
}

func NewRouter(lf logging.LoggerFactory) *Router {
	return &Router{log: lf.NewLogger("signal")}
}

// Route parses one raw text frame. It never panics and never returns an
// error; undecodable input comes back as ParseError.
func (r *Router) Route(raw []byte) Event {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.log.Warnf("undecodable frame: %v", err)
		return ParseError{Raw: raw, Err: err}
	}

	switch msg.Type {
	case TypeOffer:
		var p OfferPayload
		if err := extractPayload(msg.Payload, &p, func() bool { return p.SDP != "" }); err != nil {
			r.log.Warnf("offer from %s: %v: %s", msg.FromID, err, msg.Payload)
			return ParseError{Raw: raw, Err: err}
		}
		return OfferEvent{PeerID: msg.FromID, SDP: p.SDP}

	case TypeAnswer:
		var p AnswerPayload
		if err := extractPayload(msg.Payload, &p, func() bool { return p.SDP != "" }); err != nil {
			r.log.Warnf("answer from %s: %v: %s", msg.FromID, err, msg.Payload)
			return ParseError{Raw: raw, Err: err}
		}
		if p.Type == "" {
			p.Type = "answer"
		}
		return AnswerEvent{PeerID: msg.FromID, Kind: p.Type, SDP: p.SDP}

	case TypeICECandidate:
		var p CandidatePayload
		present := func() bool { return p.Candidate != "" || p.SDPMid != nil || p.SDPMLineIndex != nil }
		if err := extractPayload(msg.Payload, &p, present); err != nil {
			r.log.Warnf("ice-candidate from %s: %v: %s", msg.FromID, err, msg.Payload)
			return ParseError{Raw: raw, Err: err}
		}
		return CandidateEvent{PeerID: msg.FromID, Candidate: p}

	case TypeStatus, TypeHeartbeatAck, TypeRegisterAck:
		return StatusEvent{Type: msg.Type, DeviceID: msg.DeviceID, Status: msg.Status}

	case TypeError:
		return ErrorEvent{Reason: msg.Reason}

	default:
		r.log.Warnf("unrecognized message type %q, dropping", msg.Type)
		return UnknownEvent{Type: msg.Type, Raw: raw}
	}
}

// extractPayload decodes payload into v, preferring fields on the payload
// object itself and falling back to a one-level parsedMessage.payload
// envelope. ok reports whether the required fields ended up populated.
func extractPayload(payload json.RawMessage, v any, ok func() bool) error {
	if len(payload) == 0 {
		return errMissingPayload
	}
	if err := json.Unmarshal(payload, v); err == nil && ok() {
		return nil
	}
	var env struct {
		Parsed *struct {
			Payload json.RawMessage `json:"payload"`
		} `json:"parsedMessage"`
	}
	if err := json.Unmarshal(payload, &env); err == nil && env.Parsed != nil && len(env.Parsed.Payload) > 0 {
		if err := json.Unmarshal(env.Parsed.Payload, v); err == nil && ok() {
			return nil
		}
	}
	return errMissingPayload
}
