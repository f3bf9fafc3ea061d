package session

// State is the negotiation state of one peer session.
//
// Callee path: Idle → OfferReceived → AnswerSent → Connected.
// Caller path: Idle → OfferSent → AnswerReceived → Connected.
// Failed is reachable from any state on negotiation error; Closed is
// terminal.
type State int

const (
	StateIdle State = iota
	StateOfferReceived
	StateAnswerSent
	StateOfferSent
	StateAnswerReceived
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerSent:
		return "answer-sent"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerReceived:
		return "answer-received"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}
