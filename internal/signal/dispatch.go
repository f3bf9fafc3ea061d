package signal

import "github.com/pion/logging"

// SessionHandler receives negotiation events. Satisfied by the session
// negotiator; defined here so the dispatcher does not import it.
type SessionHandler interface {
	HandleRemoteDescription(kind, sdp, peerID string)
	HandleRemoteCandidate(peerID string, c CandidatePayload)
}

// StatusFunc observes status, heartbeat-ack and register-ack messages.
type StatusFunc func(ev StatusEvent)

// Dispatcher routes decoded events to the session handler or the status
// observer. Unknown and malformed frames are logged and dropped.
type Dispatcher struct {
	router   *Router
	sessions SessionHandler
	onStatus StatusFunc
	log      logging.LeveledLogger
}

func NewDispatcher(lf logging.LoggerFactory, sessions SessionHandler, onStatus StatusFunc) *Dispatcher {
	return &Dispatcher{
		router:   NewRouter(lf),
		sessions: sessions,
		onStatus: onStatus,
		log:      lf.NewLogger("signal"),
	}
}

// Dispatch decodes one raw frame and hands it to its target. Safe to call
// from the channel receive loop; it never panics on relay input.
func (d *Dispatcher) Dispatch(raw []byte) {
	switch ev := d.router.Route(raw).(type) {
	case OfferEvent:
		d.sessions.HandleRemoteDescription("offer", ev.SDP, ev.PeerID)
	case AnswerEvent:
		d.sessions.HandleRemoteDescription(ev.Kind, ev.SDP, ev.PeerID)
	case CandidateEvent:
		d.sessions.HandleRemoteCandidate(ev.PeerID, ev.Candidate)
	case StatusEvent:
		if d.onStatus != nil {
			d.onStatus(ev)
		}
	case ErrorEvent:
		d.log.Errorf("relay error: %s", ev.Reason)
	case UnknownEvent:
		// Already logged by the router.
	case ParseError:
		// Already logged by the router.
	}
}
