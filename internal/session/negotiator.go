// Package session drives SDP negotiation and ICE exchange for each remote
// peer against the external media engine, speaking to the relay through the
// reliable channel.
package session

import (
	"fmt"
	"sync"

	"github.com/pion/logging"

	"github.com/mossy-p/device-agent/internal/signal"
)

// Negotiator owns the peer session map. Messages for one peer are applied in
// arrival order; distinct peers are independent.
type Negotiator struct {
	selfID string
	engine MediaEngine
	sender Sender
	log    logging.LeveledLogger

	mu        sync.Mutex
	peers     map[string]*peer
	onState   func(peerID string, s State)
	onCommand func(peerID string, data []byte)
}

type peer struct {
	id      string
	mu      sync.Mutex
	state   State
	pc      PeerConnection
	pending []signal.CandidatePayload // candidates queued before the pc exists, FIFO
}

func NewNegotiator(selfID string, engine MediaEngine, sender Sender, lf logging.LoggerFactory) *Negotiator {
	return &Negotiator{
		selfID: selfID,
		engine: engine,
		sender: sender,
		log:    lf.NewLogger("session"),
		peers:  make(map[string]*peer),
	}
}

// OnStateChange registers an observer for per-peer state transitions. The
// observer runs on the negotiator's goroutine and must not call back in.
func (n *Negotiator) OnStateChange(fn func(peerID string, s State)) {
	n.mu.Lock()
	n.onState = fn
	n.mu.Unlock()
}

// OnCommand registers the sink for remote input command frames arriving on
// peer data channels.
func (n *Negotiator) OnCommand(fn func(peerID string, data []byte)) {
	n.mu.Lock()
	n.onCommand = fn
	n.mu.Unlock()
}

// HandleRemoteDescription applies a remote offer or answer for peerID. An
// inbound offer triggers answer creation and transmission; a malformed SDP
// moves the peer to Failed and is never retried.
func (n *Negotiator) HandleRemoteDescription(kind, sdp, peerID string) {
	p := n.peer(peerID)
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateClosed, StateFailed:
		n.log.Warnf("peer %s: dropping %s in state %s", peerID, kind, p.state)
		return
	}

	switch kind {
	case "offer":
	case "answer":
		if p.state != StateOfferSent {
			n.log.Warnf("peer %s: answer arrived in state %s, dropping", peerID, p.state)
			return
		}
	default:
		n.failLocked(p, fmt.Errorf("unknown description kind %q", kind))
		return
	}

	if err := n.ensureConnLocked(p); err != nil {
		n.failLocked(p, fmt.Errorf("create peer connection: %w", err))
		return
	}
	if err := p.pc.SetRemoteDescription(kind, sdp); err != nil {
		n.failLocked(p, fmt.Errorf("set remote %s: %w", kind, err))
		return
	}

	if kind == "offer" {
		n.setStateLocked(p, StateOfferReceived)
		n.answerLocked(p)
		return
	}
	n.setStateLocked(p, StateAnswerReceived)
}

// answerLocked creates and sends the local answer. Both media engine steps
// must succeed before anything is sent; a failure aborts without emitting a
// partial message.
func (n *Negotiator) answerLocked(p *peer) {
	sdp, err := p.pc.CreateAnswer()
	if err != nil {
		n.failLocked(p, fmt.Errorf("create answer: %w", err))
		return
	}
	if err := p.pc.SetLocalDescription("answer", sdp); err != nil {
		n.failLocked(p, fmt.Errorf("set local answer: %w", err))
		return
	}
	if !n.sender.Send(signal.NewAnswer(n.selfID, p.id, "answer", sdp)) {
		n.log.Warnf("peer %s: answer not sent, channel not open", p.id)
	}
	n.setStateLocked(p, StateAnswerSent)
}

// Call starts the caller path towards peerID: session request, local offer,
// OfferSent.
func (n *Negotiator) Call(peerID, token string) error {
	if token != "" {
		if !n.sender.Send(signal.NewSessionRequest(n.selfID, token)) {
			return fmt.Errorf("session request to %s: channel not open", peerID)
		}
	}

	p := n.peer(peerID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateIdle {
		return fmt.Errorf("peer %s: call in state %s", peerID, p.state)
	}
	if err := n.ensureConnLocked(p); err != nil {
		n.failLocked(p, fmt.Errorf("create peer connection: %w", err))
		return err
	}
	sdp, err := p.pc.CreateOffer()
	if err != nil {
		n.failLocked(p, fmt.Errorf("create offer: %w", err))
		return err
	}
	if err := p.pc.SetLocalDescription("offer", sdp); err != nil {
		n.failLocked(p, fmt.Errorf("set local offer: %w", err))
		return err
	}
	if !n.sender.Send(signal.NewOffer(n.selfID, peerID, sdp)) {
		n.log.Warnf("peer %s: offer not sent, channel not open", peerID)
	}
	n.setStateLocked(p, StateOfferSent)
	return nil
}

// HandleRemoteCandidate applies one remote ICE candidate. Candidates that
// arrive before the peer connection exists are queued and flushed in arrival
// order once it is created.
func (n *Negotiator) HandleRemoteCandidate(peerID string, c signal.CandidatePayload) {
	p := n.peer(peerID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		n.log.Warnf("peer %s: dropping candidate, session closed", peerID)
		return
	}
	if p.pc == nil {
		p.pending = append(p.pending, c)
		return
	}
	if err := p.pc.AddICECandidate(c); err != nil {
		n.log.Warnf("peer %s: apply candidate: %v", peerID, err)
	}
}

// Release tears down the session for peerID: stops capture, disposes the
// peer connection and removes the map entry. Idempotent.
func (n *Negotiator) Release(peerID string) {
	n.mu.Lock()
	p, ok := n.peers[peerID]
	if ok {
		delete(n.peers, peerID)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	pc := p.pc
	p.pc = nil
	n.setStateLocked(p, StateClosed)
	p.mu.Unlock()

	if pc != nil {
		if err := pc.StopCapture(); err != nil {
			n.log.Warnf("peer %s: stop capture: %v", peerID, err)
		}
		if err := pc.Close(); err != nil {
			n.log.Warnf("peer %s: close: %v", peerID, err)
		}
	}
}

// Close releases every peer session. Must run before process teardown so the
// engine's native resources are freed.
func (n *Negotiator) Close() {
	n.mu.Lock()
	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	n.mu.Unlock()
	for _, id := range ids {
		n.Release(id)
	}
}

// State returns the negotiation state for peerID, or Idle if no session
// exists.
func (n *Negotiator) State(peerID string) State {
	n.mu.Lock()
	p, ok := n.peers[peerID]
	n.mu.Unlock()
	if !ok {
		return StateIdle
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Snapshot returns the current state of every peer session.
func (n *Negotiator) Snapshot() map[string]State {
	n.mu.Lock()
	peers := make([]*peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()

	out := make(map[string]State, len(peers))
	for _, p := range peers {
		p.mu.Lock()
		out[p.id] = p.state
		p.mu.Unlock()
	}
	return out
}

func (n *Negotiator) peer(peerID string) *peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[peerID]
	if !ok {
		p = &peer{id: peerID, state: StateIdle}
		n.peers[peerID] = p
	}
	return p
}

// ensureConnLocked lazily creates the peer connection and flushes queued
// candidates FIFO. Caller holds p.mu.
func (n *Negotiator) ensureConnLocked(p *peer) error {
	if p.pc != nil {
		return nil
	}

	cb := PeerCallbacks{
		OnICECandidate: func(c signal.CandidatePayload) {
			if c.End() {
				// End-of-candidates is local bookkeeping, never sent.
				n.log.Debugf("peer %s: end of candidates", p.id)
				return
			}
			if !n.sender.Send(signal.NewCandidate(n.selfID, p.id, c)) {
				n.log.Warnf("peer %s: candidate not sent, channel not open", p.id)
			}
		},
		OnConnected: func() {
			p.mu.Lock()
			n.setStateLocked(p, StateConnected)
			pc := p.pc
			p.mu.Unlock()
			// Capture starts only after Connected has been reported.
			if pc != nil {
				if err := pc.StartCapture(); err != nil {
					n.log.Errorf("peer %s: start capture: %v", p.id, err)
				}
			}
		},
		OnFailed: func(err error) {
			p.mu.Lock()
			n.failLocked(p, err)
			p.mu.Unlock()
		},
		OnCommand: func(data []byte) {
			n.mu.Lock()
			h := n.onCommand
			n.mu.Unlock()
			if h != nil {
				h(p.id, data)
			}
		},
	}

	pc, err := n.engine.CreatePeerConnection(p.id, cb)
	if err != nil {
		return err
	}
	p.pc = pc

	for _, c := range p.pending {
		if err := pc.AddICECandidate(c); err != nil {
			n.log.Warnf("peer %s: apply queued candidate: %v", p.id, err)
		}
	}
	p.pending = nil
	return nil
}

// failLocked terminates this peer's negotiation. Other peers and the channel
// are unaffected. Caller holds p.mu.
func (n *Negotiator) failLocked(p *peer, err error) {
	n.log.Errorf("peer %s: negotiation failed: %v", p.id, err)
	n.setStateLocked(p, StateFailed)
}

func (n *Negotiator) setStateLocked(p *peer, s State) {
	if p.state == s {
		return
	}
	p.state = s
	n.log.Infof("peer %s: %s", p.id, s)
	n.mu.Lock()
	fn := n.onState
	n.mu.Unlock()
	if fn != nil {
		fn(p.id, s)
	}
}
