package session

import "github.com/mossy-p/device-agent/internal/signal"

// MediaEngine is the capability surface of the external media stack. The
// negotiator borrows peer connection handles from it; their native resources
// stay owned by the engine implementation.
type MediaEngine interface {
	CreatePeerConnection(peerID string, cb PeerCallbacks) (PeerConnection, error)
}

// PeerConnection is one negotiated point-to-point media session.
type PeerConnection interface {
	SetRemoteDescription(kind, sdp string) error
	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	SetLocalDescription(kind, sdp string) error
	AddICECandidate(c signal.CandidatePayload) error
	StartCapture() error
	StopCapture() error
	Close() error
}

// PeerCallbacks delivers engine events for one peer connection.
type PeerCallbacks struct {
	// OnICECandidate fires for each locally gathered candidate. The
	// end-of-candidates marker arrives with an empty Candidate string.
	OnICECandidate func(c signal.CandidatePayload)

	// OnConnected fires once the transport is established.
	OnConnected func()

	// OnFailed fires when the transport fails after being established.
	OnFailed func(err error)

	// OnCommand delivers one remote input command frame received over the
	// peer's data channel.
	OnCommand func(data []byte)
}

// Sender submits outbound signaling messages. Satisfied by channel.Channel.
type Sender interface {
	Send(m *signal.Message) bool
}
