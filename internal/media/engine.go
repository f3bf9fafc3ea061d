// Package media adapts Pion WebRTC to the session.MediaEngine capability
// surface: peer connections, description exchange, ICE plumbing, a screen
// video track fed by a pluggable frame source, and the inbound command data
// channel.
package media

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/mossy-p/device-agent/internal/session"
	"github.com/mossy-p/device-agent/internal/signal"
)

// FrameSource produces encoded video frames for the capture track. The
// screen grabber behind it is platform plumbing and lives outside this
// module.
type FrameSource interface {
	// NextFrame blocks until the next encoded frame is available.
	NextFrame() (data []byte, duration time.Duration, err error)
}

// Engine creates Pion peer connections for the negotiator.
type Engine struct {
	cfg    webrtc.Configuration
	frames FrameSource
	log    logging.LeveledLogger
}

func NewEngine(iceServers []string, frames FrameSource, lf logging.LoggerFactory) *Engine {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Engine{cfg: cfg, frames: frames, log: lf.NewLogger("media")}
}

// CreatePeerConnection implements session.MediaEngine.
func (e *Engine) CreatePeerConnection(peerID string, cb session.PeerCallbacks) (session.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "screen")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("new video track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if cb.OnICECandidate == nil {
			return
		}
		if c == nil {
			cb.OnICECandidate(signal.CandidatePayload{})
			return
		}
		init := c.ToJSON()
		cb.OnICECandidate(signal.CandidatePayload{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.log.Infof("peer %s: connection state %s", peerID, s)
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if cb.OnConnected != nil {
				cb.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			if cb.OnFailed != nil {
				cb.OnFailed(errors.New("transport failed"))
			}
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		e.log.Infof("peer %s: data channel %q", peerID, dc.Label())
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if cb.OnCommand != nil {
				cb.OnCommand(msg.Data)
			}
		})
	})

	return &peerConn{
		peerID: peerID,
		pc:     pc,
		track:  track,
		frames: e.frames,
		log:    e.log,
	}, nil
}

type peerConn struct {
	peerID string
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	frames FrameSource
	log    logging.LeveledLogger

	mu   sync.Mutex
	quit chan struct{}
}

func (p *peerConn) SetRemoteDescription(kind, sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(kind),
		SDP:  sdp,
	})
}

func (p *peerConn) CreateOffer() (string, error) {
	desc, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	return desc.SDP, nil
}

func (p *peerConn) CreateAnswer() (string, error) {
	desc, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	return desc.SDP, nil
}

func (p *peerConn) SetLocalDescription(kind, sdp string) error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(kind),
		SDP:  sdp,
	})
}

func (p *peerConn) AddICECandidate(c signal.CandidatePayload) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// StartCapture begins pumping frames from the source onto the video track.
// No-op when no frame source is configured or capture is already running.
func (p *peerConn) StartCapture() error {
	if p.frames == nil {
		p.log.Warnf("peer %s: no frame source, capture disabled", p.peerID)
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quit != nil {
		return nil
	}
	p.quit = make(chan struct{})
	go p.captureLoop(p.quit)
	return nil
}

func (p *peerConn) captureLoop(quit chan struct{}) {
	for {
		select {
		case <-quit:
			return
		default:
		}
		data, d, err := p.frames.NextFrame()
		if err != nil {
			p.log.Errorf("peer %s: frame source: %v", p.peerID, err)
			return
		}
		if err := p.track.WriteSample(media.Sample{Data: data, Duration: d}); err != nil {
			p.log.Warnf("peer %s: write sample: %v", p.peerID, err)
		}
	}
}

// StopCapture stops the frame pump. Idempotent.
func (p *peerConn) StopCapture() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quit != nil {
		close(p.quit)
		p.quit = nil
	}
	return nil
}

func (p *peerConn) Close() error {
	p.StopCapture()
	return p.pc.Close()
}
