// Package agent wires the device components together: registration store,
// relay channel, signaling dispatch, session negotiation, input handling and
// the diagnostics API.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/mossy-p/device-agent/config"
	"github.com/mossy-p/device-agent/internal/api"
	"github.com/mossy-p/device-agent/internal/channel"
	"github.com/mossy-p/device-agent/internal/device"
	"github.com/mossy-p/device-agent/internal/input"
	"github.com/mossy-p/device-agent/internal/media"
	"github.com/mossy-p/device-agent/internal/session"
	"github.com/mossy-p/device-agent/internal/signal"
	"github.com/mossy-p/device-agent/internal/store"
)

// ErrNotRegistered is returned when the agent starts without a stored
// registration.
var ErrNotRegistered = errors.New("agent: device not registered, run `agent register` first")

// Options injects the platform collaborators. Both are optional: without an
// accessibility handle remote input commands are dropped, without a frame
// source capture is disabled.
type Options struct {
	Accessibility input.Accessibility
	Frames        media.FrameSource

	// Engine overrides the default Pion media engine. Used by tests.
	Engine session.MediaEngine

	LoggerFactory logging.LoggerFactory
}

// Agent is the running device-side client.
type Agent struct {
	cfg *config.Config
	lf  logging.LoggerFactory
	log logging.LeveledLogger

	st     *store.Store
	reg    device.Registration
	ch     *channel.Channel
	neg    *session.Negotiator
	interp *input.Interpreter
	diag   *api.Server

	mu        sync.Mutex
	status    device.Status
	connected map[string]bool

	failures chan error
}

// Register creates and persists a registration if none exists, announcing
// the device to the relay. Idempotent.
func Register(ctx context.Context, cfg *config.Config, lf logging.LoggerFactory) (device.Registration, error) {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return device.Registration{}, err
	}
	defer st.Close()

	existing, err := st.Load()
	if err != nil {
		return device.Registration{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	if cfg.RegistrationKey == "" {
		return device.Registration{}, errors.New("agent: registration key not configured")
	}
	reg := device.NewRegistration(cfg.DeviceName, cfg.RegistrationKey)
	if err := device.NewClient(cfg.RelayAPIURL, lf).Register(ctx, reg); err != nil {
		return device.Registration{}, err
	}
	if err := st.Save(reg); err != nil {
		return device.Registration{}, err
	}
	return reg, nil
}

// Unregister removes the device from the relay and deletes the stored
// registration.
func Unregister(ctx context.Context, cfg *config.Config, lf logging.LoggerFactory) error {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	reg, err := st.Load()
	if err != nil {
		return err
	}
	if reg == nil {
		return nil
	}
	if err := device.NewClient(cfg.RelayAPIURL, lf).Unregister(ctx, *reg); err != nil {
		return err
	}
	return st.Delete()
}

// New builds an agent from the stored registration.
func New(cfg *config.Config, opts Options) (*Agent, error) {
	lf := opts.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	reg, err := st.Load()
	if err != nil {
		st.Close()
		return nil, err
	}
	if reg == nil {
		st.Close()
		return nil, ErrNotRegistered
	}

	a := &Agent{
		cfg:       cfg,
		lf:        lf,
		log:       lf.NewLogger("agent"),
		st:        st,
		reg:       *reg,
		status:    device.StatusOffline,
		connected: make(map[string]bool),
		failures:  make(chan error, 1),
	}

	engine := opts.Engine
	if engine == nil {
		engine = media.NewEngine(cfg.ICEServers, opts.Frames, lf)
	}

	a.ch = channel.New(cfg.RelayWSURL, a.reg.DeviceID, channel.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		RetryDelay:        cfg.RetryDelay,
		MaxRetries:        cfg.MaxRetries,
	}, lf)

	a.neg = session.NewNegotiator(a.reg.DeviceID, engine, a.ch, lf)
	a.neg.OnStateChange(a.trackSessionState)

	if opts.Accessibility != nil {
		a.interp = input.NewInterpreter(opts.Accessibility, lf)
		a.neg.OnCommand(func(peerID string, data []byte) {
			a.interp.Handle(data)
		})
	} else {
		a.neg.OnCommand(func(peerID string, data []byte) {
			a.log.Warnf("no accessibility handle, dropping command from %s", peerID)
		})
	}

	disp := signal.NewDispatcher(lf, a.neg, a.onStatusMessage)
	a.ch.SetCallbacks(channel.Callbacks{
		OnOpen: func() {
			a.ch.Send(signal.NewRegister(a.reg.DeviceID, a.reg.Key, a.reg.Name))
			a.setStatus(device.StatusOnline)
		},
		OnMessage: disp.Dispatch,
		OnClosing: func(code int, reason string) {
			a.log.Infof("relay closing: %d %s", code, reason)
			a.setStatus(device.StatusOffline)
		},
		OnFailure: func(err error) {
			a.setStatus(device.StatusOffline)
			select {
			case a.failures <- err:
			default:
			}
		},
	})

	a.diag = api.New(cfg.DiagAddr, cfg.Environment, cfg.AllowedOrigins, api.Deps{
		DeviceID:     a.reg.DeviceID,
		DeviceName:   a.reg.Name,
		DeviceStatus: func() string { return string(a.Status()) },
		ChannelState: func() string { return a.ch.State().String() },
		Sessions: func() map[string]string {
			out := make(map[string]string)
			for id, s := range a.neg.Snapshot() {
				out[id] = s.String()
			}
			return out
		},
	}, lf)

	return a, nil
}

// Start brings up the diagnostics API and opens the relay channel. A failed
// first dial is not fatal; the retry policy keeps going.
func (a *Agent) Start() error {
	a.diag.Start()
	if err := a.ch.Connect(); err != nil && errors.Is(err, channel.ErrShutdown) {
		return err
	}
	return nil
}

// Stop tears everything down: diagnostics API, peer sessions, channel,
// store. Safe to call once after Start.
func (a *Agent) Stop() {
	if err := a.diag.Stop(); err != nil {
		a.log.Warnf("stop diagnostics: %v", err)
	}
	a.neg.Close()
	a.ch.Shutdown()
	if err := a.st.Close(); err != nil {
		a.log.Warnf("close store: %v", err)
	}
	a.setStatus(device.StatusOffline)
}

// RequestSession initiates an outbound session towards peerID.
func (a *Agent) RequestSession(peerID string) error {
	token, err := device.SessionToken(a.reg, a.cfg.SessionTokenTTL)
	if err != nil {
		return fmt.Errorf("mint session token: %w", err)
	}
	return a.neg.Call(peerID, token)
}

// EndSession releases the session with peerID.
func (a *Agent) EndSession(peerID string) {
	a.neg.Release(peerID)
}

// WindowChanged forwards a foreground-app change to the interpreter.
func (a *Agent) WindowChanged() {
	if a.interp != nil {
		a.interp.WindowChanged()
	}
}

// Failures delivers the terminal channel failure after the reconnect budget
// is exhausted.
func (a *Agent) Failures() <-chan error {
	return a.failures
}

// Status returns the current device presence.
func (a *Agent) Status() device.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) setStatus(s device.Status) {
	a.mu.Lock()
	if a.status == s {
		a.mu.Unlock()
		return
	}
	a.status = s
	a.mu.Unlock()
	a.log.Infof("device status: %s", s)
}

// trackSessionState keeps the presence status in line with live sessions.
// It runs inside the negotiator's per-peer lock, so it must not call back
// into the negotiator; connected peers are tracked locally instead.
func (a *Agent) trackSessionState(peerID string, s session.State) {
	a.mu.Lock()
	switch s {
	case session.StateConnected:
		a.connected[peerID] = true
	case session.StateClosed, session.StateFailed:
		delete(a.connected, peerID)
	default:
		a.mu.Unlock()
		return
	}
	active := len(a.connected)
	a.mu.Unlock()

	if active > 0 {
		a.setStatus(device.StatusInSession)
	} else if a.ch.State() == channel.StateOpen {
		a.setStatus(device.StatusOnline)
	} else {
		a.setStatus(device.StatusOffline)
	}
}

// Disconnect closes the channel gracefully without shutting the agent down.
func (a *Agent) Disconnect(reason string) {
	a.ch.Disconnect(websocket.CloseNormalClosure, reason)
}
