// Package channel maintains the device's persistent WebSocket connection to
// the relay: a read pump, a write pump fed by a buffered send queue, a
// periodic heartbeat while open, and a bounded reconnect policy.
package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/mossy-p/device-agent/internal/signal"
)

const sendBufferSize = 256

var (
	// ErrShutdown is returned by Connect after Shutdown has been called.
	ErrShutdown = errors.New("channel: shut down")

	// ErrRetriesExhausted is passed to OnFailure when the reconnect budget
	// is spent. It is emitted exactly once per outage.
	ErrRetriesExhausted = errors.New("channel: reconnect attempts exhausted")
)

// Callbacks is the event contract of the channel. Exactly one set is active
// at a time; events raised while a swap is in progress are delivered to the
// set that was active when the event fired.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClosing func(code int, reason string)
	OnFailure func(err error)
}

// Options tunes the liveness and retry policy.
type Options struct {
	HeartbeatInterval time.Duration // default 60s
	RetryDelay        time.Duration // default 5s
	MaxRetries        int           // default 5
	HandshakeTimeout  time.Duration // default 10s
	WriteTimeout      time.Duration // default 10s
}

func (o *Options) withDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 60 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// Channel is one logical duplex session to the relay. At most one underlying
// socket is open at any time; reconnects fully replace the socket and its
// pumps.
type Channel struct {
	endpoint string
	deviceID string
	opts     Options
	dialer   *websocket.Dialer
	log      logging.LeveledLogger

	mu         sync.Mutex
	state      State
	active     *wsConn
	cb         Callbacks
	retries    int
	retryTimer *time.Timer
}

// wsConn bundles one socket generation with its send queue and teardown
// signal so stale pump goroutines can never touch a newer socket.
type wsConn struct {
	ws   *websocket.Conn
	send chan []byte
	quit chan struct{}
	once sync.Once
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.quit)
		c.ws.Close()
	})
}

func New(endpoint, deviceID string, opts Options, lf logging.LoggerFactory) *Channel {
	opts.withDefaults()
	return &Channel{
		endpoint: endpoint,
		deviceID: deviceID,
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		log:      lf.NewLogger("channel"),
	}
}

// SetCallbacks replaces the active callback set.
func (ch *Channel) SetCallbacks(cb Callbacks) {
	ch.mu.Lock()
	ch.cb = cb
	ch.mu.Unlock()
}

// State returns the current connection state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Connect opens the socket. A no-op (logged) while already connecting or
// open. On dial failure the retry policy takes over with a full retry
// budget; the first error is still returned to the caller.
func (ch *Channel) Connect() error {
	ch.mu.Lock()
	switch ch.state {
	case StateShutdown:
		ch.mu.Unlock()
		return ErrShutdown
	case StateConnecting, StateOpen:
		ch.log.Warnf("connect ignored, state is %s", ch.state)
		ch.mu.Unlock()
		return nil
	}
	if ch.retryTimer != nil {
		ch.retryTimer.Stop()
		ch.retryTimer = nil
	}
	ch.state = StateConnecting
	ch.retries = 0
	ch.mu.Unlock()
	return ch.dial()
}

func (ch *Channel) dial() error {
	ws, _, err := ch.dialer.Dial(ch.endpoint, nil)
	if err != nil {
		ch.log.Warnf("dial %s: %v", ch.endpoint, err)
		ch.scheduleRetry(err)
		return err
	}

	conn := &wsConn{ws: ws, send: make(chan []byte, sendBufferSize), quit: make(chan struct{})}

	ch.mu.Lock()
	switch ch.state {
	case StateShutdown:
		ch.mu.Unlock()
		conn.close()
		return ErrShutdown
	case StateClosing, StateDisconnected:
		// Disconnect won the race against an in-flight dial; drop the
		// late socket instead of resurrecting the connection.
		ch.mu.Unlock()
		conn.close()
		return nil
	}
	if ch.retryTimer != nil {
		ch.retryTimer.Stop()
		ch.retryTimer = nil
	}
	ch.state = StateOpen
	ch.active = conn
	ch.retries = 0
	cb := ch.cb
	ch.mu.Unlock()

	go ch.readPump(conn)
	go ch.writePump(conn)

	if cb.OnOpen != nil {
		cb.OnOpen()
	}
	return nil
}

// Send enqueues a message for transmission. Returns false without error when
// the channel is not open or the send queue is full; there is no per-message
// acknowledgment.
func (ch *Channel) Send(m *signal.Message) bool {
	ch.mu.Lock()
	conn := ch.active
	open := ch.state == StateOpen
	ch.mu.Unlock()
	if !open || conn == nil {
		return false
	}

	data, err := m.Encode()
	if err != nil {
		ch.log.Errorf("encode %s: %v", m.Type, err)
		return false
	}
	select {
	case conn.send <- data:
		return true
	default:
		ch.log.Warnf("send queue full, dropping %s", m.Type)
		return false
	}
}

// Disconnect closes the socket gracefully with the given code and reason and
// cancels any pending reconnect. Idempotent. No heartbeat fires after it
// returns; one in-flight write may still complete.
func (ch *Channel) Disconnect(code int, reason string) {
	ch.mu.Lock()
	if ch.retryTimer != nil {
		ch.retryTimer.Stop()
		ch.retryTimer = nil
	}
	if ch.state == StateDisconnected || ch.state == StateShutdown {
		ch.mu.Unlock()
		return
	}
	conn := ch.active
	ch.active = nil
	ch.state = StateClosing
	ch.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(ch.opts.WriteTimeout)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := conn.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			ch.log.Debugf("close frame: %v", err)
		}
		conn.close()
	}

	ch.mu.Lock()
	if ch.state == StateClosing {
		ch.state = StateDisconnected
	}
	ch.mu.Unlock()
}

// Shutdown disconnects and forbids any further connect or reconnect. The
// channel is unusable afterwards.
func (ch *Channel) Shutdown() {
	ch.Disconnect(websocket.CloseNormalClosure, "shutdown")
	ch.mu.Lock()
	if ch.retryTimer != nil {
		ch.retryTimer.Stop()
		ch.retryTimer = nil
	}
	ch.state = StateShutdown
	ch.mu.Unlock()
}

// detach clears the active connection if it is still conn. Returns false if
// a newer socket has already replaced it.
func (ch *Channel) detach(conn *wsConn) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.active != conn {
		return false
	}
	ch.active = nil
	return true
}

func (ch *Channel) readPump(conn *wsConn) {
	defer conn.close()
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			select {
			case <-conn.quit:
				// Local teardown, already handled.
				return
			default:
			}
			if !ch.detach(conn) {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				ch.log.Infof("relay closed connection: %d %s", closeErr.Code, closeErr.Text)
				ch.mu.Lock()
				cb := ch.cb
				if ch.state == StateOpen {
					ch.state = StateDisconnected
				}
				ch.mu.Unlock()
				if cb.OnClosing != nil {
					cb.OnClosing(closeErr.Code, closeErr.Text)
				}
				return
			}
			ch.scheduleRetry(err)
			return
		}

		ch.mu.Lock()
		cb := ch.cb
		ch.mu.Unlock()
		if cb.OnMessage != nil {
			cb.OnMessage(data)
		}
	}
}

// writePump owns all data writes for one socket generation. The heartbeat
// ticker lives here so that closing the connection stops it with the pump.
func (ch *Channel) writePump(conn *wsConn) {
	ticker := time.NewTicker(ch.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		conn.close()
	}()

	for {
		select {
		case <-conn.quit:
			return

		case data := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(ch.opts.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				ch.log.Warnf("write: %v", err)
				return
			}

		case <-ticker.C:
			hb, err := signal.NewHeartbeat(ch.deviceID).Encode()
			if err != nil {
				continue
			}
			conn.ws.SetWriteDeadline(time.Now().Add(ch.opts.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, hb); err != nil {
				// Logged only; the read pump detects a dead socket.
				ch.log.Warnf("heartbeat: %v", err)
			}
		}
	}
}

// scheduleRetry runs the bounded reconnect policy after an unexpected
// closure. Explicit Disconnect/Shutdown suppress it.
func (ch *Channel) scheduleRetry(cause error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	switch ch.state {
	case StateShutdown, StateClosing, StateDisconnected:
		return
	}
	ch.state = StateFailed
	ch.retries++

	if ch.retries > ch.opts.MaxRetries {
		ch.state = StateDisconnected
		ch.log.Errorf("reconnect budget exhausted after %d attempts: %v", ch.opts.MaxRetries, cause)
		cb := ch.cb
		if cb.OnFailure != nil {
			go cb.OnFailure(fmt.Errorf("%w: %v", ErrRetriesExhausted, cause))
		}
		return
	}

	ch.log.Warnf("connection lost (%v), retry %d/%d in %s",
		cause, ch.retries, ch.opts.MaxRetries, ch.opts.RetryDelay)
	ch.retryTimer = time.AfterFunc(ch.opts.RetryDelay, func() {
		ch.mu.Lock()
		if ch.state != StateFailed {
			ch.mu.Unlock()
			return
		}
		ch.state = StateConnecting
		ch.mu.Unlock()
		ch.dial()
	})
}
