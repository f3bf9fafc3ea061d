package channel

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/mossy-p/device-agent/internal/signal"
)

// testRelay is a minimal relay endpoint: it upgrades, forwards every inbound
// frame to a channel, exposes the raw connections for close-frame tests and
// tracks how many sockets are open at once.
type testRelay struct {
	srv     *httptest.Server
	inbound chan []byte
	conns   chan *websocket.Conn

	mu      sync.Mutex
	open    int
	maxOpen int
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	r := &testRelay{
		inbound: make(chan []byte, 64),
		conns:   make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.track(1)
		defer r.track(-1)
		r.conns <- ws
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			r.inbound <- data
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) track(delta int) {
	r.mu.Lock()
	r.open += delta
	if r.open > r.maxOpen {
		r.maxOpen = r.open
	}
	r.mu.Unlock()
}

// waitClosed blocks until the relay has seen every socket close.
func (r *testRelay) waitClosed(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		open := r.open
		r.mu.Unlock()
		if open == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("relay still holds an open socket")
}

func (r *testRelay) wsURL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *testRelay) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-r.conns:
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("relay never saw a connection")
		return nil
	}
}

func (r *testRelay) waitFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-r.inbound:
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("undecodable frame %q: %v", data, err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from device")
		return nil
	}
}

func newTestChannel(endpoint string, opts Options) *Channel {
	return New(endpoint, "dev-1", opts, logging.NewDefaultLoggerFactory())
}

func TestConnectSendDisconnect(t *testing.T) {
	relay := newTestRelay(t)
	ch := newTestChannel(relay.wsURL(), Options{})
	defer ch.Shutdown()

	opened := make(chan struct{}, 1)
	ch.SetCallbacks(Callbacks{OnOpen: func() { opened <- struct{}{} }})

	if err := ch.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen never fired")
	}
	if got := ch.State(); got != StateOpen {
		t.Fatalf("state = %s, want %s", got, StateOpen)
	}

	if !ch.Send(signal.NewRegister("dev-1", "key", "desk")) {
		t.Fatal("send while open returned false")
	}
	frame := relay.waitFrame(t)
	if frame["type"] != "register" || frame["deviceId"] != "dev-1" {
		t.Fatalf("register frame = %v", frame)
	}

	ch.Disconnect(websocket.CloseNormalClosure, "done")
	if got := ch.State(); got != StateDisconnected {
		t.Fatalf("state after disconnect = %s", got)
	}
	if ch.Send(signal.NewHeartbeat("dev-1")) {
		t.Fatal("send after disconnect returned true")
	}
}

func TestSendBeforeConnect(t *testing.T) {
	ch := newTestChannel("ws://127.0.0.1:0/ws", Options{})
	if ch.Send(signal.NewHeartbeat("dev-1")) {
		t.Fatal("send before connect returned true")
	}
}

func TestHeartbeatWhileOpen(t *testing.T) {
	relay := newTestRelay(t)
	ch := newTestChannel(relay.wsURL(), Options{HeartbeatInterval: 20 * time.Millisecond})
	defer ch.Shutdown()

	if err := ch.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	beats := 0
	deadline := time.After(2 * time.Second)
	for beats < 2 {
		select {
		case data := <-relay.inbound:
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("frame %q: %v", data, err)
			}
			if m["type"] != "heartbeat" {
				t.Fatalf("unexpected frame type %v", m["type"])
			}
			if m["deviceId"] != "dev-1" {
				t.Fatalf("heartbeat deviceId = %v", m["deviceId"])
			}
			beats++
		case <-deadline:
			t.Fatalf("saw only %d heartbeats", beats)
		}
	}

	ch.Disconnect(websocket.CloseNormalClosure, "done")
	relay.waitClosed(t)
	for len(relay.inbound) > 0 { // at most one write was in flight
		<-relay.inbound
	}
	select {
	case data := <-relay.inbound:
		t.Fatalf("frame after disconnect: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	relay := newTestRelay(t)
	ch := newTestChannel(relay.wsURL(), Options{})
	defer ch.Shutdown()

	opened := make(chan struct{}, 4)
	ch.SetCallbacks(Callbacks{OnOpen: func() { opened <- struct{}{} }})

	for i := 0; i < 3; i++ {
		if err := ch.Connect(); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
		select {
		case <-opened:
		case <-time.After(2 * time.Second):
			t.Fatalf("OnOpen %d never fired", i)
		}
		relay.waitConn(t)
		ch.Disconnect(websocket.CloseNormalClosure, "cycling")
		relay.waitClosed(t)
	}

	relay.mu.Lock()
	maxOpen := relay.maxOpen
	relay.mu.Unlock()
	if maxOpen != 1 {
		t.Fatalf("relay saw %d simultaneous sockets, want 1", maxOpen)
	}
}

func TestConnectWhileOpenIsNoop(t *testing.T) {
	relay := newTestRelay(t)
	ch := newTestChannel(relay.wsURL(), Options{})
	defer ch.Shutdown()

	opened := make(chan struct{}, 4)
	ch.SetCallbacks(Callbacks{OnOpen: func() { opened <- struct{}{} }})

	if err := ch.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-opened
	if err := ch.Connect(); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	select {
	case <-opened:
		t.Fatal("second connect opened a new socket")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemoteCloseReportedWithoutRetry(t *testing.T) {
	relay := newTestRelay(t)
	ch := newTestChannel(relay.wsURL(), Options{RetryDelay: 10 * time.Millisecond, MaxRetries: 2})
	defer ch.Shutdown()

	closings := make(chan int, 4)
	failures := make(chan error, 4)
	ch.SetCallbacks(Callbacks{
		OnClosing: func(code int, reason string) { closings <- code },
		OnFailure: func(err error) { failures <- err },
	})

	if err := ch.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ws := relay.waitConn(t)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "maintenance")
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("relay close frame: %v", err)
	}
	ws.Close()

	select {
	case code := <-closings:
		if code != websocket.CloseGoingAway {
			t.Fatalf("close code = %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosing never fired")
	}

	select {
	case err := <-failures:
		t.Fatalf("clean remote close triggered retry failure: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	if got := ch.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want %s", got, StateDisconnected)
	}
}

func TestRetryExhaustionFiresFailureOnce(t *testing.T) {
	// Grab a port with nothing listening so every dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	endpoint := "ws://" + ln.Addr().String() + "/ws"
	ln.Close()

	ch := newTestChannel(endpoint, Options{RetryDelay: 10 * time.Millisecond, MaxRetries: 2})
	defer ch.Shutdown()

	failures := make(chan error, 4)
	ch.SetCallbacks(Callbacks{OnFailure: func(err error) { failures <- err }})

	if err := ch.Connect(); err == nil {
		t.Fatal("connect to dead endpoint succeeded")
	}

	select {
	case err := <-failures:
		if !errors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("failure = %v, want ErrRetriesExhausted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFailure never fired")
	}

	select {
	case err := <-failures:
		t.Fatalf("OnFailure fired twice: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	if got := ch.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want %s", got, StateDisconnected)
	}
}

func TestConnectRestoresRetryBudget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	endpoint := "ws://" + ln.Addr().String() + "/ws"
	ln.Close()

	opts := Options{RetryDelay: 25 * time.Millisecond, MaxRetries: 2}
	ch := newTestChannel(endpoint, opts)
	defer ch.Shutdown()

	failures := make(chan error, 4)
	ch.SetCallbacks(Callbacks{OnFailure: func(err error) { failures <- err }})

	if err := ch.Connect(); err == nil {
		t.Fatal("connect to dead endpoint succeeded")
	}
	select {
	case <-failures:
	case <-time.After(2 * time.Second):
		t.Fatal("first outage never reported")
	}

	// A fresh explicit connect gets the full budget again: the second
	// outage must run through its retries, not fail on the spot.
	start := time.Now()
	if err := ch.Connect(); err == nil {
		t.Fatal("second connect to dead endpoint succeeded")
	}
	select {
	case err := <-failures:
		if !errors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("second failure = %v", err)
		}
		if elapsed := time.Since(start); elapsed < time.Duration(opts.MaxRetries)*opts.RetryDelay {
			t.Fatalf("second outage failed after %s with no retries", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second outage never reported")
	}

	select {
	case err := <-failures:
		t.Fatalf("extra failure: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDisconnectDuringDialDropsLateSocket(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})

	relay := &testRelay{
		inbound: make(chan []byte, 64),
		conns:   make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	relay.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		close(arrived)
		<-release
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		relay.track(1)
		defer relay.track(-1)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer relay.srv.Close()

	ch := newTestChannel(relay.wsURL(), Options{})
	defer ch.Shutdown()

	opened := make(chan struct{}, 1)
	ch.SetCallbacks(Callbacks{OnOpen: func() { opened <- struct{}{} }})

	done := make(chan error, 1)
	go func() { done <- ch.Connect() }()

	<-arrived
	ch.Disconnect(websocket.CloseNormalClosure, "changed my mind")
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case <-opened:
		t.Fatal("OnOpen fired after disconnect")
	case <-time.After(200 * time.Millisecond):
	}
	if got := ch.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want %s", got, StateDisconnected)
	}
	if ch.Send(signal.NewHeartbeat("dev-1")) {
		t.Fatal("send succeeded on a dropped socket")
	}
	relay.waitClosed(t)
}

func TestShutdownIsTerminal(t *testing.T) {
	relay := newTestRelay(t)
	ch := newTestChannel(relay.wsURL(), Options{})

	if err := ch.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ch.Shutdown()

	if got := ch.State(); got != StateShutdown {
		t.Fatalf("state = %s, want %s", got, StateShutdown)
	}
	if err := ch.Connect(); !errors.Is(err, ErrShutdown) {
		t.Fatalf("connect after shutdown = %v, want ErrShutdown", err)
	}
	if ch.Send(signal.NewHeartbeat("dev-1")) {
		t.Fatal("send after shutdown returned true")
	}
}
