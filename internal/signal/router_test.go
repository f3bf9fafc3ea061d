package signal

import (
	"encoding/json"
	"testing"

	"github.com/pion/logging"
)

func testRouter() *Router {
	return NewRouter(logging.NewDefaultLoggerFactory())
}

func TestRouteOfferDirectPayload(t *testing.T) {
	raw := []byte(`{"type":"offer","fromId":"peer-1","toId":"dev-1","payload":{"sdp":"X"}}`)
	ev, ok := testRouter().Route(raw).(OfferEvent)
	if !ok {
		t.Fatalf("expected OfferEvent, got %T", testRouter().Route(raw))
	}
	if ev.PeerID != "peer-1" || ev.SDP != "X" {
		t.Fatalf("got peer=%q sdp=%q", ev.PeerID, ev.SDP)
	}
}

func TestRouteOfferNestedEnvelope(t *testing.T) {
	direct := []byte(`{"type":"offer","fromId":"peer-1","payload":{"sdp":"X"}}`)
	nested := []byte(`{"type":"offer","fromId":"peer-1","payload":{"parsedMessage":{"payload":{"sdp":"X"}}}}`)

	d, ok := testRouter().Route(direct).(OfferEvent)
	if !ok {
		t.Fatal("direct payload did not produce an OfferEvent")
	}
	n, ok := testRouter().Route(nested).(OfferEvent)
	if !ok {
		t.Fatal("nested payload did not produce an OfferEvent")
	}
	if d.SDP != n.SDP {
		t.Fatalf("direct sdp %q != nested sdp %q", d.SDP, n.SDP)
	}
	if n.SDP != "X" {
		t.Fatalf("nested sdp = %q, want X", n.SDP)
	}
}

func TestRouteAnswerDefaultsKind(t *testing.T) {
	raw := []byte(`{"type":"answer","fromId":"peer-1","payload":{"sdp":"Y"}}`)
	ev, ok := testRouter().Route(raw).(AnswerEvent)
	if !ok {
		t.Fatal("expected AnswerEvent")
	}
	if ev.Kind != "answer" || ev.SDP != "Y" {
		t.Fatalf("got kind=%q sdp=%q", ev.Kind, ev.SDP)
	}
}

func TestRouteCandidate(t *testing.T) {
	raw := []byte(`{"type":"ice-candidate","fromId":"peer-1","payload":{"candidate":"c0","sdpMid":"0","sdpMLineIndex":0}}`)
	ev, ok := testRouter().Route(raw).(CandidateEvent)
	if !ok {
		t.Fatal("expected CandidateEvent")
	}
	if ev.Candidate.Candidate != "c0" {
		t.Fatalf("candidate = %q", ev.Candidate.Candidate)
	}
	if ev.Candidate.SDPMid == nil || *ev.Candidate.SDPMid != "0" {
		t.Fatalf("sdpMid = %v", ev.Candidate.SDPMid)
	}
	if ev.Candidate.SDPMLineIndex == nil || *ev.Candidate.SDPMLineIndex != 0 {
		t.Fatalf("sdpMLineIndex = %v", ev.Candidate.SDPMLineIndex)
	}
}

func TestRouteCandidateNested(t *testing.T) {
	raw := []byte(`{"type":"ice-candidate","fromId":"p","payload":{"parsedMessage":{"payload":{"candidate":"c1","sdpMid":"video","sdpMLineIndex":1}}}}`)
	ev, ok := testRouter().Route(raw).(CandidateEvent)
	if !ok {
		t.Fatal("expected CandidateEvent")
	}
	if ev.Candidate.Candidate != "c1" {
		t.Fatalf("candidate = %q", ev.Candidate.Candidate)
	}
}

func TestRouteMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"offer without sdp", `{"type":"offer","fromId":"p","payload":{"foo":1}}`},
		{"offer without payload", `{"type":"offer","fromId":"p"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := testRouter().Route([]byte(tc.raw)).(ParseError); !ok {
				t.Fatalf("expected ParseError for %s", tc.raw)
			}
		})
	}
}

func TestRouteUnknownType(t *testing.T) {
	raw := []byte(`{"type":"frobnicate","fromId":"p"}`)
	ev, ok := testRouter().Route(raw).(UnknownEvent)
	if !ok {
		t.Fatal("expected UnknownEvent")
	}
	if ev.Type != "frobnicate" {
		t.Fatalf("type = %q", ev.Type)
	}
}

func TestRouteStatusAndAcks(t *testing.T) {
	for _, typ := range []Type{TypeStatus, TypeHeartbeatAck, TypeRegisterAck} {
		raw, _ := json.Marshal(Message{Type: typ, DeviceID: "dev-1", Status: "online"})
		ev, ok := testRouter().Route(raw).(StatusEvent)
		if !ok {
			t.Fatalf("%s: expected StatusEvent", typ)
		}
		if ev.Type != typ || ev.DeviceID != "dev-1" {
			t.Fatalf("%s: got %+v", typ, ev)
		}
	}
}

type recordingHandler struct {
	descriptions []string
	candidates   []CandidatePayload
}

func (h *recordingHandler) HandleRemoteDescription(kind, sdp, peerID string) {
	h.descriptions = append(h.descriptions, kind+":"+sdp+":"+peerID)
}

func (h *recordingHandler) HandleRemoteCandidate(peerID string, c CandidatePayload) {
	h.candidates = append(h.candidates, c)
}

func TestDispatchTargets(t *testing.T) {
	h := &recordingHandler{}
	var statuses []StatusEvent
	d := NewDispatcher(logging.NewDefaultLoggerFactory(), h, func(ev StatusEvent) {
		statuses = append(statuses, ev)
	})

	d.Dispatch([]byte(`{"type":"offer","fromId":"p1","payload":{"sdp":"A"}}`))
	d.Dispatch([]byte(`{"type":"answer","fromId":"p1","payload":{"type":"answer","sdp":"B"}}`))
	d.Dispatch([]byte(`{"type":"ice-candidate","fromId":"p1","payload":{"candidate":"c0","sdpMid":"0","sdpMLineIndex":0}}`))
	d.Dispatch([]byte(`{"type":"status","deviceId":"d1","status":"online"}`))
	d.Dispatch([]byte(`{"type":"nonsense"}`))
	d.Dispatch([]byte(`garbage`))

	want := []string{"offer:A:p1", "answer:B:p1"}
	if len(h.descriptions) != len(want) {
		t.Fatalf("descriptions = %v", h.descriptions)
	}
	for i := range want {
		if h.descriptions[i] != want[i] {
			t.Fatalf("descriptions[%d] = %q, want %q", i, h.descriptions[i], want[i])
		}
	}
	if len(h.candidates) != 1 || h.candidates[0].Candidate != "c0" {
		t.Fatalf("candidates = %v", h.candidates)
	}
	if len(statuses) != 1 || statuses[0].DeviceID != "d1" {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestWireFieldNames(t *testing.T) {
	msg := NewCandidate("dev-1", "peer-1", CandidatePayload{Candidate: "c0"})
	data, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["fromId"] != "dev-1" || m["toId"] != "peer-1" {
		t.Fatalf("envelope fields = %v", m)
	}
	payload, ok := m["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload = %v", m["payload"])
	}
	for _, key := range []string{"candidate", "sdpMid", "sdpMLineIndex"} {
		if _, present := payload[key]; !present {
			t.Fatalf("payload missing %q: %v", key, payload)
		}
	}
}

func TestHeartbeatMessage(t *testing.T) {
	data, err := NewHeartbeat("dev-1").Encode()
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["type"] != "heartbeat" || m["deviceId"] != "dev-1" {
		t.Fatalf("heartbeat = %v", m)
	}
	if _, ok := m["timestamp"].(float64); !ok {
		t.Fatalf("timestamp missing: %v", m)
	}
}
