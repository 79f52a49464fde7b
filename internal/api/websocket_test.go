package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/devicebus-core/internal/producer"
)

// dialTap starts an HTTP server for env and opens a bus tap connection.
func dialTap(t *testing.T, env *testEnv) (*websocket.Conn, *httptest.Server) {
	t.Helper()

	ts := httptest.NewServer(env.router)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() })
	return ws, ts
}

func readWS(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // Test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	return msg
}

func subscribe(t *testing.T, ws *websocket.Conn, id string, channels ...string) WSMessage {
	t.Helper()
	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      id,
		Payload: WSSubscribePayload{Channels: channels},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	return readWS(t, ws)
}

func TestWebSocket_TapUpstream(t *testing.T) {
	env := newTestEnv(t, nil)
	ws, ts := dialTap(t, env)

	resp := subscribe(t, ws, "sub-1", producer.UpstreamTopic)
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}
	if env.srv.hub.TapCount() != 1 {
		t.Fatalf("taps = %d, want 1", env.srv.hub.TapCount())
	}

	httpResp, err := http.Post(ts.URL+"/api/v1/uplink?topic="+reportTopic, "application/json", strings.NewReader(reportFrame))
	if err != nil {
		t.Fatalf("uplink: %v", err)
	}
	httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusAccepted {
		t.Fatalf("uplink status = %d, want 202", httpResp.StatusCode)
	}

	event := readWS(t, ws)
	if event.Type != WSTypeEvent {
		t.Fatalf("event type = %s, want event", event.Type)
	}
	if event.EventType != producer.UpstreamTopic {
		t.Errorf("event_type = %s, want %s", event.EventType, producer.UpstreamTopic)
	}

	raw, err := json.Marshal(event.Payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var payload struct {
		ID     string `json:"id"`
		Device string `json:"device_identification"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ID != "f-1" || payload.Device != "dev1" {
		t.Errorf("payload = %+v", payload)
	}

	// The rules subscription still gets its own copy.
	waitFor(t, func() bool { return env.upstream.count() == 1 })
}

func TestWebSocket_SharedTapReleasedOnLastUnsubscribe(t *testing.T) {
	env := newTestEnv(t, nil)
	first, _ := dialTap(t, env)
	second, _ := dialTap(t, env)

	subscribe(t, first, "a", producer.UpstreamTopic)
	subscribe(t, second, "b", producer.UpstreamTopic)
	if env.srv.hub.TapCount() != 1 {
		t.Fatalf("taps = %d, want one shared tap", env.srv.hub.TapCount())
	}

	if err := first.WriteJSON(WSMessage{
		Type:    WSTypeUnsubscribe,
		ID:      "unsub-a",
		Payload: WSSubscribePayload{Channels: []string{producer.UpstreamTopic}},
	}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	if resp := readWS(t, first); resp.Type != WSTypeResponse {
		t.Fatalf("unsubscribe response type = %s", resp.Type)
	}
	if env.srv.hub.TapCount() != 1 {
		t.Fatalf("taps = %d, want tap kept for second client", env.srv.hub.TapCount())
	}

	// Closing the last client releases the tap and its bus subscription.
	second.Close()
	waitFor(t, func() bool { return env.srv.hub.TapCount() == 0 })
	for _, s := range env.bus.Stats() {
		if strings.HasPrefix(s.Name, "wstap.") {
			t.Errorf("tap subscription %s still registered", s.Name)
		}
	}
}

func TestWebSocket_RejectedChannel(t *testing.T) {
	env := newTestEnv(t, nil)
	ws, _ := dialTap(t, env)

	resp := subscribe(t, ws, "sub-1", "bus.${nope}.x", producer.UpstreamTopic)
	if resp.Type != WSTypeResponse {
		t.Fatalf("response type = %s", resp.Type)
	}

	body, ok := resp.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %T", resp.Payload)
	}
	rejected, _ := body["rejected"].(map[string]any)
	if _, ok := rejected["bus.${nope}.x"]; !ok {
		t.Errorf("rejected = %v, want invalid pattern listed", body["rejected"])
	}
	if env.srv.hub.TapCount() != 1 {
		t.Errorf("taps = %d, want 1", env.srv.hub.TapCount())
	}
}

func TestWebSocket_Ping(t *testing.T) {
	env := newTestEnv(t, nil)
	ws, _ := dialTap(t, env)

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "ping-1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	resp := readWS(t, ws)
	if resp.Type != WSTypePong || resp.ID != "ping-1" {
		t.Errorf("pong = %+v", resp)
	}
}

func TestWebSocket_InvalidMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	ws, _ := dialTap(t, env)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write invalid message: %v", err)
	}
	if resp := readWS(t, ws); resp.Type != WSTypeError {
		t.Errorf("invalid JSON response type = %s, want error", resp.Type)
	}

	if err := ws.WriteJSON(WSMessage{Type: "unknown_type", ID: "x"}); err != nil {
		t.Fatalf("write unknown type: %v", err)
	}
	if resp := readWS(t, ws); resp.Type != WSTypeError {
		t.Errorf("unknown type response = %s, want error", resp.Type)
	}

	if err := ws.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "y"}); err != nil {
		t.Fatalf("write empty subscribe: %v", err)
	}
	if resp := readWS(t, ws); resp.Type != WSTypeError {
		t.Errorf("empty subscribe response = %s, want error", resp.Type)
	}
}

func TestHub_Broadcast(t *testing.T) {
	env := newTestEnv(t, nil)
	ws, _ := dialTap(t, env)

	subscribe(t, ws, "sub-1", "bus.test")
	env.srv.hub.Broadcast("bus.test", map[string]string{"key": "value"})
	env.srv.hub.Broadcast("bus.other", map[string]string{"key": "ignored"})

	resp := readWS(t, ws)
	if resp.Type != WSTypeEvent || resp.EventType != "bus.test" {
		t.Errorf("broadcast = %+v", resp)
	}
}
