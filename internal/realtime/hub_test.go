package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testHub(opts ...HubOption) *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
}

func TestSubscription_Matches(t *testing.T) {
	tests := []struct {
		name string
		sub  Subscription
		ev   Event
		want bool
	}{
		{"empty matches all", Subscription{}, Event{Type: EventDealCreated, DealCode: "DP-AB12"}, true},
		{"type hit", Subscription{EventTypes: []EventType{EventDealTransition, EventDealAssigned}}, Event{Type: EventDealAssigned}, true},
		{"type miss", Subscription{EventTypes: []EventType{EventDealTransition}}, Event{Type: EventEvidence}, false},
		{"deal case-insensitive", Subscription{DealCodes: []string{" dp-ab12 "}}, Event{Type: EventSettlement, DealCode: "DP-AB12"}, true},
		{"deal miss", Subscription{DealCodes: []string{"DP-AB12"}}, Event{DealCode: "DP-ZZ99"}, false},
		{"both must hold", Subscription{EventTypes: []EventType{EventEvidence}, DealCodes: []string{"DP-AB12"}}, Event{Type: EventDealTransition, DealCode: "DP-AB12"}, false},
		{"both hold", Subscription{EventTypes: []EventType{EventEvidence}, DealCodes: []string{"DP-AB12"}}, Event{Type: EventEvidence, DealCode: "DP-AB12"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := tt.ev
			if got := tt.sub.compile().matches(&ev); got != tt.want {
				t.Errorf("matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHub_StatsInitial(t *testing.T) {
	stats := testHub().Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("connectedClients = %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("totalEvents = %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	runHub(t, h)

	c := &Client{hub: h, send: make(chan []byte, sendBuffer)}
	h.register <- c
	h.register <- &Client{hub: h, send: make(chan []byte, sendBuffer)}
	h.unregister <- c
	// Run handles channel operations in order, so a Stats read after a
	// further synchronous send sees both.
	h.unregister <- &Client{hub: h, send: make(chan []byte, 1)}

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("connectedClients = %v, want 1", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 2 {
		t.Errorf("peakClients = %v, want 2", stats["peakClients"])
	}
	if _, open := <-c.send; open {
		t.Error("unregistered client's channel should be closed")
	}
}

func TestHub_PublishFiltersAndSequences(t *testing.T) {
	h := testHub()
	runHub(t, h)

	c := &Client{hub: h, send: make(chan []byte, sendBuffer)}
	c.subscribe(Subscription{DealCodes: []string{"DP-AB12"}})
	h.register <- c

	h.Publish(string(EventDealTransition), "DP-ZZ99", map[string]interface{}{"to": "funded"})
	h.Publish(string(EventDealTransition), "DP-AB12", map[string]interface{}{"to": "funded"})

	select {
	case msg := <-c.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.DealCode != "DP-AB12" || ev.Type != EventDealTransition {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.Seq != 2 {
			t.Errorf("seq = %d, want 2 (the filtered event still consumed 1)", ev.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case <-c.send:
		t.Error("filtered event should not be delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := testHub()
	runHub(t, h)

	slow := &Client{hub: h, send: make(chan []byte, 1)}
	h.register <- slow

	for i := 0; i < 3; i++ {
		h.Publish(string(EventDealCreated), "DP-AB12", nil)
	}

	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow client was not dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.Stats()["droppedClients"].(int64) != 1 {
		t.Errorf("droppedClients = %v", h.Stats()["droppedClients"])
	}
}

func TestHub_StopsOnCancel(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after cancellation")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("upgrade after stop: %d", w.Code)
	}
}

func TestHub_CheckOrigin(t *testing.T) {
	h := testHub(WithAllowedOrigins("https://pay.dealpact.test/"))

	for origin, want := range map[string]bool{
		"":                           true,
		"https://pay.dealpact.test":  true,
		"https://pay.dealpact.test/": true,
		"https://evil.example":       false,
	} {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := h.checkOrigin(r); got != want {
			t.Errorf("origin %q: got %v, want %v", origin, got, want)
		}
	}
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	h := testHub()
	runHub(t, h)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(Subscription{EventTypes: []EventType{EventEvidence}}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	h.Publish(string(EventDealCreated), "DP-AB12", nil)
	h.Publish(string(EventEvidence), "DP-AB12", map[string]interface{}{"role": "buyer"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != EventEvidence {
		t.Errorf("got %s, want evidence", ev.Type)
	}
}
