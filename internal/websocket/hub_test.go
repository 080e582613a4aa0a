package websocket

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raaihank/pii-sentinel/internal/logger"
)

func startHub(t *testing.T, cfg *HubConfig) (*Hub, *httptest.Server) {
	t.Helper()

	hub := NewHub(cfg, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return hub, server
}

func dial(t *testing.T, server *httptest.Server, user, pass string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{}
	if user != "" {
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+pass)))
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func waitForClients(t *testing.T, hub *Hub, n int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.GetStats().ActiveConnections != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, have %d", n, hub.GetStats().ActiveConnections)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleWebSocketAuth(t *testing.T) {
	_, server := startHub(t, &HubConfig{BroadcastAudit: true, Username: "ops", Password: "s3cret"})

	tests := []struct {
		name       string
		user, pass string
		wantOK     bool
	}{
		{"NoCredentials", "", "", false},
		{"WrongPassword", "ops", "guess", false},
		{"Valid", "ops", "s3cret", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := dial(t, server, tt.user, tt.pass)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("Dial failed: %v", err)
				}
				conn.Close()
				return
			}
			if err == nil {
				conn.Close()
				t.Fatal("Expected the handshake to be rejected")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("Expected 401, got %v", resp)
			}
		})
	}
}

func TestBroadcastAuditEvent(t *testing.T) {
	hub, server := startHub(t, &HubConfig{BroadcastAudit: true})

	conn, _, err := dial(t, server, "", "")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	hub.BroadcastEvent(Event{
		Type:      EventTypeAudit,
		Topic:     "cache_miss",
		Timestamp: time.Now(),
		Data:      map[string]string{"conversation_id": "conv-1"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if got.Type != EventTypeAudit || got.Topic != "cache_miss" {
		t.Errorf("Unexpected event: %+v", got)
	}
}

func TestBroadcastRespectsConfig(t *testing.T) {
	hub := NewHub(&HubConfig{BroadcastAudit: false}, logger.NewNop())
	hub.BroadcastEvent(Event{Type: EventTypeAudit})
	if len(hub.broadcast) != 0 {
		t.Error("Disabled event types must not be queued")
	}

	hub = NewHub(nil, logger.NewNop())
	hub.BroadcastEvent(Event{Type: EventTypeAudit})
	if len(hub.broadcast) != 0 {
		t.Error("A hub without config broadcasts nothing")
	}
}

func TestBroadcastStatus(t *testing.T) {
	hub := NewHub(&HubConfig{BroadcastSystem: true}, logger.NewNop())
	hub.BroadcastStatus("healthy", 90*time.Second)

	if len(hub.broadcast) != 1 {
		t.Fatalf("Expected one queued event, got %d", len(hub.broadcast))
	}
	event := <-hub.broadcast
	status, ok := event.Data.(SystemStatusEvent)
	if event.Type != EventTypeSystemStatus || !ok {
		t.Fatalf("Unexpected event %+v", event)
	}
	if status.Status != "healthy" || status.Uptime != "1m30s" {
		t.Errorf("Unexpected status %+v", status)
	}

	hub = NewHub(&HubConfig{BroadcastAudit: true}, logger.NewNop())
	hub.BroadcastStatus("healthy", time.Second)
	if len(hub.broadcast) != 0 {
		t.Error("Status events must respect BroadcastSystem")
	}
}

func TestShouldSendToClient(t *testing.T) {
	tests := []struct {
		name  string
		sub   *SubscriptionRequest
		event Event
		want  bool
	}{
		{"NoSubscription", nil, Event{Type: EventTypeAudit}, true},
		{"EventTypeFiltered", &SubscriptionRequest{Events: []EventType{EventTypeConnection}}, Event{Type: EventTypeAudit}, false},
		{"TopicMatch", &SubscriptionRequest{Topics: []string{"cache_miss"}}, Event{Type: EventTypeAudit, Topic: "cache_miss"}, true},
		{"TopicMismatch", &SubscriptionRequest{Topics: []string{"cache_miss"}}, Event{Type: EventTypeAudit, Topic: "serialization"}, false},
		{"TopicsIgnoredForOtherTypes", &SubscriptionRequest{Topics: []string{"cache_miss"}}, Event{Type: EventTypeConnection}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldSendToClient(&Client{Subscription: tt.sub}, tt.event); got != tt.want {
				t.Errorf("shouldSendToClient() = %v, want %v", got, tt.want)
			}
		})
	}
}
