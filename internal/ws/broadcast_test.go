package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tote-system/whatsapp-gateway/internal/session"
)

type wsEnvelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// dialBroadcaster stands up a bare upgrade endpoint feeding the broadcaster
// and returns a connected client side.
func dialBroadcaster(t *testing.T, b *Broadcaster) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		b.AddClient(conn)
	}))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshaling frame: %v", err)
	}
	return env
}

func TestSnapshotOnConnect(t *testing.T) {
	now := time.Now()
	reg := &staticRegistry{infos: []session.Info{{
		ID:         "inst-1",
		Status:     session.Connected,
		Identity:   "15551234567",
		LastSeenAt: now,
		CreatedAt:  now,
	}}}
	b := NewBroadcaster(reg, nil, 10*time.Millisecond, time.Hour)

	conn := dialBroadcaster(t, b)
	env := readEnvelope(t, conn)
	if env.Type != MsgSnapshot {
		t.Fatalf("first frame type = %q, want snapshot", env.Type)
	}

	var snap SnapshotPayload
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Instances) != 1 || snap.Instances[0].ID != "inst-1" {
		t.Errorf("snapshot instances = %+v", snap.Instances)
	}
	if snap.Instances[0].Status != session.Connected {
		t.Errorf("status = %v, want connected", snap.Instances[0].Status)
	}
}

func TestThrottledDeltaCoalescesUpdates(t *testing.T) {
	b := NewBroadcaster(&staticRegistry{}, nil, 20*time.Millisecond, time.Hour)
	conn := dialBroadcaster(t, b)
	readEnvelope(t, conn) // connect snapshot

	// Both updates and the removal land inside one throttle window, so the
	// client sees a single delta frame.
	b.SessionUpdated(session.Info{ID: "inst-1", Status: session.QRReady})
	b.SessionUpdated(session.Info{ID: "inst-1", Status: session.Connected})
	b.SessionRemoved("inst-2")

	env := readEnvelope(t, conn)
	if env.Type != MsgDelta {
		t.Fatalf("frame type = %q, want delta", env.Type)
	}

	var delta DeltaPayload
	if err := json.Unmarshal(env.Payload, &delta); err != nil {
		t.Fatal(err)
	}
	if len(delta.Updates) != 2 {
		t.Errorf("updates = %+v, want both queued states", delta.Updates)
	}
	if len(delta.Removed) != 1 || delta.Removed[0] != "inst-2" {
		t.Errorf("removed = %v, want [inst-2]", delta.Removed)
	}
}

func TestPeriodicSnapshot(t *testing.T) {
	b := NewBroadcaster(&staticRegistry{}, nil, 5*time.Millisecond, 30*time.Millisecond)
	conn := dialBroadcaster(t, b)
	readEnvelope(t, conn) // connect snapshot

	env := readEnvelope(t, conn)
	if env.Type != MsgSnapshot {
		t.Errorf("ticker frame type = %q, want snapshot", env.Type)
	}
}

func TestClientCount(t *testing.T) {
	b := NewBroadcaster(&staticRegistry{}, nil, 10*time.Millisecond, time.Hour)
	if b.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d, want 0", b.ClientCount())
	}

	dialBroadcaster(t, b)
	deadline := time.Now().Add(time.Second)
	for b.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", b.ClientCount())
	}
}
