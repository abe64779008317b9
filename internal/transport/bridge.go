package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// BridgeDialer opens connections through a bridge sidecar: a separate
// process that owns the actual messaging protocol and exposes it as a
// JSON-over-websocket stream, one socket per instance. The sidecar reads
// and writes credential material in the directory we pass along.
type BridgeDialer struct {
	baseURL     string
	dialTimeout time.Duration
}

// NewBridgeDialer creates a dialer for the sidecar at baseURL
// (e.g. "ws://127.0.0.1:3101/session").
func NewBridgeDialer(baseURL string) *BridgeDialer {
	return &BridgeDialer{baseURL: baseURL, dialTimeout: 30 * time.Second}
}

func (d *BridgeDialer) Dial(ctx context.Context, credsDir string) (Handle, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("bridge url: %w", err)
	}
	q := u.Query()
	q.Set("instance", filepath.Base(credsDir))
	q.Set("credsDir", credsDir)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing bridge: %w", err)
	}

	h := &bridgeHandle{
		conn:    conn,
		events:  make(chan Event, 16),
		pending: make(map[string]chan bridgeFrame),
	}
	go h.readLoop()
	return h, nil
}

// bridgeFrame is the wire format shared by both directions. Type selects
// which fields are meaningful.
type bridgeFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// type=event
	QR                           string `json:"qr,omitempty"`
	Connection                   string `json:"connection,omitempty"`
	Reason                       string `json:"reason,omitempty"`
	IsNewLogin                   bool   `json:"isNewLogin,omitempty"`
	IsOnline                     bool   `json:"isOnline,omitempty"`
	ReceivedPendingNotifications bool   `json:"receivedPendingNotifications,omitempty"`
	HasChats                     bool   `json:"hasChats,omitempty"`
	HasContacts                  bool   `json:"hasContacts,omitempty"`
	HasMessages                  bool   `json:"hasMessages,omitempty"`
	HasPresences                 bool   `json:"hasPresences,omitempty"`

	// type=identity (pushed by the sidecar when account info changes)
	User         string   `json:"user,omitempty"`
	CredentialID string   `json:"credentialId,omitempty"`
	Contacts     []string `json:"contacts,omitempty"`

	// type=send / probe requests and their replies
	Recipient string `json:"recipient,omitempty"`
	Text      string `json:"text,omitempty"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	MediaData []byte `json:"mediaData,omitempty"`
	MIME      string `json:"mime,omitempty"`
	Filename  string `json:"filename,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix milliseconds
	Exists    bool   `json:"exists,omitempty"`
	Error     string `json:"error,omitempty"`
}

var closeReasonFromName = map[string]CloseReason{
	"logged_out":       ReasonLoggedOut,
	"client_closed":    ReasonClientClosed,
	"connection_lost":  ReasonConnectionLost,
	"restart_required": ReasonRestartRequired,
}

type bridgeHandle struct {
	conn *websocket.Conn

	writeMu sync.Mutex // serialises all conn writes

	mu           sync.Mutex
	pending      map[string]chan bridgeFrame
	user         string
	credentialID string
	contacts     []string
	ended        bool

	events    chan Event
	closeOnce sync.Once
}

func (h *bridgeHandle) readLoop() {
	defer h.closeEvents()
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			h.failPending(err)
			return
		}
		var f bridgeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("bridge: dropping malformed frame: %v", err)
			continue
		}
		switch f.Type {
		case "event":
			h.events <- frameToEvent(f)
		case "identity":
			h.mu.Lock()
			if f.User != "" {
				h.user = f.User
			}
			if f.CredentialID != "" {
				h.credentialID = f.CredentialID
			}
			if len(f.Contacts) > 0 {
				h.contacts = f.Contacts
			}
			h.mu.Unlock()
		default:
			// Reply to an in-flight request.
			h.mu.Lock()
			ch, ok := h.pending[f.ID]
			if ok {
				delete(h.pending, f.ID)
			}
			h.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

func frameToEvent(f bridgeFrame) Event {
	ev := Event{
		QR:                           f.QR,
		IsNewLogin:                   f.IsNewLogin,
		IsOnline:                     f.IsOnline,
		ReceivedPendingNotifications: f.ReceivedPendingNotifications,
		HasChats:                     f.HasChats,
		HasContacts:                  f.HasContacts,
		HasMessages:                  f.HasMessages,
		HasPresences:                 f.HasPresences,
	}
	switch f.Connection {
	case "connecting":
		ev.Connection = ConnConnecting
	case "open":
		ev.Connection = ConnOpen
	case "close":
		ev.Connection = ConnClose
		ev.Reason = closeReasonFromName[f.Reason]
	}
	return ev
}

func (h *bridgeHandle) Events() <-chan Event { return h.events }

// request writes a frame and waits for the matching reply.
func (h *bridgeHandle) request(ctx context.Context, f bridgeFrame) (bridgeFrame, error) {
	f.ID = uuid.NewString()
	reply := make(chan bridgeFrame, 1)

	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		return bridgeFrame{}, errors.New("handle ended")
	}
	h.pending[f.ID] = reply
	h.mu.Unlock()

	if err := h.write(f); err != nil {
		h.mu.Lock()
		delete(h.pending, f.ID)
		h.mu.Unlock()
		return bridgeFrame{}, err
	}

	select {
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.pending, f.ID)
		h.mu.Unlock()
		return bridgeFrame{}, ctx.Err()
	case r, ok := <-reply:
		if !ok {
			return bridgeFrame{}, errors.New("bridge connection lost")
		}
		if r.Error != "" {
			return bridgeFrame{}, errors.New(r.Error)
		}
		return r, nil
	}
}

func (h *bridgeHandle) write(f bridgeFrame) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return h.conn.WriteJSON(f)
}

func (h *bridgeHandle) Send(ctx context.Context, recipient string, msg Message) (Receipt, error) {
	f := bridgeFrame{Type: "send", Recipient: recipient, Text: msg.Text}
	if att := msg.Attachment; att != nil {
		f.MediaURL = att.URL
		f.MediaData = att.Data
		f.MIME = att.MIME
		f.Filename = att.Filename
	}
	r, err := h.request(ctx, f)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{MessageID: r.MessageID, Timestamp: time.UnixMilli(r.Timestamp)}, nil
}

func (h *bridgeHandle) ProbeExists(ctx context.Context, recipient string) (bool, error) {
	r, err := h.request(ctx, bridgeFrame{Type: "probe", Recipient: recipient})
	if err != nil {
		return false, err
	}
	return r.Exists, nil
}

func (h *bridgeHandle) User() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.user
}

func (h *bridgeHandle) CredentialID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.credentialID
}

func (h *bridgeHandle) Contacts(ctx context.Context) ([]string, error) {
	h.mu.Lock()
	cached := h.contacts
	h.mu.Unlock()
	if len(cached) > 0 {
		out := make([]string, len(cached))
		copy(out, cached)
		return out, nil
	}
	r, err := h.request(ctx, bridgeFrame{Type: "contacts"})
	if err != nil {
		return nil, err
	}
	return r.Contacts, nil
}

func (h *bridgeHandle) Logout(ctx context.Context) error {
	_, err := h.request(ctx, bridgeFrame{Type: "logout"})
	return err
}

func (h *bridgeHandle) End() error {
	h.mu.Lock()
	h.ended = true
	h.mu.Unlock()
	return h.conn.Close()
}

// failPending unblocks any in-flight requests after the socket dies.
func (h *bridgeHandle) failPending(err error) {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[string]chan bridgeFrame)
	h.ended = true
	h.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Printf("bridge: read loop ended: %v", err)
	}
}

func (h *bridgeHandle) closeEvents() {
	h.closeOnce.Do(func() { close(h.events) })
}
