package session

import (
	"time"

	"github.com/tote-system/whatsapp-gateway/internal/transport"
)

// Update describes a connection state change delivered to the owner of a
// session through Callbacks.OnConnectionUpdate.
type Update struct {
	Status   Status
	Identity string
	Reason   string
}

// Callbacks are installed at Create time and live on the session itself,
// so a recreated session can never fire another owner's hooks. Errors
// returned by callbacks are logged, never propagated into the state machine.
type Callbacks struct {
	OnQR               func(qr string) error
	OnConnectionUpdate func(u Update) error
}

// Info is a read-only snapshot of one session.
type Info struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Identity    string     `json:"identity,omitempty"`
	QR          string     `json:"qr,omitempty"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	LastSeenAt  time.Time  `json:"lastSeenAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	Retries     int        `json:"retries,omitempty"`
}

// session is the live registry entry. All fields are guarded by the
// manager's mutex; the handle itself is safe for concurrent use.
type session struct {
	id        string
	handle    transport.Handle
	callbacks Callbacks

	status      Status
	identity    string
	qr          string
	connectedAt *time.Time
	lastSeenAt  time.Time
	createdAt   time.Time
}

// snapshot copies the mutable fields into an Info. Caller holds the
// manager's lock.
func (s *session) snapshot(retries int) Info {
	info := Info{
		ID:         s.id,
		Status:     s.status,
		Identity:   s.identity,
		QR:         s.qr,
		LastSeenAt: s.lastSeenAt,
		CreatedAt:  s.createdAt,
		Retries:    retries,
	}
	if s.connectedAt != nil {
		t := *s.connectedAt
		info.ConnectedAt = &t
	}
	return info
}
