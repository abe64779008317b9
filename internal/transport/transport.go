// Package transport defines the capability the gateway consumes to talk to
// the external messaging service. One Handle represents one authenticated
// connection; it emits connection events and accepts outbound sends. The
// concrete driver (bridge sidecar, mock) lives behind the Dialer interface.
package transport

import (
	"context"
	"time"
)

// Connection is the connection phase reported on an Event. Most events carry
// ConnNone: they describe auxiliary activity, not a phase change.
type Connection int

const (
	ConnNone Connection = iota
	ConnConnecting
	ConnOpen
	ConnClose
)

// CloseReason classifies why the transport closed a connection. The session
// manager only distinguishes logged-out (auth-terminal), client-closed
// (intentional, no reconnect) and everything else (reconnectable).
type CloseReason int

const (
	ReasonUnknown CloseReason = iota
	ReasonLoggedOut
	ReasonClientClosed
	ReasonConnectionLost
	ReasonRestartRequired
)

var reasonNames = map[CloseReason]string{
	ReasonUnknown:         "unknown",
	ReasonLoggedOut:       "logged_out",
	ReasonClientClosed:    "client_closed",
	ReasonConnectionLost:  "connection_lost",
	ReasonRestartRequired: "restart_required",
}

func (r CloseReason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return "unknown"
}

// Event mirrors one connection-update notification from the transport.
// The transport does not guarantee a single authoritative "connected"
// signal; the heuristic flags let the session manager detect a live
// connection from auxiliary traffic.
type Event struct {
	QR         string
	Connection Connection
	Reason     CloseReason // meaningful only when Connection == ConnClose

	IsNewLogin                   bool
	IsOnline                     bool
	ReceivedPendingNotifications bool
	HasChats                     bool
	HasContacts                  bool
	HasMessages                  bool
	HasPresences                 bool
}

// HintsConnected reports whether the event carries any signal that the
// underlying account is live even though no explicit open was seen. Kept as
// a single predicate so the signal set stays in one testable place.
func (e Event) HintsConnected() bool {
	return e.IsNewLogin ||
		e.IsOnline ||
		e.ReceivedPendingNotifications ||
		e.HasChats ||
		e.HasContacts ||
		e.HasMessages ||
		e.HasPresences
}

// Attachment is media sent alongside or instead of text. Either URL or Data
// is set; the driver resolves URLs on its side.
type Attachment struct {
	URL      string
	Data     []byte
	MIME     string
	Filename string
}

// Message is one outbound payload. Text-only when Attachment is nil;
// otherwise Text is used as the attachment caption.
type Message struct {
	Text       string
	Attachment *Attachment
}

// Receipt is the transport-assigned metadata for a delivered message.
type Receipt struct {
	MessageID string
	Timestamp time.Time
}

// Handle is one open connection. Events() closes when the handle is ended,
// which terminates the consumer's pump goroutine.
type Handle interface {
	Events() <-chan Event

	Send(ctx context.Context, recipient string, msg Message) (Receipt, error)
	ProbeExists(ctx context.Context, recipient string) (bool, error)

	// User returns the transport-reported account identifier, or "" while
	// the transport has not exposed it yet.
	User() string
	// CredentialID returns the identity mirrored in the credential
	// material, or "".
	CredentialID() string
	// Contacts returns the address book known to the transport.
	Contacts(ctx context.Context) ([]string, error)

	Logout(ctx context.Context) error
	End() error
}

// Dialer opens a new Handle authenticated from the credential material in
// credsDir. The directory is created by the caller and owned exclusively by
// the returned handle until End.
type Dialer interface {
	Dial(ctx context.Context, credsDir string) (Handle, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, credsDir string) (Handle, error)

func (f DialerFunc) Dial(ctx context.Context, credsDir string) (Handle, error) {
	return f(ctx, credsDir)
}
