// Package session holds the in-memory registry of live messaging sessions:
// one connection handle per instance id, driven through a connection state
// machine with bounded reconnection, identity resolution, and idle sweeping.
// While the process runs this registry is the source of truth; the durable
// store only mirrors it.
package session

import (
	"encoding/json"
	"strings"
)

type Status int

const (
	Connecting Status = iota
	QRReady
	Connected
	Disconnected
	LoggedOut
	Failed
)

var statusNames = map[Status]string{
	Connecting:   "connecting",
	QRReady:      "qr_ready",
	Connected:    "connected",
	Disconnected: "disconnected",
	LoggedOut:    "logged_out",
	Failed:       "failed",
}

var statusFromName = map[string]Status{
	"connecting":   Connecting,
	"qr_ready":     QRReady,
	"connected":    Connected,
	"disconnected": Disconnected,
	"logged_out":   LoggedOut,
	"failed":       Failed,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// Canonical returns the uppercase form used by the durable store.
func (s Status) Canonical() string {
	return strings.ToUpper(s.String())
}

// FromCanonical maps a stored uppercase status back to a Status.
func FromCanonical(c string) (Status, bool) {
	s, ok := statusFromName[strings.ToLower(c)]
	return s, ok
}

// IsTerminal reports whether the session can never reconnect on its own.
// LoggedOut is auth-terminal (credentials purged); Failed means the
// reconnect budget is spent and only an explicit re-initialize revives it.
func (s Status) IsTerminal() bool {
	return s == LoggedOut || s == Failed
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := statusFromName[name]; ok {
		*s = v
	}
	return nil
}
