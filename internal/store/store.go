// Package store persists instance records: the durable view of each
// messaging instance that survives gateway restarts. The in-memory session
// registry is authoritative while the process runs; the reconciler pushes
// its view into this store.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the requested instance.
var ErrNotFound = errors.New("instance record not found")

// Canonical status values as stored durably. They intentionally use the
// uppercase forms the platform's other services query by.
const (
	StatusConnecting   = "CONNECTING"
	StatusQRReady      = "QR_READY"
	StatusConnected    = "CONNECTED"
	StatusDisconnected = "DISCONNECTED"
	StatusLoggedOut    = "LOGGED_OUT"
	StatusFailed       = "FAILED"
)

// InstanceRecord is the durable state of one messaging instance.
type InstanceRecord struct {
	InstanceID    string     `json:"instanceId"`
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	Identity      string     `json:"identity,omitempty"`
	QR            string     `json:"qr,omitempty"`
	QRGeneratedAt *time.Time `json:"qrGeneratedAt,omitempty"`
	ConnectedAt   *time.Time `json:"connectedAt,omitempty"`
	LastSeenAt    *time.Time `json:"lastSeenAt,omitempty"`
	IsActive      bool       `json:"isActive"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Store is the durable record repository. Implementations return copies;
// mutating a returned record never changes stored state.
type Store interface {
	// Get returns the record for id, or ErrNotFound.
	Get(id string) (InstanceRecord, error)
	// Upsert inserts or replaces the record keyed by its InstanceID,
	// stamping CreatedAt on insert and UpdatedAt always.
	Upsert(rec InstanceRecord) error
	// Patch applies fn to the existing record under the store lock and
	// persists the result. Returns ErrNotFound when absent.
	Patch(id string, fn func(*InstanceRecord)) error
	// List returns all records, active and inactive.
	List() ([]InstanceRecord, error)
}
