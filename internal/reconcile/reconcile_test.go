package reconcile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tote-system/whatsapp-gateway/internal/session"
	"github.com/tote-system/whatsapp-gateway/internal/store"
)

type fakeRegistry struct {
	infos []session.Info
}

func (f *fakeRegistry) All() []session.Info { return f.infos }

func openStore(t *testing.T) *store.FileStore {
	t.Helper()
	fs, err := store.OpenFileStore(filepath.Join(t.TempDir(), "instances.json"))
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestSyncOverwritesDivergedRecord(t *testing.T) {
	records := openStore(t)
	if err := records.Upsert(store.InstanceRecord{
		InstanceID: "inst-1",
		Status:     store.StatusConnecting,
		IsActive:   true,
	}); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	reg := &fakeRegistry{infos: []session.Info{{
		ID:          "inst-1",
		Status:      session.Connected,
		Identity:    "15551234567",
		ConnectedAt: &now,
		LastSeenAt:  now,
	}}}

	New(reg, records, time.Second, time.Minute).Sync()

	rec, err := records.Get("inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusConnected {
		t.Errorf("Status = %q, want CONNECTED", rec.Status)
	}
	if rec.Identity != "15551234567" {
		t.Errorf("Identity = %q, want 15551234567", rec.Identity)
	}
	if rec.LastSeenAt == nil || !rec.LastSeenAt.Equal(now) {
		t.Errorf("LastSeenAt = %v, want %v", rec.LastSeenAt, now)
	}
}

func TestSyncMarksOrphanedRecordsDisconnected(t *testing.T) {
	records := openStore(t)
	seed := []store.InstanceRecord{
		{InstanceID: "orphan-live", Status: store.StatusConnected, IsActive: true},
		{InstanceID: "orphan-qr", Status: store.StatusQRReady, IsActive: true},
		{InstanceID: "terminal", Status: store.StatusLoggedOut, IsActive: true},
		{InstanceID: "already-off", Status: store.StatusDisconnected, IsActive: true},
	}
	for _, rec := range seed {
		if err := records.Upsert(rec); err != nil {
			t.Fatal(err)
		}
	}

	New(&fakeRegistry{}, records, time.Second, time.Minute).Sync()

	for _, tt := range []struct {
		id   string
		want string
	}{
		{"orphan-live", store.StatusDisconnected},
		{"orphan-qr", store.StatusDisconnected},
		{"terminal", store.StatusLoggedOut},
		{"already-off", store.StatusDisconnected},
	} {
		rec, err := records.Get(tt.id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != tt.want {
			t.Errorf("%s status = %q, want %q", tt.id, rec.Status, tt.want)
		}
	}
}

func TestSyncKeepsLastKnownIdentity(t *testing.T) {
	records := openStore(t)
	seen := time.Now()
	if err := records.Upsert(store.InstanceRecord{
		InstanceID: "inst-1",
		Status:     store.StatusConnected,
		Identity:   "15551234567",
		LastSeenAt: &seen,
		IsActive:   true,
	}); err != nil {
		t.Fatal(err)
	}

	// A fresh session replacing a connected one has not resolved its
	// identity yet; the status divergence is written through but the
	// record's last-known identity survives for the resolver fallback.
	reg := &fakeRegistry{infos: []session.Info{{
		ID:         "inst-1",
		Status:     session.Connecting,
		LastSeenAt: time.Now(),
	}}}
	New(reg, records, time.Second, time.Minute).Sync()

	rec, err := records.Get("inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.StatusConnecting {
		t.Errorf("Status = %q, want CONNECTING", rec.Status)
	}
	if rec.Identity != "15551234567" {
		t.Errorf("Identity = %q, want the last-known value kept", rec.Identity)
	}
}

func TestSyncRespectsLastSeenTolerance(t *testing.T) {
	records := openStore(t)
	seen := time.Now().Add(-10 * time.Second)
	if err := records.Upsert(store.InstanceRecord{
		InstanceID: "inst-1",
		Status:     store.StatusConnected,
		Identity:   "15551234567",
		LastSeenAt: &seen,
		IsActive:   true,
	}); err != nil {
		t.Fatal(err)
	}
	before, _ := records.Get("inst-1")

	// Drift inside the tolerance window: no write.
	reg := &fakeRegistry{infos: []session.Info{{
		ID:         "inst-1",
		Status:     session.Connected,
		Identity:   "15551234567",
		LastSeenAt: time.Now(),
	}}}
	r := New(reg, records, time.Second, time.Minute)
	r.Sync()

	after, _ := records.Get("inst-1")
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("drift within tolerance should not rewrite the record")
	}

	// Beyond tolerance the record is refreshed.
	reg.infos[0].LastSeenAt = time.Now().Add(2 * time.Minute)
	r.Sync()

	after, _ = records.Get("inst-1")
	if after.LastSeenAt == nil || !after.LastSeenAt.Equal(reg.infos[0].LastSeenAt) {
		t.Error("drift beyond tolerance should rewrite LastSeenAt from memory")
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	records := openStore(t)
	if err := records.Upsert(store.InstanceRecord{
		InstanceID: "inst-1",
		Status:     store.StatusConnecting,
		IsActive:   true,
	}); err != nil {
		t.Fatal(err)
	}

	reg := &fakeRegistry{infos: []session.Info{{
		ID:         "inst-1",
		Status:     session.Connected,
		Identity:   "15551234567",
		LastSeenAt: time.Now(),
	}}}
	r := New(reg, records, time.Second, time.Minute)

	r.Sync()
	first, _ := records.Get("inst-1")

	r.Sync()
	second, _ := records.Get("inst-1")

	if !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Error("second Sync with no intervening events should write nothing")
	}
}
