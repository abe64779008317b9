// Package reconcile keeps the durable instance records converged with the
// in-memory registry. Memory wins while a session is registered; absence
// from the registry is authoritative evidence the process does not hold
// that connection.
package reconcile

import (
	"context"
	"log"
	"time"

	"github.com/tote-system/whatsapp-gateway/internal/session"
	"github.com/tote-system/whatsapp-gateway/internal/store"
)

// activeEligible are the durable statuses that imply a live registry entry
// should exist. Terminal and already-disconnected records are left alone.
var activeEligible = map[string]bool{
	store.StatusConnecting: true,
	store.StatusQRReady:    true,
	store.StatusConnected:  true,
}

// Registry is the slice of the session manager the reconciler reads.
type Registry interface {
	All() []session.Info
}

type Reconciler struct {
	registry  Registry
	records   store.Store
	interval  time.Duration
	tolerance time.Duration // allowed lastSeenAt drift before a rewrite
}

func New(registry Registry, records store.Store, interval, tolerance time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if tolerance <= 0 {
		tolerance = 60 * time.Second
	}
	return &Reconciler{registry: registry, records: records, interval: interval, tolerance: tolerance}
}

// Run reconciles on a fixed period until ctx is done. Errors are logged,
// never surfaced; the next tick retries.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sync()
		}
	}
}

// Sync performs one reconciliation pass. Idempotent: a second pass with no
// intervening events writes nothing.
func (r *Reconciler) Sync() {
	live := r.registry.All()
	inMemory := make(map[string]bool, len(live))

	// Pass 1: push registry state into diverged records.
	for _, info := range live {
		inMemory[info.ID] = true
		rec, err := r.records.Get(info.ID)
		if err != nil {
			// Unrecorded sessions are the instance service's concern.
			continue
		}
		if !r.diverged(rec, info) {
			continue
		}
		err = r.records.Patch(info.ID, func(rec *store.InstanceRecord) {
			rec.Status = info.Status.Canonical()
			// An empty in-memory identity means unresolved, not absent:
			// the record keeps its last-known identity, which also feeds
			// the manager's stored-identity fallback.
			if info.Identity != "" {
				rec.Identity = info.Identity
			}
			if info.ConnectedAt != nil {
				t := *info.ConnectedAt
				rec.ConnectedAt = &t
			}
			seen := info.LastSeenAt
			rec.LastSeenAt = &seen
		})
		if err != nil {
			log.Printf("[%s] reconcile write failed: %v", info.ID, err)
		} else {
			log.Printf("[%s] reconciled record to %s", info.ID, info.Status)
		}
	}

	// Pass 2: records claiming liveness with no registry entry go to
	// DISCONNECTED.
	recs, err := r.records.List()
	if err != nil {
		log.Printf("reconcile list failed: %v", err)
		return
	}
	for _, rec := range recs {
		if inMemory[rec.InstanceID] || !activeEligible[rec.Status] {
			continue
		}
		id := rec.InstanceID
		err := r.records.Patch(id, func(rec *store.InstanceRecord) {
			rec.Status = store.StatusDisconnected
		})
		if err != nil {
			log.Printf("[%s] reconcile orphan repair failed: %v", id, err)
		} else {
			log.Printf("[%s] no live session, record set to DISCONNECTED", id)
		}
	}
}

func (r *Reconciler) diverged(rec store.InstanceRecord, info session.Info) bool {
	if rec.Status != info.Status.Canonical() {
		return true
	}
	// Identity comparison is deliberately one-sided: an empty in-memory
	// identity is an unresolved one (connected sessions always carry at
	// least a placeholder), so it never outvotes the record's last-known
	// value.
	if info.Identity != "" && rec.Identity != info.Identity {
		return true
	}
	if rec.LastSeenAt == nil {
		return true
	}
	drift := info.LastSeenAt.Sub(*rec.LastSeenAt)
	if drift < 0 {
		drift = -drift
	}
	return drift > r.tolerance
}
