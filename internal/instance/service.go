// Package instance is the service layer over the session manager: it owns
// the durable instance records, the QR validity window, activation state,
// and the restore-on-boot flow.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/tote-system/whatsapp-gateway/internal/creds"
	"github.com/tote-system/whatsapp-gateway/internal/session"
	"github.com/tote-system/whatsapp-gateway/internal/store"
)

var (
	// ErrInstanceNotFound means neither the registry nor the store knows
	// the instance id.
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrAlreadyConnected is returned by QR when the instance no longer
	// needs pairing.
	ErrAlreadyConnected = errors.New("instance already connected")
	// ErrQRExpired means the stored QR is past its validity window and the
	// caller must re-initialize to get a fresh one.
	ErrQRExpired = errors.New("qr code expired, re-initialize the instance")
	// ErrQRNotReady means pairing has not produced a QR yet.
	ErrQRNotReady = errors.New("qr code not ready yet")
	// ErrInvalidInstanceID rejects ids that are not a plain identifier.
	// Instance ids become directory names under the sessions base, so
	// anything that could traverse out of it is refused up front.
	ErrInvalidInstanceID = errors.New("invalid instance id")
)

// instanceIDPattern is the accepted id shape: the generated uuids plus
// simple human-chosen names.
var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type Service struct {
	manager    *session.Manager
	records    store.Store
	creds      *creds.Store
	qrValidFor time.Duration
}

func NewService(manager *session.Manager, records store.Store, credStore *creds.Store, qrValidFor time.Duration) *Service {
	if qrValidFor <= 0 {
		qrValidFor = 5 * time.Minute
	}
	return &Service{manager: manager, records: records, creds: credStore, qrValidFor: qrValidFor}
}

// Initialize creates or reactivates an instance and opens its session. An
// empty id gets a generated one. Returns the instance id.
func (s *Service) Initialize(ctx context.Context, id, name string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	} else if !instanceIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidInstanceID, id)
	}
	if name == "" {
		name = id
	}

	rec, err := s.records.Get(id)
	switch {
	case err == nil:
		err = s.records.Patch(id, func(rec *store.InstanceRecord) {
			rec.Status = store.StatusConnecting
			rec.IsActive = true
			if name != id {
				rec.Name = name
			}
		})
		if err != nil {
			return "", fmt.Errorf("reactivating instance %s: %w", id, err)
		}
	case errors.Is(err, store.ErrNotFound):
		rec = store.InstanceRecord{
			InstanceID: id,
			Name:       name,
			Status:     store.StatusConnecting,
			IsActive:   true,
		}
		if err := s.records.Upsert(rec); err != nil {
			return "", fmt.Errorf("recording instance %s: %w", id, err)
		}
	default:
		return "", fmt.Errorf("loading instance %s: %w", id, err)
	}

	if _, err := s.manager.Create(ctx, id, s.callbacks(id)); err != nil {
		return "", err
	}
	return id, nil
}

// callbacks persist session state transitions into the durable record.
func (s *Service) callbacks(id string) session.Callbacks {
	return session.Callbacks{
		OnQR: func(qr string) error {
			now := time.Now().UTC()
			return s.records.Patch(id, func(rec *store.InstanceRecord) {
				rec.Status = store.StatusQRReady
				rec.QR = qr
				rec.QRGeneratedAt = &now
			})
		},
		OnConnectionUpdate: func(u session.Update) error {
			return s.records.Patch(id, func(rec *store.InstanceRecord) {
				rec.Status = u.Status.Canonical()
				switch u.Status {
				case session.Connected:
					now := time.Now().UTC()
					rec.Identity = u.Identity
					rec.ConnectedAt = &now
					rec.LastSeenAt = &now
					rec.QR = ""
					rec.QRGeneratedAt = nil
				case session.LoggedOut:
					rec.Identity = ""
					rec.QR = ""
					rec.QRGeneratedAt = nil
					rec.ConnectedAt = nil
				}
			})
		},
	}
}

// QR returns the current pairing payload for the instance. Connected
// instances short-circuit with ErrAlreadyConnected; a stored QR is honored
// within its validity window; a fresh in-memory QR wins over an expired
// stored one.
func (s *Service) QR(id string) (string, error) {
	if s.manager.IsConnected(id) {
		return "", ErrAlreadyConnected
	}

	rec, recErr := s.records.Get(id)
	if recErr == nil && rec.QR != "" && rec.QRGeneratedAt != nil {
		if time.Since(*rec.QRGeneratedAt) < s.qrValidFor {
			return rec.QR, nil
		}
	}

	if info, ok := s.manager.Info(id); ok && info.QR != "" {
		return info.QR, nil
	}

	if recErr != nil {
		if errors.Is(recErr, store.ErrNotFound) {
			return "", ErrInstanceNotFound
		}
		return "", recErr
	}
	if rec.QR != "" {
		return "", ErrQRExpired
	}
	return "", ErrQRNotReady
}

// Status reports the canonical lowercase status, memory first with a store
// fallback for instances the process is not holding.
func (s *Service) Status(id string) (string, error) {
	if info, ok := s.manager.Info(id); ok {
		return info.Status.String(), nil
	}
	rec, err := s.records.Get(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrInstanceNotFound
		}
		return "", err
	}
	if st, ok := session.FromCanonical(rec.Status); ok {
		return st.String(), nil
	}
	return "", fmt.Errorf("instance %s has unrecognized stored status %q", id, rec.Status)
}

// List returns the durable records of all active instances. The store is
// the single source of truth here; the reconciler keeps it converged.
func (s *Service) List() ([]store.InstanceRecord, error) {
	recs, err := s.records.List()
	if err != nil {
		return nil, err
	}
	active := recs[:0]
	for _, rec := range recs {
		if rec.IsActive {
			active = append(active, rec)
		}
	}
	return active, nil
}

// Disconnect closes the live session and records the instance as
// disconnected. Credentials are kept for a later reconnect.
func (s *Service) Disconnect(ctx context.Context, id string) error {
	if err := s.manager.Close(ctx, id); err != nil && !errors.Is(err, session.ErrNoSession) {
		return err
	}
	if err := s.records.Patch(id, func(rec *store.InstanceRecord) {
		rec.Status = store.StatusDisconnected
		rec.QR = ""
		rec.QRGeneratedAt = nil
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// Delete tears the instance down completely: close the session, purge
// credentials, soft-delete the record.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.manager.Close(ctx, id); err != nil && !errors.Is(err, session.ErrNoSession) {
		log.Printf("[%s] closing session during delete: %v", id, err)
	}
	if err := s.creds.Clear(id); err != nil {
		log.Printf("[%s] clearing credentials during delete: %v", id, err)
	}
	err := s.records.Patch(id, func(rec *store.InstanceRecord) {
		rec.Status = store.StatusDisconnected
		rec.Identity = ""
		rec.QR = ""
		rec.QRGeneratedAt = nil
		rec.ConnectedAt = nil
		rec.IsActive = false
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrInstanceNotFound
	}
	return err
}

// SetActive toggles the soft-delete flag without touching the session.
func (s *Service) SetActive(id string, active bool) error {
	err := s.records.Patch(id, func(rec *store.InstanceRecord) {
		rec.IsActive = active
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrInstanceNotFound
	}
	return err
}

// Restore re-opens sessions for every active instance whose credentials
// survive on disk. Records without credentials are marked disconnected with
// their volatile fields wiped. Returns restored and failed counts.
func (s *Service) Restore(ctx context.Context) (restored, failed int) {
	recs, err := s.records.List()
	if err != nil {
		log.Printf("restore: listing instances: %v", err)
		return 0, 0
	}
	for _, rec := range recs {
		if !rec.IsActive {
			continue
		}
		id := rec.InstanceID
		if !s.creds.Exists(id) {
			err := s.records.Patch(id, func(rec *store.InstanceRecord) {
				rec.Status = store.StatusDisconnected
				rec.QR = ""
				rec.QRGeneratedAt = nil
			})
			if err != nil {
				log.Printf("[%s] restore: marking disconnected: %v", id, err)
			}
			continue
		}
		if _, err := s.Initialize(ctx, id, rec.Name); err != nil {
			log.Printf("[%s] restore failed: %v", id, err)
			failed++
			continue
		}
		log.Printf("[%s] session restored from saved credentials", id)
		restored++
	}
	return restored, failed
}
