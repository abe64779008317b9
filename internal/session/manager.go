package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tote-system/whatsapp-gateway/internal/creds"
	"github.com/tote-system/whatsapp-gateway/internal/transport"
)

var (
	// ErrNoSession means no registry entry exists for the instance id.
	ErrNoSession = errors.New("no session for instance")
	// ErrNotConnected means the session exists but cannot carry traffic.
	ErrNotConnected = errors.New("session not connected")
)

// Options are the tuning knobs for the manager. Zero values are replaced
// with defaults by NewManager.
type Options struct {
	ReconnectDelay       time.Duration // base backoff delay
	ReconnectMaxDelay    time.Duration // backoff cap
	ReconnectMaxAttempts int           // attempts before parking in Failed
	IdentityAttempts     int           // identity chain retry budget
	IdentityDelay        time.Duration // pause between identity attempts

	// StoredIdentity returns the durably recorded identity for an instance,
	// or "". Used as the second-to-last identity fallback.
	StoredIdentity func(id string) string
}

// Notifier receives registry change events for the status feed. Calls are
// made outside the manager's lock and must not block for long.
type Notifier interface {
	SessionUpdated(Info)
	SessionRemoved(id string)
}

// Manager is the session registry plus the connection state machine driving
// every registered handle.
type Manager struct {
	opts     Options
	dialer   transport.Dialer
	creds    *creds.Store
	notifier Notifier

	keys *keyedMutex // serializes create/close/reconnect/evict per id

	mu       sync.RWMutex
	sessions map[string]*session
	retries  map[string]int
}

func NewManager(dialer transport.Dialer, credStore *creds.Store, opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = 80 * time.Second
	}
	if opts.ReconnectMaxAttempts <= 0 {
		opts.ReconnectMaxAttempts = 5
	}
	if opts.IdentityAttempts <= 0 {
		opts.IdentityAttempts = 5
	}
	if opts.IdentityDelay <= 0 {
		opts.IdentityDelay = time.Second
	}
	return &Manager{
		opts:     opts,
		dialer:   dialer,
		creds:    credStore,
		keys:     newKeyedMutex(),
		sessions: make(map[string]*session),
		retries:  make(map[string]int),
	}
}

// SetNotifier installs the status-feed hook. Call before the first Create;
// the broadcaster needs the manager to exist first, hence the late bind.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// Create opens a session for the instance, replacing any existing one. The
// old handle is torn down best-effort without logout so its credentials
// stay valid. Resets the reconnect budget.
func (m *Manager) Create(ctx context.Context, id string, cb Callbacks) (Info, error) {
	m.keys.Lock(id)
	defer m.keys.Unlock(id)

	m.mu.Lock()
	m.retries[id] = 0
	m.mu.Unlock()

	return m.create(ctx, id, cb)
}

// create does the actual open. Caller holds the key lock for id. The old
// registry entry survives a failed dial so the reconnect path can keep
// accounting against it.
func (m *Manager) create(ctx context.Context, id string, cb Callbacks) (Info, error) {
	m.mu.RLock()
	old := m.sessions[id]
	m.mu.RUnlock()
	if old != nil {
		if err := old.handle.End(); err != nil {
			log.Printf("[%s] ending previous handle: %v", id, err)
		}
	}

	dir, err := m.creds.Dir(id)
	if err != nil {
		return Info{}, err
	}

	handle, err := m.dialer.Dial(ctx, dir)
	if err != nil {
		// The old handle is already ended and its pump is gone, so no
		// close event will ever demote the entry; do it here or a
		// previously connected session would report Connected forever.
		if old != nil {
			m.demoteAfterFailedDial(id, old)
		}
		return Info{}, fmt.Errorf("opening transport for %s: %w", id, err)
	}

	now := time.Now()
	sess := &session{
		id:         id,
		handle:     handle,
		callbacks:  cb,
		status:     Connecting,
		lastSeenAt: now,
		createdAt:  now,
	}

	m.mu.Lock()
	m.sessions[id] = sess
	info := sess.snapshot(m.retries[id])
	m.mu.Unlock()

	go m.pump(sess)
	m.notifyUpdated(info)
	log.Printf("[%s] session created", id)
	return info, nil
}

// demoteAfterFailedDial marks the surviving registry entry Disconnected
// after a replacement dial failed. The entry stays registered so the retry
// path keeps its accounting; the sweeper reaps it if nothing revives it.
func (m *Manager) demoteAfterFailedDial(id string, old *session) {
	m.mu.Lock()
	if m.sessions[id] != old || old.status == Disconnected {
		m.mu.Unlock()
		return
	}
	old.status = Disconnected
	cb := old.callbacks
	info := old.snapshot(m.retries[id])
	m.mu.Unlock()

	log.Printf("[%s] dial failed with a live entry, marking disconnected", id)
	m.notifyUpdated(info)
	m.fireUpdate(id, cb, Update{Status: Disconnected, Reason: "dial_failed"})
}

// Close gracefully shuts a session down: logout only when connected (best
// effort, logged), always End, always remove. Teardown makes forward
// progress regardless of intermediate failures.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.keys.Lock(id)
	defer m.keys.Unlock(id)

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrNoSession
	}
	delete(m.sessions, id)
	delete(m.retries, id)
	connected := sess.status == Connected
	m.mu.Unlock()

	if connected {
		if err := sess.handle.Logout(ctx); err != nil {
			log.Printf("[%s] logout before close: %v", id, err)
		}
	}
	if err := sess.handle.End(); err != nil {
		log.Printf("[%s] ending handle: %v", id, err)
	}
	m.notifyRemoved(id)
	log.Printf("[%s] session closed", id)
	return nil
}

// Info returns a snapshot of the session, if registered.
func (m *Manager) Info(id string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return Info{}, false
	}
	return sess.snapshot(m.retries[id]), true
}

// All returns snapshots of every registered session.
func (m *Manager) All() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for id, sess := range m.sessions {
		out = append(out, sess.snapshot(m.retries[id]))
	}
	return out
}

// IsConnected is true iff a session exists and its status is exactly
// Connected.
func (m *Manager) IsConnected(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return ok && sess.status == Connected
}

// SendText delivers a plain text message through a connected session.
func (m *Manager) SendText(ctx context.Context, id, recipient, text string) (transport.Receipt, error) {
	handle, err := m.connectedHandle(id)
	if err != nil {
		return transport.Receipt{}, err
	}
	rcpt, err := handle.Send(ctx, recipient, transport.Message{Text: text})
	if err != nil {
		return transport.Receipt{}, fmt.Errorf("sending to %s via %s: %w", recipient, id, err)
	}
	m.touch(id)
	return rcpt, nil
}

// SendAttachment delivers media with an optional caption.
func (m *Manager) SendAttachment(ctx context.Context, id, recipient string, att transport.Attachment, caption string) (transport.Receipt, error) {
	handle, err := m.connectedHandle(id)
	if err != nil {
		return transport.Receipt{}, err
	}
	rcpt, err := handle.Send(ctx, recipient, transport.Message{Text: caption, Attachment: &att})
	if err != nil {
		return transport.Receipt{}, fmt.Errorf("sending attachment to %s via %s: %w", recipient, id, err)
	}
	m.touch(id)
	return rcpt, nil
}

// ProbeRecipient asks the transport whether the recipient is reachable.
func (m *Manager) ProbeRecipient(ctx context.Context, id, recipient string) (bool, error) {
	handle, err := m.connectedHandle(id)
	if err != nil {
		return false, err
	}
	return handle.ProbeExists(ctx, recipient)
}

func (m *Manager) connectedHandle(id string) (transport.Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	if sess.status != Connected {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotConnected, id, sess.status)
	}
	return sess.handle, nil
}

// touch refreshes lastSeenAt after outbound activity.
func (m *Manager) touch(id string) {
	m.mu.Lock()
	if sess, ok := m.sessions[id]; ok {
		sess.lastSeenAt = time.Now()
	}
	m.mu.Unlock()
}

// pump drains one handle's event stream into the state machine. It exits
// when the handle ends and closes its channel.
func (m *Manager) pump(sess *session) {
	for ev := range sess.handle.Events() {
		m.handleEvent(sess, ev)
	}
}

// handleEvent is the connection state machine. Events from a superseded
// handle are dropped by comparing the registry entry against the pump's
// session pointer.
func (m *Manager) handleEvent(sess *session, ev transport.Event) {
	m.mu.Lock()
	if m.sessions[sess.id] != sess {
		m.mu.Unlock()
		return
	}
	sess.lastSeenAt = time.Now()

	if ev.QR != "" {
		sess.qr = ev.QR
		sess.status = QRReady
		info := sess.snapshot(m.retries[sess.id])
		cb := sess.callbacks
		m.mu.Unlock()
		log.Printf("[%s] qr code ready", sess.id)
		m.notifyUpdated(info)
		if cb.OnQR != nil {
			if err := cb.OnQR(ev.QR); err != nil {
				log.Printf("[%s] qr callback: %v", sess.id, err)
			}
		}
		m.mu.Lock()
		if m.sessions[sess.id] != sess {
			m.mu.Unlock()
			return
		}
	}

	switch ev.Connection {
	case transport.ConnOpen:
		m.mu.Unlock()
		m.resolveAndConnect(sess, true)
	case transport.ConnClose:
		m.handleCloseLocked(sess, ev.Reason)
	case transport.ConnConnecting:
		sess.status = Connecting
		info := sess.snapshot(m.retries[sess.id])
		m.mu.Unlock()
		m.notifyUpdated(info)
	default:
		if ev.HintsConnected() && sess.status != Connected {
			m.mu.Unlock()
			log.Printf("[%s] possible connection detected from activity signals", sess.id)
			m.resolveAndConnect(sess, false)
		} else {
			m.mu.Unlock()
		}
	}
}

// resolveAndConnect runs the identity chain and, on success, commits
// identity and Connected in one step so the session never reports connected
// with an empty identity. opened marks an authoritative open event, which
// permits the placeholder fallback when the chain comes up empty.
func (m *Manager) resolveAndConnect(sess *session, opened bool) {
	identity, err := m.resolveIdentity(sess)
	degraded := false
	if err != nil {
		if !opened {
			log.Printf("[%s] identity unresolved after activity signals, not promoting: %v", sess.id, err)
			return
		}
		identity = fmt.Sprintf("unknown_%d", time.Now().UnixMilli())
		degraded = true
	}

	m.mu.Lock()
	if m.sessions[sess.id] != sess {
		m.mu.Unlock()
		return
	}
	if sess.status == Connected && sess.identity == identity {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	sess.status = Connected
	sess.identity = identity
	sess.qr = ""
	sess.connectedAt = &now
	sess.lastSeenAt = now
	m.retries[sess.id] = 0
	cb := sess.callbacks
	info := sess.snapshot(0)
	m.mu.Unlock()

	if degraded {
		log.Printf("[%s] connected with placeholder identity %s", sess.id, identity)
	} else {
		log.Printf("[%s] connected as %s", sess.id, identity)
	}
	m.notifyUpdated(info)
	m.fireUpdate(sess.id, cb, Update{Status: Connected, Identity: identity})
}

// handleCloseLocked processes a close event. Caller holds m.mu; this
// function releases it.
func (m *Manager) handleCloseLocked(sess *session, reason transport.CloseReason) {
	id := sess.id
	cb := sess.callbacks

	switch reason {
	case transport.ReasonLoggedOut:
		// Auth-terminal: purge credentials, drop the registry entry,
		// never reconnect.
		sess.status = LoggedOut
		sess.qr = ""
		delete(m.sessions, id)
		delete(m.retries, id)
		info := sess.snapshot(0)
		m.mu.Unlock()
		log.Printf("[%s] logged out, purging credentials", id)
		if err := sess.handle.End(); err != nil {
			log.Printf("[%s] ending handle: %v", id, err)
		}
		if err := m.creds.Clear(id); err != nil {
			log.Printf("[%s] clearing credentials: %v", id, err)
		}
		m.notifyUpdated(info)
		m.fireUpdate(id, cb, Update{Status: LoggedOut, Reason: reason.String()})
		m.notifyRemoved(id)

	case transport.ReasonClientClosed:
		// Intentional close: no reconnect.
		sess.status = Disconnected
		info := sess.snapshot(m.retries[id])
		m.mu.Unlock()
		log.Printf("[%s] connection closed by client", id)
		m.notifyUpdated(info)
		m.fireUpdate(id, cb, Update{Status: Disconnected, Reason: reason.String()})

	default:
		attempt := m.retries[id]
		if attempt >= m.opts.ReconnectMaxAttempts {
			sess.status = Failed
			info := sess.snapshot(attempt)
			m.mu.Unlock()
			log.Printf("[%s] reconnect budget exhausted after %d attempts, giving up", id, attempt)
			m.notifyUpdated(info)
			m.fireUpdate(id, cb, Update{Status: Failed, Reason: reason.String()})
			return
		}
		m.retries[id] = attempt + 1
		sess.status = Disconnected
		info := sess.snapshot(attempt + 1)
		delay := m.backoff(attempt)
		m.mu.Unlock()
		log.Printf("[%s] connection closed (%s), reconnecting in %s (attempt %d/%d)",
			id, reason, delay, attempt+1, m.opts.ReconnectMaxAttempts)
		m.notifyUpdated(info)
		m.fireUpdate(id, cb, Update{Status: Disconnected, Reason: reason.String()})
		time.AfterFunc(delay, func() { m.reconnect(id) })
	}
}

// backoff returns the delay before retry number attempt+1, doubling from
// the base and capped at the max.
func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.opts.ReconnectDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= m.opts.ReconnectMaxDelay {
			return m.opts.ReconnectMaxDelay
		}
	}
	return delay
}

// reconnect fires from the retry timer. A session that was closed, logged
// out, or already reconnected in the meantime is left alone.
func (m *Manager) reconnect(id string) {
	m.keys.Lock(id)
	defer m.keys.Unlock(id)

	m.mu.RLock()
	cur, ok := m.sessions[id]
	var cb Callbacks
	status := Disconnected
	if ok {
		cb = cur.callbacks
		status = cur.status
	}
	m.mu.RUnlock()
	if !ok || status != Disconnected {
		return
	}

	log.Printf("[%s] attempting reconnect", id)
	if _, err := m.create(context.Background(), id, cb); err != nil {
		m.mu.Lock()
		attempt := m.retries[id]
		if attempt >= m.opts.ReconnectMaxAttempts {
			if sess, still := m.sessions[id]; still {
				sess.status = Failed
				info := sess.snapshot(attempt)
				m.mu.Unlock()
				log.Printf("[%s] reconnect dial failed, budget exhausted: %v", id, err)
				m.notifyUpdated(info)
				m.fireUpdate(id, cb, Update{Status: Failed, Reason: "dial_failed"})
				return
			}
			m.mu.Unlock()
			log.Printf("[%s] reconnect dial failed, budget exhausted: %v", id, err)
			return
		}
		m.retries[id] = attempt + 1
		delay := m.backoff(attempt)
		m.mu.Unlock()
		log.Printf("[%s] reconnect dial failed, retrying in %s: %v", id, delay, err)
		time.AfterFunc(delay, func() { m.reconnect(id) })
	}
}

// fireUpdate invokes the owner's connection callback, logging any error.
// State has already committed by the time the callback runs.
func (m *Manager) fireUpdate(id string, cb Callbacks, u Update) {
	if cb.OnConnectionUpdate == nil {
		return
	}
	if err := cb.OnConnectionUpdate(u); err != nil {
		log.Printf("[%s] connection callback: %v", id, err)
	}
}

func (m *Manager) notifyUpdated(info Info) {
	if m.notifier != nil {
		m.notifier.SessionUpdated(info)
	}
}

func (m *Manager) notifyRemoved(id string) {
	if m.notifier != nil {
		m.notifier.SessionRemoved(id)
	}
}
