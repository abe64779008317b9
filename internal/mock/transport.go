// Package mock is a scripted in-memory transport used by the -mock run
// mode and by package tests. Each instance id gets a script describing how
// its connection behaves: QR then scan, immediate open, heuristic-only
// signals, or failing sends.
package mock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tote-system/whatsapp-gateway/internal/transport"
)

// Script describes how a mocked connection behaves after Dial.
type Script struct {
	// QR emitted before connecting. Empty skips the pairing phase.
	QR string
	// ScanDelay is the pause between the QR and the open event.
	ScanDelay time.Duration
	// HeuristicOnly connects via auxiliary signal flags instead of an
	// explicit open event.
	HeuristicOnly bool
	// User is the account identifier exposed once connected.
	User string
	// Contacts is the address book returned by the handle.
	Contacts []string
	// FailRecipients maps recipient addresses to the error their sends
	// and probes fail with.
	FailRecipients map[string]string
	// DialErr, when set, fails the dial itself.
	DialErr error
	// Manual suppresses the automatic event script entirely; the test
	// drives the handle through Emit.
	Manual bool
}

// Dialer hands out scripted handles keyed by the instance id, which is the
// base name of the credential directory.
type Dialer struct {
	mu      sync.Mutex
	def     Script
	scripts map[string]Script
	handles map[string]*Handle
	dials   map[string]int
}

func NewDialer(def Script) *Dialer {
	return &Dialer{
		def:     def,
		scripts: make(map[string]Script),
		handles: make(map[string]*Handle),
		dials:   make(map[string]int),
	}
}

// Dials reports how many times the instance has been dialed.
func (d *Dialer) Dials(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[id]
}

// Script installs a per-instance script, overriding the default.
func (d *Dialer) Script(id string, s Script) {
	d.mu.Lock()
	d.scripts[id] = s
	d.mu.Unlock()
}

// Handle returns the most recently dialed handle for the instance, if any.
func (d *Dialer) Handle(id string) *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[id]
}

func (d *Dialer) Dial(ctx context.Context, credsDir string) (transport.Handle, error) {
	id := filepath.Base(credsDir)

	d.mu.Lock()
	script, ok := d.scripts[id]
	if !ok {
		script = d.def
	}
	d.dials[id]++
	d.mu.Unlock()

	if script.DialErr != nil {
		return nil, script.DialErr
	}

	h := &Handle{
		id:     id,
		script: script,
		events: make(chan transport.Event, 32),
	}

	d.mu.Lock()
	d.handles[id] = h
	d.mu.Unlock()

	if !script.Manual {
		go h.run()
	}
	return h, nil
}

// Sent records one delivered message.
type Sent struct {
	Recipient string
	Message   transport.Message
}

type Handle struct {
	id     string
	script Script

	mu        sync.Mutex
	sent      []Sent
	connected bool
	loggedOut bool
	closed    bool

	events    chan transport.Event
	closeOnce sync.Once
}

// run plays the script: connecting, optional QR, then either an explicit
// open or a heuristic-only signal.
func (h *Handle) run() {
	h.Emit(transport.Event{Connection: transport.ConnConnecting})
	if h.script.QR != "" {
		h.Emit(transport.Event{QR: h.script.QR})
		if h.script.ScanDelay > 0 {
			time.Sleep(h.script.ScanDelay)
		}
	}
	h.mu.Lock()
	h.connected = true
	h.mu.Unlock()
	if h.script.HeuristicOnly {
		h.Emit(transport.Event{IsOnline: true, HasChats: true})
	} else {
		h.Emit(transport.Event{Connection: transport.ConnOpen})
	}
}

// Emit injects an event, dropping it if the handle has ended. Tests use
// this to script closes and auxiliary signals. The send happens under the
// lock so Emit and End never race on the channel.
func (h *Handle) Emit(ev transport.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.events <- ev
}

func (h *Handle) Events() <-chan transport.Event { return h.events }

func (h *Handle) Send(ctx context.Context, recipient string, msg transport.Message) (transport.Receipt, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return transport.Receipt{}, errors.New("handle ended")
	}
	if errMsg, ok := h.script.FailRecipients[recipient]; ok {
		return transport.Receipt{}, fmt.Errorf("send to %s: %s", recipient, errMsg)
	}
	h.sent = append(h.sent, Sent{Recipient: recipient, Message: msg})
	return transport.Receipt{MessageID: uuid.NewString(), Timestamp: time.Now()}, nil
}

func (h *Handle) ProbeExists(ctx context.Context, recipient string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if errMsg, ok := h.script.FailRecipients[recipient]; ok {
		return false, fmt.Errorf("probe %s: %s", recipient, errMsg)
	}
	return true, nil
}

func (h *Handle) User() string {
	return h.script.User
}

func (h *Handle) CredentialID() string {
	return h.User()
}

func (h *Handle) Contacts(ctx context.Context) ([]string, error) {
	out := make([]string, len(h.script.Contacts))
	copy(out, h.script.Contacts)
	return out, nil
}

func (h *Handle) Logout(ctx context.Context) error {
	h.mu.Lock()
	h.loggedOut = true
	h.connected = false
	h.mu.Unlock()
	return nil
}

func (h *Handle) End() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.closeOnce.Do(func() { close(h.events) })
	return nil
}

// SentMessages returns a copy of everything delivered through this handle.
func (h *Handle) SentMessages() []Sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Sent, len(h.sent))
	copy(out, h.sent)
	return out
}

// LoggedOut reports whether Logout was called.
func (h *Handle) LoggedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loggedOut
}

// Ended reports whether End was called.
func (h *Handle) Ended() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
