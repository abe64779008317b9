package session

import (
	"context"
	"errors"
	"log"
	"regexp"
	"time"
)

// errIdentityUnresolved means the full chain came up empty for every
// attempt in the budget.
var errIdentityUnresolved = errors.New("identity unresolved")

// identityPattern matches the numeric account identifier as it appears
// inside serialized credential material (an 8+ digit run before the
// device/server suffix).
var identityPattern = regexp.MustCompile(`"(?:id|me)"\s*:\s*"?(\d{8,})`)

// minPlausibleIdentity guards the address-book fallback against short
// service or group identifiers.
const minPlausibleIdentity = 8

// resolveIdentity walks the fallback chain until an identifier is found or
// the retry budget runs out. Each step is cheap and non-destructive; the
// chain is re-run in full on every attempt because the transport may expose
// its user field only after a short delay.
func (m *Manager) resolveIdentity(sess *session) (string, error) {
	for attempt := 1; attempt <= m.opts.IdentityAttempts; attempt++ {
		if id := m.identityStep(sess, attempt); id != "" {
			return id, nil
		}
		if attempt < m.opts.IdentityAttempts {
			time.Sleep(m.opts.IdentityDelay)
		}
	}
	return "", errIdentityUnresolved
}

func (m *Manager) identityStep(sess *session, attempt int) string {
	// 1. Already cached on the session.
	m.mu.RLock()
	cached := sess.identity
	m.mu.RUnlock()
	if cached != "" {
		return cached
	}

	// 2. Transport-exposed current user.
	if id := sess.handle.User(); id != "" {
		return id
	}

	// 3. Credential mirror of the same identity.
	if id := sess.handle.CredentialID(); id != "" {
		return id
	}

	// 4. Pattern extraction from the serialized credential blob.
	if blob, err := m.creds.Blob(sess.id); err == nil {
		if match := identityPattern.FindSubmatch(blob); match != nil {
			return string(match[1])
		}
	}

	// 5. First address-book entry, if long enough to be a real account.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	contacts, err := sess.handle.Contacts(ctx)
	cancel()
	if err == nil && len(contacts) > 0 && len(contacts[0]) >= minPlausibleIdentity {
		return contacts[0]
	}

	// 6. Durably recorded identity from a previous run.
	if m.opts.StoredIdentity != nil {
		if id := m.opts.StoredIdentity(sess.id); id != "" {
			return id
		}
	}

	log.Printf("[%s] identity attempt %d/%d unresolved", sess.id, attempt, m.opts.IdentityAttempts)
	return ""
}
