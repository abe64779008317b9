package session

import (
	"context"
	"log"
	"time"
)

// CleanupInactive evicts every session that is not connected and has been
// idle longer than maxIdle. Connected sessions are never evicted no matter
// how quiet they are. Returns the number of sessions removed.
func (m *Manager) CleanupInactive(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.RLock()
	candidates := make([]string, 0)
	for id, sess := range m.sessions {
		if sess.status != Connected && sess.lastSeenAt.Before(cutoff) {
			candidates = append(candidates, id)
		}
	}
	m.mu.RUnlock()

	evicted := 0
	for _, id := range candidates {
		if m.evictIdle(id, cutoff) {
			evicted++
		}
	}
	return evicted
}

// evictIdle re-checks eligibility under the key lock so a session that
// connected between the scan and the eviction survives.
func (m *Manager) evictIdle(id string, cutoff time.Time) bool {
	m.keys.Lock(id)
	defer m.keys.Unlock(id)

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || sess.status == Connected || !sess.lastSeenAt.Before(cutoff) {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	delete(m.retries, id)
	m.mu.Unlock()

	if err := sess.handle.End(); err != nil {
		log.Printf("[%s] ending handle during eviction: %v", id, err)
	}
	m.notifyRemoved(id)
	log.Printf("[%s] evicted idle session (last seen %s)", id, sess.lastSeenAt.Format(time.RFC3339))
	return true
}

// RunSweeper evicts idle sessions on a fixed period until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.CleanupInactive(maxIdle); n > 0 {
				log.Printf("sweeper: evicted %d idle session(s)", n)
			}
		}
	}
}
