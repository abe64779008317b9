package session

import (
	"sync"

	"github.com/eapache/queue"
)

// keyedMutex serializes operations per instance id. Waiters for the same
// key are woken strictly in arrival order, so a manual reconnect that races
// the retry timer runs after it, not interleaved with it. Different keys
// never block each other.
type keyedMutex struct {
	mu      sync.Mutex
	held    map[string]bool
	waiters map[string]*queue.Queue
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		held:    make(map[string]bool),
		waiters: make(map[string]*queue.Queue),
	}
}

func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	if !k.held[key] {
		k.held[key] = true
		k.mu.Unlock()
		return
	}
	wake := make(chan struct{})
	q, ok := k.waiters[key]
	if !ok {
		q = queue.New()
		k.waiters[key] = q
	}
	q.Add(wake)
	k.mu.Unlock()
	<-wake
}

func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	q, ok := k.waiters[key]
	if !ok || q.Length() == 0 {
		delete(k.held, key)
		delete(k.waiters, key)
		return
	}
	// Hand the lock directly to the oldest waiter.
	wake := q.Remove().(chan struct{})
	close(wake)
}
