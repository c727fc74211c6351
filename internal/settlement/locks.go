package settlement

import "sync"

// keyedMutex provides one mutex per key. Entries are reference counted and
// removed when the last holder or waiter releases them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is held and returns its unlock function.
func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()

	return func() {
		m.mu.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// size returns the number of live keys.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func tokenKey(address string) string { return "token:" + address }
func agentKey(agentID string) string { return "agent:" + agentID }

// lockTrade acquires the token lock then the agent lock. The order is
// fixed for every operation that holds both.
func (e *Engine) lockTrade(tokenAddress, agentID string) (unlock func()) {
	unlockToken := e.locks.Lock(tokenKey(tokenAddress))
	unlockAgent := e.locks.Lock(agentKey(agentID))
	return func() {
		unlockAgent()
		unlockToken()
	}
}
