package acme

import (
	"maps"
	"sync"
)

// Operation names used in locks, logs and history.
const (
	OpAdd     = "add"
	OpRenew   = "renew"
	OpDelete  = "delete"
	OpRevoke  = "revoke"
	OpRestore = "restore"
)

// ReleaseFunc releases a lock taken with TryLock. Calling it more than once
// is harmless.
type ReleaseFunc func()

type heldLock struct {
	op    string
	token uint64
}

// LockTable holds at most one operation lock per certificate name. There is
// no queueing: a second TryLock on a held name fails immediately.
type LockTable struct {
	mu   sync.Mutex
	held map[string]heldLock
	next uint64
}

// NewLockTable returns an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{held: make(map[string]heldLock)}
}

// TryLock takes the lock for name on behalf of op, or returns a *LockError
// naming the operation that currently holds it.
func (t *LockTable) TryLock(name, op string) (ReleaseFunc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.held[name]; ok {
		return nil, &LockError{Name: name, Op: op, Holder: h.op}
	}
	t.next++
	token := t.next
	t.held[name] = heldLock{op: op, token: token}

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			// Clear may have dropped the lock and another holder taken it.
			if h, ok := t.held[name]; ok && h.token == token {
				delete(t.held, name)
			}
		})
	}, nil
}

// Holder reports the operation holding name, if any.
func (t *LockTable) Holder(name string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.held[name]
	return h.op, ok
}

// Held returns a snapshot of name to operation for every held lock.
func (t *LockTable) Held() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.held))
	for name, h := range t.held {
		out[name] = h.op
	}
	return out
}

// Clear drops every lock. Used at shutdown once background work is drained.
func (t *LockTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	maps.DeleteFunc(t.held, func(string, heldLock) bool { return true })
}
