package session

import "sync"

// Quota records whether an AI call in this session reported quota
// exhaustion. Once set it stays set until Clear.
type Quota struct {
	mu        sync.RWMutex
	exhausted bool
}

func (q *Quota) Exhausted() bool {
	if q == nil {
		return false
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.exhausted
}

// MarkExhausted sets the flag and reports whether this call flipped it.
func (q *Quota) MarkExhausted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.exhausted {
		return false
	}
	q.exhausted = true
	return true
}

func (q *Quota) Clear() {
	q.mu.Lock()
	q.exhausted = false
	q.mu.Unlock()
}
