package resilience

import (
	"sync"
	"time"
)

// ItemState is what the sweep remembers about an open item between runs.
type ItemState struct {
	SubjectID   string
	WarnedAt    time.Time
	Fallback    Strategy
	ActivatedAt time.Time
	LastSeen    time.Time
}

// Tracker is an in-memory overlay over stored sessions and requests. It makes sure a sweep
// warns at most once and activates at most one fallback per item.
type Tracker struct {
	items map[string]*ItemState
	mu    sync.RWMutex
}

func NewTracker() *Tracker {
	return &Tracker{items: make(map[string]*ItemState)}
}

func (t *Tracker) item(id string, now time.Time) *ItemState {
	st, ok := t.items[id]
	if !ok {
		st = &ItemState{SubjectID: id}
		t.items[id] = st
	}
	st.LastSeen = now
	return st
}

// MarkWarned records a warning and reports whether it is the first for id.
func (t *Tracker) MarkWarned(id string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.item(id, now)
	if !st.WarnedAt.IsZero() {
		return false
	}
	st.WarnedAt = now
	return true
}

// MarkFallback records an activated fallback and reports whether it is the first for id.
func (t *Tracker) MarkFallback(id string, strategy Strategy, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.item(id, now)
	if st.Fallback != "" {
		return false
	}
	st.Fallback = strategy
	st.ActivatedAt = now
	return true
}

// Get returns a copy of the state recorded for id.
func (t *Tracker) Get(id string) (ItemState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.items[id]
	if !ok {
		return ItemState{}, false
	}
	return *st, true
}

func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, id)
}

// Prune drops every item not in open and returns how many were dropped.
func (t *Tracker) Prune(open map[string]bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := 0
	for id := range t.items {
		if !open[id] {
			delete(t.items, id)
			dropped++
		}
	}
	return dropped
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}
