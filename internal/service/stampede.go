package service

import (
	"sync"
)

// stampedeTracker counts upstream fetches in progress per cache key. A count above 1 means
// several requests missed the same key at once. It only feeds metrics; fetches are not shared.
type stampedeTracker struct {
	mu       sync.Mutex
	inFlight map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{
		inFlight: make(map[string]int),
	}
}

// Begin records the start of a fetch for key and returns the number of fetches now in progress
// for it. Callers must call Done(key) when the fetch completes.
func (st *stampedeTracker) Begin(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.inFlight[key]++
	return st.inFlight[key]
}

// Done records the end of a fetch for key.
func (st *stampedeTracker) Done(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inFlight[key] <= 1 {
		delete(st.inFlight, key)
		return
	}
	st.inFlight[key]--
}
