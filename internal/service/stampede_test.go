package service

import (
	"sync"
	"testing"
)

// TestStampedeTracker_BeginDone verifies per-key counting and removal once every fetch is done.
func TestStampedeTracker_BeginDone(t *testing.T) {
	st := newStampedeTracker()
	key := "weather:seattle"

	if got := st.Begin(key); got != 1 {
		t.Errorf("Begin first = %d, want 1", got)
	}
	if got := st.Begin(key); got != 2 {
		t.Errorf("Begin second = %d, want 2", got)
	}
	if got := st.Begin("weather:paris"); got != 1 {
		t.Errorf("other key = %d, want 1", got)
	}

	st.Done(key)
	st.Done(key)
	if _, ok := st.inFlight[key]; ok {
		t.Errorf("key still tracked after all fetches done")
	}

	// Done without Begin is harmless.
	st.Done("weather:unknown")
	if got := st.Begin(key); got != 1 {
		t.Errorf("Begin after reset = %d, want 1", got)
	}
}

func TestStampedeTracker_Concurrent(t *testing.T) {
	st := newStampedeTracker()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.Begin("k")
			st.Done("k")
		}()
	}
	wg.Wait()

	if len(st.inFlight) != 0 {
		t.Errorf("inFlight = %v, want empty", st.inFlight)
	}
}
