package pairing

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRefRotatorPayloadFormat(t *testing.T) {
	r := NewRefRotator([]string{"R1"}, []byte("noise-pub"), []byte("id-pub"), "adv-secret", nil)
	payload := r.Payload("R1")
	parts := strings.Split(payload, ",")
	if len(parts) != 4 {
		t.Fatalf("expected 4 comma-joined fields, got %d: %q", len(parts), payload)
	}
	if parts[0] != "R1" {
		t.Errorf("expected ref first, got %q", parts[0])
	}
	if parts[3] != "adv-secret" {
		t.Errorf("expected adv secret last, got %q", parts[3])
	}
}

func TestRefRotatorEmitsFirstRefImmediately(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	r := NewRefRotator([]string{"R1", "R2"}, []byte("n"), []byte("i"), "adv", func(payload string) {
		mu.Lock()
		seen = append(seen, payload)
		mu.Unlock()
	})
	r.Start()
	defer r.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("expected exactly one immediate emission, got %d", len(seen))
	}
	if !strings.HasPrefix(seen[0], "R1,") {
		t.Errorf("expected first emission for R1, got %q", seen[0])
	}
}

func TestRefRotatorStopPreventsFurtherEmission(t *testing.T) {
	var mu sync.Mutex
	count := 0
	r := NewRefRotator([]string{"R1", "R2"}, []byte("n"), []byte("i"), "adv", func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	r.Start()
	r.Stop()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected only the initial emission after Stop, got %d", count)
	}
}

func TestRefRotatorRotatesThroughAllRefs(t *testing.T) {
	// Exercise the rotation logic directly via rotate() rather than
	// sleeping through the real 60s/20s timers.
	var mu sync.Mutex
	var seen []string
	r := NewRefRotator([]string{"R1", "R2", "R3"}, []byte("n"), []byte("i"), "adv", func(payload string) {
		mu.Lock()
		seen = append(seen, payload)
		mu.Unlock()
	})

	r.mu.Lock()
	r.emitLocked()
	r.mu.Unlock()
	r.rotate()
	r.rotate()
	r.rotate() // past the end: no-op, no panic

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("expected 3 emissions (R1..R3), got %d: %+v", len(seen), seen)
	}
	for i, want := range []string{"R1", "R2", "R3"} {
		if !strings.HasPrefix(seen[i], want+",") {
			t.Errorf("emission %d: expected prefix %q, got %q", i, want, seen[i])
		}
	}
}
