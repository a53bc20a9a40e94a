package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("https://hooks.example.com/a") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	// 2 failures = still closed
	b.RecordFailure("ep1")
	b.RecordFailure("ep1")
	if !b.Allow("ep1") {
		t.Fatal("should still allow before threshold")
	}

	// 3rd failure = open
	b.RecordFailure("ep1")
	if b.Allow("ep1") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("ep1") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("ep1"))
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("ep1")
	b.RecordFailure("ep1")
	if b.Allow("ep1") {
		t.Fatal("should be open")
	}

	time.Sleep(60 * time.Millisecond)

	// Transitions to half-open and allows one probe
	if !b.Allow("ep1") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("ep1") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("ep1"))
	}

	// Second request while probing is rejected
	if b.Allow("ep1") {
		t.Fatal("should reject while probe in flight")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := New(2, 20*time.Millisecond)

	b.RecordFailure("ep1")
	b.RecordFailure("ep1")
	time.Sleep(30 * time.Millisecond)
	if !b.Allow("ep1") {
		t.Fatal("should allow probe")
	}

	b.RecordSuccess("ep1")
	if b.State("ep1") != StateClosed {
		t.Fatalf("expected StateClosed after probe success, got %v", b.State("ep1"))
	}
	if !b.Allow("ep1") {
		t.Fatal("closed circuit should allow")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := New(2, 20*time.Millisecond)

	b.RecordFailure("ep1")
	b.RecordFailure("ep1")
	time.Sleep(30 * time.Millisecond)
	if !b.Allow("ep1") {
		t.Fatal("should allow probe")
	}

	b.RecordFailure("ep1")
	if b.State("ep1") != StateOpen {
		t.Fatalf("expected StateOpen after probe failure, got %v", b.State("ep1"))
	}
	if b.Allow("ep1") {
		t.Fatal("reopened circuit should reject")
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(2, time.Minute)

	b.RecordFailure("dead")
	b.RecordFailure("dead")

	if b.Allow("dead") {
		t.Fatal("tripped key should reject")
	}
	if !b.Allow("healthy") {
		t.Fatal("untouched key should allow")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("ep1")
	b.RecordFailure("ep1")
	b.RecordSuccess("ep1")

	// Two more failures stay under the threshold after the reset
	b.RecordFailure("ep1")
	b.RecordFailure("ep1")
	if !b.Allow("ep1") {
		t.Fatal("failure count should have been reset by success")
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(5, 10*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Allow("shared")
				b.RecordFailure("shared")
				b.RecordSuccess("shared")
			}
		}()
	}
	wg.Wait()
}
