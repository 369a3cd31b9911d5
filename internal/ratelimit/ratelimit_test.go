package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := NewIPLimiter(5, time.Hour)

	for i := 0; i < 5; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("upgrade %d should be allowed", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("6th upgrade should be denied")
	}
}

func TestDeniedRequestNotRecorded(t *testing.T) {
	l := NewIPLimiter(1, 50*time.Millisecond)

	l.Allow("10.0.0.1")
	// Denied attempts must not extend the window.
	l.Allow("10.0.0.1")
	l.Allow("10.0.0.1")

	time.Sleep(60 * time.Millisecond)
	if !l.Allow("10.0.0.1") {
		t.Fatal("should be allowed once the first request ages out")
	}
}

func TestPerIPIsolation(t *testing.T) {
	l := NewIPLimiter(1, time.Hour)

	if !l.Allow("10.0.0.1") {
		t.Fatal("first IP should be allowed")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("second IP has its own budget")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("first IP should be exhausted")
	}
}

func TestWindowSlides(t *testing.T) {
	l := NewIPLimiter(2, 50*time.Millisecond)

	l.Allow("10.0.0.1")
	l.Allow("10.0.0.1")
	if l.Allow("10.0.0.1") {
		t.Fatal("should be denied inside the window")
	}

	time.Sleep(60 * time.Millisecond)
	if !l.Allow("10.0.0.1") {
		t.Fatal("should be allowed after the window slides past")
	}
}
