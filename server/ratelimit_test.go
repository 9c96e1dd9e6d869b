package server

import (
	"testing"
	"time"
)

func TestSlidingWindowCapsBurst(t *testing.T) {
	w := newSlidingWindow(12, 5*time.Second)
	now := time.Now()
	accepted := 0
	for i := 0; i < 15; i++ {
		if w.Allow(now.Add(time.Duration(i) * time.Millisecond)) {
			accepted++
		}
	}
	if accepted != 12 {
		t.Fatalf("accepted %d of 15 back-to-back events, want 12", accepted)
	}
}

func TestSlidingWindowRecovers(t *testing.T) {
	w := newSlidingWindow(12, 5*time.Second)
	now := time.Now()
	for i := 0; i < 12; i++ {
		if !w.Allow(now) {
			t.Fatalf("event %d rejected under limit", i)
		}
	}
	if w.Allow(now.Add(time.Second)) {
		t.Fatal("13th event inside window must be rejected")
	}
	if !w.Allow(now.Add(5*time.Second + time.Millisecond)) {
		t.Fatal("event after the window expires must be accepted")
	}
}

func TestSlidingWindowSpreadUnderWindow(t *testing.T) {
	// Inter-arrival gaps summing to just under the window never admit
	// more than the limit.
	w := newSlidingWindow(12, 5*time.Second)
	now := time.Now()
	accepted := 0
	for i := 0; i < 20; i++ {
		if w.Allow(now.Add(time.Duration(i) * 240 * time.Millisecond)) {
			accepted++
		}
	}
	if accepted > 13 {
		t.Fatalf("accepted %d events, window must cap throughput", accepted)
	}
}
