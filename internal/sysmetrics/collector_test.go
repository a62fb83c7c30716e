package sysmetrics

import "testing"

func TestSaturatingSub(t *testing.T) {
	if got := saturatingSub(100, 40); got != 60 {
		t.Errorf("saturatingSub(100, 40) = %d, want 60", got)
	}
	if got := saturatingSub(10, 40); got != 0 {
		t.Errorf("saturatingSub(10, 40) = %d, want 0 (floored)", got)
	}
}

func TestForgetDropsCachedCounters(t *testing.T) {
	c := New(nil)
	c.prevIO[42] = ioCounters{read: 100, write: 200}

	c.Forget(42)

	if _, ok := c.prevIO[42]; ok {
		t.Error("expected Forget to remove the cached I/O counters for the PID")
	}
}

func TestNewInitializesEmptyIOCache(t *testing.T) {
	c := New([]string{"/"})
	if len(c.prevIO) != 0 {
		t.Errorf("expected a fresh Collector to start with no cached counters, got %d", len(c.prevIO))
	}
	if len(c.mounts) != 1 || c.mounts[0] != "/" {
		t.Errorf("mounts = %v, want [/]", c.mounts)
	}
}
