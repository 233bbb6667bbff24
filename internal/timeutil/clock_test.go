package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	var c RealClock
	before := time.Now()
	got := c.Now()
	if got.Before(before) {
		t.Errorf("RealClock.Now() = %v, before %v", got, before)
	}
}

func TestMockClock_AfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	ch := c.After(2 * time.Second)

	c.Advance(time.Second)
	select {
	case <-ch:
		t.Fatal("After fired too early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Errorf("Expected %v, got %v", start.Add(2*time.Second), got)
		}
	default:
		t.Fatal("After did not fire at deadline")
	}
}

func TestMockClock_AfterNonPositive(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestMockClock_BlockUntilWaiters(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	done := make(chan struct{})

	go func() {
		<-c.After(200 * time.Millisecond)
		close(done)
	}()

	c.BlockUntilWaiters(1)
	c.Advance(200 * time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestMockTicker(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	tk := c.NewTicker(10 * time.Millisecond)

	c.Advance(5 * time.Millisecond)
	select {
	case <-tk.C():
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(5 * time.Millisecond)
	select {
	case <-tk.C():
	default:
		t.Fatal("ticker did not fire")
	}

	tk.Stop()
	c.Advance(time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
