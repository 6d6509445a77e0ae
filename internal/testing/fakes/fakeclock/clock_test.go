package fakeclock

import (
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestClock_Advance(t *testing.T) {
	c := New(epoch)
	c.Advance(5 * time.Minute)

	if got := c.Now(); !got.Equal(epoch.Add(5 * time.Minute)) {
		t.Errorf("Now() = %v", got)
	}
}

func TestClock_After(t *testing.T) {
	c := New(epoch)
	ch := c.After(5 * time.Minute)

	select {
	case <-ch:
		t.Fatal("After fired too early")
	default:
	}

	c.Advance(6 * time.Minute)

	select {
	case <-ch:
	default:
		t.Error("After did not fire after Advance")
	}
}

func TestClock_AfterZeroFiresImmediately(t *testing.T) {
	c := New(epoch)
	select {
	case <-c.After(0):
	default:
		t.Error("After(0) should be ready")
	}
}

func TestClock_TickerFiresOnAdvance(t *testing.T) {
	c := New(epoch)
	tk := c.NewTicker(30 * time.Second)

	c.Advance(29 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case <-tk.C():
	default:
		t.Fatal("ticker did not fire at its interval")
	}

	tk.Stop()
	c.Advance(time.Minute)
	select {
	case <-tk.C():
		t.Error("stopped ticker fired")
	default:
	}
}

func TestClock_BlockUntil(t *testing.T) {
	c := New(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Second)
		close(done)
	}()

	c.BlockUntil(1)
	c.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never released")
	}
}
