package scheduler

import (
	"testing"
)

func TestWakeCoalescesNotifications(t *testing.T) {
	w := NewWake()
	w.Notify()
	w.Notify()
	w.Notify()

	select {
	case <-w.C():
	default:
		t.Fatal("expected a pending wakeup")
	}

	select {
	case <-w.C():
		t.Fatal("repeated notifies should coalesce into one wakeup")
	default:
	}
}

func TestWakeNotifyNeverBlocks(t *testing.T) {
	w := NewWake()
	for i := 0; i < 100; i++ {
		w.Notify()
	}
}
