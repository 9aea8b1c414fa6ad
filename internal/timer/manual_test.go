package timer

import (
	"testing"
	"time"
)

func TestManual_FiresInDeadlineOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var order []string

	m.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	m.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	m.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	m.Advance(5 * time.Second)

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("unexpected order: %v", order)
	}
	if got := m.Now(); !got.Equal(time.Unix(5, 0)) {
		t.Errorf("expected clock at 5s, got %v", got)
	}
}

func TestManual_StopPreventsFire(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := false

	task := m.AfterFunc(time.Second, func() { fired = true })
	if !task.Stop() {
		t.Fatal("expected Stop to report true for a pending task")
	}
	if task.Stop() {
		t.Error("second Stop should report false")
	}

	m.Advance(2 * time.Second)
	if fired {
		t.Error("stopped task fired")
	}
	if m.Pending() != 0 {
		t.Errorf("expected 0 pending, got %d", m.Pending())
	}
}

func TestManual_PartialAdvance(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := 0
	m.AfterFunc(10*time.Second, func() { fired++ })

	m.Advance(9 * time.Second)
	if fired != 0 {
		t.Fatal("task fired early")
	}
	m.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("expected task to fire once, fired %d", fired)
	}
}

func TestManual_CallbackSchedulesInsideWindow(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var hits []time.Time

	m.AfterFunc(time.Second, func() {
		hits = append(hits, m.Now())
		m.AfterFunc(time.Second, func() { hits = append(hits, m.Now()) })
	})

	m.Advance(3 * time.Second)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if !hits[1].Equal(time.Unix(2, 0)) {
		t.Errorf("nested task ran at %v, want 2s", hits[1])
	}
}

func TestStop_NilSafe(t *testing.T) {
	Stop(nil)
}
