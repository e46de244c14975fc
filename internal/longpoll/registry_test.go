package longpoll

import (
	"testing"
	"time"

	"github.com/talerforge/merchantd/pkg/amount"
)

func waitAnswer(t *testing.T, w *Waiter, within time.Duration) Answer {
	t.Helper()
	select {
	case a := <-w.C:
		return a
	case <-time.After(within):
		t.Fatal("waiter did not complete in time")
		return Answer{}
	}
}

func TestResumePaidWakesWaiters(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	w1 := r.Wait("default", "order-1", time.Now().Add(5*time.Second), nil)
	w2 := r.Wait("default", "order-1", time.Now().Add(5*time.Second), nil)
	other := r.Wait("default", "order-2", time.Now().Add(5*time.Second), nil)

	r.ResumePaid("default", "order-1")

	for _, w := range []*Waiter{w1, w2} {
		if a := waitAnswer(t, w, time.Second); a.Outcome != OutcomePaid {
			t.Errorf("expected OutcomePaid, got %v", a.Outcome)
		}
	}

	// The other order's waiter stays suspended.
	select {
	case <-other.C:
		t.Error("unrelated waiter was resumed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeadlineTimesOut(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	w := r.Wait("default", "order-1", time.Now().Add(50*time.Millisecond), nil)

	a := waitAnswer(t, w, time.Second)
	if a.Outcome != OutcomeTimeout {
		t.Errorf("expected OutcomeTimeout, got %v", a.Outcome)
	}
}

func TestRefundThreshold(t *testing.T) {
	r := NewRegistry()
	defer r.Close()

	known := amount.MustParse("EUR:3")
	picky := r.Wait("default", "order-1", time.Now().Add(5*time.Second), &known)
	eager := r.Wait("default", "order-1", time.Now().Add(5*time.Second), nil)

	// A refund the picky waiter already knows about wakes only the
	// eager one.
	r.ResumeRefund("default", "order-1", amount.MustParse("EUR:3"))

	a := waitAnswer(t, eager, time.Second)
	if a.Outcome != OutcomeRefund || a.RefundTotal.String() != "EUR:3" {
		t.Errorf("unexpected answer %+v", a)
	}
	select {
	case <-picky.C:
		t.Fatal("waiter below threshold was resumed")
	case <-time.After(50 * time.Millisecond):
	}

	// A larger total wakes it.
	r.ResumeRefund("default", "order-1", amount.MustParse("EUR:4"))
	a = waitAnswer(t, picky, time.Second)
	if a.Outcome != OutcomeRefund || a.RefundTotal.String() != "EUR:4" {
		t.Errorf("unexpected answer %+v", a)
	}
}

func TestCloseCompletesEverything(t *testing.T) {
	r := NewRegistry()

	w := r.Wait("default", "order-1", time.Now().Add(time.Hour), nil)
	r.Close()

	if a := waitAnswer(t, w, time.Second); a.Outcome != OutcomeTimeout {
		t.Errorf("expected OutcomeTimeout on close, got %v", a.Outcome)
	}

	// Waiters registered after close complete immediately.
	late := r.Wait("default", "order-2", time.Now().Add(time.Hour), nil)
	if a := waitAnswer(t, late, time.Second); a.Outcome != OutcomeTimeout {
		t.Errorf("expected immediate timeout after close, got %v", a.Outcome)
	}
}
