// Package longpoll suspends payment-status and refund requests until a
// payment or refund event arrives or the caller's deadline passes.
package longpoll

import (
	"sync"
	"time"

	"github.com/talerforge/merchantd/pkg/amount"
	"github.com/talerforge/merchantd/pkg/logging"
)

// Outcome tells a resumed waiter why it woke up.
type Outcome int

const (
	// OutcomeTimeout: the deadline passed with no event.
	OutcomeTimeout Outcome = iota
	// OutcomePaid: the order was fully paid.
	OutcomePaid
	// OutcomeRefund: the order's refund total grew.
	OutcomeRefund
)

// Answer is delivered to a waiter exactly once.
type Answer struct {
	Outcome     Outcome
	RefundTotal amount.Amount
}

type key struct {
	instanceID string
	orderID    string
}

// Waiter is a suspended request. The channel receives exactly one
// answer; it is buffered so resumers never block.
type Waiter struct {
	C        <-chan Answer
	ch       chan Answer
	deadline time.Time

	// minRefund suppresses refund wakeups below a threshold the wallet
	// already knows about. Zero value means any refund wakes.
	minRefund *amount.Amount
}

// Registry is the in-process map of suspended requests. A single timer
// goroutine fires at the earliest pending deadline.
type Registry struct {
	mu      sync.Mutex
	waiters map[key][]*Waiter
	timer   *time.Timer
	closed  bool
	log     *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		waiters: make(map[key][]*Waiter),
		log:     logging.Component("longpoll"),
	}
}

// Wait registers a waiter for (instance, order) until deadline.
// minRefund, when non-nil, limits refund wakeups to totals above it.
func (r *Registry) Wait(instanceID, orderID string, deadline time.Time, minRefund *amount.Amount) *Waiter {
	ch := make(chan Answer, 1)
	w := &Waiter{C: ch, ch: ch, deadline: deadline, minRefund: minRefund}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		w.deliver(Answer{Outcome: OutcomeTimeout})
		return w
	}

	k := key{instanceID, orderID}
	r.waiters[k] = append(r.waiters[k], w)
	r.rescheduleLocked()
	return w
}

// ResumePaid completes every waiter of the order with a paid answer.
func (r *Registry) ResumePaid(instanceID, orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{instanceID, orderID}
	for _, w := range r.waiters[k] {
		w.deliver(Answer{Outcome: OutcomePaid})
	}
	if n := len(r.waiters[k]); n > 0 {
		r.log.Debug("resumed waiters", "order", orderID, "count", n, "reason", "paid")
	}
	delete(r.waiters, k)
	r.rescheduleLocked()
}

// ResumeRefund wakes waiters interested in the new refund total.
// Waiters with a higher minimum stay suspended.
func (r *Registry) ResumeRefund(instanceID, orderID string, total amount.Amount) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{instanceID, orderID}
	var kept []*Waiter
	woken := 0
	for _, w := range r.waiters[k] {
		if w.minRefund != nil {
			if cmp, err := total.Cmp(*w.minRefund); err == nil && cmp <= 0 {
				kept = append(kept, w)
				continue
			}
		}
		w.deliver(Answer{Outcome: OutcomeRefund, RefundTotal: total})
		woken++
	}
	if woken > 0 {
		r.log.Debug("resumed waiters", "order", orderID, "count", woken, "reason", "refund")
	}
	if len(kept) > 0 {
		r.waiters[k] = kept
	} else {
		delete(r.waiters, k)
	}
	r.rescheduleLocked()
}

// Close times out every pending waiter. New waiters complete
// immediately afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for k, ws := range r.waiters {
		for _, w := range ws {
			w.deliver(Answer{Outcome: OutcomeTimeout})
		}
		delete(r.waiters, k)
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// expire completes waiters whose deadline has passed and reschedules.
func (r *Registry) expire() {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for k, ws := range r.waiters {
		var kept []*Waiter
		for _, w := range ws {
			if w.deadline.After(now) {
				kept = append(kept, w)
				continue
			}
			w.deliver(Answer{Outcome: OutcomeTimeout})
		}
		if len(kept) > 0 {
			r.waiters[k] = kept
		} else {
			delete(r.waiters, k)
		}
	}
	r.rescheduleLocked()
}

// rescheduleLocked arms the timer for the earliest pending deadline.
// Caller holds r.mu.
func (r *Registry) rescheduleLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.closed {
		return
	}

	var earliest time.Time
	for _, ws := range r.waiters {
		for _, w := range ws {
			if earliest.IsZero() || w.deadline.Before(earliest) {
				earliest = w.deadline
			}
		}
	}
	if earliest.IsZero() {
		return
	}

	d := time.Until(earliest)
	if d < 0 {
		d = 0
	}
	r.timer = time.AfterFunc(d, r.expire)
}

// deliver hands the answer to the waiter. The buffered channel makes a
// second delivery a no-op instead of a block.
func (w *Waiter) deliver(a Answer) {
	select {
	case w.ch <- a:
	default:
	}
}
