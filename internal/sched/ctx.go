// Package sched is the cooperative scheduling substrate: a condition
// context usable by any caller holding a *sync.Mutex, supporting blocking
// sleep with an optional absolute deadline, group wakeup, and
// interruption. Every PCB (UDP, TCP) embeds one.
package sched

import (
	"errors"
	"sync"
	"time"
)

// ErrInterrupted is returned by Sleep when the context was interrupted
// either before the call or while the caller was asleep.
var ErrInterrupted = errors.New("sched: interrupted")

// ErrBusy is returned by Destroy when waiters remain; the caller must wake
// them and let the last one to leave retry Destroy.
var ErrBusy = errors.New("sched: destroy with waiters present")

// Ctx is a condition-variable context bound to a caller-supplied mutex.
// The zero value is not usable; construct with New.
type Ctx struct {
	cond        *sync.Cond
	interrupted bool
	waiters     int
}

// New returns a Ctx whose condition variable is bound to mu. The caller
// must hold mu whenever calling Sleep/Wakeup/Interrupt/Destroy/Waiters.
func New(mu *sync.Mutex) *Ctx {
	return &Ctx{cond: sync.NewCond(mu)}
}

// Waiters reports the number of goroutines currently asleep in Sleep.
func (c *Ctx) Waiters() int { return c.waiters }

// Sleep atomically releases the bound mutex, waits for Wakeup/Interrupt or
// until deadline elapses (zero deadline means wait forever), then
// reacquires the mutex before returning. It returns ErrInterrupted if the
// context was already interrupted on entry or became interrupted while
// asleep; the last waiter to observe the interrupted flag clears it.
func (c *Ctx) Sleep(deadline time.Time) error {
	if c.interrupted {
		return ErrInterrupted
	}

	c.waiters++
	if deadline.IsZero() {
		c.cond.Wait()
	} else {
		c.timedWait(deadline)
	}
	c.waiters--

	if c.interrupted {
		if c.waiters == 0 {
			c.interrupted = false
		}
		return ErrInterrupted
	}
	return nil
}

// timedWait waits on the condition variable until either a signal arrives
// or deadline passes. sync.Cond has no native timed wait, so a timer
// goroutine performs a Broadcast at the deadline if the wait hasn't
// returned by then; this mirrors pthread_cond_timedwait's "return as if
// the condition did not trigger" contract from the caller's point of view
// (callers re-check state after Sleep returns nil).
func (c *Ctx) timedWait(deadline time.Time) {
	timer := time.AfterFunc(time.Until(deadline), c.cond.Broadcast)
	defer timer.Stop()
	c.cond.Wait()
}

// Wakeup wakes every goroutine currently asleep in Sleep without setting
// the interrupted flag.
func (c *Ctx) Wakeup() {
	c.cond.Broadcast()
}

// Interrupt sets the interrupted flag and wakes every sleeper; each will
// observe ErrInterrupted from Sleep.
func (c *Ctx) Interrupt() {
	c.interrupted = true
	c.cond.Broadcast()
}

// Destroy reports ErrBusy while any goroutine is asleep in Sleep; the
// caller is expected to Wakeup and have the resumed goroutine retry
// Destroy once it observes the owning PCB has moved to a releasing state.
func (c *Ctx) Destroy() error {
	if c.waiters > 0 {
		return ErrBusy
	}
	return nil
}
